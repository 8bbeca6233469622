package transaction

import (
	"context"
	"testing"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/fraudcase"
	"github.com/mbd888/riskledger/internal/risk"
	"github.com/mbd888/riskledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdingEnv holds every transaction: the model says 1.0 and the threshold
// is 0.5.
func holdingEnv(t *testing.T) (*env, *domain.Account, *domain.Account) {
	t.Helper()
	e := newEnv(t, risk.StaticProvider{Score: 1.0}, withThreshold(0.5))
	src := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	dst := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	require.NoError(t, e.st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return e.ledger.ApplyMutation(ctx, tx, "", src.ID, 1000, domain.StatusCompleted)
	}))
	return e, src, dst
}

func fraudPatch(status domain.CaseStatus) fraudcase.Patch {
	return fraudcase.Patch{Status: &status, Actor: "analyst"}
}

func TestRelease_GenuineCaseSettles(t *testing.T) {
	e, src, dst := holdingEnv(t)
	ctx := context.Background()

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeTransfer, SourceAccountID: src.ID, DestinationAccountID: dst.ID, Amount: 300})
	require.NoError(t, err)
	require.True(t, res.Held)
	require.NotNil(t, res.Case)

	_, err = e.cases.UpdateCase(ctx, res.Case.ID, fraudPatch(domain.CaseResolvedGenuine))
	require.NoError(t, err)

	got, err := e.coord.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(700), e.account(t, src.ID).Balance)
	assert.Equal(t, int64(300), e.account(t, dst.ID).Balance)
}

func TestRelease_FraudCaseFailsAndFreezes(t *testing.T) {
	e, src, dst := holdingEnv(t)
	ctx := context.Background()

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeTransfer, SourceAccountID: src.ID, DestinationAccountID: dst.ID, Amount: 300})
	require.NoError(t, err)

	_, err = e.cases.UpdateCase(ctx, res.Case.ID, fraudPatch(domain.CaseResolvedFraud))
	require.NoError(t, err)

	got, err := e.coord.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.True(t, e.account(t, src.ID).IsFrozen)
	assert.Equal(t, int64(1000), e.account(t, src.ID).Balance)
	assert.Zero(t, e.account(t, dst.ID).Balance)
}

func TestRelease_GenuineButFundsGone(t *testing.T) {
	e, src, dst := holdingEnv(t)
	ctx := context.Background()

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeTransfer, SourceAccountID: src.ID, DestinationAccountID: dst.ID, Amount: 800})
	require.NoError(t, err)

	// Drain the account out of band.
	require.NoError(t, e.st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return e.ledger.ApplyMutation(ctx, tx, src.ID, "", 500, domain.StatusCompleted)
	}))

	_, err = e.cases.UpdateCase(ctx, res.Case.ID, fraudPatch(domain.CaseResolvedGenuine))
	require.NoError(t, err)

	got, err := e.coord.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.StatusHistory[len(got.StatusHistory)-1].Note, "release failed")
	assert.Equal(t, int64(500), e.account(t, src.ID).Balance)
}

func TestRelease_WithoutCase(t *testing.T) {
	e, src, _ := holdingEnv(t)
	ctx := context.Background()
	e.coord.WithEscalator(nil)

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeWithdrawal, SourceAccountID: src.ID, Amount: 100})
	require.NoError(t, err)
	require.True(t, res.Held)
	assert.Nil(t, res.Case)

	got, err := e.coord.Release(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	_, err = e.coord.Release(ctx, res.Transaction.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRelease_RefusedWhileCaseOpen(t *testing.T) {
	e, src, _ := holdingEnv(t)
	ctx := context.Background()

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeWithdrawal, SourceAccountID: src.ID, Amount: 100})
	require.NoError(t, err)

	_, err = e.coord.Release(ctx, res.Transaction.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
