package transaction

import (
	"context"
	"testing"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/fraudcase"
	"github.com/mbd888/riskledger/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverse_Symmetry(t *testing.T) {
	e := newEnv(t, risk.StaticProvider{})
	ctx := context.Background()
	x := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	y := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	e.fund(t, x.ID, 1000)
	x0, y0 := e.account(t, x.ID).Balance, e.account(t, y.ID).Balance

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeTransfer, SourceAccountID: x.ID, DestinationAccountID: y.ID, Amount: 250})
	require.NoError(t, err)
	orig := res.Transaction

	refund, err := e.coord.Reverse(ctx, orig.ID, "customer dispute")
	require.NoError(t, err)
	assert.Equal(t, domain.TypeRefund, refund.Type)
	assert.Equal(t, domain.StatusCompleted, refund.Status)
	assert.Equal(t, y.ID, refund.SourceAccountID)
	assert.Equal(t, x.ID, refund.DestinationAccountID)
	assert.Equal(t, orig.Amount, refund.Amount)
	assert.Equal(t, orig.Currency, refund.Currency)
	assert.Equal(t, []string{orig.ID}, refund.RelatedTransactions)
	assert.Equal(t, "Reversal of "+orig.Reference+": customer dispute", refund.Description)

	reversed, err := e.coord.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReversed, reversed.Status)
	assert.Equal(t, []string{refund.ID}, reversed.RelatedTransactions)
	last := reversed.StatusHistory[len(reversed.StatusHistory)-1]
	assert.Equal(t, domain.StatusReversed, last.Status)

	assert.Equal(t, x0, e.account(t, x.ID).Balance)
	assert.Equal(t, y0, e.account(t, y.ID).Balance)

	_, err = e.coord.Reverse(ctx, orig.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = e.coord.Reverse(ctx, refund.ID, "undo the undo")
	require.NoError(t, err, "a completed refund is itself reversible")
}

func TestReverse_Preconditions(t *testing.T) {
	e := newEnv(t, risk.StaticProvider{})
	ctx := context.Background()
	x := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	y := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	e.fund(t, x.ID, 500)

	_, err := e.coord.Reverse(ctx, "txn_missing", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeTransfer, SourceAccountID: x.ID, DestinationAccountID: y.ID, Amount: 200})
	require.NoError(t, err)

	_, err = e.coord.Reverse(ctx, res.Transaction.ID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	// y spends the money before the reversal.
	_, err = e.coord.Submit(ctx, Request{Type: domain.TypeWithdrawal, SourceAccountID: y.ID, Amount: 150})
	require.NoError(t, err)
	_, err = e.coord.Reverse(ctx, res.Transaction.ID, "dispute")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	stored, err := e.coord.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestReverse_FrozenAccountsStillParticipate(t *testing.T) {
	e := newEnv(t, risk.StaticProvider{})
	ctx := context.Background()
	x := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	y := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	e.fund(t, x.ID, 500)

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeTransfer, SourceAccountID: x.ID, DestinationAccountID: y.ID, Amount: 200})
	require.NoError(t, err)
	_, err = e.ledger.Freeze(ctx, y.ID)
	require.NoError(t, err)

	_, err = e.coord.Reverse(ctx, res.Transaction.ID, "fraud")
	require.NoError(t, err)
	assert.Equal(t, int64(500), e.account(t, x.ID).Balance)
}

func TestReverse_HeldTransactionIsRejected(t *testing.T) {
	e := newEnv(t, risk.StaticProvider{Score: 1.0}, withThreshold(0.5))
	ctx := context.Background()
	a := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	e.fund(t, a.ID, 100) // held as well, the deposit never lands

	held, err := e.coord.ListByStatus(ctx, domain.StatusPendingReview, 0)
	require.NoError(t, err)
	require.Len(t, held, 1)

	_, err = e.coord.Reverse(ctx, held[0].ID, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Zero(t, e.account(t, a.ID).Balance)
}

func TestCaseReversalAction(t *testing.T) {
	e := newEnv(t, risk.StaticProvider{})
	ctx := context.Background()
	x := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	y := e.open(t, domain.AccountChecking, 0, domain.Limits{})
	e.fund(t, x.ID, 400)

	res, err := e.coord.Submit(ctx, Request{Type: domain.TypeTransfer, SourceAccountID: x.ID, DestinationAccountID: y.ID, Amount: 400})
	require.NoError(t, err)

	c, err := e.cases.Report(ctx, fraudcase.ReportRequest{TransactionID: res.Transaction.ID, Description: "account takeover"})
	require.NoError(t, err)
	_, err = e.cases.AddAction(ctx, c.ID, fraudcase.ActionRequest{Type: domain.ActionTransactionReversal, Actor: "analyst"})
	require.NoError(t, err)

	orig, err := e.coord.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReversed, orig.Status)
	assert.Equal(t, int64(400), e.account(t, x.ID).Balance)
	assert.Zero(t, e.account(t, y.ID).Balance)
}
