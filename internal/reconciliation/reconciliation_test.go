package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskledger/internal/clock"
	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/store"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st  *store.MemoryStore
	svc *Service
	seq int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	return &fixture{
		st:  st,
		svc: NewService(st, time.Hour, nil).WithClock(clock.NewMock(now)),
	}
}

func (f *fixture) account(t *testing.T, id string, balance, pending int64) {
	t.Helper()
	require.NoError(t, f.st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, &domain.Account{
			ID: id, OwnerID: "usr_1", Type: domain.AccountChecking, Currency: "USD",
			Balance: balance, PendingAmount: pending, AvailableBalance: balance - pending,
			IsActive: true, CreatedAt: now.Add(-48 * time.Hour),
		})
	}))
}

// txn records a transaction created ago before now. completed marks it as
// having settled at some point.
func (f *fixture) txn(t *testing.T, src, dst string, amount int64, status domain.TransactionStatus, completed bool, ago time.Duration) *domain.Transaction {
	t.Helper()
	f.seq++
	created := now.Add(-ago)
	txn := &domain.Transaction{
		ID:                   fmt.Sprintf("txn_%04d", f.seq),
		Reference:            fmt.Sprintf("TXN-20260302-%012d", f.seq),
		SourceAccountID:      src,
		DestinationAccountID: dst,
		Amount:               amount,
		Currency:             "USD",
		Type:                 domain.TypeTransfer,
		Status:               status,
		CreatedAt:            created,
		UpdatedAt:            created,
	}
	if completed {
		txn.CompletedAt = &created
	}
	require.NoError(t, f.st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateTransaction(ctx, txn)
	}))
	return txn
}

func TestCheckAccount_Match(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc_a", 75, 0)
	f.account(t, "acc_b", 25, 0)
	f.txn(t, "", "acc_a", 100, domain.StatusCompleted, true, time.Hour)
	f.txn(t, "acc_a", "acc_b", 25, domain.StatusCompleted, true, time.Minute)
	f.txn(t, "acc_a", "acc_b", 999, domain.StatusFailed, false, time.Minute)
	f.txn(t, "acc_a", "acc_b", 50, domain.StatusPendingReview, false, time.Minute)

	rep, err := f.svc.CheckAccount(context.Background(), "acc_a")
	require.NoError(t, err)
	assert.True(t, rep.Match)
	assert.Equal(t, int64(75), rep.ExpectedBalance)
	assert.Zero(t, rep.ExpectedPending)
	assert.Equal(t, 4, rep.Transactions)
	assert.Equal(t, now, rep.CheckedAt)
}

func TestCheckAccount_ReversedOriginalStillCounts(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc_a", 100, 0)
	f.account(t, "acc_b", 0, 0)
	f.txn(t, "", "acc_a", 100, domain.StatusCompleted, true, time.Hour)
	f.txn(t, "acc_a", "acc_b", 40, domain.StatusReversed, true, 30*time.Minute)
	f.txn(t, "acc_b", "acc_a", 40, domain.StatusCompleted, true, 10*time.Minute)

	for _, id := range []string{"acc_a", "acc_b"} {
		rep, err := f.svc.CheckAccount(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, rep.Match, id)
	}
}

func TestCheckAccount_PendingReserve(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc_a", 100, 30)
	f.txn(t, "", "acc_a", 100, domain.StatusCompleted, true, time.Hour)
	f.txn(t, "acc_a", "", 30, domain.StatusPending, false, time.Minute)

	rep, err := f.svc.CheckAccount(context.Background(), "acc_a")
	require.NoError(t, err)
	assert.Equal(t, int64(30), rep.ExpectedPending)
	assert.True(t, rep.Match)
}

func TestCheckAccount_Mismatch(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc_a", 80, 0)
	f.txn(t, "", "acc_a", 100, domain.StatusCompleted, true, time.Hour)

	rep, err := f.svc.CheckAccount(context.Background(), "acc_a")
	require.NoError(t, err)
	assert.False(t, rep.Match)
	assert.Equal(t, int64(80), rep.Balance)
	assert.Equal(t, int64(100), rep.ExpectedBalance)
}

func TestCheckAccount_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckAccount(context.Background(), "acc_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCheckAccount_WalksEveryPage(t *testing.T) {
	f := newFixture(t)
	n := scanPageSize*2 + 7
	f.account(t, "acc_a", int64(n), 0)
	for i := 0; i < n; i++ {
		f.txn(t, "", "acc_a", 1, domain.StatusCompleted, true, time.Duration(i%3)*time.Second)
	}

	rep, err := f.svc.CheckAccount(context.Background(), "acc_a")
	require.NoError(t, err)
	assert.Equal(t, n, rep.Transactions)
	assert.True(t, rep.Match)
}

func TestOrphanedHolds(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc_a", 0, 0)
	guarded := f.txn(t, "acc_a", "", 10, domain.StatusPendingReview, false, time.Minute)
	orphan := f.txn(t, "acc_a", "", 20, domain.StatusPendingReview, false, time.Minute)
	resolved := f.txn(t, "acc_a", "", 30, domain.StatusPendingReview, false, time.Minute)

	require.NoError(t, f.st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateCase(ctx, &domain.FraudCase{
			ID: "case_1", TransactionID: guarded.ID, AccountID: "acc_a",
			DetectionType: domain.DetectionML, Status: domain.CaseInvestigating, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.CreateCase(ctx, &domain.FraudCase{
			ID: "case_2", TransactionID: resolved.ID, AccountID: "acc_a",
			DetectionType: domain.DetectionML, Status: domain.CaseResolvedGenuine, CreatedAt: now,
		})
	}))

	holds, err := f.svc.OrphanedHolds(context.Background())
	require.NoError(t, err)
	ids := []string{}
	for _, h := range holds {
		ids = append(ids, h.TransactionID)
	}
	assert.ElementsMatch(t, []string{orphan.ID, resolved.ID}, ids)
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	f.account(t, "acc_ok", 100, 0)
	f.account(t, "acc_bad", 5, 0)
	f.account(t, "acc_old", 7, 0)
	f.txn(t, "", "acc_ok", 100, domain.StatusCompleted, true, time.Minute)
	f.txn(t, "", "acc_bad", 10, domain.StatusCompleted, true, time.Minute)
	// outside the window, so never checked even though it is wrong
	f.txn(t, "", "acc_old", 1, domain.StatusCompleted, true, 2*time.Hour)
	f.txn(t, "acc_ok", "", 1, domain.StatusPendingReview, false, time.Minute)

	rep, err := f.svc.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.AccountsChecked)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, "acc_bad", rep.Mismatches[0].AccountID)
	assert.Len(t, rep.OrphanedHolds, 1)
	assert.False(t, rep.Healthy())

	assert.Equal(t, 1.0, testutil.ToFloat64(balanceMismatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(orphanedHolds))
	assert.Equal(t, 2.0, testutil.ToFloat64(accountsChecked))
}

func TestRunAll_Clean(t *testing.T) {
	f := newFixture(t)
	rep, err := f.svc.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy())
	assert.NotNil(t, rep.Mismatches)
	assert.NotNil(t, rep.OrphanedHolds)
}

type failingReader struct{ store.Reader }

func (failingReader) ListTransactions(context.Context, store.TransactionQuery) ([]*domain.Transaction, error) {
	return nil, errors.New("db gone")
}

func TestRunAll_ReaderFailure(t *testing.T) {
	svc := NewService(failingReader{store.NewMemoryStore()}, time.Hour, nil)
	_, err := svc.RunAll(context.Background())
	assert.True(t, errors.Is(err, domain.ErrProcessing))
}

func TestTimer_StopEndsLoop(t *testing.T) {
	f := newFixture(t)
	tm := NewTimer(f.svc, 10*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		tm.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return tm.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, tm.Running())

	tm.Stop()
	tm.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, tm.Running())
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.account(t, "acc_a", 10, 0)
	f.txn(t, "", "acc_a", 10, domain.StatusCompleted, true, time.Minute)

	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/v1/accounts/acc_a/reconciliation")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"match":true`)

	assert.Equal(t, http.StatusNotFound, get("/v1/accounts/acc_zzz/reconciliation").Code)
	assert.Equal(t, http.StatusBadRequest, get("/v1/accounts/txn_1/reconciliation").Code)

	w = get("/v1/reconciliation")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)
}
