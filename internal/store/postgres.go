package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/migrations"
	"github.com/pressly/goose/v3"
)

// PostgresStore implements Store on PostgreSQL. Units of work run at
// SERIALIZABLE isolation and lock the rows they read for update, so two
// operations touching the same account serialize on its row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies all pending embedded migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, p.db)
}

// Migrate applies all pending embedded migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return getAccount(ctx, p.db, id, false)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, p.db, "id", id, false)
}

func (p *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return getTransaction(ctx, p.db, "reference", reference, false)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, error) {
	return listTransactions(ctx, p.db, q)
}

func (p *PostgresStore) GetCase(ctx context.Context, id string) (*domain.FraudCase, error) {
	return getCase(ctx, p.db, id, false)
}

func (p *PostgresStore) ListCases(ctx context.Context, q CaseQuery) ([]*domain.FraudCase, error) {
	return listCases(ctx, p.db, q, false)
}

// WithinTx runs fn in a serializable transaction. Serialization failures
// and deadlocks are reported as ErrConflict so the caller can retry.
func (p *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapPGError(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return mapPGError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPGError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapPGError translates retryable and constraint errors to store sentinels,
// keeping the original in the chain.
func mapPGError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case "23505": // unique_violation
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	}
	return err
}

type pgTx struct {
	tx         *sql.Tx
	savepoints int
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return getAccount(ctx, t.tx, id, true)
}

func (t *pgTx) CreateAccount(ctx context.Context, a *domain.Account) error {
	a.Version = 1
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, type, currency, balance, available_balance, pending_amount,
			credit_limit, per_transaction_limit, daily_limit, is_active, is_frozen, risk_score,
			version, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, a.ID, a.OwnerID, string(a.Type), a.Currency, a.Balance, a.AvailableBalance, a.PendingAmount,
		a.CreditLimit, a.Limits.PerTransaction, a.Limits.Daily, a.IsActive, a.IsFrozen, a.RiskScore,
		a.Version, a.CreatedAt, a.UpdatedAt, a.ClosedAt)
	if err != nil {
		return mapPGError(fmt.Errorf("insert account: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance = $3, available_balance = $4, pending_amount = $5, credit_limit = $6,
			per_transaction_limit = $7, daily_limit = $8, is_active = $9, is_frozen = $10,
			risk_score = $11, updated_at = $12, closed_at = $13, version = version + 1
		WHERE id = $1 AND version = $2
	`, a.ID, a.Version, a.Balance, a.AvailableBalance, a.PendingAmount, a.CreditLimit,
		a.Limits.PerTransaction, a.Limits.Daily, a.IsActive, a.IsFrozen, a.RiskScore,
		a.UpdatedAt, a.ClosedAt)
	if err != nil {
		return mapPGError(fmt.Errorf("update account: %w", err))
	}
	if err := t.checkCAS(ctx, res, "accounts", a.ID); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, "id", id, true)
}

func (t *pgTx) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, "reference", reference, true)
}

func (t *pgTx) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	txn.Version = 1
	history, meta, err := marshalTransactionJSON(txn)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, reference, source_account_id, destination_account_id, amount,
			currency, type, status, status_history, fraud_score, fraud_reviewed, related_transactions,
			description, metadata, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, txn.ID, txn.Reference, nullString(txn.SourceAccountID), nullString(txn.DestinationAccountID),
		txn.Amount, txn.Currency, string(txn.Type), string(txn.Status), history, txn.FraudScore,
		txn.FraudReviewed, pq.Array(txn.RelatedTransactions), txn.Description, meta, txn.Version,
		txn.CreatedAt, txn.UpdatedAt, txn.CompletedAt)
	if err != nil {
		return mapPGError(fmt.Errorf("insert transaction: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *domain.Transaction) error {
	history, meta, err := marshalTransactionJSON(txn)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $3, status_history = $4, fraud_score = $5, fraud_reviewed = $6,
			related_transactions = $7, description = $8, metadata = $9, updated_at = $10,
			completed_at = $11, version = version + 1
		WHERE id = $1 AND version = $2
	`, txn.ID, txn.Version, string(txn.Status), history, txn.FraudScore, txn.FraudReviewed,
		pq.Array(txn.RelatedTransactions), txn.Description, meta, txn.UpdatedAt, txn.CompletedAt)
	if err != nil {
		return mapPGError(fmt.Errorf("update transaction: %w", err))
	}
	if err := t.checkCAS(ctx, res, "transactions", txn.ID); err != nil {
		return err
	}
	txn.Version++
	return nil
}

func (t *pgTx) ListTransactions(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, error) {
	return listTransactions(ctx, t.tx, q)
}

// SumCompletedOutgoing is a plain aggregate, not a range lock: the daily
// limit check built on it is best-effort under concurrency.
func (t *pgTx) SumCompletedOutgoing(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE source_account_id = $1 AND status = 'completed' AND completed_at >= $2
	`, accountID, since).Scan(&total)
	if err != nil {
		return 0, mapPGError(fmt.Errorf("sum completed: %w", err))
	}
	return total, nil
}

func (t *pgTx) HasPendingTransactions(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE (source_account_id = $1 OR destination_account_id = $1)
			  AND status IN ('pending', 'pending_review')
		)
	`, accountID).Scan(&exists)
	if err != nil {
		return false, mapPGError(fmt.Errorf("pending lookup: %w", err))
	}
	return exists, nil
}

func (t *pgTx) GetCase(ctx context.Context, id string) (*domain.FraudCase, error) {
	return getCase(ctx, t.tx, id, true)
}

func (t *pgTx) CreateCase(ctx context.Context, c *domain.FraudCase) error {
	c.Version = 1
	actions, notes, err := marshalCaseJSON(c)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO fraud_cases (id, user_id, account_id, transaction_id, detection_type, fraud_score,
			status, description, actions, notes, resolution_date, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, c.ID, c.UserID, nullString(c.AccountID), nullString(c.TransactionID), string(c.DetectionType),
		c.FraudScore, string(c.Status), c.Description, actions, notes, c.ResolutionDate, c.Version,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return mapPGError(fmt.Errorf("insert case: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateCase(ctx context.Context, c *domain.FraudCase) error {
	actions, notes, err := marshalCaseJSON(c)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE fraud_cases SET
			status = $3, description = $4, actions = $5, notes = $6, resolution_date = $7,
			fraud_score = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
	`, c.ID, c.Version, string(c.Status), c.Description, actions, notes, c.ResolutionDate,
		c.FraudScore, c.UpdatedAt)
	if err != nil {
		return mapPGError(fmt.Errorf("update case: %w", err))
	}
	if err := t.checkCAS(ctx, res, "fraud_cases", c.ID); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (t *pgTx) ListCases(ctx context.Context, q CaseQuery) ([]*domain.FraudCase, error) {
	return listCases(ctx, t.tx, q, false)
}

func (t *pgTx) ActiveCaseForTransaction(ctx context.Context, transactionID string) (*domain.FraudCase, error) {
	cases, err := listCases(ctx, t.tx, CaseQuery{
		TransactionID: transactionID,
		Statuses:      []domain.CaseStatus{domain.CaseOpen, domain.CaseInvestigating},
		Limit:         1,
	}, true)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, ErrNotFound
	}
	return cases[0], nil
}

func (t *pgTx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return mapPGError(fmt.Errorf("savepoint: %w", err))
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return mapPGError(fmt.Errorf("release savepoint: %w", err))
	}
	return nil
}

// checkCAS turns a zero-row versioned update into ErrNotFound or ErrConflict.
func (t *pgTx) checkCAS(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	// table is one of three constants above, never caller input.
	err = t.tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists) // #nosec G202
	if err != nil {
		return mapPGError(err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s %s", ErrConflict, table, id)
}

const accountColumns = `id, owner_id, type, currency, balance, available_balance, pending_amount,
	credit_limit, per_transaction_limit, daily_limit, is_active, is_frozen, risk_score, version,
	created_at, updated_at, closed_at`

func getAccount(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts WHERE id = $1 AND closed_at IS NULL"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var a domain.Account
	var typ string
	err := q.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.OwnerID, &typ, &a.Currency, &a.Balance,
		&a.AvailableBalance, &a.PendingAmount, &a.CreditLimit, &a.Limits.PerTransaction, &a.Limits.Daily,
		&a.IsActive, &a.IsFrozen, &a.RiskScore, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPGError(fmt.Errorf("get account: %w", err))
	}
	a.Type = domain.AccountType(typ)
	return &a, nil
}

const transactionColumns = `id, reference, COALESCE(source_account_id, ''), COALESCE(destination_account_id, ''),
	amount, currency, type, status, status_history, fraud_score, fraud_reviewed, related_transactions,
	description, metadata, version, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var typ, status string
	var history, meta []byte
	var related pq.StringArray
	err := row.Scan(&t.ID, &t.Reference, &t.SourceAccountID, &t.DestinationAccountID, &t.Amount,
		&t.Currency, &typ, &status, &history, &t.FraudScore, &t.FraudReviewed, &related,
		&t.Description, &meta, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(typ)
	t.Status = domain.TransactionStatus(status)
	t.RelatedTransactions = []string(related)
	if err := json.Unmarshal(history, &t.StatusHistory); err != nil {
		return nil, fmt.Errorf("decode status history: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func getTransaction(ctx context.Context, q querier, column, value string, forUpdate bool) (*domain.Transaction, error) {
	// column is "id" or "reference", chosen by this package.
	query := "SELECT " + transactionColumns + " FROM transactions WHERE " + column + " = $1" // #nosec G202
	if forUpdate {
		query += " FOR UPDATE"
	}
	t, err := scanTransaction(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPGError(fmt.Errorf("get transaction: %w", err))
	}
	return t, nil
}

func listTransactions(ctx context.Context, q querier, tq TransactionQuery) ([]*domain.Transaction, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if tq.AccountID != "" {
		p := arg(tq.AccountID)
		where = append(where, "(source_account_id = "+p+" OR destination_account_id = "+p+")")
	}
	if tq.SourceAccountID != "" {
		where = append(where, "source_account_id = "+arg(tq.SourceAccountID))
	}
	if len(tq.Statuses) > 0 {
		statuses := make([]string, len(tq.Statuses))
		for i, s := range tq.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if !tq.Since.IsZero() {
		where = append(where, "created_at >= "+arg(tq.Since))
	}
	if !tq.Until.IsZero() {
		where = append(where, "created_at < "+arg(tq.Until))
	}
	if tq.After != nil {
		where = append(where, "(created_at, id) < ("+arg(tq.After.CreatedAt)+", "+arg(tq.After.ID)+")")
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limitOrDefault(tq.Limit))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPGError(fmt.Errorf("list transactions: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const caseColumns = `id, user_id, COALESCE(account_id, ''), COALESCE(transaction_id, ''), detection_type,
	fraud_score, status, description, actions, notes, resolution_date, version, created_at, updated_at`

func scanCase(row rowScanner) (*domain.FraudCase, error) {
	var c domain.FraudCase
	var detection, status string
	var actions, notes []byte
	err := row.Scan(&c.ID, &c.UserID, &c.AccountID, &c.TransactionID, &detection, &c.FraudScore,
		&status, &c.Description, &actions, &notes, &c.ResolutionDate, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.DetectionType = domain.DetectionType(detection)
	c.Status = domain.CaseStatus(status)
	if err := json.Unmarshal(actions, &c.Actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &c.Notes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
	}
	return &c, nil
}

func getCase(ctx context.Context, q querier, id string, forUpdate bool) (*domain.FraudCase, error) {
	query := "SELECT " + caseColumns + " FROM fraud_cases WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	c, err := scanCase(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPGError(fmt.Errorf("get case: %w", err))
	}
	return c, nil
}

func listCases(ctx context.Context, q querier, cq CaseQuery, forUpdate bool) ([]*domain.FraudCase, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if cq.TransactionID != "" {
		where = append(where, "transaction_id = "+arg(cq.TransactionID))
	}
	if cq.AccountID != "" {
		where = append(where, "account_id = "+arg(cq.AccountID))
	}
	if len(cq.Statuses) > 0 {
		statuses := make([]string, len(cq.Statuses))
		for i, s := range cq.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}

	query := "SELECT " + caseColumns + " FROM fraud_cases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limitOrDefault(cq.Limit))
	if forUpdate {
		query += " FOR UPDATE"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPGError(fmt.Errorf("list cases: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.FraudCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func marshalTransactionJSON(t *domain.Transaction) (history, meta []byte, err error) {
	history, err = json.Marshal(t.StatusHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("encode status history: %w", err)
	}
	meta, err = json.Marshal(t.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return history, meta, nil
}

func marshalCaseJSON(c *domain.FraudCase) (actions, notes []byte, err error) {
	if c.Actions == nil {
		actions = []byte("[]")
	} else if actions, err = json.Marshal(c.Actions); err != nil {
		return nil, nil, fmt.Errorf("encode actions: %w", err)
	}
	if c.Notes == nil {
		notes = []byte("[]")
	} else if notes, err = json.Marshal(c.Notes); err != nil {
		return nil, nil, fmt.Errorf("encode notes: %w", err)
	}
	return actions, notes, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
