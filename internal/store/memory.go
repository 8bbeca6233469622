package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/riskledger/internal/domain"
)

// MemoryStore is an in-memory Store for development and tests.
//
// A unit of work stages its writes privately and records the version of
// every existing entity it updates. Commit takes the store lock, checks
// that none of those versions moved, and applies all staged writes at once.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*domain.Account
	transactions map[string]*domain.Transaction
	references   map[string]string // reference -> transaction id
	cases        map[string]*domain.FraudCase
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*domain.Account),
		transactions: make(map[string]*domain.Transaction),
		references:   make(map[string]string),
		cases:        make(map[string]*domain.FraudCase),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok || a.IsClosed() {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.references[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return m.transactions[id].Clone(), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectTransactions(m.transactions, nil, q), nil
}

func (m *MemoryStore) GetCase(ctx context.Context, id string) (*domain.FraudCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListCases(ctx context.Context, q CaseQuery) ([]*domain.FraudCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectCases(m.cases, nil, q), nil
}

// WithinTx runs fn against a private staging area and commits atomically.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := newMemTx(m)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, want := range tx.base {
		if got := m.versionLocked(key); got != want {
			return fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, key.id, got, want)
		}
	}
	for id := range tx.accounts {
		if tx.created[entityKey{kindAccount, id}] {
			if _, exists := m.accounts[id]; exists {
				return fmt.Errorf("%w: account %s", ErrDuplicate, id)
			}
		}
	}
	for id, t := range tx.transactions {
		if tx.created[entityKey{kindTransaction, id}] {
			if _, exists := m.transactions[id]; exists {
				return fmt.Errorf("%w: transaction %s", ErrDuplicate, id)
			}
			if _, exists := m.references[t.Reference]; exists {
				return fmt.Errorf("%w: reference %s", ErrDuplicate, t.Reference)
			}
		}
	}
	for id := range tx.cases {
		if tx.created[entityKey{kindCase, id}] {
			if _, exists := m.cases[id]; exists {
				return fmt.Errorf("%w: case %s", ErrDuplicate, id)
			}
		}
	}

	for id, a := range tx.accounts {
		m.accounts[id] = a
	}
	for id, t := range tx.transactions {
		m.transactions[id] = t
		m.references[t.Reference] = id
	}
	for id, c := range tx.cases {
		m.cases[id] = c
	}
	return nil
}

// caller holds m.mu
func (m *MemoryStore) versionLocked(key entityKey) int64 {
	switch key.kind {
	case kindAccount:
		if a, ok := m.accounts[key.id]; ok {
			return a.Version
		}
	case kindTransaction:
		if t, ok := m.transactions[key.id]; ok {
			return t.Version
		}
	case kindCase:
		if c, ok := m.cases[key.id]; ok {
			return c.Version
		}
	}
	return 0
}

type entityKind int

const (
	kindAccount entityKind = iota
	kindTransaction
	kindCase
)

type entityKey struct {
	kind entityKind
	id   string
}

type memTx struct {
	s            *MemoryStore
	accounts     map[string]*domain.Account
	transactions map[string]*domain.Transaction
	cases        map[string]*domain.FraudCase
	created      map[entityKey]bool
	base         map[entityKey]int64 // committed version each updated entity must still have
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:            s,
		accounts:     make(map[string]*domain.Account),
		transactions: make(map[string]*domain.Transaction),
		cases:        make(map[string]*domain.FraudCase),
		created:      make(map[entityKey]bool),
		base:         make(map[entityKey]int64),
	}
}

func (tx *memTx) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	if a, ok := tx.accounts[id]; ok {
		if a.IsClosed() {
			return nil, ErrNotFound
		}
		return a.Clone(), nil
	}
	return tx.s.GetAccount(ctx, id)
}

func (tx *memTx) CreateAccount(ctx context.Context, a *domain.Account) error {
	key := entityKey{kindAccount, a.ID}
	if _, ok := tx.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", ErrDuplicate, a.ID)
	}
	tx.s.mu.RLock()
	_, exists := tx.s.accounts[a.ID]
	tx.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: account %s", ErrDuplicate, a.ID)
	}
	a.Version = 1
	tx.accounts[a.ID] = a.Clone()
	tx.created[key] = true
	return nil
}

func (tx *memTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	key := entityKey{kindAccount, a.ID}
	current, ok := tx.accounts[a.ID]
	if !ok {
		tx.s.mu.RLock()
		current, ok = tx.s.accounts[a.ID]
		tx.s.mu.RUnlock()
		if !ok {
			return ErrNotFound
		}
	}
	if err := tx.checkVersion(key, current.Version, a.Version); err != nil {
		return err
	}
	a.Version++
	tx.accounts[a.ID] = a.Clone()
	return nil
}

func (tx *memTx) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	if t, ok := tx.transactions[id]; ok {
		return t.Clone(), nil
	}
	return tx.s.GetTransaction(ctx, id)
}

func (tx *memTx) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	for _, t := range tx.transactions {
		if t.Reference == reference {
			return t.Clone(), nil
		}
	}
	return tx.s.GetTransactionByReference(ctx, reference)
}

func (tx *memTx) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if _, ok := tx.transactions[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, t.ID)
	}
	if _, err := tx.GetTransactionByReference(ctx, t.Reference); err == nil {
		return fmt.Errorf("%w: reference %s", ErrDuplicate, t.Reference)
	}
	t.Version = 1
	tx.transactions[t.ID] = t.Clone()
	tx.created[entityKey{kindTransaction, t.ID}] = true
	return nil
}

func (tx *memTx) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	key := entityKey{kindTransaction, t.ID}
	current, ok := tx.transactions[t.ID]
	if !ok {
		tx.s.mu.RLock()
		current, ok = tx.s.transactions[t.ID]
		tx.s.mu.RUnlock()
		if !ok {
			return ErrNotFound
		}
	}
	if err := tx.checkVersion(key, current.Version, t.Version); err != nil {
		return err
	}
	t.Version++
	tx.transactions[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) ListTransactions(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return selectTransactions(tx.s.transactions, tx.transactions, q), nil
}

func (tx *memTx) SumCompletedOutgoing(ctx context.Context, accountID string, since time.Time) (int64, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	var total int64
	each(tx.s.transactions, tx.transactions, func(t *domain.Transaction) {
		if t.SourceAccountID != accountID || t.Status != domain.StatusCompleted {
			return
		}
		if t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			total += t.Amount
		}
	})
	return total, nil
}

func (tx *memTx) HasPendingTransactions(ctx context.Context, accountID string) (bool, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	found := false
	each(tx.s.transactions, tx.transactions, func(t *domain.Transaction) {
		if t.Involves(accountID) && (t.Status == domain.StatusPending || t.Status == domain.StatusPendingReview) {
			found = true
		}
	})
	return found, nil
}

func (tx *memTx) GetCase(ctx context.Context, id string) (*domain.FraudCase, error) {
	if c, ok := tx.cases[id]; ok {
		return c.Clone(), nil
	}
	return tx.s.GetCase(ctx, id)
}

func (tx *memTx) CreateCase(ctx context.Context, c *domain.FraudCase) error {
	if _, ok := tx.cases[c.ID]; ok {
		return fmt.Errorf("%w: case %s", ErrDuplicate, c.ID)
	}
	c.Version = 1
	tx.cases[c.ID] = c.Clone()
	tx.created[entityKey{kindCase, c.ID}] = true
	return nil
}

func (tx *memTx) UpdateCase(ctx context.Context, c *domain.FraudCase) error {
	key := entityKey{kindCase, c.ID}
	current, ok := tx.cases[c.ID]
	if !ok {
		tx.s.mu.RLock()
		current, ok = tx.s.cases[c.ID]
		tx.s.mu.RUnlock()
		if !ok {
			return ErrNotFound
		}
	}
	if err := tx.checkVersion(key, current.Version, c.Version); err != nil {
		return err
	}
	c.Version++
	tx.cases[c.ID] = c.Clone()
	return nil
}

func (tx *memTx) ListCases(ctx context.Context, q CaseQuery) ([]*domain.FraudCase, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return selectCases(tx.s.cases, tx.cases, q), nil
}

func (tx *memTx) ActiveCaseForTransaction(ctx context.Context, transactionID string) (*domain.FraudCase, error) {
	cases, _ := tx.ListCases(ctx, CaseQuery{
		TransactionID: transactionID,
		Statuses:      []domain.CaseStatus{domain.CaseOpen, domain.CaseInvestigating},
		Limit:         1,
	})
	if len(cases) == 0 {
		return nil, ErrNotFound
	}
	return cases[0], nil
}

func (tx *memTx) Savepoint(ctx context.Context, fn func() error) error {
	accounts := copyMap(tx.accounts)
	transactions := copyMap(tx.transactions)
	cases := copyMap(tx.cases)
	created := copyMap(tx.created)
	base := copyMap(tx.base)

	if err := fn(); err != nil {
		tx.accounts, tx.transactions, tx.cases = accounts, transactions, cases
		tx.created, tx.base = created, base
		return err
	}
	return nil
}

// checkVersion verifies the caller updates the version it read and records
// the committed version the entity must still carry at commit time.
func (tx *memTx) checkVersion(key entityKey, current, expected int64) error {
	if current != expected {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, key.id, current, expected)
	}
	if tx.created[key] {
		return nil
	}
	if _, ok := tx.base[key]; !ok {
		tx.base[key] = expected
	}
	return nil
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// each visits committed transactions overlaid with staged ones.
func each(committed, staged map[string]*domain.Transaction, fn func(t *domain.Transaction)) {
	for id, t := range committed {
		if s, ok := staged[id]; ok {
			t = s
		}
		fn(t)
	}
	for id, t := range staged {
		if _, ok := committed[id]; !ok {
			fn(t)
		}
	}
}

func selectTransactions(committed, staged map[string]*domain.Transaction, q TransactionQuery) []*domain.Transaction {
	var out []*domain.Transaction
	each(committed, staged, func(t *domain.Transaction) {
		if q.matches(t) {
			out = append(out, t.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := limitOrDefault(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func selectCases(committed, staged map[string]*domain.FraudCase, q CaseQuery) []*domain.FraudCase {
	var out []*domain.FraudCase
	visit := func(c *domain.FraudCase) {
		if q.matches(c) {
			out = append(out, c.Clone())
		}
	}
	for id, c := range committed {
		if s, ok := staged[id]; ok {
			c = s
		}
		visit(c)
	}
	for id, c := range staged {
		if _, ok := committed[id]; !ok {
			visit(c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := limitOrDefault(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}
