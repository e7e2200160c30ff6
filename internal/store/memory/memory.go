// Package memory is an in-process data store used by tests and single-process
// deployments. It is safe for concurrent use.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
)

// table keeps rows in insertion order.
type table[T any] struct {
	rows  map[string]T
	order []string
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]T)}
}

func (t *table[T]) list() []T {
	out := make([]T, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.rows[k])
	}
	return out
}

func (t *table[T]) insert(key string, v T) {
	if _, ok := t.rows[key]; !ok {
		t.order = append(t.order, key)
	}
	t.rows[key] = v
}

func (t *table[T]) remove(key string) bool {
	if _, ok := t.rows[key]; !ok {
		return false
	}
	delete(t.rows, key)
	t.order = slices.DeleteFunc(t.order, func(k string) bool { return k == key })
	return true
}

// Store implements store.Store in memory.
type Store struct {
	store.Notifier

	mu           sync.RWMutex
	accounts     *table[model.Account]
	branches     *table[model.Branch]
	listings     *table[model.Listing]
	transactions *table[model.Transaction]
	withdrawals  *table[model.WithdrawalRequest]
	byIdemKey    map[string]string // idempotency key -> transaction id
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:     newTable[model.Account](),
		branches:     newTable[model.Branch](),
		listings:     newTable[model.Listing](),
		transactions: newTable[model.Transaction](),
		withdrawals:  newTable[model.WithdrawalRequest](),
		byIdemKey:    make(map[string]string),
	}
}

func (s *Store) notify(e store.Entity, op store.ChangeOp, recordID string) {
	s.Publish(store.Change{Entity: e, Op: op, ID: recordID})
}

func cloneAccount(a model.Account) model.Account {
	a.Favorites = slices.Clone(a.Favorites)
	a.Following = slices.Clone(a.Following)
	if a.CustomLimits != nil {
		cl := *a.CustomLimits
		a.CustomLimits = &cl
	}
	return a
}

// Accounts.

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.accounts.list()
	for i := range out {
		out[i] = cloneAccount(out[i])
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts.rows[accountID]
	if !ok {
		return model.Account{}, apperr.NotFound(string(store.EntityAccount), accountID)
	}
	return cloneAccount(a), nil
}

func (s *Store) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	s.mu.Lock()
	if a.ID == "" {
		a.ID = id.New()
	}
	if _, ok := s.accounts.rows[a.ID]; ok {
		s.mu.Unlock()
		return model.Account{}, apperr.Validation("id", "account %s already exists", a.ID)
	}
	a = cloneAccount(a)
	s.accounts.insert(a.ID, a)
	s.mu.Unlock()

	s.notify(store.EntityAccount, store.OpCreated, a.ID)
	return cloneAccount(a), nil
}

func (s *Store) UpdateAccount(ctx context.Context, accountID string, p store.AccountPatch) (model.Account, error) {
	s.mu.Lock()
	a, ok := s.accounts.rows[accountID]
	if !ok {
		s.mu.Unlock()
		return model.Account{}, apperr.NotFound(string(store.EntityAccount), accountID)
	}
	a = p.Apply(cloneAccount(a))
	s.accounts.insert(accountID, a)
	s.mu.Unlock()

	s.notify(store.EntityAccount, store.OpUpdated, accountID)
	return cloneAccount(a), nil
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	ok := s.accounts.remove(accountID)
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound(string(store.EntityAccount), accountID)
	}
	s.notify(store.EntityAccount, store.OpDeleted, accountID)
	return nil
}

// Branches.

func (s *Store) ListBranches(ctx context.Context) ([]model.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branches.list(), nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (model.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches.rows[branchID]
	if !ok {
		return model.Branch{}, apperr.NotFound(string(store.EntityBranch), branchID)
	}
	return b, nil
}

func (s *Store) CreateBranch(ctx context.Context, b model.Branch) (model.Branch, error) {
	s.mu.Lock()
	if b.ID == "" {
		b.ID = id.New()
	}
	if _, ok := s.branches.rows[b.ID]; ok {
		s.mu.Unlock()
		return model.Branch{}, apperr.Validation("id", "branch %s already exists", b.ID)
	}
	s.branches.insert(b.ID, b)
	s.mu.Unlock()

	s.notify(store.EntityBranch, store.OpCreated, b.ID)
	return b, nil
}

func (s *Store) UpdateBranch(ctx context.Context, branchID string, p store.BranchPatch) (model.Branch, error) {
	s.mu.Lock()
	b, ok := s.branches.rows[branchID]
	if !ok {
		s.mu.Unlock()
		return model.Branch{}, apperr.NotFound(string(store.EntityBranch), branchID)
	}
	b = p.Apply(b)
	s.branches.insert(branchID, b)
	s.mu.Unlock()

	s.notify(store.EntityBranch, store.OpUpdated, branchID)
	return b, nil
}

func (s *Store) DeleteBranch(ctx context.Context, branchID string) error {
	s.mu.Lock()
	ok := s.branches.remove(branchID)
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound(string(store.EntityBranch), branchID)
	}
	s.notify(store.EntityBranch, store.OpDeleted, branchID)
	return nil
}

// Listings.

func (s *Store) ListListings(ctx context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listings.list(), nil
}

func (s *Store) GetListing(ctx context.Context, listingID string) (model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings.rows[listingID]
	if !ok {
		return model.Listing{}, apperr.NotFound(string(store.EntityListing), listingID)
	}
	return l, nil
}

func (s *Store) CreateListing(ctx context.Context, l model.Listing) (model.Listing, error) {
	s.mu.Lock()
	if l.ID == "" {
		l.ID = id.New()
	}
	if _, ok := s.listings.rows[l.ID]; ok {
		s.mu.Unlock()
		return model.Listing{}, apperr.Validation("id", "listing %s already exists", l.ID)
	}
	s.listings.insert(l.ID, l)
	s.mu.Unlock()

	s.notify(store.EntityListing, store.OpCreated, l.ID)
	return l, nil
}

func (s *Store) UpdateListing(ctx context.Context, listingID string, p store.ListingPatch) (model.Listing, error) {
	s.mu.Lock()
	l, ok := s.listings.rows[listingID]
	if !ok {
		s.mu.Unlock()
		return model.Listing{}, apperr.NotFound(string(store.EntityListing), listingID)
	}
	l = p.Apply(l)
	s.listings.insert(listingID, l)
	s.mu.Unlock()

	s.notify(store.EntityListing, store.OpUpdated, listingID)
	return l, nil
}

func (s *Store) DeleteListing(ctx context.Context, listingID string) error {
	s.mu.Lock()
	ok := s.listings.remove(listingID)
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound(string(store.EntityListing), listingID)
	}
	s.notify(store.EntityListing, store.OpDeleted, listingID)
	return nil
}

// Transactions.

func (s *Store) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactions.list(), nil
}

func (s *Store) GetTransaction(ctx context.Context, txID string) (model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions.rows[txID]
	if !ok {
		return model.Transaction{}, apperr.NotFound(string(store.EntityTransaction), txID)
	}
	return t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error) {
	s.mu.Lock()
	if t.IdempotencyKey != "" {
		if existing, ok := s.byIdemKey[t.IdempotencyKey]; ok {
			prev := s.transactions.rows[existing]
			s.mu.Unlock()
			return prev, nil
		}
	}
	if t.ID == "" {
		t.ID = id.New()
	}
	if _, ok := s.transactions.rows[t.ID]; ok {
		s.mu.Unlock()
		return model.Transaction{}, apperr.Validation("id", "transaction %s already exists", t.ID)
	}
	s.transactions.insert(t.ID, t)
	if t.IdempotencyKey != "" {
		s.byIdemKey[t.IdempotencyKey] = t.ID
	}
	s.mu.Unlock()

	s.notify(store.EntityTransaction, store.OpCreated, t.ID)
	return t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, txID string, p store.TransactionPatch) (model.Transaction, error) {
	s.mu.Lock()
	t, ok := s.transactions.rows[txID]
	if !ok {
		s.mu.Unlock()
		return model.Transaction{}, apperr.NotFound(string(store.EntityTransaction), txID)
	}
	t = p.Apply(t)
	s.transactions.insert(txID, t)
	s.mu.Unlock()

	s.notify(store.EntityTransaction, store.OpUpdated, txID)
	return t, nil
}

// Withdrawals.

func (s *Store) ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.withdrawals.list(), nil
}

func (s *Store) GetWithdrawal(ctx context.Context, withdrawalID string) (model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals.rows[withdrawalID]
	if !ok {
		return model.WithdrawalRequest{}, apperr.NotFound(string(store.EntityWithdrawal), withdrawalID)
	}
	return w, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w model.WithdrawalRequest) (model.WithdrawalRequest, error) {
	s.mu.Lock()
	if w.ID == "" {
		w.ID = id.New()
	}
	if _, ok := s.withdrawals.rows[w.ID]; ok {
		s.mu.Unlock()
		return model.WithdrawalRequest{}, apperr.Validation("id", "withdrawal %s already exists", w.ID)
	}
	s.withdrawals.insert(w.ID, w)
	s.mu.Unlock()

	s.notify(store.EntityWithdrawal, store.OpCreated, w.ID)
	return w, nil
}

func (s *Store) UpdateWithdrawal(ctx context.Context, withdrawalID string, p store.WithdrawalPatch) (model.WithdrawalRequest, error) {
	s.mu.Lock()
	w, ok := s.withdrawals.rows[withdrawalID]
	if !ok {
		s.mu.Unlock()
		return model.WithdrawalRequest{}, apperr.NotFound(string(store.EntityWithdrawal), withdrawalID)
	}
	w = p.Apply(w)
	s.withdrawals.insert(withdrawalID, w)
	s.mu.Unlock()

	s.notify(store.EntityWithdrawal, store.OpUpdated, withdrawalID)
	return w, nil
}
