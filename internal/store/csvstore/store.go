// Package csvstore keeps each entity in its own CSV file inside a data
// directory. Every write rewrites the file through a temp file and rename, so
// a crash leaves either the old or the new file.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
)

// File names inside the data directory.
const (
	AccountsFile     = "accounts.csv"
	BranchesFile     = "branches.csv"
	ListingsFile     = "listings.csv"
	TransactionsFile = "transactions.csv"
	WithdrawalsFile  = "withdrawals.csv"
)

// table describes how one entity maps onto its file.
type table[T any] struct {
	entity    store.Entity
	file      string
	header    []string
	marshal   func(T) []string
	unmarshal func([]string) (T, error)
	key       func(*T) *string
}

var (
	accounts = table[model.Account]{
		entity: store.EntityAccount, file: AccountsFile, header: accountHeader,
		marshal: MarshalAccount, unmarshal: UnmarshalAccount,
		key: func(a *model.Account) *string { return &a.ID },
	}
	branches = table[model.Branch]{
		entity: store.EntityBranch, file: BranchesFile, header: branchHeader,
		marshal: MarshalBranch, unmarshal: UnmarshalBranch,
		key: func(b *model.Branch) *string { return &b.ID },
	}
	listings = table[model.Listing]{
		entity: store.EntityListing, file: ListingsFile, header: listingHeader,
		marshal: MarshalListing, unmarshal: UnmarshalListing,
		key: func(l *model.Listing) *string { return &l.ID },
	}
	transactions = table[model.Transaction]{
		entity: store.EntityTransaction, file: TransactionsFile, header: transactionHeader,
		marshal: MarshalTransaction, unmarshal: UnmarshalTransaction,
		key: func(t *model.Transaction) *string { return &t.ID },
	}
	withdrawals = table[model.WithdrawalRequest]{
		entity: store.EntityWithdrawal, file: WithdrawalsFile, header: withdrawalHeader,
		marshal: MarshalWithdrawal, unmarshal: UnmarshalWithdrawal,
		key: func(w *model.WithdrawalRequest) *string { return &w.ID },
	}
)

// Store implements store.Store over a directory of CSV files. It serializes
// access within one process; it does not lock against other processes.
type Store struct {
	store.Notifier

	dir string
	mu  sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New returns a Store rooted at dir. Files are created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir is the data directory.
func (s *Store) Dir() string { return s.dir }

// Init creates the data directory and a header-only file for every entity
// that has no file yet.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(
		initFile(s.dir, accounts),
		initFile(s.dir, branches),
		initFile(s.dir, listings),
		initFile(s.dir, transactions),
		initFile(s.dir, withdrawals),
	)
}

func initFile[T any](dir string, t table[T]) error {
	if _, err := os.Stat(filepath.Join(dir, t.file)); err == nil {
		return nil
	}
	return save(dir, t, nil)
}

// load reads every row of t. A missing file is an empty table.
func load[T any](dir string, t table[T]) ([]T, error) {
	path := filepath.Join(dir, t.file)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.External("open "+t.file, err)
	}
	defer f.Close()

	rows, err := readRows(f, t)
	if err != nil {
		return nil, apperr.External("read "+t.file, err)
	}
	return rows, nil
}

func readRows[T any](r io.Reader, t table[T]) ([]T, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(t.header)

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.file, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	// Skip header row.
	rows := make([]T, 0, len(records)-1)
	for i, rec := range records[1:] {
		v, err := t.unmarshal(rec)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", t.file, i+2, err)
		}
		rows = append(rows, v)
	}
	return rows, nil
}

// save replaces the file of t with rows.
func save[T any](dir string, t table[T], rows []T) error {
	tmp, err := os.CreateTemp(dir, "."+t.file+".*")
	if err != nil {
		return apperr.External("write "+t.file, err)
	}
	defer os.Remove(tmp.Name())

	if err := writeRows(tmp, t, rows); err != nil {
		tmp.Close()
		return apperr.External("write "+t.file, err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.External("write "+t.file, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, t.file)); err != nil {
		return apperr.External("replace "+t.file, err)
	}
	return nil
}

func writeRows[T any](w io.Writer, t table[T], rows []T) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, v := range rows {
		if err := cw.Write(t.marshal(v)); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func indexOf[T any](t table[T], rows []T, key string) int {
	for i := range rows {
		if *t.key(&rows[i]) == key {
			return i
		}
	}
	return -1
}

func list[T any](s *Store, t table[T]) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return load(s.dir, t)
}

func get[T any](s *Store, t table[T], key string) (T, error) {
	var zero T
	rows, err := list(s, t)
	if err != nil {
		return zero, err
	}
	i := indexOf(t, rows, key)
	if i < 0 {
		return zero, apperr.NotFound(string(t.entity), key)
	}
	return rows[i], nil
}

// create appends v. When existing finds a matching row, that row is
// returned and nothing is written.
func create[T any](s *Store, t table[T], v T, existing func([]T) (T, bool)) (T, error) {
	var zero T
	s.mu.Lock()
	rows, err := load(s.dir, t)
	if err != nil {
		s.mu.Unlock()
		return zero, err
	}
	if existing != nil {
		if prev, ok := existing(rows); ok {
			s.mu.Unlock()
			return prev, nil
		}
	}
	key := t.key(&v)
	if *key == "" {
		*key = id.New()
	}
	if indexOf(t, rows, *key) >= 0 {
		s.mu.Unlock()
		return zero, apperr.Validation("id", "%s %s already exists", t.entity, *key)
	}
	err = save(s.dir, t, append(rows, v))
	s.mu.Unlock()
	if err != nil {
		return zero, err
	}

	s.Publish(store.Change{Entity: t.entity, Op: store.OpCreated, ID: *key})
	return v, nil
}

func update[T any](s *Store, t table[T], key string, apply func(T) T) (T, error) {
	var zero T
	s.mu.Lock()
	rows, err := load(s.dir, t)
	if err != nil {
		s.mu.Unlock()
		return zero, err
	}
	i := indexOf(t, rows, key)
	if i < 0 {
		s.mu.Unlock()
		return zero, apperr.NotFound(string(t.entity), key)
	}
	rows[i] = apply(rows[i])
	*t.key(&rows[i]) = key
	err = save(s.dir, t, rows)
	s.mu.Unlock()
	if err != nil {
		return zero, err
	}

	s.Publish(store.Change{Entity: t.entity, Op: store.OpUpdated, ID: key})
	return rows[i], nil
}

func remove[T any](s *Store, t table[T], key string) error {
	s.mu.Lock()
	rows, err := load(s.dir, t)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	i := indexOf(t, rows, key)
	if i < 0 {
		s.mu.Unlock()
		return apperr.NotFound(string(t.entity), key)
	}
	err = save(s.dir, t, append(rows[:i], rows[i+1:]...))
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.Publish(store.Change{Entity: t.entity, Op: store.OpDeleted, ID: key})
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return list(s, accounts)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	return get(s, accounts, accountID)
}

func (s *Store) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	return create(s, accounts, a, nil)
}

func (s *Store) UpdateAccount(ctx context.Context, accountID string, p store.AccountPatch) (model.Account, error) {
	return update(s, accounts, accountID, p.Apply)
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return remove(s, accounts, accountID)
}

func (s *Store) ListBranches(ctx context.Context) ([]model.Branch, error) {
	return list(s, branches)
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (model.Branch, error) {
	return get(s, branches, branchID)
}

func (s *Store) CreateBranch(ctx context.Context, b model.Branch) (model.Branch, error) {
	return create(s, branches, b, nil)
}

func (s *Store) UpdateBranch(ctx context.Context, branchID string, p store.BranchPatch) (model.Branch, error) {
	return update(s, branches, branchID, p.Apply)
}

func (s *Store) DeleteBranch(ctx context.Context, branchID string) error {
	return remove(s, branches, branchID)
}

func (s *Store) ListListings(ctx context.Context) ([]model.Listing, error) {
	return list(s, listings)
}

func (s *Store) GetListing(ctx context.Context, listingID string) (model.Listing, error) {
	return get(s, listings, listingID)
}

func (s *Store) CreateListing(ctx context.Context, l model.Listing) (model.Listing, error) {
	return create(s, listings, l, nil)
}

func (s *Store) UpdateListing(ctx context.Context, listingID string, p store.ListingPatch) (model.Listing, error) {
	return update(s, listings, listingID, p.Apply)
}

func (s *Store) DeleteListing(ctx context.Context, listingID string) error {
	return remove(s, listings, listingID)
}

func (s *Store) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	return list(s, transactions)
}

func (s *Store) GetTransaction(ctx context.Context, txID string) (model.Transaction, error) {
	return get(s, transactions, txID)
}

// CreateTransaction returns the existing record when one with the same
// idempotency key is already stored.
func (s *Store) CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error) {
	if t.IdempotencyKey == "" {
		return create(s, transactions, t, nil)
	}
	return create(s, transactions, t, func(rows []model.Transaction) (model.Transaction, bool) {
		for _, prev := range rows {
			if prev.IdempotencyKey == t.IdempotencyKey {
				return prev, true
			}
		}
		return model.Transaction{}, false
	})
}

func (s *Store) UpdateTransaction(ctx context.Context, txID string, p store.TransactionPatch) (model.Transaction, error) {
	return update(s, transactions, txID, p.Apply)
}

func (s *Store) ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error) {
	return list(s, withdrawals)
}

func (s *Store) GetWithdrawal(ctx context.Context, withdrawalID string) (model.WithdrawalRequest, error) {
	return get(s, withdrawals, withdrawalID)
}

func (s *Store) CreateWithdrawal(ctx context.Context, w model.WithdrawalRequest) (model.WithdrawalRequest, error) {
	return create(s, withdrawals, w, nil)
}

func (s *Store) UpdateWithdrawal(ctx context.Context, withdrawalID string, p store.WithdrawalPatch) (model.WithdrawalRequest, error) {
	return update(s, withdrawals, withdrawalID, p.Apply)
}
