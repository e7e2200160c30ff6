// Package postgres implements store.Store on PostgreSQL through database/sql
// and lib/pq. Updates read the row FOR UPDATE, apply the patch and write it
// back inside one database transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint failure.
const pgUniqueViolation = "23505"

// Store implements store.Store over a *sql.DB.
type Store struct {
	store.Notifier

	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, sizes the pool and pings the server.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return New(db), nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// mapErr classifies a driver error.
func mapErr(op string, entity store.Entity, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(string(entity), key)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return apperr.Validation("id", "%s %s already exists", entity, key)
	}
	return apperr.External(op, err)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeOf(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

// --- accounts ---------------------------------------------------------------

const accountColumns = `id, name, email, phone, kind, is_bank, plan, custom_max_listings, custom_max_highlights,
	wallet_balance, topup_balance, favorites, following, status, bank_details, created_at`

func accountArgs(a model.Account) []any {
	var maxListings, maxHighlights sql.NullInt64
	if a.CustomLimits != nil {
		maxListings = sql.NullInt64{Int64: int64(a.CustomLimits.MaxListings), Valid: true}
		maxHighlights = sql.NullInt64{Int64: int64(a.CustomLimits.MaxHighlights), Valid: true}
	}
	return []any{
		a.ID, a.Name, a.Email, a.Phone, string(a.Kind), a.IsBank, string(a.Plan), maxListings, maxHighlights,
		a.WalletBalance, a.TopUpBalance, pq.StringArray(a.Favorites), pq.StringArray(a.Following),
		string(a.Status), a.BankDetails, nullTime(a.CreatedAt),
	}
}

func scanAccount(r rowScanner) (model.Account, error) {
	var (
		a                          model.Account
		maxListings, maxHighlights sql.NullInt64
		favorites, following       pq.StringArray
		createdAt                  sql.NullTime
	)
	err := r.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &a.Kind, &a.IsBank, &a.Plan, &maxListings, &maxHighlights,
		&a.WalletBalance, &a.TopUpBalance, &favorites, &following, &a.Status, &a.BankDetails, &createdAt)
	if err != nil {
		return model.Account{}, err
	}
	if maxListings.Valid && maxHighlights.Valid {
		a.CustomLimits = &model.CustomLimits{MaxListings: int(maxListings.Int64), MaxHighlights: int(maxHighlights.Int64)}
	}
	if len(favorites) > 0 {
		a.Favorites = favorites
	}
	if len(following) > 0 {
		a.Following = following
	}
	a.CreatedAt = timeOf(createdAt)
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, apperr.External("list accounts", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, apperr.External("list accounts", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.External("list accounts", err)
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		return model.Account{}, mapErr("get account", store.EntityAccount, accountID, err)
	}
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	if a.ID == "" {
		a.ID = id.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, accountArgs(a)...)
	if err != nil {
		return model.Account{}, mapErr("create account", store.EntityAccount, a.ID, err)
	}
	s.Publish(store.Change{Entity: store.EntityAccount, Op: store.OpCreated, ID: a.ID})
	return a, nil
}

func (s *Store) UpdateAccount(ctx context.Context, accountID string, p store.AccountPatch) (model.Account, error) {
	var out model.Account
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
		if err != nil {
			return err
		}
		out = p.Apply(a)
		out.ID = accountID
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET name = $2, email = $3, phone = $4, kind = $5, is_bank = $6, plan = $7,
				custom_max_listings = $8, custom_max_highlights = $9, wallet_balance = $10, topup_balance = $11,
				favorites = $12, following = $13, status = $14, bank_details = $15, created_at = $16
			WHERE id = $1
		`, accountArgs(out)...)
		return err
	})
	if err != nil {
		return model.Account{}, mapErr("update account", store.EntityAccount, accountID, err)
	}
	s.Publish(store.Change{Entity: store.EntityAccount, Op: store.OpUpdated, ID: accountID})
	return out, nil
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.deleteRow(ctx, `DELETE FROM accounts WHERE id = $1`, store.EntityAccount, accountID)
}

// deleteRow runs a single-row delete and reports a missing row as NotFound.
func (s *Store) deleteRow(ctx context.Context, query string, entity store.Entity, key string) error {
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return mapErr("delete "+string(entity), entity, key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound(string(entity), key)
	}
	s.Publish(store.Change{Entity: entity, Op: store.OpDeleted, ID: key})
	return nil
}

// --- branches ---------------------------------------------------------------

const branchColumns = `id, parent_account_id, name, email, phone, address`

func branchArgs(b model.Branch) []any {
	return []any{b.ID, b.ParentAccountID, b.Name, b.Email, b.Phone, b.Address}
}

func scanBranch(r rowScanner) (model.Branch, error) {
	var b model.Branch
	err := r.Scan(&b.ID, &b.ParentAccountID, &b.Name, &b.Email, &b.Phone, &b.Address)
	return b, err
}

func (s *Store) ListBranches(ctx context.Context) ([]model.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY parent_account_id, id`)
	if err != nil {
		return nil, apperr.External("list branches", err)
	}
	defer rows.Close()

	var out []model.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, apperr.External("list branches", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.External("list branches", err)
	}
	return out, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (model.Branch, error) {
	b, err := scanBranch(s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = $1`, branchID))
	if err != nil {
		return model.Branch{}, mapErr("get branch", store.EntityBranch, branchID, err)
	}
	return b, nil
}

func (s *Store) CreateBranch(ctx context.Context, b model.Branch) (model.Branch, error) {
	if b.ID == "" {
		b.ID = id.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (`+branchColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
	`, branchArgs(b)...)
	if err != nil {
		return model.Branch{}, mapErr("create branch", store.EntityBranch, b.ID, err)
	}
	s.Publish(store.Change{Entity: store.EntityBranch, Op: store.OpCreated, ID: b.ID})
	return b, nil
}

func (s *Store) UpdateBranch(ctx context.Context, branchID string, p store.BranchPatch) (model.Branch, error) {
	var out model.Branch
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBranch(tx.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = $1 FOR UPDATE`, branchID))
		if err != nil {
			return err
		}
		out = p.Apply(b)
		out.ID = branchID
		_, err = tx.ExecContext(ctx, `
			UPDATE branches SET parent_account_id = $2, name = $3, email = $4, phone = $5, address = $6
			WHERE id = $1
		`, branchArgs(out)...)
		return err
	})
	if err != nil {
		return model.Branch{}, mapErr("update branch", store.EntityBranch, branchID, err)
	}
	s.Publish(store.Change{Entity: store.EntityBranch, Op: store.OpUpdated, ID: branchID})
	return out, nil
}

func (s *Store) DeleteBranch(ctx context.Context, branchID string) error {
	return s.deleteRow(ctx, `DELETE FROM branches WHERE id = $1`, store.EntityBranch, branchID)
}

// --- listings ---------------------------------------------------------------

const listingColumns = `id, owner_id, owner_display_name, title, price, category, highlighted, created_at`

func listingArgs(l model.Listing) []any {
	return []any{l.ID, l.OwnerID, l.OwnerDisplayName, l.Title, l.Price, l.Category, l.Highlighted, nullTime(l.CreatedAt)}
}

func scanListing(r rowScanner) (model.Listing, error) {
	var (
		l         model.Listing
		createdAt sql.NullTime
	)
	if err := r.Scan(&l.ID, &l.OwnerID, &l.OwnerDisplayName, &l.Title, &l.Price, &l.Category, &l.Highlighted, &createdAt); err != nil {
		return model.Listing{}, err
	}
	l.CreatedAt = timeOf(createdAt)
	return l, nil
}

func (s *Store) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY created_at, id`)
	if err != nil {
		return nil, apperr.External("list listings", err)
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, apperr.External("list listings", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.External("list listings", err)
	}
	return out, nil
}

func (s *Store) GetListing(ctx context.Context, listingID string) (model.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, listingID))
	if err != nil {
		return model.Listing{}, mapErr("get listing", store.EntityListing, listingID, err)
	}
	return l, nil
}

func (s *Store) CreateListing(ctx context.Context, l model.Listing) (model.Listing, error) {
	if l.ID == "" {
		l.ID = id.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, listingArgs(l)...)
	if err != nil {
		return model.Listing{}, mapErr("create listing", store.EntityListing, l.ID, err)
	}
	s.Publish(store.Change{Entity: store.EntityListing, Op: store.OpCreated, ID: l.ID})
	return l, nil
}

func (s *Store) UpdateListing(ctx context.Context, listingID string, p store.ListingPatch) (model.Listing, error) {
	var out model.Listing
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		l, err := scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
		if err != nil {
			return err
		}
		out = p.Apply(l)
		out.ID = listingID
		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET owner_id = $2, owner_display_name = $3, title = $4, price = $5,
				category = $6, highlighted = $7, created_at = $8
			WHERE id = $1
		`, listingArgs(out)...)
		return err
	})
	if err != nil {
		return model.Listing{}, mapErr("update listing", store.EntityListing, listingID, err)
	}
	s.Publish(store.Change{Entity: store.EntityListing, Op: store.OpUpdated, ID: listingID})
	return out, nil
}

func (s *Store) DeleteListing(ctx context.Context, listingID string) error {
	return s.deleteRow(ctx, `DELETE FROM listings WHERE id = $1`, store.EntityListing, listingID)
}

// --- transactions -----------------------------------------------------------

const transactionColumns = `id, account_id, counterparty_name, amount, category, method, status, ts,
	reference, proof_ref, idempotency_key, settled, plan_type, listing_id`

func transactionArgs(t model.Transaction) []any {
	return []any{
		t.ID, t.AccountID, t.CounterpartyName, t.Amount, string(t.Category), string(t.Method), string(t.Status), t.Timestamp.UTC(),
		t.Reference, t.ProofRef, nullString(t.IdempotencyKey), t.Settled, string(t.PlanType), t.ListingID,
	}
}

func scanTransaction(r rowScanner) (model.Transaction, error) {
	var (
		t   model.Transaction
		key sql.NullString
	)
	err := r.Scan(&t.ID, &t.AccountID, &t.CounterpartyName, &t.Amount, &t.Category, &t.Method, &t.Status, &t.Timestamp,
		&t.Reference, &t.ProofRef, &key, &t.Settled, &t.PlanType, &t.ListingID)
	if err != nil {
		return model.Transaction{}, err
	}
	if !t.Category.Valid() {
		return model.Transaction{}, fmt.Errorf("transaction %s: unknown category %q", t.ID, t.Category)
	}
	t.IdempotencyKey = key.String
	t.Timestamp = t.Timestamp.UTC()
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY ts, id`)
	if err != nil {
		return nil, apperr.External("list transactions", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.External("list transactions", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.External("list transactions", err)
	}
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, txID string) (model.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, txID))
	if err != nil {
		return model.Transaction{}, mapErr("get transaction", store.EntityTransaction, txID, err)
	}
	return t, nil
}

// CreateTransaction inserts t unless its idempotency key is taken, in which
// case the stored record is returned.
func (s *Store) CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error) {
	if t.ID == "" {
		t.ID = id.New()
	}
	var insertedID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, transactionArgs(t)...).Scan(&insertedID)
	if errors.Is(err, sql.ErrNoRows) && t.IdempotencyKey != "" {
		prev, err := scanTransaction(s.db.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, t.IdempotencyKey))
		if err != nil {
			return model.Transaction{}, mapErr("create transaction", store.EntityTransaction, t.IdempotencyKey, err)
		}
		return prev, nil
	}
	if err != nil {
		return model.Transaction{}, mapErr("create transaction", store.EntityTransaction, t.ID, err)
	}
	s.Publish(store.Change{Entity: store.EntityTransaction, Op: store.OpCreated, ID: t.ID})
	return t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, txID string, p store.TransactionPatch) (model.Transaction, error) {
	var out model.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, txID))
		if err != nil {
			return err
		}
		out = p.Apply(t)
		out.ID = txID
		_, err = tx.ExecContext(ctx, `UPDATE transactions SET status = $2, settled = $3, proof_ref = $4 WHERE id = $1`,
			txID, string(out.Status), out.Settled, out.ProofRef)
		return err
	})
	if err != nil {
		return model.Transaction{}, mapErr("update transaction", store.EntityTransaction, txID, err)
	}
	s.Publish(store.Change{Entity: store.EntityTransaction, Op: store.OpUpdated, ID: txID})
	return out, nil
}

// --- withdrawals ------------------------------------------------------------

const withdrawalColumns = `id, account_id, amount, status, bank_details, request_date, processed_at`

func withdrawalArgs(w model.WithdrawalRequest) []any {
	return []any{w.ID, w.AccountID, w.Amount, string(w.Status), w.BankDetails, w.RequestDate.UTC(), nullTime(w.ProcessedAt)}
}

func scanWithdrawal(r rowScanner) (model.WithdrawalRequest, error) {
	var (
		w           model.WithdrawalRequest
		processedAt sql.NullTime
	)
	if err := r.Scan(&w.ID, &w.AccountID, &w.Amount, &w.Status, &w.BankDetails, &w.RequestDate, &processedAt); err != nil {
		return model.WithdrawalRequest{}, err
	}
	w.RequestDate = w.RequestDate.UTC()
	w.ProcessedAt = timeOf(processedAt)
	return w, nil
}

func (s *Store) ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals ORDER BY request_date, id`)
	if err != nil {
		return nil, apperr.External("list withdrawals", err)
	}
	defer rows.Close()

	var out []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, apperr.External("list withdrawals", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.External("list withdrawals", err)
	}
	return out, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, withdrawalID string) (model.WithdrawalRequest, error) {
	w, err := scanWithdrawal(s.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, withdrawalID))
	if err != nil {
		return model.WithdrawalRequest{}, mapErr("get withdrawal", store.EntityWithdrawal, withdrawalID, err)
	}
	return w, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w model.WithdrawalRequest) (model.WithdrawalRequest, error) {
	if w.ID == "" {
		w.ID = id.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, withdrawalArgs(w)...)
	if err != nil {
		return model.WithdrawalRequest{}, mapErr("create withdrawal", store.EntityWithdrawal, w.ID, err)
	}
	s.Publish(store.Change{Entity: store.EntityWithdrawal, Op: store.OpCreated, ID: w.ID})
	return w, nil
}

func (s *Store) UpdateWithdrawal(ctx context.Context, withdrawalID string, p store.WithdrawalPatch) (model.WithdrawalRequest, error) {
	var out model.WithdrawalRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := scanWithdrawal(tx.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, withdrawalID))
		if err != nil {
			return err
		}
		out = p.Apply(w)
		out.ID = withdrawalID
		_, err = tx.ExecContext(ctx, `UPDATE withdrawals SET status = $2, processed_at = $3 WHERE id = $1`,
			withdrawalID, string(out.Status), nullTime(out.ProcessedAt))
		return err
	})
	if err != nil {
		return model.WithdrawalRequest{}, mapErr("update withdrawal", store.EntityWithdrawal, withdrawalID, err)
	}
	s.Publish(store.Change{Entity: store.EntityWithdrawal, Op: store.OpUpdated, ID: withdrawalID})
	return out, nil
}
