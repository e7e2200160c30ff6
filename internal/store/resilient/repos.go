package resilient

import (
	"context"

	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
)

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return run(ctx, s, "list_accounts", s.inner.ListAccounts)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	return run(ctx, s, "get_account", func(ctx context.Context) (model.Account, error) {
		return s.inner.GetAccount(ctx, accountID)
	})
}

func (s *Store) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	if a.ID == "" {
		a.ID = id.New()
	}
	return create(ctx, s, "create_account", a.ID, s.inner.GetAccount, func(ctx context.Context) (model.Account, error) {
		return s.inner.CreateAccount(ctx, a)
	})
}

func (s *Store) UpdateAccount(ctx context.Context, accountID string, p store.AccountPatch) (model.Account, error) {
	return run(ctx, s, "update_account", func(ctx context.Context) (model.Account, error) {
		return s.inner.UpdateAccount(ctx, accountID, p)
	})
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return exec(ctx, s, "delete_account", func(ctx context.Context) error {
		return s.inner.DeleteAccount(ctx, accountID)
	})
}

func (s *Store) ListBranches(ctx context.Context) ([]model.Branch, error) {
	return run(ctx, s, "list_branches", s.inner.ListBranches)
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (model.Branch, error) {
	return run(ctx, s, "get_branch", func(ctx context.Context) (model.Branch, error) {
		return s.inner.GetBranch(ctx, branchID)
	})
}

func (s *Store) CreateBranch(ctx context.Context, b model.Branch) (model.Branch, error) {
	if b.ID == "" {
		b.ID = id.New()
	}
	return create(ctx, s, "create_branch", b.ID, s.inner.GetBranch, func(ctx context.Context) (model.Branch, error) {
		return s.inner.CreateBranch(ctx, b)
	})
}

func (s *Store) UpdateBranch(ctx context.Context, branchID string, p store.BranchPatch) (model.Branch, error) {
	return run(ctx, s, "update_branch", func(ctx context.Context) (model.Branch, error) {
		return s.inner.UpdateBranch(ctx, branchID, p)
	})
}

func (s *Store) DeleteBranch(ctx context.Context, branchID string) error {
	return exec(ctx, s, "delete_branch", func(ctx context.Context) error {
		return s.inner.DeleteBranch(ctx, branchID)
	})
}

func (s *Store) ListListings(ctx context.Context) ([]model.Listing, error) {
	return run(ctx, s, "list_listings", s.inner.ListListings)
}

func (s *Store) GetListing(ctx context.Context, listingID string) (model.Listing, error) {
	return run(ctx, s, "get_listing", func(ctx context.Context) (model.Listing, error) {
		return s.inner.GetListing(ctx, listingID)
	})
}

func (s *Store) CreateListing(ctx context.Context, l model.Listing) (model.Listing, error) {
	if l.ID == "" {
		l.ID = id.New()
	}
	return create(ctx, s, "create_listing", l.ID, s.inner.GetListing, func(ctx context.Context) (model.Listing, error) {
		return s.inner.CreateListing(ctx, l)
	})
}

func (s *Store) UpdateListing(ctx context.Context, listingID string, p store.ListingPatch) (model.Listing, error) {
	return run(ctx, s, "update_listing", func(ctx context.Context) (model.Listing, error) {
		return s.inner.UpdateListing(ctx, listingID, p)
	})
}

func (s *Store) DeleteListing(ctx context.Context, listingID string) error {
	return exec(ctx, s, "delete_listing", func(ctx context.Context) error {
		return s.inner.DeleteListing(ctx, listingID)
	})
}

func (s *Store) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	return run(ctx, s, "list_transactions", s.inner.ListTransactions)
}

func (s *Store) GetTransaction(ctx context.Context, txID string) (model.Transaction, error) {
	return run(ctx, s, "get_transaction", func(ctx context.Context) (model.Transaction, error) {
		return s.inner.GetTransaction(ctx, txID)
	})
}

// CreateTransaction relies on the wrapped store's idempotency key handling;
// the id lookup covers records created without a key.
func (s *Store) CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error) {
	if t.ID == "" {
		t.ID = id.New()
	}
	return create(ctx, s, "create_transaction", t.ID, s.inner.GetTransaction, func(ctx context.Context) (model.Transaction, error) {
		return s.inner.CreateTransaction(ctx, t)
	})
}

func (s *Store) UpdateTransaction(ctx context.Context, txID string, p store.TransactionPatch) (model.Transaction, error) {
	return run(ctx, s, "update_transaction", func(ctx context.Context) (model.Transaction, error) {
		return s.inner.UpdateTransaction(ctx, txID, p)
	})
}

func (s *Store) ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error) {
	return run(ctx, s, "list_withdrawals", s.inner.ListWithdrawals)
}

func (s *Store) GetWithdrawal(ctx context.Context, withdrawalID string) (model.WithdrawalRequest, error) {
	return run(ctx, s, "get_withdrawal", func(ctx context.Context) (model.WithdrawalRequest, error) {
		return s.inner.GetWithdrawal(ctx, withdrawalID)
	})
}

func (s *Store) CreateWithdrawal(ctx context.Context, w model.WithdrawalRequest) (model.WithdrawalRequest, error) {
	if w.ID == "" {
		w.ID = id.New()
	}
	return create(ctx, s, "create_withdrawal", w.ID, s.inner.GetWithdrawal, func(ctx context.Context) (model.WithdrawalRequest, error) {
		return s.inner.CreateWithdrawal(ctx, w)
	})
}

func (s *Store) UpdateWithdrawal(ctx context.Context, withdrawalID string, p store.WithdrawalPatch) (model.WithdrawalRequest, error) {
	return run(ctx, s, "update_withdrawal", func(ctx context.Context) (model.WithdrawalRequest, error) {
		return s.inner.UpdateWithdrawal(ctx, withdrawalID, p)
	})
}
