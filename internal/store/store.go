// Package store defines the data store contract consumed by the engines: one
// repository per entity plus change notifications. Adapters live in the
// memory, csvstore and postgres subpackages; resilient wraps any of them.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/marketledger/internal/model"
)

// Entity names a record type for notifications and errors.
type Entity string

const (
	EntityAccount     Entity = "account"
	EntityBranch      Entity = "branch"
	EntityListing     Entity = "listing"
	EntityTransaction Entity = "transaction"
	EntityWithdrawal  Entity = "withdrawal"
)

// AccountRepository is CRUD over accounts.
type AccountRepository interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	GetAccount(ctx context.Context, id string) (model.Account, error)
	CreateAccount(ctx context.Context, a model.Account) (model.Account, error)
	UpdateAccount(ctx context.Context, id string, p AccountPatch) (model.Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

// BranchRepository is CRUD over branches.
type BranchRepository interface {
	ListBranches(ctx context.Context) ([]model.Branch, error)
	GetBranch(ctx context.Context, id string) (model.Branch, error)
	CreateBranch(ctx context.Context, b model.Branch) (model.Branch, error)
	UpdateBranch(ctx context.Context, id string, p BranchPatch) (model.Branch, error)
	DeleteBranch(ctx context.Context, id string) error
}

// ListingRepository is CRUD over listings.
type ListingRepository interface {
	ListListings(ctx context.Context) ([]model.Listing, error)
	GetListing(ctx context.Context, id string) (model.Listing, error)
	CreateListing(ctx context.Context, l model.Listing) (model.Listing, error)
	UpdateListing(ctx context.Context, id string, p ListingPatch) (model.Listing, error)
	DeleteListing(ctx context.Context, id string) error
}

// TransactionRepository stores ledger transactions. Transactions are never deleted.
//
// CreateTransaction is idempotent on IdempotencyKey: when a record with the
// same non-empty key exists, it is returned unchanged and nothing is written.
type TransactionRepository interface {
	ListTransactions(ctx context.Context) ([]model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (model.Transaction, error)
	CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, p TransactionPatch) (model.Transaction, error)
}

// WithdrawalRepository stores withdrawal requests. Requests are never deleted.
type WithdrawalRepository interface {
	ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error)
	CreateWithdrawal(ctx context.Context, w model.WithdrawalRequest) (model.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, id string, p WithdrawalPatch) (model.WithdrawalRequest, error)
}

// Store is the full data store collaborator.
type Store interface {
	AccountRepository
	BranchRepository
	ListingRepository
	TransactionRepository
	WithdrawalRepository
	Watcher
}

// AccountPatch is a partial account update. Nil fields are left unchanged.
type AccountPatch struct {
	Name              *string
	Email             *string
	Phone             *string
	WalletBalance     *decimal.Decimal
	TopUpBalance      *decimal.Decimal
	Plan              *model.PlanType
	CustomLimits      *model.CustomLimits
	ClearCustomLimits bool
	Status            *model.AccountStatus
	BankDetails       *string
	Favorites         *[]string
	Following         *[]string
}

// Apply returns a with the patch applied.
func (p AccountPatch) Apply(a model.Account) model.Account {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.Phone != nil {
		a.Phone = *p.Phone
	}
	if p.WalletBalance != nil {
		a.WalletBalance = *p.WalletBalance
	}
	if p.TopUpBalance != nil {
		a.TopUpBalance = *p.TopUpBalance
	}
	if p.Plan != nil {
		a.Plan = *p.Plan
	}
	if p.ClearCustomLimits {
		a.CustomLimits = nil
	}
	if p.CustomLimits != nil {
		cl := *p.CustomLimits
		a.CustomLimits = &cl
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.BankDetails != nil {
		a.BankDetails = *p.BankDetails
	}
	if p.Favorites != nil {
		a.Favorites = slices.Clone(*p.Favorites)
	}
	if p.Following != nil {
		a.Following = slices.Clone(*p.Following)
	}
	return a
}

// BranchPatch is a partial branch update.
type BranchPatch struct {
	Name    *string
	Email   *string
	Phone   *string
	Address *string
}

// Apply returns b with the patch applied.
func (p BranchPatch) Apply(b model.Branch) model.Branch {
	if p.Name != nil {
		b.Name = *p.Name
	}
	if p.Email != nil {
		b.Email = *p.Email
	}
	if p.Phone != nil {
		b.Phone = *p.Phone
	}
	if p.Address != nil {
		b.Address = *p.Address
	}
	return b
}

// ListingPatch is a partial listing update.
type ListingPatch struct {
	Title       *string
	Price       *decimal.Decimal
	Category    *string
	Highlighted *bool
}

// Apply returns l with the patch applied.
func (p ListingPatch) Apply(l model.Listing) model.Listing {
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Price != nil {
		l.Price = *p.Price
	}
	if p.Category != nil {
		l.Category = *p.Category
	}
	if p.Highlighted != nil {
		l.Highlighted = *p.Highlighted
	}
	return l
}

// TransactionPatch is a partial transaction update.
type TransactionPatch struct {
	Status   *model.TxStatus
	Settled  *bool
	ProofRef *string
}

// Apply returns t with the patch applied.
func (p TransactionPatch) Apply(t model.Transaction) model.Transaction {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Settled != nil {
		t.Settled = *p.Settled
	}
	if p.ProofRef != nil {
		t.ProofRef = *p.ProofRef
	}
	return t
}

// WithdrawalPatch is a partial withdrawal update.
type WithdrawalPatch struct {
	Status      *model.WithdrawalStatus
	ProcessedAt *time.Time
}

// Apply returns w with the patch applied.
func (p WithdrawalPatch) Apply(w model.WithdrawalRequest) model.WithdrawalRequest {
	if p.Status != nil {
		w.Status = *p.Status
	}
	if p.ProcessedAt != nil {
		w.ProcessedAt = *p.ProcessedAt
	}
	return w
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
