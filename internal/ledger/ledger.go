// Package ledger records transactions and withdrawal requests and applies
// their balance effects exactly once.
//
// Every record starts Pending or, for instant checkout payments, Approved.
// Approved, Rejected and Processed are terminal. A transaction carries a
// Settled flag that is set once its balance effect has been applied; the
// effect is only applied while the flag is false.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/hierarchy"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/lock"
	"github.com/cleared-dev/marketledger/internal/logging"
	"github.com/cleared-dev/marketledger/internal/metrics"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
)

// Balance kinds, used as metric labels.
const (
	BalanceWallet = "wallet"
	BalanceTopUp  = "top_up"
)

// ErrUnresolvedOwner is returned by RecordLine when a listing line has no
// owner account to pay.
var ErrUnresolvedOwner = errors.New("listing owner could not be resolved")

// Store is the slice of the data store the ledger reads and writes.
type Store interface {
	hierarchy.Directory
	GetAccount(ctx context.Context, id string) (model.Account, error)
	UpdateAccount(ctx context.Context, id string, p store.AccountPatch) (model.Account, error)
	ListTransactions(ctx context.Context) ([]model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (model.Transaction, error)
	CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, p store.TransactionPatch) (model.Transaction, error)
	ListWithdrawals(ctx context.Context) ([]model.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error)
	CreateWithdrawal(ctx context.Context, w model.WithdrawalRequest) (model.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, id string, p store.WithdrawalPatch) (model.WithdrawalRequest, error)
}

// PlanChanger applies a paid plan to an account. The ledger calls it while
// holding the account lock.
type PlanChanger interface {
	ApplyPurchasedPlan(ctx context.Context, accountID string, plan model.PlanType) (model.Account, error)
}

// OverdraftPolicy decides what approving a withdrawal larger than the wallet does.
type OverdraftPolicy string

const (
	// OverdraftClamp pays out what is there and leaves the wallet at zero.
	OverdraftClamp OverdraftPolicy = "clamp"
	// OverdraftReject refuses the approval with a ValidationError.
	OverdraftReject OverdraftPolicy = "reject"
)

// Valid reports whether p is a known policy.
func (p OverdraftPolicy) Valid() bool {
	return p == OverdraftClamp || p == OverdraftReject
}

// Options configures an Engine. Zero values get defaults.
type Options struct {
	Locker              lock.Locker // default: in-process KeyedMutex
	Plans               PlanChanger // required to settle PLAN_PAYMENT records
	Overdraft           OverdraftPolicy
	CheckFundsOnRequest bool
	ReferencePrefix     string
	Logger              *logging.Logger
	Metrics             metrics.Collector
	Now                 func() time.Time
}

// Engine is the ledger.
type Engine struct {
	store    Store
	resolver *hierarchy.Resolver
	locker   lock.Locker
	plans    PlanChanger
	opts     Options
	log      *logging.Logger
	metrics  metrics.Collector
	now      func() time.Time
}

// NewEngine creates a ledger Engine.
func NewEngine(s Store, opts Options) *Engine {
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyedMutex()
	}
	if !opts.Overdraft.Valid() {
		opts.Overdraft = OverdraftClamp
	}
	if opts.ReferencePrefix == "" {
		opts.ReferencePrefix = id.DefaultPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    s,
		resolver: hierarchy.NewResolver(s),
		locker:   opts.Locker,
		plans:    opts.Plans,
		opts:     opts,
		log:      logging.OrGlobal(opts.Logger).Named("ledger"),
		metrics:  metrics.OrNoOp(opts.Metrics),
		now:      opts.Now,
	}
}

// ReferencePrefix is the prefix of human reference codes.
func (e *Engine) ReferencePrefix() string {
	return e.opts.ReferencePrefix
}

// Locker is the lock the engine serializes accounts with. Callers of
// RecordLine take the same locks through it.
func (e *Engine) Locker() lock.Locker {
	return e.locker
}

// hasBalanceEffect reports whether settling c changes a balance or a plan.
func hasBalanceEffect(c model.Category) bool {
	switch c {
	case model.CategorySale, model.CategoryDeposit, model.CategoryWithdrawal, model.CategoryPlanPayment:
		return true
	case model.CategoryPurchase:
		return false
	}
	return false
}

// settle applies t's effect once and marks it Settled. The caller holds the
// lock of t.AccountID and has already checked that t is not settled.
func (e *Engine) settle(ctx context.Context, t model.Transaction) (model.Transaction, error) {
	switch t.Category {
	case model.CategorySale:
		if err := e.adjust(ctx, t.AccountID, BalanceWallet, t.Amount); err != nil {
			return t, err
		}
	case model.CategoryDeposit:
		if err := e.adjust(ctx, t.AccountID, BalanceTopUp, t.Amount); err != nil {
			return t, err
		}
	case model.CategoryWithdrawal:
		if err := e.adjust(ctx, t.AccountID, BalanceWallet, t.Amount.Neg()); err != nil {
			return t, err
		}
	case model.CategoryPlanPayment:
		if e.plans == nil {
			return t, fmt.Errorf("settling plan payment %s: no plan changer configured", t.ID)
		}
		if _, err := e.plans.ApplyPurchasedPlan(ctx, t.AccountID, t.PlanType); err != nil {
			return t, fmt.Errorf("applying plan %s: %w", t.PlanType, err)
		}
	case model.CategoryPurchase:
	}

	settled, err := e.store.UpdateTransaction(ctx, t.ID, store.TransactionPatch{Settled: store.Ptr(true)})
	if err != nil {
		return t, fmt.Errorf("marking transaction %s settled: %w", t.ID, err)
	}
	return settled, nil
}

// adjust adds delta to one balance, flooring the result at zero.
func (e *Engine) adjust(ctx context.Context, accountID, kind string, delta decimal.Decimal) error {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	var patch store.AccountPatch
	var before decimal.Decimal
	switch kind {
	case BalanceWallet:
		before = a.WalletBalance
		patch.WalletBalance = store.Ptr(decimal.Max(decimal.Zero, before.Add(delta)))
	case BalanceTopUp:
		before = a.TopUpBalance
		patch.TopUpBalance = store.Ptr(decimal.Max(decimal.Zero, before.Add(delta)))
	default:
		return fmt.Errorf("unknown balance kind %q", kind)
	}

	if _, err := e.store.UpdateAccount(ctx, accountID, patch); err != nil {
		return fmt.Errorf("updating %s balance: %w", kind, err)
	}
	if delta.IsPositive() {
		e.metrics.RecordBalanceCredit(kind, delta.InexactFloat64())
	}
	e.log.Info("balance adjusted",
		zap.String("account_id", accountID),
		zap.String("balance", kind),
		zap.String("before", before.StringFixed(2)),
		zap.String("delta", delta.StringFixed(2)))
	return nil
}

// ApproveTransaction moves a Pending transaction to Approved or Rejected.
// Approval applies the record's balance effect; rejection only sets status.
// Deciding a terminal record returns a StateError and changes nothing.
func (e *Engine) ApproveTransaction(ctx context.Context, txID string, decision model.Decision) (model.Transaction, error) {
	if !decision.Valid() {
		return model.Transaction{}, apperr.Validation("decision", "unknown decision %q", decision)
	}
	t, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return model.Transaction{}, err
	}

	unlock, err := e.locker.Lock(ctx, lock.AccountKey(t.AccountID))
	if err != nil {
		return model.Transaction{}, err
	}
	defer unlock()

	// Re-read under the lock; a concurrent decision may have landed.
	t, err = e.store.GetTransaction(ctx, txID)
	if err != nil {
		return model.Transaction{}, err
	}
	if t.Status.Terminal() {
		e.log.Warn("transaction already decided",
			zap.String("transaction_id", txID),
			zap.String("status", string(t.Status)))
		return t, &apperr.StateError{Entity: "transaction", ID: txID, Status: string(t.Status)}
	}

	status := model.TxRejected
	if decision == model.DecisionApprove {
		status = model.TxApproved
		if !t.Settled {
			if t, err = e.settle(ctx, t); err != nil {
				return model.Transaction{}, err
			}
		}
	}

	updated, err := e.store.UpdateTransaction(ctx, txID, store.TransactionPatch{Status: store.Ptr(status)})
	if err != nil {
		return model.Transaction{}, fmt.Errorf("updating transaction %s: %w", txID, err)
	}
	e.metrics.RecordTransaction(string(updated.Category), string(status))
	e.log.Info("transaction decided",
		zap.String("transaction_id", txID),
		zap.String("category", string(updated.Category)),
		zap.String("status", string(status)))
	return updated, nil
}

// DecideReference applies decision to every pending record carrying ref, such
// as both sides of a manual-transfer sale. A reference matching pending
// records of more than one line is ambiguous and decides nothing.
func (e *Engine) DecideReference(ctx context.Context, ref string, decision model.Decision) ([]model.Transaction, error) {
	if _, _, _, _, err := id.ParseReference(ref); err != nil {
		return nil, apperr.Validation("reference", "%v", err)
	}
	all, err := e.store.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	var pending []model.Transaction
	lines := make(map[string]struct{})
	for _, t := range all {
		if t.Reference != ref || t.Status != model.TxPending {
			continue
		}
		pending = append(pending, t)
		lines[keyRoot(t.IdempotencyKey)] = struct{}{}
	}
	if len(pending) == 0 {
		return nil, apperr.NotFound("pending transaction", ref)
	}
	if len(lines) > 1 {
		return nil, apperr.Validation("reference", "%s matches pending records of %d lines; decide them by transaction id", ref, len(lines))
	}

	decided := make([]model.Transaction, 0, len(pending))
	for _, t := range pending {
		d, err := e.ApproveTransaction(ctx, t.ID, decision)
		if err != nil {
			return decided, err
		}
		decided = append(decided, d)
	}
	return decided, nil
}

// keyRoot strips the role suffix from an idempotency key.
func keyRoot(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

// RequestDeposit records a top-up awaiting review. Deposits are always
// created Pending, whatever the method.
func (e *Engine) RequestDeposit(ctx context.Context, accountID string, amount decimal.Decimal, method model.PaymentMethod, proofRef string) (model.Transaction, error) {
	if !amount.IsPositive() {
		return model.Transaction{}, apperr.Validation("amount", "deposit amount must be positive, got %s", amount)
	}
	if !method.Valid() {
		return model.Transaction{}, apperr.Validation("method", "unknown payment method %q", method)
	}
	a, err := e.activeAccount(ctx, accountID)
	if err != nil {
		return model.Transaction{}, err
	}

	now := e.now().UTC()
	txID := id.New()
	ref := id.FormatReference(e.opts.ReferencePrefix, now, txID, 1)
	t, err := e.store.CreateTransaction(ctx, model.Transaction{
		ID:               txID,
		AccountID:        a.ID,
		CounterpartyName: string(method),
		Amount:           amount,
		Category:         model.CategoryDeposit,
		Method:           method,
		Status:           model.TxPending,
		Timestamp:        now,
		Reference:        ref,
		ProofRef:         proofRef,
		IdempotencyKey:   id.IdempotencyKey("deposit:"+txID, string(model.CategoryDeposit)),
	})
	if err != nil {
		return model.Transaction{}, fmt.Errorf("creating deposit: %w", err)
	}
	e.metrics.RecordTransaction(string(t.Category), string(t.Status))
	e.log.Info("deposit requested",
		zap.String("transaction_id", t.ID),
		zap.String("account_id", a.ID),
		zap.String("amount", amount.StringFixed(2)))
	return t, nil
}

func (e *Engine) activeAccount(ctx context.Context, accountID string) (model.Account, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	if a.Status == model.AccountStatusBlocked {
		return model.Account{}, apperr.Validation("account_status", "account %s is blocked", accountID)
	}
	return a, nil
}

// Balances is an account's two balance kinds.
type Balances struct {
	AccountID string
	Wallet    decimal.Decimal
	TopUp     decimal.Decimal
}

// Balances returns the current balances of accountID.
func (e *Engine) Balances(ctx context.Context, accountID string) (Balances, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balances{}, err
	}
	return Balances{AccountID: a.ID, Wallet: a.WalletBalance, TopUp: a.TopUpBalance}, nil
}

// Transactions lists the transactions of accountID, or all when it is empty.
func (e *Engine) Transactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	all, err := e.store.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	if accountID == "" {
		return all, nil
	}
	var out []model.Transaction
	for _, t := range all {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Withdrawals lists the withdrawal requests of accountID, or all when it is empty.
func (e *Engine) Withdrawals(ctx context.Context, accountID string) ([]model.WithdrawalRequest, error) {
	all, err := e.store.ListWithdrawals(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing withdrawals: %w", err)
	}
	if accountID == "" {
		return all, nil
	}
	var out []model.WithdrawalRequest
	for _, w := range all {
		if w.AccountID == accountID {
			out = append(out, w)
		}
	}
	return out, nil
}
