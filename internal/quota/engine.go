package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/hierarchy"
	"github.com/cleared-dev/marketledger/internal/lock"
	"github.com/cleared-dev/marketledger/internal/logging"
	"github.com/cleared-dev/marketledger/internal/metrics"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
)

// Store is the slice of the data store the quota engine reads and writes.
type Store interface {
	hierarchy.Directory
	UpdateAccount(ctx context.Context, id string, p store.AccountPatch) (model.Account, error)
	ListListings(ctx context.Context) ([]model.Listing, error)
	GetListing(ctx context.Context, id string) (model.Listing, error)
	CreateListing(ctx context.Context, l model.Listing) (model.Listing, error)
	UpdateListing(ctx context.Context, id string, p store.ListingPatch) (model.Listing, error)
}

// Options configures an Engine. Zero values get defaults.
type Options struct {
	Locker       lock.Locker // default: in-process KeyedMutex
	PurchaseMode Mode        // mode for plans bought through the cart, default ModeReconcile
	Logger       *logging.Logger
	Metrics      metrics.Collector
	Now          func() time.Time
}

// Engine checks and mutates quota-relevant state under per-account locks.
type Engine struct {
	store        Store
	resolver     *hierarchy.Resolver
	locker       lock.Locker
	purchaseMode Mode
	log          *logging.Logger
	metrics      metrics.Collector
	now          func() time.Time
}

// NewEngine creates a quota Engine.
func NewEngine(s Store, opts Options) *Engine {
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyedMutex()
	}
	if !opts.PurchaseMode.Valid() {
		opts.PurchaseMode = ModeReconcile
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:        s,
		resolver:     hierarchy.NewResolver(s),
		locker:       opts.Locker,
		purchaseMode: opts.PurchaseMode,
		log:          logging.OrGlobal(opts.Logger).Named("quota"),
		metrics:      metrics.OrNoOp(opts.Metrics),
		now:          opts.Now,
	}
}

// PurchaseMode is the mode applied to plans bought through the cart.
func (e *Engine) PurchaseMode() Mode {
	return e.purchaseMode
}

// state is one consistent read of an account scope.
type state struct {
	account model.Account
	scope   hierarchy.Scope
	usage   Usage
	index   *hierarchy.Index
}

func (e *Engine) load(ctx context.Context, ownerID string) (state, error) {
	ix, err := e.resolver.Load(ctx)
	if err != nil {
		return state{}, err
	}
	scope, err := ix.ScopeOf(ownerID)
	if err != nil {
		return state{}, err
	}
	account, _ := ix.Account(scope.AccountID)

	listings, err := e.store.ListListings(ctx)
	if err != nil {
		return state{}, fmt.Errorf("loading listings: %w", err)
	}
	return state{account: account, scope: scope, usage: ComputeUsage(scope, listings), index: ix}, nil
}

func (e *Engine) checkCreate(st state) error {
	lim := EffectiveLimits(st.account)
	if allows(lim.MaxListings, st.usage.Listings) {
		return nil
	}
	e.metrics.RecordQuotaRejection(DimensionListings)
	e.log.Warn("listing limit reached",
		zap.String("account_id", st.account.ID),
		zap.Int("limit", lim.MaxListings),
		zap.Int("used", st.usage.Listings))
	return apperr.LimitReached(DimensionListings, lim.MaxListings,
		"listing limit reached: %d of %d used on the %s plan", st.usage.Listings, lim.MaxListings, st.account.Plan)
}

func (e *Engine) checkPromote(st state) error {
	lim := EffectiveLimits(st.account)
	if allows(lim.MaxHighlights, st.usage.Highlighted) {
		return nil
	}
	e.metrics.RecordQuotaRejection(DimensionHighlights)
	e.log.Warn("highlight limit reached",
		zap.String("account_id", st.account.ID),
		zap.Int("limit", lim.MaxHighlights),
		zap.Int("used", st.usage.Highlighted))
	return apperr.LimitReached(DimensionHighlights, lim.MaxHighlights,
		"highlight limit reached: %d of %d used on the %s plan", st.usage.Highlighted, lim.MaxHighlights, st.account.Plan)
}

// CanCreateListing returns nil when the scope of ownerID (an account or a
// branch) may publish one more listing.
func (e *Engine) CanCreateListing(ctx context.Context, ownerID string) error {
	st, err := e.load(ctx, ownerID)
	if err != nil {
		return err
	}
	return e.checkCreate(st)
}

// CanPromote returns nil when the scope of ownerID may highlight one more listing.
func (e *Engine) CanPromote(ctx context.Context, ownerID string) error {
	st, err := e.load(ctx, ownerID)
	if err != nil {
		return err
	}
	return e.checkPromote(st)
}

// Snapshot reports limits, usage and remaining capacity for ownerID's scope.
func (e *Engine) Snapshot(ctx context.Context, ownerID string) (Report, error) {
	st, err := e.load(ctx, ownerID)
	if err != nil {
		return Report{}, err
	}
	return newReport(st.account, st.usage), nil
}

func (e *Engine) lockScope(ctx context.Context, ownerID string) (func(), error) {
	ix, err := e.resolver.Load(ctx)
	if err != nil {
		return nil, err
	}
	rootID, ok := ix.RootOf(ownerID)
	if !ok {
		return nil, apperr.NotFound("account", ownerID)
	}
	return e.locker.Lock(ctx, lock.AccountKey(rootID))
}

// CreateListing publishes l if its owner's scope has capacity. A listing
// created highlighted also consumes a highlight. Returns the stored listing
// and the usage after the write.
func (e *Engine) CreateListing(ctx context.Context, l model.Listing) (model.Listing, Report, error) {
	if l.OwnerID == "" {
		return model.Listing{}, Report{}, apperr.Validation("owner_id", "listing owner is required")
	}
	if !l.Price.IsPositive() {
		return model.Listing{}, Report{}, apperr.Validation("price", "listing price must be positive, got %s", l.Price)
	}

	unlock, err := e.lockScope(ctx, l.OwnerID)
	if err != nil {
		return model.Listing{}, Report{}, err
	}
	defer unlock()

	st, err := e.load(ctx, l.OwnerID)
	if err != nil {
		return model.Listing{}, Report{}, err
	}
	if err := e.checkCreate(st); err != nil {
		return model.Listing{}, Report{}, err
	}
	if l.Highlighted {
		if err := e.checkPromote(st); err != nil {
			return model.Listing{}, Report{}, err
		}
	}

	if l.OwnerDisplayName == "" {
		l.OwnerDisplayName = st.index.DisplayName(l.OwnerID)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = e.now().UTC()
	}
	created, err := e.store.CreateListing(ctx, l)
	if err != nil {
		return model.Listing{}, Report{}, fmt.Errorf("creating listing: %w", err)
	}

	st.usage.Listings++
	if created.Highlighted {
		st.usage.Highlighted++
	}
	e.log.Info("listing created",
		zap.String("listing_id", created.ID),
		zap.String("owner_id", created.OwnerID),
		zap.String("account_id", st.account.ID))
	return created, newReport(st.account, st.usage), nil
}

// PromoteListing highlights an existing listing if its scope has capacity.
// Promoting an already highlighted listing changes nothing.
func (e *Engine) PromoteListing(ctx context.Context, listingID string) (model.Listing, Report, error) {
	l, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return model.Listing{}, Report{}, err
	}
	ix, err := e.resolver.Load(ctx)
	if err != nil {
		return model.Listing{}, Report{}, err
	}
	rootID, ok := ix.ResolveOwner(l)
	if !ok {
		return model.Listing{}, Report{}, apperr.Validation("owner_id", "listing %s has no resolvable owner", listingID)
	}

	unlock, err := e.locker.Lock(ctx, lock.AccountKey(rootID))
	if err != nil {
		return model.Listing{}, Report{}, err
	}
	defer unlock()

	l, err = e.store.GetListing(ctx, listingID)
	if err != nil {
		return model.Listing{}, Report{}, err
	}
	st, err := e.load(ctx, rootID)
	if err != nil {
		return model.Listing{}, Report{}, err
	}
	if l.Highlighted {
		return l, newReport(st.account, st.usage), nil
	}
	if err := e.checkPromote(st); err != nil {
		return model.Listing{}, Report{}, err
	}

	updated, err := e.store.UpdateListing(ctx, listingID, store.ListingPatch{Highlighted: store.Ptr(true)})
	if err != nil {
		return model.Listing{}, Report{}, fmt.Errorf("promoting listing: %w", err)
	}
	st.usage.Highlighted++
	e.log.Info("listing promoted", zap.String("listing_id", listingID), zap.String("account_id", rootID))
	return updated, newReport(st.account, st.usage), nil
}

// ChangePlan moves accountID to plan under the account lock.
func (e *Engine) ChangePlan(ctx context.Context, accountID string, plan model.PlanType, mode Mode) (model.Account, error) {
	unlock, err := e.locker.Lock(ctx, lock.AccountKey(accountID))
	if err != nil {
		return model.Account{}, err
	}
	defer unlock()
	return e.applyPlan(ctx, accountID, plan, mode)
}

// ApplyPurchasedPlan applies a plan bought through the cart using the
// configured purchase mode. The caller must already hold the account lock.
func (e *Engine) ApplyPurchasedPlan(ctx context.Context, accountID string, plan model.PlanType) (model.Account, error) {
	return e.applyPlan(ctx, accountID, plan, e.purchaseMode)
}

func (e *Engine) applyPlan(ctx context.Context, accountID string, plan model.PlanType, mode Mode) (model.Account, error) {
	if !plan.Valid() {
		return model.Account{}, apperr.Validation("plan", "unknown plan %q", plan)
	}
	st, err := e.load(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	if st.account.ID != accountID {
		return model.Account{}, apperr.Validation("account_id", "plans belong to accounts, %s is a branch", accountID)
	}

	patch := store.AccountPatch{Plan: store.Ptr(plan)}
	switch mode {
	case ModeReconcile:
		custom, err := Reconcile(st.account, st.usage, plan)
		if err != nil {
			return model.Account{}, err
		}
		patch.CustomLimits = &custom
	case ModeDirect:
		patch.ClearCustomLimits = true
	default:
		return model.Account{}, apperr.Validation("mode", "unknown plan change mode %q", mode)
	}

	updated, err := e.store.UpdateAccount(ctx, accountID, patch)
	if err != nil {
		return model.Account{}, fmt.Errorf("updating plan: %w", err)
	}
	lim := EffectiveLimits(updated)
	e.log.Info("plan changed",
		zap.String("account_id", accountID),
		zap.String("from", string(st.account.Plan)),
		zap.String("to", string(plan)),
		zap.String("mode", string(mode)),
		zap.Int("max_listings", lim.MaxListings),
		zap.Int("max_highlights", lim.MaxHighlights))
	return updated, nil
}
