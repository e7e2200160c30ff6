package checkout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/hierarchy"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/ledger"
	"github.com/cleared-dev/marketledger/internal/lock"
	"github.com/cleared-dev/marketledger/internal/logging"
	"github.com/cleared-dev/marketledger/internal/metrics"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/quota"
)

// Checkout outcomes, used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Options configures an Orchestrator.
type Options struct {
	Logger  *logging.Logger
	Metrics metrics.Collector
	Now     func() time.Time
}

// Orchestrator drives carts through the ledger. Plans bought through the
// cart are applied by the quota engine the ledger was built with.
type Orchestrator struct {
	resolver *hierarchy.Resolver
	ledger   *ledger.Engine
	quota    *quota.Engine
	locker   lock.Locker
	log      *logging.Logger
	metrics  metrics.Collector
	now      func() time.Time
}

// New creates an Orchestrator. dir must read the same store the engines write.
func New(dir hierarchy.Directory, l *ledger.Engine, q *quota.Engine, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		resolver: hierarchy.NewResolver(dir),
		ledger:   l,
		quota:    q,
		locker:   l.Locker(),
		log:      logging.OrGlobal(opts.Logger).Named("checkout"),
		metrics:  metrics.OrNoOp(opts.Metrics),
		now:      opts.Now,
	}
}

// Result is what a checkout produced.
type Result struct {
	CartID       string
	Transactions []model.Transaction
	Skipped      []model.CartLine // lines whose owner could not be resolved
	Quota        *quota.Report    // buyer's quota after a plan purchase settled
}

type plannedLine struct {
	seq     int
	line    model.CartLine
	payeeID string
}

// Checkout pays for every line of cart on behalf of buyerID.
//
// The buyer and every line are validated before anything is written. Lines
// whose owner cannot be resolved are skipped and reported. Each line's
// records are keyed by the full cart id, the buyer and the line's sequence
// number, so retrying a failed checkout with the same cart returns the records
// already written instead of duplicating them, while another buyer paying for
// a cart with the same id gets records of their own. The cart is
// cleared only when every line was recorded.
func (o *Orchestrator) Checkout(ctx context.Context, cart *Cart, buyerID string, method model.PaymentMethod, proofRef string) (Result, error) {
	if cart == nil || cart.Len() == 0 {
		return Result{}, apperr.Validation("cart", "cart is empty")
	}
	res := Result{CartID: cart.ID}

	buyer, planned, err := o.plan(ctx, cart, buyerID, method, &res)
	if err != nil {
		o.metrics.RecordCheckout(OutcomeRejected, cart.Len())
		o.log.Warn("checkout rejected", zap.String("cart_id", cart.ID), zap.Error(err))
		return Result{}, err
	}

	keys := []string{lock.AccountKey(buyer.ID)}
	for _, p := range planned {
		if p.payeeID != "" {
			keys = append(keys, lock.AccountKey(p.payeeID))
		}
	}
	unlock, err := o.locker.Lock(ctx, keys...)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	now := o.now().UTC()
	boughtPlan := false
	for _, p := range planned {
		txs, err := o.ledger.RecordLine(ctx, ledger.LineParams{
			Line:      p.line,
			Buyer:     buyer,
			PayeeID:   p.payeeID,
			Method:    method,
			ProofRef:  proofRef,
			Reference: cart.reference(o.ledger.ReferencePrefix(), p.seq),
			Key:       id.LineKey(cart.ID, buyer.ID, p.seq),
			Timestamp: now,
		})
		if err != nil {
			o.metrics.RecordCheckout(OutcomeFailed, cart.Len())
			o.log.Error("checkout line failed",
				zap.String("cart_id", cart.ID),
				zap.String("listing_id", p.line.ListingID),
				zap.Int("recorded", len(res.Transactions)),
				zap.Error(err))
			return res, fmt.Errorf("recording line %s: %w", p.line.ListingID, err)
		}
		res.Transactions = append(res.Transactions, txs...)
		if p.line.IsPlanPurchase() && method.Instant() {
			boughtPlan = true
		}
	}

	if boughtPlan {
		report, err := o.quota.Snapshot(ctx, buyer.ID)
		if err != nil {
			return res, fmt.Errorf("reading quota after plan purchase: %w", err)
		}
		res.Quota = &report
	}

	lines := cart.Len()
	cart.Clear()
	o.metrics.RecordCheckout(OutcomeCompleted, lines)
	o.log.Info("checkout completed",
		zap.String("cart_id", res.CartID),
		zap.String("buyer_id", buyer.ID),
		zap.String("method", string(method)),
		zap.Int("transactions", len(res.Transactions)),
		zap.Int("skipped", len(res.Skipped)))
	return res, nil
}

// plan validates the buyer and lines and resolves each line's payee.
func (o *Orchestrator) plan(ctx context.Context, cart *Cart, buyerID string, method model.PaymentMethod, res *Result) (model.Account, []plannedLine, error) {
	if !method.Valid() {
		return model.Account{}, nil, apperr.Validation("method", "unknown payment method %q", method)
	}
	ix, err := o.resolver.Load(ctx)
	if err != nil {
		return model.Account{}, nil, err
	}
	buyer, ok := ix.Account(buyerID)
	if !ok {
		return model.Account{}, nil, apperr.NotFound("account", buyerID)
	}
	if buyer.Status == model.AccountStatusBlocked {
		return model.Account{}, nil, apperr.Validation("account_status", "account %s is blocked", buyerID)
	}

	var planned []plannedLine
	for _, e := range cart.entries {
		if !e.line.Price.IsPositive() {
			return model.Account{}, nil, apperr.Validation("price", "line %s has non-positive price %s", e.line.ListingID, e.line.Price)
		}
		if e.line.IsPlanPurchase() {
			planned = append(planned, plannedLine{seq: e.seq, line: e.line})
			continue
		}
		payeeID, ok := ix.ResolveOwner(model.Listing{OwnerID: e.line.OwnerID, OwnerDisplayName: e.line.OwnerDisplayName})
		if !ok {
			res.Skipped = append(res.Skipped, e.line)
			o.log.Warn("skipping line without resolvable owner",
				zap.String("cart_id", cart.ID),
				zap.String("listing_id", e.line.ListingID))
			continue
		}
		planned = append(planned, plannedLine{seq: e.seq, line: e.line, payeeID: payeeID})
	}
	return buyer, planned, nil
}
