package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/model"
)

// LineParams describes one cart line being paid for.
type LineParams struct {
	Line      model.CartLine
	Buyer     model.Account
	PayeeID   string // owning account of the listing; resolved from Line when empty
	Method    model.PaymentMethod
	ProofRef  string
	Reference string // shared by every record of the line
	Key       string // idempotency root; Reference when empty
	Timestamp time.Time
}

// RecordLine writes the records for one paid cart line and returns them.
//
// A listing line yields a SALE for the payee and a PURCHASE for the buyer
// sharing Reference and Timestamp. A plan line yields one PLAN_PAYMENT for the
// buyer. Instant methods create the records Approved and settle them at once:
// the payee wallet is credited, or the plan applied; the buyer is never
// debited. Manual transfers create Pending records settled on approval.
//
// Records are keyed by Key, so calling RecordLine again with the same
// params returns the existing records and settles any left unsettled.
// The caller must hold the locks of the buyer and payee accounts.
func (e *Engine) RecordLine(ctx context.Context, p LineParams) ([]model.Transaction, error) {
	if !p.Method.Valid() {
		return nil, apperr.Validation("method", "unknown payment method %q", p.Method)
	}
	if !p.Line.Price.IsPositive() {
		return nil, apperr.Validation("price", "line %s has non-positive price %s", p.Line.ListingID, p.Line.Price)
	}
	if p.Reference == "" {
		return nil, apperr.Validation("reference", "line %s has no reference", p.Line.ListingID)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.now().UTC()
	}
	if p.Key == "" {
		p.Key = p.Reference
	}

	status := model.TxPending
	if p.Method.Instant() {
		status = model.TxApproved
	}

	if plan, ok := model.PlanPurchase(p.Line.ListingID); ok {
		t, err := e.record(ctx, p.Key, model.Transaction{
			AccountID:        p.Buyer.ID,
			CounterpartyName: p.Line.Title,
			Amount:           p.Line.Price,
			Category:         model.CategoryPlanPayment,
			Method:           p.Method,
			Status:           status,
			Timestamp:        p.Timestamp,
			Reference:        p.Reference,
			ProofRef:         p.ProofRef,
			PlanType:         plan,
			ListingID:        p.Line.ListingID,
		})
		if err != nil {
			return nil, err
		}
		return []model.Transaction{t}, nil
	}

	payeeID := p.PayeeID
	if payeeID == "" {
		ownerID, ok, err := e.resolver.ResolveOwner(ctx, model.Listing{
			OwnerID:          p.Line.OwnerID,
			OwnerDisplayName: p.Line.OwnerDisplayName,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("line %s: %w", p.Line.ListingID, ErrUnresolvedOwner)
		}
		payeeID = ownerID
	}
	payee, err := e.store.GetAccount(ctx, payeeID)
	if err != nil {
		return nil, err
	}
	sellerName := p.Line.OwnerDisplayName
	if sellerName == "" {
		sellerName = payee.Name
	}

	sale, err := e.record(ctx, p.Key, model.Transaction{
		AccountID:        payee.ID,
		CounterpartyName: p.Buyer.Name,
		Amount:           p.Line.Price,
		Category:         model.CategorySale,
		Method:           p.Method,
		Status:           status,
		Timestamp:        p.Timestamp,
		Reference:        p.Reference,
		ProofRef:         p.ProofRef,
		ListingID:        p.Line.ListingID,
	})
	if err != nil {
		return nil, err
	}
	purchase, err := e.record(ctx, p.Key, model.Transaction{
		AccountID:        p.Buyer.ID,
		CounterpartyName: sellerName,
		Amount:           p.Line.Price,
		Category:         model.CategoryPurchase,
		Method:           p.Method,
		Status:           status,
		Timestamp:        p.Timestamp,
		Reference:        p.Reference,
		ProofRef:         p.ProofRef,
		ListingID:        p.Line.ListingID,
	})
	if err != nil {
		return nil, err
	}
	return []model.Transaction{sale, purchase}, nil
}

// record creates t idempotently under root and settles it when it was created
// Approved.
func (e *Engine) record(ctx context.Context, root string, t model.Transaction) (model.Transaction, error) {
	t.IdempotencyKey = id.IdempotencyKey(root, string(t.Category))
	t.Settled = !hasBalanceEffect(t.Category)

	created, err := e.store.CreateTransaction(ctx, t)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("creating %s %s: %w", t.Category, t.Reference, err)
	}
	if created.Status == model.TxApproved && !created.Settled {
		if created, err = e.settle(ctx, created); err != nil {
			return model.Transaction{}, err
		}
	}

	e.metrics.RecordTransaction(string(created.Category), string(created.Status))
	e.log.Info("transaction recorded",
		zap.String("transaction_id", created.ID),
		zap.String("reference", created.Reference),
		zap.String("category", string(created.Category)),
		zap.String("status", string(created.Status)),
		zap.String("account_id", created.AccountID))
	return created, nil
}
