// Package checkout turns a multi-seller cart into paired ledger records.
package checkout

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/model"
)

type entry struct {
	seq  int // stable across removals; part of the line's reference
	line model.CartLine
}

// Cart holds the lines a buyer intends to pay for. A Cart is owned by one
// caller and is not safe for concurrent use.
type Cart struct {
	ID        string
	CreatedAt time.Time

	entries []entry
	nextSeq int
}

// NewCart returns an empty cart with a fresh id.
func NewCart() *Cart {
	return RestoreCart(id.New(), time.Now().UTC())
}

// RestoreCart returns an empty cart with a known id, so that a checkout
// retried from another process reuses the same references.
func RestoreCart(cartID string, createdAt time.Time) *Cart {
	return &Cart{ID: cartID, CreatedAt: createdAt, nextSeq: 1}
}

// Add snapshots l's price and owner into a new line. Adding a listing that is
// already in the cart returns the existing line and false.
func (c *Cart) Add(l model.Listing) (model.CartLine, bool) {
	for _, e := range c.entries {
		if e.line.ListingID == l.ID {
			return e.line, false
		}
	}
	line := model.CartLine{
		ListingID:        l.ID,
		Title:            l.Title,
		Price:            l.Price,
		OwnerID:          l.OwnerID,
		OwnerDisplayName: l.OwnerDisplayName,
	}
	c.push(line)
	return line, true
}

// AddPlan adds a subscription line for plan at its catalog price.
func (c *Cart) AddPlan(p model.PlanType) (model.CartLine, error) {
	plan, ok := model.LookupPlan(p)
	if !ok {
		return model.CartLine{}, apperr.Validation("plan", "unknown plan %q", p)
	}
	if !plan.MonthlyPrice.IsPositive() {
		return model.CartLine{}, apperr.Validation("plan", "the %s plan cannot be purchased", p)
	}
	line := model.CartLine{
		ListingID: model.PlanListingID(p),
		Title:     string(p) + " plan",
		Price:     plan.MonthlyPrice,
	}
	for _, e := range c.entries {
		if e.line.ListingID == line.ListingID {
			return e.line, nil
		}
	}
	c.push(line)
	return line, nil
}

func (c *Cart) push(line model.CartLine) {
	if c.nextSeq == 0 {
		c.nextSeq = 1
	}
	c.entries = append(c.entries, entry{seq: c.nextSeq, line: line})
	c.nextSeq++
}

// Remove drops the line for listingID and reports whether it was present.
func (c *Cart) Remove(listingID string) bool {
	for i, e := range c.entries {
		if e.line.ListingID == listingID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Lines returns a copy of the cart's lines in insertion order.
func (c *Cart) Lines() []model.CartLine {
	out := make([]model.CartLine, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.line
	}
	return out
}

// Len is the number of lines.
func (c *Cart) Len() int { return len(c.entries) }

// Total sums the line prices.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range c.entries {
		total = total.Add(e.line.Price)
	}
	return total
}

// Clear empties the cart. Sequence numbers are not reused.
func (c *Cart) Clear() {
	c.entries = nil
}

// reference derives the deterministic reference of the line with seq.
func (c *Cart) reference(prefix string, seq int) string {
	return id.FormatReference(prefix, c.CreatedAt, c.ID, seq)
}
