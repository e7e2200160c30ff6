package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// planListingPrefix marks cart lines that buy a subscription instead of a listing.
const planListingPrefix = "plan:"

// Listing is a published catalog item owned by an account or a branch.
type Listing struct {
	ID               string
	OwnerID          string // account or branch id; empty on legacy records
	OwnerDisplayName string // legacy fallback matcher
	Title            string
	Price            decimal.Decimal
	Category         string
	Highlighted      bool
	CreatedAt        time.Time
}

// CartLine is a listing reference with the price captured when it was added.
type CartLine struct {
	ListingID        string
	Title            string
	Price            decimal.Decimal
	OwnerID          string
	OwnerDisplayName string
}

// PlanListingID returns the pseudo listing id used to buy a plan through the cart.
func PlanListingID(p PlanType) string {
	return planListingPrefix + string(p)
}

// PlanPurchase reports whether a listing id denotes a plan subscription and which plan.
func PlanPurchase(listingID string) (PlanType, bool) {
	rest, ok := strings.CutPrefix(listingID, planListingPrefix)
	if !ok {
		return "", false
	}
	p, err := ParsePlanType(rest)
	if err != nil {
		return "", false
	}
	return p, true
}

// IsPlanPurchase reports whether the line buys a plan.
func (l CartLine) IsPlanPurchase() bool {
	_, ok := PlanPurchase(l.ListingID)
	return ok
}
