package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Unlimited marks a quota dimension without an upper bound.
const Unlimited = -1

// PlanType is an ordered subscription tier.
type PlanType string

const (
	PlanFree         PlanType = "free"
	PlanBasic        PlanType = "basic"
	PlanProfessional PlanType = "professional"
	PlanPremium      PlanType = "premium"
)

// Rank returns the tier order (Free=0 ... Premium=3), or -1 for unknown plans.
func (p PlanType) Rank() int {
	switch p {
	case PlanFree:
		return 0
	case PlanBasic:
		return 1
	case PlanProfessional:
		return 2
	case PlanPremium:
		return 3
	}
	return -1
}

// Valid reports whether p is a catalog plan.
func (p PlanType) Valid() bool { return p.Rank() >= 0 }

// Less reports whether p is a lower tier than other.
func (p PlanType) Less(other PlanType) bool { return p.Rank() < other.Rank() }

// ParsePlanType parses a plan name case-insensitively.
func ParsePlanType(s string) (PlanType, error) {
	p := PlanType(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// Limits is a (maxListings, maxHighlights) pair. Either may be Unlimited.
type Limits struct {
	MaxListings   int
	MaxHighlights int
}

// CustomLimits overrides a plan's catalog limits for one account.
type CustomLimits Limits

// Plan is immutable catalog data for a tier.
type Plan struct {
	Type         PlanType
	MonthlyPrice decimal.Decimal
	Limits       Limits
	Features     []string
}

var catalog = map[PlanType]Plan{
	PlanFree: {
		Type:         PlanFree,
		MonthlyPrice: decimal.Zero,
		Limits:       Limits{MaxListings: 3, MaxHighlights: 0},
		Features:     []string{"basic listing"},
	},
	PlanBasic: {
		Type:         PlanBasic,
		MonthlyPrice: decimal.RequireFromString("49.90"),
		Limits:       Limits{MaxListings: 30, MaxHighlights: 5},
		Features:     []string{"basic listing", "highlighted listings", "sales reports"},
	},
	PlanProfessional: {
		Type:         PlanProfessional,
		MonthlyPrice: decimal.RequireFromString("99.90"),
		Limits:       Limits{MaxListings: 100, MaxHighlights: 20},
		Features:     []string{"basic listing", "highlighted listings", "sales reports", "branches"},
	},
	PlanPremium: {
		Type:         PlanPremium,
		MonthlyPrice: decimal.RequireFromString("199.90"),
		Limits:       Limits{MaxListings: Unlimited, MaxHighlights: Unlimited},
		Features:     []string{"basic listing", "highlighted listings", "sales reports", "branches", "priority support"},
	},
}

// LookupPlan returns the catalog entry for a plan type.
func LookupPlan(p PlanType) (Plan, bool) {
	plan, ok := catalog[p]
	return plan, ok
}

// PlanCatalog returns all plans ordered by tier.
func PlanCatalog() []Plan {
	return []Plan{catalog[PlanFree], catalog[PlanBasic], catalog[PlanProfessional], catalog[PlanPremium]}
}
