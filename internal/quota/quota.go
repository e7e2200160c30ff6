// Package quota enforces per-plan publishing limits pooled across an account
// and its branches, and reconciles those limits when the plan changes.
package quota

import (
	"fmt"
	"strings"

	"github.com/cleared-dev/marketledger/internal/hierarchy"
	"github.com/cleared-dev/marketledger/internal/model"
)

// Quota dimensions, used as ValidationError fields and metric labels.
const (
	DimensionListings   = "max_listings"
	DimensionHighlights = "max_highlights"
)

// Mode selects how a plan change sets the account's limits.
type Mode string

const (
	// ModeReconcile carries unused headroom from the old limits into a CustomLimits override.
	ModeReconcile Mode = "reconcile"
	// ModeDirect clears any override so the new plan's catalog defaults apply.
	ModeDirect Mode = "direct"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeReconcile, ModeDirect:
		return true
	}
	return false
}

// ParseMode parses a mode name; empty means ModeReconcile.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeReconcile, nil
	}
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown plan change mode %q (want reconcile or direct)", s)
	}
	return m, nil
}

// Usage is what a scope currently consumes.
type Usage struct {
	Listings    int
	Highlighted int
}

// Report is a quota snapshot for one account scope.
type Report struct {
	AccountID string
	Plan      model.PlanType
	Custom    bool // limits come from a CustomLimits override
	Limits    model.Limits
	Usage     Usage
	Remaining model.Limits // Unlimited where the limit is
}

// EffectiveLimits returns the account's CustomLimits if set, else its plan defaults.
// Unknown plans fall back to the Free tier.
func EffectiveLimits(a model.Account) model.Limits {
	if a.CustomLimits != nil {
		return model.Limits(*a.CustomLimits)
	}
	if plan, ok := model.LookupPlan(a.Plan); ok {
		return plan.Limits
	}
	free, _ := model.LookupPlan(model.PlanFree)
	return free.Limits
}

// ComputeUsage counts the listings the scope owns and how many are highlighted.
func ComputeUsage(scope hierarchy.Scope, listings []model.Listing) Usage {
	var u Usage
	for _, l := range listings {
		if !scope.Owns(l) {
			continue
		}
		u.Listings++
		if l.Highlighted {
			u.Highlighted++
		}
	}
	return u
}

// Reconcile computes the override stored when an account moves to newPlan:
// each dimension gets the new plan's default plus whatever headroom was left
// under the current effective limit. Unlimited on either side carries nothing.
func Reconcile(a model.Account, u Usage, newPlan model.PlanType) (model.CustomLimits, error) {
	plan, ok := model.LookupPlan(newPlan)
	if !ok {
		return model.CustomLimits{}, fmt.Errorf("unknown plan %q", newPlan)
	}
	old := EffectiveLimits(a)
	return model.CustomLimits{
		MaxListings:   carry(old.MaxListings, u.Listings, plan.Limits.MaxListings),
		MaxHighlights: carry(old.MaxHighlights, u.Highlighted, plan.Limits.MaxHighlights),
	}, nil
}

func carry(oldMax, used, newMax int) int {
	if newMax == model.Unlimited {
		return model.Unlimited
	}
	return newMax + headroom(oldMax, used)
}

// headroom is the unused part of a bounded limit; zero for unlimited.
func headroom(limit, used int) int {
	if limit == model.Unlimited {
		return 0
	}
	return max(0, limit-used)
}

func allows(limit, used int) bool {
	return limit == model.Unlimited || used < limit
}

func remaining(limit, used int) int {
	if limit == model.Unlimited {
		return model.Unlimited
	}
	return max(0, limit-used)
}

func newReport(a model.Account, u Usage) Report {
	lim := EffectiveLimits(a)
	return Report{
		AccountID: a.ID,
		Plan:      a.Plan,
		Custom:    a.CustomLimits != nil,
		Limits:    lim,
		Usage:     u,
		Remaining: model.Limits{
			MaxListings:   remaining(lim.MaxListings, u.Listings),
			MaxHighlights: remaining(lim.MaxHighlights, u.Highlighted),
		},
	}
}
