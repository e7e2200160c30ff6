package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanOrdering(t *testing.T) {
	assert.True(t, PlanFree.Less(PlanBasic))
	assert.True(t, PlanBasic.Less(PlanProfessional))
	assert.True(t, PlanProfessional.Less(PlanPremium))
	assert.False(t, PlanPremium.Less(PlanFree))
	assert.False(t, PlanType("gold").Valid())
}

func TestParsePlanType(t *testing.T) {
	p, err := ParsePlanType(" Premium ")
	require.NoError(t, err)
	assert.Equal(t, PlanPremium, p)

	_, err = ParsePlanType("gold")
	require.Error(t, err)
}

func TestPlanCatalog(t *testing.T) {
	plans := PlanCatalog()
	require.Len(t, plans, 4)
	for i := 1; i < len(plans); i++ {
		assert.True(t, plans[i-1].Type.Less(plans[i].Type), "catalog must be ordered by tier")
	}

	premium, ok := LookupPlan(PlanPremium)
	require.True(t, ok)
	assert.Equal(t, Unlimited, premium.Limits.MaxListings)
	assert.Equal(t, Unlimited, premium.Limits.MaxHighlights)

	_, ok = LookupPlan("gold")
	assert.False(t, ok)
}

func TestPlanPurchase(t *testing.T) {
	tests := []struct {
		listingID string
		want      PlanType
		wantOK    bool
	}{
		{PlanListingID(PlanBasic), PlanBasic, true},
		{"plan:PREMIUM", PlanPremium, true},
		{"plan:gold", "", false},
		{"lst-123", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := PlanPurchase(tt.listingID)
		assert.Equal(t, tt.wantOK, ok, "PlanPurchase(%q)", tt.listingID)
		assert.Equal(t, tt.want, got, "PlanPurchase(%q)", tt.listingID)
	}

	assert.True(t, CartLine{ListingID: "plan:basic"}.IsPlanPurchase())
	assert.False(t, CartLine{ListingID: "lst-1"}.IsPlanPurchase())
}

func TestPaymentMethodInstant(t *testing.T) {
	assert.True(t, MethodInstantElectronic.Instant())
	assert.True(t, MethodInstantCard.Instant())
	assert.False(t, MethodManualTransfer.Instant())

	_, err := ParsePaymentMethod("cheque")
	require.Error(t, err)
	m, err := ParsePaymentMethod("manual-transfer")
	require.NoError(t, err)
	assert.Equal(t, MethodManualTransfer, m)
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, TxPending.Terminal())
	assert.True(t, TxApproved.Terminal())
	assert.True(t, TxRejected.Terminal())

	assert.False(t, WithdrawalPending.Terminal())
	assert.True(t, WithdrawalProcessed.Terminal())
	assert.True(t, WithdrawalRejected.Terminal())
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, CategoryPlanPayment.Valid())
	assert.False(t, Category("REFUND").Valid())
	assert.True(t, AccountKindBusiness.Valid())
	assert.False(t, AccountKind("corp").Valid())
	assert.True(t, AccountStatusBlocked.Valid())
	assert.True(t, DecisionReject.Valid())
	assert.False(t, Decision("maybe").Valid())
}
