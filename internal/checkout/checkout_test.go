package checkout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/ledger"
	"github.com/cleared-dev/marketledger/internal/lock"
	"github.com/cleared-dev/marketledger/internal/logging"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/quota"
	"github.com/cleared-dev/marketledger/internal/store/memory"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flakyStore fails the Nth CreateTransaction call once.
type flakyStore struct {
	*memory.Store
	failAt int32
	calls  atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (s *flakyStore) CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error) {
	if n := s.calls.Add(1); n == s.failAt {
		return model.Transaction{}, apperr.External("create transaction", errStoreDown)
	}
	return s.Store.CreateTransaction(ctx, t)
}

type harness struct {
	store *flakyStore
	co    *Orchestrator
}

func newHarness(t *testing.T, mode quota.Mode) harness {
	t.Helper()
	mem := memory.New()
	ctx := context.Background()
	for _, a := range []model.Account{
		{ID: "buyer", Name: "Bea", Status: model.AccountStatusActive, Plan: model.PlanBasic},
		{ID: "s1", Name: "Seller One", Status: model.AccountStatusActive, Plan: model.PlanBasic},
		{ID: "s2", Name: "Seller Two", Kind: model.AccountKindBusiness, Status: model.AccountStatusActive, Plan: model.PlanBasic},
		{ID: "blocked", Name: "Blocked", Status: model.AccountStatusBlocked},
	} {
		_, err := mem.CreateAccount(ctx, a)
		require.NoError(t, err)
	}
	_, err := mem.CreateBranch(ctx, model.Branch{ID: "s2-branch", ParentAccountID: "s2", Name: "Seller Two Downtown"})
	require.NoError(t, err)

	st := &flakyStore{Store: mem}
	log := logging.NewNoOpLogger()
	locker := lock.NewKeyedMutex()
	now := func() time.Time { return fixedNow }

	qe := quota.NewEngine(st, quota.Options{Locker: locker, PurchaseMode: mode, Logger: log, Now: now})
	le := ledger.NewEngine(st, ledger.Options{Locker: locker, Plans: qe, Logger: log, Now: now})
	return harness{store: st, co: New(st, le, qe, Options{Logger: log, Now: now})}
}

func (h harness) wallet(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	a, err := h.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return a.WalletBalance
}

func listing(listingID, ownerID, price string) model.Listing {
	return model.Listing{ID: listingID, OwnerID: ownerID, Title: "item " + listingID, Price: dec(price)}
}

func countByCategory(txs []model.Transaction) map[model.Category]int {
	out := make(map[model.Category]int)
	for _, tx := range txs {
		out[tx.Category]++
	}
	return out
}

func TestCart(t *testing.T) {
	c := RestoreCart("cart-1", fixedNow)

	_, added := c.Add(listing("a", "s1", "10.50"))
	assert.True(t, added)
	_, added = c.Add(listing("a", "s1", "99"))
	assert.False(t, added, "same listing twice")
	c.Add(listing("b", "s2", "4.50"))

	line, err := c.AddPlan(model.PlanPremium)
	require.NoError(t, err)
	assert.True(t, line.IsPlanPurchase())
	_, err = c.AddPlan(model.PlanFree)
	assert.True(t, apperr.IsValidation(err))
	_, err = c.AddPlan("gold")
	assert.True(t, apperr.IsValidation(err))

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Total().Equal(dec("214.90")))

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "b", lines[0].ListingID)
	assert.Equal(t, 2, c.entries[0].seq, "sequence survives removals")

	c.Clear()
	assert.Zero(t, c.Len())
	assert.True(t, c.Total().IsZero())
}

func TestCheckout_InstantTwoSellers(t *testing.T) {
	h := newHarness(t, quota.ModeReconcile)
	cart := RestoreCart("3f2a9c1b-0000-4000-8000-000000000001", fixedNow)
	cart.Add(listing("guitar", "s1", "300"))
	cart.Add(listing("amp", "s2-branch", "120.25"))

	res, err := h.co.Checkout(context.Background(), cart, "buyer", model.MethodInstantCard, "")
	require.NoError(t, err)
	require.Len(t, res.Transactions, 4)
	assert.Equal(t, map[model.Category]int{model.CategorySale: 2, model.CategoryPurchase: 2}, countByCategory(res.Transactions))
	for _, tx := range res.Transactions {
		assert.Equal(t, model.TxApproved, tx.Status)
		assert.Equal(t, fixedNow, tx.Timestamp)
	}
	assert.Equal(t, "MKT-20250601-3f2a9c1b-01", res.Transactions[0].Reference)
	assert.Equal(t, "MKT-20250601-3f2a9c1b-02", res.Transactions[2].Reference)

	assert.True(t, h.wallet(t, "s1").Equal(dec("300")))
	assert.True(t, h.wallet(t, "s2").Equal(dec("120.25")), "branch sale credits parent")
	assert.True(t, h.wallet(t, "buyer").IsZero())
	assert.Zero(t, cart.Len(), "cart cleared")
	assert.Nil(t, res.Quota)
}

func TestCheckout_PairsShareReferenceAndAmount(t *testing.T) {
	h := newHarness(t, quota.ModeReconcile)
	cart := NewCart()
	const n = 7
	for i := 0; i < n; i++ {
		owner := []string{"s1", "s2", "s2-branch"}[i%3]
		cart.Add(listing(string(rune('a'+i)), owner, "12.34"))
	}

	res, err := h.co.Checkout(context.Background(), cart, "buyer", model.MethodManualTransfer, "proof-1")
	require.NoError(t, err)

	byRef := make(map[string][]model.Transaction)
	for _, tx := range res.Transactions {
		byRef[tx.Reference] = append(byRef[tx.Reference], tx)
	}
	require.Len(t, byRef, n)
	for ref, pair := range byRef {
		require.Len(t, pair, 2, ref)
		assert.Equal(t, model.CategorySale, pair[0].Category)
		assert.Equal(t, model.CategoryPurchase, pair[1].Category)
		assert.True(t, pair[0].Amount.Equal(pair[1].Amount))
		assert.Equal(t, pair[0].Timestamp, pair[1].Timestamp)
		assert.Equal(t, "proof-1", pair[1].ProofRef)
	}
}

func TestCheckout_ManualTransferPendingUntilApproved(t *testing.T) {
	h := newHarness(t, quota.ModeReconcile)
	cart := NewCart()
	cart.Add(listing("bike", "s1", "75"))

	res, err := h.co.Checkout(context.Background(), cart, "buyer", model.MethodManualTransfer, "receipt.pdf")
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	for _, tx := range res.Transactions {
		assert.Equal(t, model.TxPending, tx.Status)
	}
	assert.True(t, h.wallet(t, "s1").IsZero())

	_, err = h.co.ledger.ApproveTransaction(context.Background(), res.Transactions[0].ID, model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, h.wallet(t, "s1").Equal(dec("75")))
	_, err = h.co.ledger.ApproveTransaction(context.Background(), res.Transactions[0].ID, model.DecisionApprove)
	assert.True(t, apperr.IsState(err))
	assert.True(t, h.wallet(t, "s1").Equal(dec("75")))
}

func TestCheckout_FailureKeepsCartAndRetryDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, quota.ModeReconcile)
	h.store.failAt = 3 // first record of the second line
	cart := NewCart()
	cart.Add(listing("one", "s1", "10"))
	cart.Add(listing("two", "s2", "20"))

	res, err := h.co.Checkout(context.Background(), cart, "buyer", model.MethodInstantElectronic, "")
	require.Error(t, err)
	assert.True(t, apperr.IsExternal(err))
	assert.ErrorIs(t, err, errStoreDown)
	assert.Len(t, res.Transactions, 2, "first line already recorded")
	assert.Equal(t, 2, cart.Len(), "cart untouched on failure")
	assert.True(t, h.wallet(t, "s1").Equal(dec("10")))

	res, err = h.co.Checkout(context.Background(), cart, "buyer", model.MethodInstantElectronic, "")
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 4)
	assert.Zero(t, cart.Len())

	all, err := h.store.ListTransactions(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4, "no duplicate pairs")
	assert.True(t, h.wallet(t, "s1").Equal(dec("10")), "first line credited once")
	assert.True(t, h.wallet(t, "s2").Equal(dec("20")))
}

func TestCheckout_SkipsUnresolvableOwners(t *testing.T) {
	h := newHarness(t, quota.ModeReconcile)
	cart := NewCart()
	cart.Add(listing("ok", "s1", "5"))
	cart.Add(model.Listing{ID: "legacy", OwnerDisplayName: "Seller Two Downtown", Price: dec("6")})
	cart.Add(model.Listing{ID: "ghost", OwnerID: "deleted", OwnerDisplayName: "Gone", Price: dec("7")})

	res, err := h.co.Checkout(context.Background(), cart, "buyer", model.MethodInstantCard, "")
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 4)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "ghost", res.Skipped[0].ListingID)
	assert.True(t, h.wallet(t, "s2").Equal(dec("6")), "legacy name resolves to branch parent")
}

func TestCheckout_Validation(t *testing.T) {
	h := newHarness(t, quota.ModeReconcile)
	ctx := context.Background()

	_, err := h.co.Checkout(ctx, NewCart(), "buyer", model.MethodInstantCard, "")
	assert.True(t, apperr.IsValidation(err), "empty cart")

	cart := NewCart()
	cart.Add(listing("x", "s1", "5"))

	_, err = h.co.Checkout(ctx, cart, "ghost", model.MethodInstantCard, "")
	assert.True(t, apperr.IsNotFound(err))
	_, err = h.co.Checkout(ctx, cart, "blocked", model.MethodInstantCard, "")
	assert.True(t, apperr.IsValidation(err))
	_, err = h.co.Checkout(ctx, cart, "buyer", "barter", "")
	assert.True(t, apperr.IsValidation(err))

	cart.Add(model.Listing{ID: "free", OwnerID: "s1", Price: decimal.Zero})
	_, err = h.co.Checkout(ctx, cart, "buyer", model.MethodInstantCard, "")
	assert.True(t, apperr.IsValidation(err))

	assert.Equal(t, 2, cart.Len())
	all, err := h.store.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "nothing written when validation fails")
}

func TestCheckout_PlanPurchase(t *testing.T) {
	tests := []struct {
		name        string
		mode        quota.Mode
		wantListing int
		wantCustom  bool
	}{
		// Basic 30 with 10 used carries 20 into Professional's 100.
		{"reconcile carries headroom", quota.ModeReconcile, 120, true},
		{"direct uses catalog defaults", quota.ModeDirect, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mode)
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				_, err := h.store.CreateListing(ctx, model.Listing{OwnerID: "buyer", Price: dec("1")})
				require.NoError(t, err)
			}

			cart := NewCart()
			_, err := cart.AddPlan(model.PlanProfessional)
			require.NoError(t, err)

			res, err := h.co.Checkout(ctx, cart, "buyer", model.MethodInstantCard, "")
			require.NoError(t, err)
			require.Len(t, res.Transactions, 1)
			assert.Equal(t, model.CategoryPlanPayment, res.Transactions[0].Category)
			assert.True(t, res.Transactions[0].Amount.Equal(dec("99.90")))

			require.NotNil(t, res.Quota)
			assert.Equal(t, model.PlanProfessional, res.Quota.Plan)
			assert.Equal(t, tt.wantListing, res.Quota.Limits.MaxListings)
			assert.Equal(t, tt.wantCustom, res.Quota.Custom)
		})
	}
}

func TestCheckout_ManualPlanPurchaseAppliesOnApproval(t *testing.T) {
	h := newHarness(t, quota.ModeDirect)
	ctx := context.Background()
	cart := NewCart()
	_, err := cart.AddPlan(model.PlanPremium)
	require.NoError(t, err)

	res, err := h.co.Checkout(ctx, cart, "buyer", model.MethodManualTransfer, "wire-42")
	require.NoError(t, err)
	assert.Nil(t, res.Quota)
	a, err := h.store.GetAccount(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, model.PlanBasic, a.Plan)

	_, err = h.co.ledger.ApproveTransaction(ctx, res.Transactions[0].ID, model.DecisionApprove)
	require.NoError(t, err)
	a, err = h.store.GetAccount(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, model.PlanPremium, a.Plan)
}

func TestCheckout_SameCartIDPaidByTwoBuyers(t *testing.T) {
	h := newHarness(t, quota.ModeReconcile)
	ctx := context.Background()
	const cartID = "3f2a9c1b-0000-4000-8000-000000000001"

	var ids []string
	for _, buyer := range []string{"buyer", "s1"} {
		cart := RestoreCart(cartID, fixedNow)
		cart.Add(listing("lamp", "s2", "50"))
		res, err := h.co.Checkout(ctx, cart, buyer, model.MethodInstantCard, "")
		require.NoError(t, err)
		require.Len(t, res.Transactions, 2)
		assert.Equal(t, "MKT-20250601-3f2a9c1b-01", res.Transactions[0].Reference)
		assert.Equal(t, buyer, res.Transactions[1].AccountID)
		ids = append(ids, res.Transactions[0].ID, res.Transactions[1].ID)
	}

	assert.NotEqual(t, ids[0], ids[2], "second buyer gets a sale of their own")
	assert.NotEqual(t, ids[1], ids[3])
	assert.True(t, h.wallet(t, "s2").Equal(dec("100")), "seller credited for both sales")
}

func TestCheckout_CartIDsSharingShortToken(t *testing.T) {
	h := newHarness(t, quota.ModeDirect)
	ctx := context.Background()

	plans := []model.PlanType{model.PlanPremium, model.PlanProfessional}
	for i, cartID := range []string{
		"3f2a9c1b-0000-4000-8000-00000000000a",
		"3f2a9c1b-0000-4000-8000-00000000000b",
	} {
		cart := RestoreCart(cartID, fixedNow)
		_, err := cart.AddPlan(plans[i])
		require.NoError(t, err)
		res, err := h.co.Checkout(ctx, cart, "buyer", model.MethodInstantCard, "")
		require.NoError(t, err)
		require.Len(t, res.Transactions, 1)
		require.NotNil(t, res.Quota)
		assert.Equal(t, plans[i], res.Quota.Plan)
	}

	txs, err := h.co.ledger.Transactions(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 2, countByCategory(txs)[model.CategoryPlanPayment])
	a, err := h.store.GetAccount(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, model.PlanProfessional, a.Plan)
}
