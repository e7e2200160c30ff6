package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/logging"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
	"github.com/cleared-dev/marketledger/internal/store/memory"
)

var fixedNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingPlans struct {
	mu      sync.Mutex
	applied []model.PlanType
}

func (r *recordingPlans) ApplyPurchasedPlan(ctx context.Context, accountID string, plan model.PlanType) (model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, plan)
	return model.Account{ID: accountID, Plan: plan}, nil
}

type fixture struct {
	engine *Engine
	store  *memory.Store
	plans  *recordingPlans
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	for _, a := range []model.Account{
		{ID: "buyer", Name: "Bea Buyer", Status: model.AccountStatusActive, Plan: model.PlanFree},
		{ID: "seller", Name: "Sam Seller", Status: model.AccountStatusActive, Plan: model.PlanBasic, BankDetails: "Bank 001 / 12345-6"},
		{ID: "shop", Name: "Shop HQ", Kind: model.AccountKindBusiness, Status: model.AccountStatusActive, Plan: model.PlanProfessional},
		{ID: "blocked", Name: "Blocked", Status: model.AccountStatusBlocked},
	} {
		_, err := st.CreateAccount(ctx, a)
		require.NoError(t, err)
	}
	_, err := st.CreateBranch(ctx, model.Branch{ID: "shop-east", ParentAccountID: "shop", Name: "Shop East"})
	require.NoError(t, err)

	plans := &recordingPlans{}
	opts.Plans = plans
	opts.Logger = logging.NewNoOpLogger()
	opts.Now = func() time.Time { return fixedNow }
	return fixture{engine: NewEngine(st, opts), store: st, plans: plans}
}

func (f fixture) account(t *testing.T, accountID string) model.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return a
}

func (f fixture) setWallet(t *testing.T, accountID, amount string) {
	t.Helper()
	_, err := f.store.UpdateAccount(context.Background(), accountID, store.AccountPatch{WalletBalance: store.Ptr(dec(amount))})
	require.NoError(t, err)
}

func (f fixture) line(t *testing.T, ownerID, price string, method model.PaymentMethod, ref string) LineParams {
	t.Helper()
	return LineParams{
		Line:      model.CartLine{ListingID: "lst-" + ref, Title: "Guitar", Price: dec(price), OwnerID: ownerID},
		Buyer:     f.account(t, "buyer"),
		Method:    method,
		Reference: ref,
		Timestamp: fixedNow,
	}
}

func TestRecordLine_InstantCreditsPayeeOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	p := f.line(t, "seller", "150.00", model.MethodInstantCard, "MKT-20250314-aaaa0000-01")

	txs, err := f.engine.RecordLine(ctx, p)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	sale, purchase := txs[0], txs[1]
	assert.Equal(t, model.CategorySale, sale.Category)
	assert.Equal(t, "seller", sale.AccountID)
	assert.Equal(t, "Bea Buyer", sale.CounterpartyName)
	assert.Equal(t, model.CategoryPurchase, purchase.Category)
	assert.Equal(t, "buyer", purchase.AccountID)
	assert.Equal(t, "Sam Seller", purchase.CounterpartyName)
	for _, tx := range txs {
		assert.Equal(t, model.TxApproved, tx.Status)
		assert.True(t, tx.Settled)
		assert.True(t, tx.Amount.Equal(dec("150")))
		assert.Equal(t, p.Reference, tx.Reference)
		assert.Equal(t, fixedNow, tx.Timestamp)
	}
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("150")))
	assert.True(t, f.account(t, "buyer").WalletBalance.IsZero(), "buyer is never debited")

	// Retrying the same line returns the same records and credits nothing more.
	again, err := f.engine.RecordLine(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, again[0].ID)
	assert.Equal(t, purchase.ID, again[1].ID)
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("150")))

	all, err := f.engine.Transactions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordLine_BranchOwnerPaysParent(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.line(t, "shop-east", "20", model.MethodInstantElectronic, "MKT-20250314-bbbb0000-01")
	p.Line.OwnerDisplayName = "Shop East"

	txs, err := f.engine.RecordLine(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "shop", txs[0].AccountID)
	assert.Equal(t, "Shop East", txs[1].CounterpartyName)
	assert.True(t, f.account(t, "shop").WalletBalance.Equal(dec("20")))
}

func TestRecordLine_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := f.line(t, "", "10", model.MethodInstantCard, "MKT-20250314-cccc0000-01")
	p.Line.OwnerDisplayName = "Nobody"
	_, err := f.engine.RecordLine(ctx, p)
	assert.ErrorIs(t, err, ErrUnresolvedOwner)

	p = f.line(t, "seller", "0", model.MethodInstantCard, "MKT-20250314-cccc0000-02")
	_, err = f.engine.RecordLine(ctx, p)
	assert.True(t, apperr.IsValidation(err))

	p = f.line(t, "seller", "10", "cash", "MKT-20250314-cccc0000-03")
	_, err = f.engine.RecordLine(ctx, p)
	assert.True(t, apperr.IsValidation(err))

	p = f.line(t, "seller", "10", model.MethodInstantCard, "")
	_, err = f.engine.RecordLine(ctx, p)
	assert.True(t, apperr.IsValidation(err))
}

func TestManualTransfer_SaleCreditedOnApproval(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	txs, err := f.engine.RecordLine(ctx, f.line(t, "seller", "80.50", model.MethodManualTransfer, "MKT-20250314-dddd0000-01"))
	require.NoError(t, err)
	sale, purchase := txs[0], txs[1]
	assert.Equal(t, model.TxPending, sale.Status)
	assert.Equal(t, model.TxPending, purchase.Status)
	assert.False(t, sale.Settled)
	assert.True(t, f.account(t, "seller").WalletBalance.IsZero())

	approved, err := f.engine.ApproveTransaction(ctx, sale.ID, model.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.TxApproved, approved.Status)
	assert.True(t, approved.Settled)
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("80.50")))

	// Re-approval and late rejection are refused and change nothing.
	_, err = f.engine.ApproveTransaction(ctx, sale.ID, model.DecisionApprove)
	var serr *apperr.StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "approved", serr.Status)
	_, err = f.engine.ApproveTransaction(ctx, sale.ID, model.DecisionReject)
	assert.True(t, apperr.IsState(err))
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("80.50")))

	// The purchase side carries no balance effect.
	_, err = f.engine.ApproveTransaction(ctx, purchase.ID, model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, f.account(t, "buyer").WalletBalance.IsZero())
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("80.50")))
}

func TestApproveTransaction_RejectLeavesBalances(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	txs, err := f.engine.RecordLine(ctx, f.line(t, "seller", "40", model.MethodManualTransfer, "MKT-20250314-eeee0000-01"))
	require.NoError(t, err)

	rejected, err := f.engine.ApproveTransaction(ctx, txs[0].ID, model.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, model.TxRejected, rejected.Status)
	assert.True(t, f.account(t, "seller").WalletBalance.IsZero())

	_, err = f.engine.ApproveTransaction(ctx, txs[0].ID, model.DecisionApprove)
	assert.True(t, apperr.IsState(err))
	assert.True(t, f.account(t, "seller").WalletBalance.IsZero())

	_, err = f.engine.ApproveTransaction(ctx, "missing", model.DecisionApprove)
	assert.True(t, apperr.IsNotFound(err))
	_, err = f.engine.ApproveTransaction(ctx, txs[1].ID, "maybe")
	assert.True(t, apperr.IsValidation(err))
}

func TestApproveTransaction_ConcurrentApprovalsCreditOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	txs, err := f.engine.RecordLine(ctx, f.line(t, "seller", "25", model.MethodManualTransfer, "MKT-20250314-ffff0000-01"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, stateErrs := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ApproveTransaction(ctx, txs[0].ID, model.DecisionApprove)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.IsState(err):
				stateErrs++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, stateErrs)
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("25")))
}

func TestRecordLine_PlanPayment(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	plan, _ := model.LookupPlan(model.PlanProfessional)

	instant := LineParams{
		Line:      model.CartLine{ListingID: model.PlanListingID(model.PlanProfessional), Title: "Professional plan", Price: plan.MonthlyPrice},
		Buyer:     f.account(t, "buyer"),
		Method:    model.MethodInstantElectronic,
		Reference: "MKT-20250314-99990000-01",
	}
	txs, err := f.engine.RecordLine(ctx, instant)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.CategoryPlanPayment, txs[0].Category)
	assert.Equal(t, model.PlanProfessional, txs[0].PlanType)
	assert.Equal(t, model.TxApproved, txs[0].Status)
	assert.Equal(t, []model.PlanType{model.PlanProfessional}, f.plans.applied)

	_, err = f.engine.RecordLine(ctx, instant)
	require.NoError(t, err)
	assert.Len(t, f.plans.applied, 1, "retry does not re-apply the plan")

	manual := instant
	manual.Method = model.MethodManualTransfer
	manual.Reference = "MKT-20250314-99990000-02"
	manual.Line.ListingID = model.PlanListingID(model.PlanPremium)
	txs, err = f.engine.RecordLine(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, model.TxPending, txs[0].Status)
	assert.Len(t, f.plans.applied, 1)

	_, err = f.engine.ApproveTransaction(ctx, txs[0].ID, model.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, []model.PlanType{model.PlanProfessional, model.PlanPremium}, f.plans.applied)
}

func TestRequestDeposit_AlwaysPending(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, m := range []model.PaymentMethod{model.MethodInstantCard, model.MethodInstantElectronic, model.MethodManualTransfer} {
		tx, err := f.engine.RequestDeposit(ctx, "buyer", dec("100"), m, "proof://receipt")
		require.NoError(t, err)
		assert.Equal(t, model.TxPending, tx.Status, m)
		assert.Equal(t, model.CategoryDeposit, tx.Category)
		assert.Equal(t, "proof://receipt", tx.ProofRef)
		assert.NotEmpty(t, tx.Reference)
	}
	assert.True(t, f.account(t, "buyer").TopUpBalance.IsZero())

	deposits, err := f.engine.Transactions(ctx, "buyer")
	require.NoError(t, err)
	require.Len(t, deposits, 3)

	_, err = f.engine.ApproveTransaction(ctx, deposits[0].ID, model.DecisionApprove)
	require.NoError(t, err)
	_, err = f.engine.ApproveTransaction(ctx, deposits[1].ID, model.DecisionReject)
	require.NoError(t, err)
	_, err = f.engine.ApproveTransaction(ctx, deposits[0].ID, model.DecisionApprove)
	assert.True(t, apperr.IsState(err))

	b, err := f.engine.Balances(ctx, "buyer")
	require.NoError(t, err)
	assert.True(t, b.TopUp.Equal(dec("100")))
	assert.True(t, b.Wallet.IsZero())
}

func TestRequestDeposit_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.engine.RequestDeposit(ctx, "buyer", dec("-5"), model.MethodInstantCard, "")
	assert.True(t, apperr.IsValidation(err))
	_, err = f.engine.RequestDeposit(ctx, "buyer", dec("5"), "cheque", "")
	assert.True(t, apperr.IsValidation(err))
	_, err = f.engine.RequestDeposit(ctx, "blocked", dec("5"), model.MethodInstantCard, "")
	assert.True(t, apperr.IsValidation(err))
	_, err = f.engine.RequestDeposit(ctx, "ghost", dec("5"), model.MethodInstantCard, "")
	assert.True(t, apperr.IsNotFound(err))
}

func TestRequestWithdrawal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	w, err := f.engine.RequestWithdrawal(ctx, "seller", dec("5000"), "")
	require.NoError(t, err, "funds are not checked at request time by default")
	assert.Equal(t, model.WithdrawalPending, w.Status)
	assert.Equal(t, "Bank 001 / 12345-6", w.BankDetails)
	assert.Equal(t, fixedNow, w.RequestDate)

	w, err = f.engine.RequestWithdrawal(ctx, "buyer", dec("10"), "  Bank 237 / 999-1 ")
	require.NoError(t, err)
	assert.Equal(t, "Bank 237 / 999-1", w.BankDetails)

	_, err = f.engine.RequestWithdrawal(ctx, "buyer", dec("10"), "")
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bank_details", verr.Field)

	_, err = f.engine.RequestWithdrawal(ctx, "seller", decimal.Zero, "")
	assert.True(t, apperr.IsValidation(err))

	list, err := f.engine.Withdrawals(ctx, "seller")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequestWithdrawal_CheckFundsOnRequest(t *testing.T) {
	f := newFixture(t, Options{CheckFundsOnRequest: true})
	f.setWallet(t, "seller", "300")

	_, err := f.engine.RequestWithdrawal(context.Background(), "seller", dec("300.01"), "")
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "wallet_balance", verr.Field)
	assert.Equal(t, "300.00", verr.Limit)

	_, err = f.engine.RequestWithdrawal(context.Background(), "seller", dec("300"), "")
	assert.NoError(t, err)
}

func TestProcessWithdrawal_ClampsOverdraft(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.setWallet(t, "seller", "3000")

	w, err := f.engine.RequestWithdrawal(ctx, "seller", dec("5000"), "")
	require.NoError(t, err)

	processed, err := f.engine.ProcessWithdrawal(ctx, w.ID, model.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalProcessed, processed.Status)
	assert.Equal(t, fixedNow, processed.ProcessedAt)
	assert.True(t, f.account(t, "seller").WalletBalance.IsZero())

	txs, err := f.engine.Transactions(ctx, "seller")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.CategoryWithdrawal, txs[0].Category)
	assert.Equal(t, model.TxApproved, txs[0].Status)
	assert.True(t, txs[0].Amount.Equal(dec("5000")))

	_, err = f.engine.ProcessWithdrawal(ctx, w.ID, model.DecisionApprove)
	assert.True(t, apperr.IsState(err))
	_, err = f.engine.ProcessWithdrawal(ctx, w.ID, model.DecisionReject)
	assert.True(t, apperr.IsState(err))
}

func TestProcessWithdrawal_RejectPolicy(t *testing.T) {
	f := newFixture(t, Options{Overdraft: OverdraftReject})
	ctx := context.Background()
	f.setWallet(t, "seller", "3000")

	w, err := f.engine.RequestWithdrawal(ctx, "seller", dec("5000"), "")
	require.NoError(t, err)

	_, err = f.engine.ProcessWithdrawal(ctx, w.ID, model.DecisionApprove)
	assert.True(t, apperr.IsValidation(err))
	still, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalPending, still.Status)
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("3000")))

	ok, err := f.engine.RequestWithdrawal(ctx, "seller", dec("1200.40"), "")
	require.NoError(t, err)
	_, err = f.engine.ProcessWithdrawal(ctx, ok.ID, model.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("1799.60")))
}

func TestProcessWithdrawal_Reject(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.setWallet(t, "seller", "100")

	w, err := f.engine.RequestWithdrawal(ctx, "seller", dec("60"), "")
	require.NoError(t, err)
	rejected, err := f.engine.ProcessWithdrawal(ctx, w.ID, model.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalRejected, rejected.Status)
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("100")))

	txs, err := f.engine.Transactions(ctx, "seller")
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, err = f.engine.ProcessWithdrawal(ctx, "missing", model.DecisionApprove)
	assert.True(t, apperr.IsNotFound(err))
}

func TestProcessWithdrawal_BalanceNeverNegative(t *testing.T) {
	for _, tc := range []struct{ wallet, amount string }{
		{"0", "1"}, {"10", "10"}, {"10", "10.01"}, {"999.99", "1000"}, {"5", "0.01"},
	} {
		f := newFixture(t, Options{})
		ctx := context.Background()
		f.setWallet(t, "seller", tc.wallet)
		w, err := f.engine.RequestWithdrawal(ctx, "seller", dec(tc.amount), "")
		require.NoError(t, err)
		_, err = f.engine.ProcessWithdrawal(ctx, w.ID, model.DecisionApprove)
		require.NoError(t, err)

		got := f.account(t, "seller").WalletBalance
		assert.False(t, got.IsNegative(), "wallet %s - %s", tc.wallet, tc.amount)
		want := decimal.Max(decimal.Zero, dec(tc.wallet).Sub(dec(tc.amount)))
		assert.True(t, got.Equal(want), "wallet %s - %s = %s", tc.wallet, tc.amount, got)
	}
}

func TestProcessWithdrawal_IDsSharingShortToken(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.setWallet(t, "seller", "100")

	for _, wid := range []string{"7c01d2e3-0000-4000-8000-00000000000a", "7c01d2e3-0000-4000-8000-00000000000b"} {
		_, err := f.store.CreateWithdrawal(ctx, model.WithdrawalRequest{
			ID: wid, AccountID: "seller", Amount: dec("30"), Status: model.WithdrawalPending,
			BankDetails: "Bank 001 / 12345-6", RequestDate: fixedNow,
		})
		require.NoError(t, err)
		_, err = f.engine.ProcessWithdrawal(ctx, wid, model.DecisionApprove)
		require.NoError(t, err)
	}

	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("40")), "both payouts debited")
	txs, err := f.engine.Transactions(ctx, "seller")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, txs[0].Reference, txs[1].Reference, "display references match")
	assert.NotEqual(t, txs[0].ID, txs[1].ID)
}

func TestDecideReference(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const ref = "MKT-20250314-ffff0000-01"

	_, err := f.engine.RecordLine(ctx, f.line(t, "seller", "25", model.MethodManualTransfer, ref))
	require.NoError(t, err)

	decided, err := f.engine.DecideReference(ctx, ref, model.DecisionApprove)
	require.NoError(t, err)
	require.Len(t, decided, 2, "both sides of the sale")
	for _, tx := range decided {
		assert.Equal(t, model.TxApproved, tx.Status)
	}
	assert.True(t, f.account(t, "seller").WalletBalance.Equal(dec("25")))

	_, err = f.engine.DecideReference(ctx, ref, model.DecisionApprove)
	assert.True(t, apperr.IsNotFound(err), "nothing left pending")
	_, err = f.engine.DecideReference(ctx, "not-a-reference", model.DecisionApprove)
	assert.True(t, apperr.IsValidation(err))
}

func TestDecideReference_SharedByTwoLines(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const ref = "MKT-20250314-abab0000-01"

	for _, key := range []string{"cart:first:buyer:1", "cart:second:buyer:1"} {
		p := f.line(t, "seller", "10", model.MethodManualTransfer, ref)
		p.Key = key
		_, err := f.engine.RecordLine(ctx, p)
		require.NoError(t, err)
	}

	_, err := f.engine.DecideReference(ctx, ref, model.DecisionApprove)
	assert.True(t, apperr.IsValidation(err))
	assert.True(t, f.account(t, "seller").WalletBalance.IsZero(), "nothing decided")

	all, err := f.engine.Transactions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, tx := range all {
		assert.Equal(t, model.TxPending, tx.Status)
	}
}
