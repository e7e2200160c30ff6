package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/lock"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/store"
)

// RequestWithdrawal asks for amount of the wallet to be paid out. bankDetails
// overrides the details on file; one of them is required. Funds are only
// checked here when CheckFundsOnRequest is set.
func (e *Engine) RequestWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal, bankDetails string) (model.WithdrawalRequest, error) {
	if !amount.IsPositive() {
		return model.WithdrawalRequest{}, apperr.Validation("amount", "withdrawal amount must be positive, got %s", amount)
	}
	a, err := e.activeAccount(ctx, accountID)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	bank := strings.TrimSpace(bankDetails)
	if bank == "" {
		bank = strings.TrimSpace(a.BankDetails)
	}
	if bank == "" {
		return model.WithdrawalRequest{}, apperr.Validation("bank_details", "add bank details to account %s before requesting a withdrawal", accountID)
	}
	if e.opts.CheckFundsOnRequest && amount.GreaterThan(a.WalletBalance) {
		return model.WithdrawalRequest{}, insufficientFunds(amount, a.WalletBalance)
	}

	w, err := e.store.CreateWithdrawal(ctx, model.WithdrawalRequest{
		AccountID:   a.ID,
		Amount:      amount,
		Status:      model.WithdrawalPending,
		BankDetails: bank,
		RequestDate: e.now().UTC(),
	})
	if err != nil {
		return model.WithdrawalRequest{}, fmt.Errorf("creating withdrawal: %w", err)
	}
	e.metrics.RecordWithdrawal(string(w.Status))
	e.log.Info("withdrawal requested",
		zap.String("withdrawal_id", w.ID),
		zap.String("account_id", a.ID),
		zap.String("amount", amount.StringFixed(2)))
	return w, nil
}

func insufficientFunds(amount, available decimal.Decimal) error {
	return apperr.LimitReached("wallet_balance", available.StringFixed(2),
		"insufficient funds: requested %s, available %s", amount.StringFixed(2), available.StringFixed(2))
}

// ProcessWithdrawal decides a Pending withdrawal. Approval debits the wallet,
// records an Approved WITHDRAWAL transaction and marks the request Processed.
// Under OverdraftClamp the wallet floors at zero; under OverdraftReject an
// amount above the wallet is refused and the request stays Pending.
func (e *Engine) ProcessWithdrawal(ctx context.Context, withdrawalID string, decision model.Decision) (model.WithdrawalRequest, error) {
	if !decision.Valid() {
		return model.WithdrawalRequest{}, apperr.Validation("decision", "unknown decision %q", decision)
	}
	w, err := e.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}

	unlock, err := e.locker.Lock(ctx, lock.AccountKey(w.AccountID))
	if err != nil {
		return model.WithdrawalRequest{}, err
	}
	defer unlock()

	w, err = e.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return model.WithdrawalRequest{}, err
	}
	if w.Status.Terminal() {
		e.log.Warn("withdrawal already decided",
			zap.String("withdrawal_id", withdrawalID),
			zap.String("status", string(w.Status)))
		return w, &apperr.StateError{Entity: "withdrawal", ID: withdrawalID, Status: string(w.Status)}
	}

	now := e.now().UTC()
	status := model.WithdrawalRejected
	if decision == model.DecisionApprove {
		status = model.WithdrawalProcessed
		if err := e.payOut(ctx, w); err != nil {
			return model.WithdrawalRequest{}, err
		}
	}

	updated, err := e.store.UpdateWithdrawal(ctx, withdrawalID, store.WithdrawalPatch{
		Status:      store.Ptr(status),
		ProcessedAt: store.Ptr(now),
	})
	if err != nil {
		return model.WithdrawalRequest{}, fmt.Errorf("updating withdrawal %s: %w", withdrawalID, err)
	}
	e.metrics.RecordWithdrawal(string(status))
	e.log.Info("withdrawal decided",
		zap.String("withdrawal_id", withdrawalID),
		zap.String("account_id", w.AccountID),
		zap.String("status", string(status)))
	return updated, nil
}

// payOut records and settles the WITHDRAWAL transaction for w. The record is
// keyed by the withdrawal id so a retried approval debits once.
func (e *Engine) payOut(ctx context.Context, w model.WithdrawalRequest) error {
	a, err := e.store.GetAccount(ctx, w.AccountID)
	if err != nil {
		return err
	}
	ref := id.FormatReference(e.opts.ReferencePrefix, w.RequestDate, w.ID, 1)

	if w.Amount.GreaterThan(a.WalletBalance) {
		switch e.opts.Overdraft {
		case OverdraftReject:
			e.log.Warn("withdrawal exceeds wallet",
				zap.String("withdrawal_id", w.ID),
				zap.String("amount", w.Amount.StringFixed(2)),
				zap.String("wallet", a.WalletBalance.StringFixed(2)))
			return insufficientFunds(w.Amount, a.WalletBalance)
		case OverdraftClamp:
			e.log.Warn("withdrawal clamped to wallet",
				zap.String("withdrawal_id", w.ID),
				zap.String("amount", w.Amount.StringFixed(2)),
				zap.String("wallet", a.WalletBalance.StringFixed(2)))
		}
	}

	_, err = e.record(ctx, "withdrawal:"+w.ID, model.Transaction{
		AccountID:        w.AccountID,
		CounterpartyName: w.BankDetails,
		Amount:           w.Amount,
		Category:         model.CategoryWithdrawal,
		Method:           model.MethodManualTransfer,
		Status:           model.TxApproved,
		Timestamp:        e.now().UTC(),
		Reference:        ref,
	})
	return err
}
