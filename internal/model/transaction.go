package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies a ledger transaction.
type Category string

const (
	CategorySale        Category = "SALE"
	CategoryPurchase    Category = "PURCHASE"
	CategoryDeposit     Category = "DEPOSIT"
	CategoryWithdrawal  Category = "WITHDRAWAL"
	CategoryPlanPayment Category = "PLAN_PAYMENT"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySale, CategoryPurchase, CategoryDeposit, CategoryWithdrawal, CategoryPlanPayment:
		return true
	}
	return false
}

// PaymentMethod is how a transaction is settled.
type PaymentMethod string

const (
	MethodInstantElectronic PaymentMethod = "instant-electronic"
	MethodInstantCard       PaymentMethod = "instant-card"
	MethodManualTransfer    PaymentMethod = "manual-transfer"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodInstantElectronic, MethodInstantCard, MethodManualTransfer:
		return true
	}
	return false
}

// Instant reports whether the method settles synchronously.
func (m PaymentMethod) Instant() bool {
	switch m {
	case MethodInstantElectronic, MethodInstantCard:
		return true
	case MethodManualTransfer:
		return false
	}
	return false
}

// ParsePaymentMethod validates a method name.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown payment method %q", s)
	}
	return m, nil
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxApproved TxStatus = "approved"
	TxRejected TxStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxApproved, TxRejected:
		return true
	case TxPending:
		return false
	}
	return false
}

// Decision is an operator verdict on a pending record.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Transaction is a single ledger record. SALE/PURCHASE pairs share Reference and Timestamp.
type Transaction struct {
	ID               string
	AccountID        string
	CounterpartyName string
	Amount           decimal.Decimal // always > 0
	Category         Category
	Method           PaymentMethod
	Status           TxStatus
	Timestamp        time.Time
	Reference        string
	ProofRef         string
	IdempotencyKey   string
	Settled          bool     // balance effect already applied
	PlanType         PlanType // PLAN_PAYMENT only
	ListingID        string   // SALE/PURCHASE only
}

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalProcessed WithdrawalStatus = "processed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s WithdrawalStatus) Terminal() bool {
	switch s {
	case WithdrawalProcessed, WithdrawalRejected:
		return true
	case WithdrawalPending:
		return false
	}
	return false
}

// WithdrawalRequest asks for wallet funds to be paid out to a bank.
type WithdrawalRequest struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	Status      WithdrawalStatus
	BankDetails string
	RequestDate time.Time
	ProcessedAt time.Time // zero until terminal
}
