package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind distinguishes personal sellers from businesses with branches.
type AccountKind string

const (
	AccountKindPersonal AccountKind = "personal"
	AccountKindBusiness AccountKind = "business"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	switch k {
	case AccountKindPersonal, AccountKindBusiness:
		return true
	}
	return false
}

// AccountStatus is the moderation state of an account.
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusBlocked AccountStatus = "blocked"
)

// Valid reports whether s is a known account status.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusBlocked:
		return true
	}
	return false
}

// Account is a marketplace participant. It owns both balances.
type Account struct {
	ID            string
	Name          string
	Email         string
	Phone         string
	Kind          AccountKind
	IsBank        bool
	Plan          PlanType
	CustomLimits  *CustomLimits   // nil = catalog defaults for Plan
	WalletBalance decimal.Decimal // earned funds
	TopUpBalance  decimal.Decimal // prepaid funds
	Favorites     []string        // listing ids
	Following     []string        // account ids
	Status        AccountStatus
	BankDetails   string // destination bank on file, free text
	CreatedAt     time.Time
}

// Branch is a subordinate location of a business account.
type Branch struct {
	ID              string
	ParentAccountID string
	Name            string
	Email           string
	Phone           string
	Address         string
}
