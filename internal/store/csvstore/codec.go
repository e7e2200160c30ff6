package csvstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/marketledger/internal/model"
)

const (
	timeFormat = time.RFC3339Nano
	listSep    = ";"
)

// accounts.csv
const (
	accountFields       = 16
	colAccID            = 0
	colAccName          = 1
	colAccEmail         = 2
	colAccPhone         = 3
	colAccKind          = 4
	colAccIsBank        = 5
	colAccPlan          = 6
	colAccMaxListings   = 7
	colAccMaxHighlights = 8
	colAccWallet        = 9
	colAccTopUp         = 10
	colAccFavorites     = 11
	colAccFollowing     = 12
	colAccStatus        = 13
	colAccBankDetails   = 14
	colAccCreatedAt     = 15
)

var accountHeader = []string{
	"account_id", "name", "email", "phone", "kind", "is_bank", "plan",
	"custom_max_listings", "custom_max_highlights", "wallet_balance", "top_up_balance",
	"favorites", "following", "status", "bank_details", "created_at",
}

// MarshalAccount converts an Account to a CSV row.
func MarshalAccount(a model.Account) []string {
	row := make([]string, accountFields)
	row[colAccID] = a.ID
	row[colAccName] = a.Name
	row[colAccEmail] = a.Email
	row[colAccPhone] = a.Phone
	row[colAccKind] = string(a.Kind)
	row[colAccIsBank] = strconv.FormatBool(a.IsBank)
	row[colAccPlan] = string(a.Plan)
	if a.CustomLimits != nil {
		row[colAccMaxListings] = strconv.Itoa(a.CustomLimits.MaxListings)
		row[colAccMaxHighlights] = strconv.Itoa(a.CustomLimits.MaxHighlights)
	}
	row[colAccWallet] = a.WalletBalance.StringFixed(2)
	row[colAccTopUp] = a.TopUpBalance.StringFixed(2)
	row[colAccFavorites] = strings.Join(a.Favorites, listSep)
	row[colAccFollowing] = strings.Join(a.Following, listSep)
	row[colAccStatus] = string(a.Status)
	row[colAccBankDetails] = a.BankDetails
	row[colAccCreatedAt] = formatTime(a.CreatedAt)
	return row
}

// UnmarshalAccount converts a CSV row to an Account.
func UnmarshalAccount(record []string) (model.Account, error) {
	if len(record) != accountFields {
		return model.Account{}, fmt.Errorf("expected %d fields, got %d", accountFields, len(record))
	}
	a := model.Account{
		ID:          record[colAccID],
		Name:        record[colAccName],
		Email:       record[colAccEmail],
		Phone:       record[colAccPhone],
		Kind:        model.AccountKind(record[colAccKind]),
		Plan:        model.PlanType(record[colAccPlan]),
		Favorites:   splitList(record[colAccFavorites]),
		Following:   splitList(record[colAccFollowing]),
		Status:      model.AccountStatus(record[colAccStatus]),
		BankDetails: record[colAccBankDetails],
	}

	var err error
	if a.IsBank, err = parseBool("is_bank", record[colAccIsBank]); err != nil {
		return model.Account{}, err
	}
	if record[colAccMaxListings] != "" || record[colAccMaxHighlights] != "" {
		var cl model.CustomLimits
		if cl.MaxListings, err = strconv.Atoi(record[colAccMaxListings]); err != nil {
			return model.Account{}, fmt.Errorf("parsing custom_max_listings %q: %w", record[colAccMaxListings], err)
		}
		if cl.MaxHighlights, err = strconv.Atoi(record[colAccMaxHighlights]); err != nil {
			return model.Account{}, fmt.Errorf("parsing custom_max_highlights %q: %w", record[colAccMaxHighlights], err)
		}
		a.CustomLimits = &cl
	}
	if a.WalletBalance, err = parseDecimal("wallet_balance", record[colAccWallet]); err != nil {
		return model.Account{}, err
	}
	if a.TopUpBalance, err = parseDecimal("top_up_balance", record[colAccTopUp]); err != nil {
		return model.Account{}, err
	}
	if a.CreatedAt, err = parseTime("created_at", record[colAccCreatedAt]); err != nil {
		return model.Account{}, err
	}
	return a, nil
}

// branches.csv
const (
	branchFields = 6
	colBrID      = 0
	colBrParent  = 1
	colBrName    = 2
	colBrEmail   = 3
	colBrPhone   = 4
	colBrAddress = 5
)

var branchHeader = []string{"branch_id", "parent_account_id", "name", "email", "phone", "address"}

// MarshalBranch converts a Branch to a CSV row.
func MarshalBranch(b model.Branch) []string {
	row := make([]string, branchFields)
	row[colBrID] = b.ID
	row[colBrParent] = b.ParentAccountID
	row[colBrName] = b.Name
	row[colBrEmail] = b.Email
	row[colBrPhone] = b.Phone
	row[colBrAddress] = b.Address
	return row
}

// UnmarshalBranch converts a CSV row to a Branch.
func UnmarshalBranch(record []string) (model.Branch, error) {
	if len(record) != branchFields {
		return model.Branch{}, fmt.Errorf("expected %d fields, got %d", branchFields, len(record))
	}
	return model.Branch{
		ID:              record[colBrID],
		ParentAccountID: record[colBrParent],
		Name:            record[colBrName],
		Email:           record[colBrEmail],
		Phone:           record[colBrPhone],
		Address:         record[colBrAddress],
	}, nil
}

// listings.csv
const (
	listingFields   = 8
	colLstID        = 0
	colLstOwner     = 1
	colLstOwnerName = 2
	colLstTitle     = 3
	colLstPrice     = 4
	colLstCategory  = 5
	colLstHighlight = 6
	colLstCreatedAt = 7
)

var listingHeader = []string{"listing_id", "owner_id", "owner_display_name", "title", "price", "category", "highlighted", "created_at"}

// MarshalListing converts a Listing to a CSV row.
func MarshalListing(l model.Listing) []string {
	row := make([]string, listingFields)
	row[colLstID] = l.ID
	row[colLstOwner] = l.OwnerID
	row[colLstOwnerName] = l.OwnerDisplayName
	row[colLstTitle] = l.Title
	row[colLstPrice] = l.Price.StringFixed(2)
	row[colLstCategory] = l.Category
	row[colLstHighlight] = strconv.FormatBool(l.Highlighted)
	row[colLstCreatedAt] = formatTime(l.CreatedAt)
	return row
}

// UnmarshalListing converts a CSV row to a Listing.
func UnmarshalListing(record []string) (model.Listing, error) {
	if len(record) != listingFields {
		return model.Listing{}, fmt.Errorf("expected %d fields, got %d", listingFields, len(record))
	}
	l := model.Listing{
		ID:               record[colLstID],
		OwnerID:          record[colLstOwner],
		OwnerDisplayName: record[colLstOwnerName],
		Title:            record[colLstTitle],
		Category:         record[colLstCategory],
	}
	var err error
	if l.Price, err = parseDecimal("price", record[colLstPrice]); err != nil {
		return model.Listing{}, err
	}
	if l.Highlighted, err = parseBool("highlighted", record[colLstHighlight]); err != nil {
		return model.Listing{}, err
	}
	if l.CreatedAt, err = parseTime("created_at", record[colLstCreatedAt]); err != nil {
		return model.Listing{}, err
	}
	return l, nil
}

// transactions.csv
const (
	txFields       = 14
	colTxID        = 0
	colTxAccount   = 1
	colTxCparty    = 2
	colTxAmount    = 3
	colTxCategory  = 4
	colTxMethod    = 5
	colTxStatus    = 6
	colTxTimestamp = 7
	colTxRef       = 8
	colTxProof     = 9
	colTxIdemKey   = 10
	colTxSettled   = 11
	colTxPlan      = 12
	colTxListing   = 13
)

var transactionHeader = []string{
	"transaction_id", "account_id", "counterparty", "amount", "category", "method", "status",
	"timestamp", "reference", "proof_ref", "idempotency_key", "settled", "plan", "listing_id",
}

// MarshalTransaction converts a Transaction to a CSV row.
func MarshalTransaction(t model.Transaction) []string {
	row := make([]string, txFields)
	row[colTxID] = t.ID
	row[colTxAccount] = t.AccountID
	row[colTxCparty] = t.CounterpartyName
	row[colTxAmount] = t.Amount.StringFixed(2)
	row[colTxCategory] = string(t.Category)
	row[colTxMethod] = string(t.Method)
	row[colTxStatus] = string(t.Status)
	row[colTxTimestamp] = formatTime(t.Timestamp)
	row[colTxRef] = t.Reference
	row[colTxProof] = t.ProofRef
	row[colTxIdemKey] = t.IdempotencyKey
	row[colTxSettled] = strconv.FormatBool(t.Settled)
	row[colTxPlan] = string(t.PlanType)
	row[colTxListing] = t.ListingID
	return row
}

// UnmarshalTransaction converts a CSV row to a Transaction.
func UnmarshalTransaction(record []string) (model.Transaction, error) {
	if len(record) != txFields {
		return model.Transaction{}, fmt.Errorf("expected %d fields, got %d", txFields, len(record))
	}
	t := model.Transaction{
		ID:               record[colTxID],
		AccountID:        record[colTxAccount],
		CounterpartyName: record[colTxCparty],
		Category:         model.Category(record[colTxCategory]),
		Method:           model.PaymentMethod(record[colTxMethod]),
		Status:           model.TxStatus(record[colTxStatus]),
		Reference:        record[colTxRef],
		ProofRef:         record[colTxProof],
		IdempotencyKey:   record[colTxIdemKey],
		PlanType:         model.PlanType(record[colTxPlan]),
		ListingID:        record[colTxListing],
	}
	if !t.Category.Valid() {
		return model.Transaction{}, fmt.Errorf("unknown category %q", record[colTxCategory])
	}
	var err error
	if t.Amount, err = parseDecimal("amount", record[colTxAmount]); err != nil {
		return model.Transaction{}, err
	}
	if t.Timestamp, err = parseTime("timestamp", record[colTxTimestamp]); err != nil {
		return model.Transaction{}, err
	}
	if t.Settled, err = parseBool("settled", record[colTxSettled]); err != nil {
		return model.Transaction{}, err
	}
	return t, nil
}

// withdrawals.csv
const (
	wdFields       = 7
	colWdID        = 0
	colWdAccount   = 1
	colWdAmount    = 2
	colWdStatus    = 3
	colWdBank      = 4
	colWdRequested = 5
	colWdProcessed = 6
)

var withdrawalHeader = []string{"withdrawal_id", "account_id", "amount", "status", "bank_details", "request_date", "processed_at"}

// MarshalWithdrawal converts a WithdrawalRequest to a CSV row.
func MarshalWithdrawal(w model.WithdrawalRequest) []string {
	row := make([]string, wdFields)
	row[colWdID] = w.ID
	row[colWdAccount] = w.AccountID
	row[colWdAmount] = w.Amount.StringFixed(2)
	row[colWdStatus] = string(w.Status)
	row[colWdBank] = w.BankDetails
	row[colWdRequested] = formatTime(w.RequestDate)
	row[colWdProcessed] = formatTime(w.ProcessedAt)
	return row
}

// UnmarshalWithdrawal converts a CSV row to a WithdrawalRequest.
func UnmarshalWithdrawal(record []string) (model.WithdrawalRequest, error) {
	if len(record) != wdFields {
		return model.WithdrawalRequest{}, fmt.Errorf("expected %d fields, got %d", wdFields, len(record))
	}
	w := model.WithdrawalRequest{
		ID:          record[colWdID],
		AccountID:   record[colWdAccount],
		Status:      model.WithdrawalStatus(record[colWdStatus]),
		BankDetails: record[colWdBank],
	}
	var err error
	if w.Amount, err = parseDecimal("amount", record[colWdAmount]); err != nil {
		return model.WithdrawalRequest{}, err
	}
	if w.RequestDate, err = parseTime("request_date", record[colWdRequested]); err != nil {
		return model.WithdrawalRequest{}, err
	}
	if w.ProcessedAt, err = parseTime("processed_at", record[colWdProcessed]); err != nil {
		return model.WithdrawalRequest{}, err
	}
	return w, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s %q: %w", field, s, err)
	}
	return t, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s %q: %w", field, s, err)
	}
	return d, nil
}

func parseBool(field, s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("parsing %s %q: %w", field, s, err)
	}
	return b, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, listSep)
}
