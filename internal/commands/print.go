package commands

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/quota"
)

const timeLayout = "2006-01-02 15:04"

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, apperr.Validation(field, "%q is not a number", s)
	}
	return d, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printTransactions(w io.Writer, txs []model.Transaction) error {
	if len(txs) == 0 {
		_, err := fmt.Fprintln(w, "No transactions.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tREFERENCE\tCATEGORY\tACCOUNT\tCOUNTERPARTY\tAMOUNT\tSTATUS\tTIME")
	for _, t := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Reference, t.Category, t.AccountID, t.CounterpartyName,
			t.Amount.StringFixed(2), t.Status, t.Timestamp.Format(timeLayout))
	}
	return tw.Flush()
}

func printWithdrawals(w io.Writer, ws []model.WithdrawalRequest) error {
	if len(ws) == 0 {
		_, err := fmt.Fprintln(w, "No withdrawals.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tACCOUNT\tAMOUNT\tSTATUS\tREQUESTED\tBANK")
	for _, r := range ws {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.AccountID, r.Amount.StringFixed(2), r.Status,
			r.RequestDate.Format(timeLayout), r.BankDetails)
	}
	return tw.Flush()
}

func printReport(w io.Writer, r quota.Report) error {
	source := "plan"
	if r.Custom {
		source = "custom"
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "Plan:\t%s (%s limits)\n", r.Plan, source)
	fmt.Fprintf(tw, "Listings:\t%d used, limit %s, %s left\n",
		r.Usage.Listings, limit(r.Limits.MaxListings), limit(r.Remaining.MaxListings))
	fmt.Fprintf(tw, "Highlights:\t%d used, limit %s, %s left\n",
		r.Usage.Highlighted, limit(r.Limits.MaxHighlights), limit(r.Remaining.MaxHighlights))
	return tw.Flush()
}

func limit(n int) string {
	if n == model.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
