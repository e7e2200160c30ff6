package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/auditlog"
	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/model"
)

func newDepositCommand(opts *globalOptions) *cobra.Command {
	var method, proof string

	cmd := &cobra.Command{
		Use:   "deposit <account-id> <amount>",
		Short: "Top up an account's prepaid balance",
		Long: "Top up an account's prepaid balance.\n\n" +
			"Instant methods are approved and credited at once; manual transfers stay\n" +
			"pending until an operator approves them.",
		Args: cobra.ExactArgs(2),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			m, err := model.ParsePaymentMethod(method)
			if err != nil {
				return apperr.Validation("method", "%v", err)
			}

			t, err := app.ledger.RequestDeposit(ctx, args[0], amount, m, proof)
			if err != nil {
				return err
			}
			app.finish(ctx, "deposit: "+t.Reference, auditlog.FromTransactions(app.now(), app.opts.actor, "deposit", []model.Transaction{t}))
			fmt.Fprintf(cmd.OutOrStdout(), "Deposit %s of %s is %s\n", t.ID, t.Amount.StringFixed(2), t.Status)
			return nil
		}),
	}

	cmd.Flags().StringVar(&method, "method", string(model.MethodManualTransfer), "payment method")
	cmd.Flags().StringVar(&proof, "proof", "", "proof of payment reference, for manual transfers")
	return cmd
}

// newDecisionCommand builds approve and reject, which settle a pending
// transaction. A reference decides every pending record carrying it.
func newDecisionCommand(opts *globalOptions, decision model.Decision) *cobra.Command {
	verb := string(decision)
	return &cobra.Command{
		Use:   verb + " <transaction-id|reference>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending transaction",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			var txs []model.Transaction
			if _, _, _, _, err := id.ParseReference(args[0]); err == nil {
				decided, err := app.ledger.DecideReference(ctx, args[0], decision)
				if len(decided) > 0 {
					app.finish(ctx, verb+": "+args[0], auditlog.FromTransactions(app.now(), app.opts.actor, verb, decided))
				}
				if err != nil {
					return err
				}
				txs = decided
			} else {
				t, err := app.ledger.ApproveTransaction(ctx, args[0], decision)
				if err != nil {
					return err
				}
				app.finish(ctx, verb+": "+t.Reference, auditlog.FromTransactions(app.now(), app.opts.actor, verb, []model.Transaction{t}))
				txs = []model.Transaction{t}
			}
			for _, t := range txs {
				fmt.Fprintf(cmd.OutOrStdout(), "Transaction %s (%s) is %s\n", t.ID, t.Reference, t.Status)
			}
			return nil
		}),
	}
}

func newWithdrawCommand(opts *globalOptions) *cobra.Command {
	var bankDetails string

	cmd := &cobra.Command{
		Use:   "withdraw <account-id> <amount>",
		Short: "Request a payout from an account's wallet",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			w, err := app.ledger.RequestWithdrawal(ctx, args[0], amount, bankDetails)
			if err != nil {
				return err
			}
			app.finish(ctx, "withdraw: "+w.ID, []auditlog.Entry{
				app.entry("request_withdrawal", w.ID, fmt.Sprintf("%s from %s to %s", w.Amount.StringFixed(2), w.AccountID, w.BankDetails)),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Withdrawal %s of %s is %s\n", w.ID, w.Amount.StringFixed(2), w.Status)
			return nil
		}),
	}

	cmd.Flags().StringVar(&bankDetails, "bank-details", "", "destination bank (default: the account's bank details)")
	return cmd
}

func newWithdrawalCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdrawal",
		Short: "Review withdrawal requests",
	}
	cmd.AddCommand(newWithdrawalProcessCommand(opts), newWithdrawalListCommand(opts))
	return cmd
}

func newWithdrawalProcessCommand(opts *globalOptions) *cobra.Command {
	var decision string

	cmd := &cobra.Command{
		Use:   "process <withdrawal-id>",
		Short: "Pay out or reject a pending withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			d := model.Decision(strings.ToLower(decision))
			if !d.Valid() {
				return apperr.Validation("decision", "unknown decision %q (want approve or reject)", decision)
			}
			w, err := app.ledger.ProcessWithdrawal(ctx, args[0], d)
			if err != nil {
				return err
			}
			app.finish(ctx, "withdrawal: "+string(d)+" "+w.ID, []auditlog.Entry{
				app.entry("process_withdrawal", w.ID, fmt.Sprintf("%s of %s for %s", w.Status, w.Amount.StringFixed(2), w.AccountID)),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Withdrawal %s is %s\n", w.ID, w.Status)
			return nil
		}),
	}

	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject (required)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func newWithdrawalListCommand(opts *globalOptions) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List withdrawal requests",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			ws, err := app.ledger.Withdrawals(ctx, account)
			if err != nil {
				return err
			}
			return printWithdrawals(cmd.OutOrStdout(), ws)
		}),
	}

	cmd.Flags().StringVar(&account, "account", "", "only this account's requests")
	return cmd
}
