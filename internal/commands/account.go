package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/auditlog"
	"github.com/cleared-dev/marketledger/internal/model"
)

func newAccountCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage marketplace accounts",
	}
	cmd.AddCommand(newAccountCreateCommand(opts), newAccountShowCommand(opts), newAccountListCommand(opts))
	return cmd
}

func newAccountCreateCommand(opts *globalOptions) *cobra.Command {
	var a model.Account
	var kind, plan string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			a.Kind = model.AccountKind(kind)
			if !a.Kind.Valid() {
				return apperr.Validation("kind", "unknown account kind %q", kind)
			}
			p, err := model.ParsePlanType(plan)
			if err != nil {
				return apperr.Validation("plan", "%v", err)
			}
			a.Plan = p
			a.Status = model.AccountStatusActive
			a.CreatedAt = app.now()

			created, err := app.store.CreateAccount(ctx, a)
			if err != nil {
				return err
			}
			app.finish(ctx, "account: create "+created.Name, []auditlog.Entry{
				app.entry("create_account", created.ID, fmt.Sprintf("%s account %s on the %s plan", created.Kind, created.Name, created.Plan)),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Created account %s (%s)\n", created.ID, created.Name)
			return nil
		}),
	}

	cmd.Flags().StringVar(&a.ID, "id", "", "account id (generated when empty)")
	cmd.Flags().StringVar(&a.Name, "name", "", "display name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().StringVar(&a.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&a.Phone, "phone", "", "contact phone")
	cmd.Flags().StringVar(&kind, "kind", string(model.AccountKindPersonal), "personal or business")
	cmd.Flags().StringVar(&plan, "plan", string(model.PlanFree), "subscription plan")
	cmd.Flags().StringVar(&a.BankDetails, "bank-details", "", "bank account for withdrawals")
	cmd.Flags().BoolVar(&a.IsBank, "bank", false, "mark the account as a bank")

	return cmd
}

func newAccountShowCommand(opts *globalOptions) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show balances, quota and recent transactions of an account",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			a, err := app.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			bal, err := app.ledger.Balances(ctx, a.ID)
			if err != nil {
				return err
			}
			report, err := app.quota.Snapshot(ctx, a.ID)
			if err != nil {
				return err
			}
			txs, err := app.ledger.Transactions(ctx, a.ID)
			if err != nil {
				return err
			}
			if recent > 0 && len(txs) > recent {
				txs = txs[len(txs)-recent:]
			}

			out := cmd.OutOrStdout()
			tw := newTable(out)
			fmt.Fprintf(tw, "Account:\t%s (%s)\n", a.Name, a.ID)
			fmt.Fprintf(tw, "Kind:\t%s\n", a.Kind)
			fmt.Fprintf(tw, "Status:\t%s\n", a.Status)
			fmt.Fprintf(tw, "Wallet:\t%s\n", bal.Wallet.StringFixed(2))
			fmt.Fprintf(tw, "Top-up:\t%s\n", bal.TopUp.StringFixed(2))
			if err := tw.Flush(); err != nil {
				return err
			}
			if err := printReport(out, report); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printTransactions(out, txs)
		}),
	}

	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent transactions to show, 0 for all")
	return cmd
}

func newAccountListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			accounts, err := app.store.ListAccounts(ctx)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tPLAN\tWALLET\tTOP-UP\tSTATUS")
			for _, a := range accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Name, a.Kind, a.Plan,
					a.WalletBalance.StringFixed(2), a.TopUpBalance.StringFixed(2), a.Status)
			}
			return tw.Flush()
		}),
	}
}

func newBranchCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches of business accounts",
	}
	cmd.AddCommand(newBranchAddCommand(opts))
	return cmd
}

func newBranchAddCommand(opts *globalOptions) *cobra.Command {
	var b model.Branch

	cmd := &cobra.Command{
		Use:   "add <parent-account-id>",
		Short: "Add a branch under a business account",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			parent, err := app.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			if parent.Kind != model.AccountKindBusiness {
				return apperr.Validation("parent", "only business accounts have branches, %s is %s", parent.ID, parent.Kind)
			}
			b.ParentAccountID = parent.ID

			created, err := app.store.CreateBranch(ctx, b)
			if err != nil {
				return err
			}
			app.finish(ctx, "branch: add "+created.Name, []auditlog.Entry{
				app.entry("create_branch", created.ID, fmt.Sprintf("branch %s of %s", created.Name, parent.Name)),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s (%s) under %s\n", created.ID, created.Name, parent.Name)
			return nil
		}),
	}

	cmd.Flags().StringVar(&b.ID, "id", "", "branch id (generated when empty)")
	cmd.Flags().StringVar(&b.Name, "name", "", "branch name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().StringVar(&b.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&b.Phone, "phone", "", "contact phone")
	cmd.Flags().StringVar(&b.Address, "address", "", "street address")

	return cmd
}
