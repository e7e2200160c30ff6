package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/auditlog"
	"github.com/cleared-dev/marketledger/internal/model"
	"github.com/cleared-dev/marketledger/internal/quota"
)

func newListingCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listing",
		Short: "Manage listings within plan quotas",
	}
	cmd.AddCommand(newListingAddCommand(opts), newListingPromoteCommand(opts), newListingListCommand(opts))
	return cmd
}

func newListingAddCommand(opts *globalOptions) *cobra.Command {
	var l model.Listing
	var price string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Publish a listing for an account or branch",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			p, err := parseAmount("price", price)
			if err != nil {
				return err
			}
			l.Price = p
			l.CreatedAt = app.now()

			created, report, err := app.quota.CreateListing(ctx, l)
			if err != nil {
				return err
			}
			app.finish(ctx, "listing: add "+created.Title, []auditlog.Entry{
				app.entry("create_listing", created.ID, fmt.Sprintf("%s at %s by %s", created.Title, created.Price.StringFixed(2), created.OwnerID)),
			})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created listing %s (%s)\n", created.ID, created.Title)
			return printReport(out, report)
		}),
	}

	cmd.Flags().StringVar(&l.ID, "id", "", "listing id (generated when empty)")
	cmd.Flags().StringVar(&l.OwnerID, "owner", "", "owning account or branch id (required)")
	_ = cmd.MarkFlagRequired("owner")
	cmd.Flags().StringVar(&l.Title, "title", "", "listing title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&price, "price", "", "asking price (required)")
	_ = cmd.MarkFlagRequired("price")
	cmd.Flags().StringVar(&l.Category, "category", "", "listing category")
	cmd.Flags().BoolVar(&l.Highlighted, "highlight", false, "publish as highlighted, counted against the highlight quota")

	return cmd
}

func newListingPromoteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <listing-id>",
		Short: "Highlight a listing",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			l, report, err := app.quota.PromoteListing(ctx, args[0])
			if err != nil {
				return err
			}
			app.finish(ctx, "listing: promote "+l.Title, []auditlog.Entry{
				app.entry("promote_listing", l.ID, l.Title),
			})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Highlighted listing %s (%s)\n", l.ID, l.Title)
			return printReport(out, report)
		}),
	}
}

func newListingListCommand(opts *globalOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			listings, err := app.store.ListListings(ctx)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tOWNER\tTITLE\tPRICE\tCATEGORY\tHIGHLIGHTED")
			for _, l := range listings {
				if owner != "" && l.OwnerID != owner {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
					l.ID, l.OwnerID, l.Title, l.Price.StringFixed(2), l.Category, l.Highlighted)
			}
			return tw.Flush()
		}),
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only listings owned by this account or branch")
	return cmd
}

func newPlanCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage subscription plans",
	}
	cmd.AddCommand(newPlanChangeCommand(opts), newPlanListCommand())
	return cmd
}

func newPlanChangeCommand(opts *globalOptions) *cobra.Command {
	var modeFlag string

	cmd := &cobra.Command{
		Use:   "change <account-id> <plan>",
		Short: "Move an account to another plan",
		Long: "Move an account to another plan without payment.\n\n" +
			"In reconcile mode the account keeps the headroom it had on the old plan\n" +
			"(custom limits are written); in direct mode the new plan's limits apply as is.",
		Args: cobra.ExactArgs(2),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			plan, err := model.ParsePlanType(args[1])
			if err != nil {
				return apperr.Validation("plan", "%v", err)
			}
			mode := app.cfg.PurchaseMode()
			if modeFlag != "" {
				if mode, err = quota.ParseMode(modeFlag); err != nil {
					return apperr.Validation("mode", "%v", err)
				}
			}

			a, err := app.quota.ChangePlan(ctx, args[0], plan, mode)
			if err != nil {
				return err
			}
			app.finish(ctx, "plan: "+a.Name+" to "+string(plan), []auditlog.Entry{
				app.entry("change_plan", a.ID, fmt.Sprintf("%s plan (%s)", plan, mode)),
			})
			report, err := app.quota.Snapshot(ctx, a.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is now on the %s plan\n", a.Name, a.Plan)
			return printReport(out, report)
		}),
	}

	cmd.Flags().StringVar(&modeFlag, "mode", "", "reconcile or direct (default from config)")
	return cmd
}

func newPlanListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "PLAN\tPRICE\tLISTINGS\tHIGHLIGHTS")
			for _, p := range model.PlanCatalog() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					p.Type, p.MonthlyPrice.StringFixed(2), limit(p.Limits.MaxListings), limit(p.Limits.MaxHighlights))
			}
			return tw.Flush()
		},
	}
}

func newQuotaCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quota <account-or-branch-id>",
		Short: "Show plan usage for the account that owns the id",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			report, err := app.quota.Snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account: %s\n", report.AccountID)
			return printReport(out, report)
		}),
	}
}
