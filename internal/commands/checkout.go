package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/auditlog"
	"github.com/cleared-dev/marketledger/internal/checkout"
	"github.com/cleared-dev/marketledger/internal/importer"
	"github.com/cleared-dev/marketledger/internal/model"
)

func newCheckoutCommand(opts *globalOptions) *cobra.Command {
	var buyer, cartPath, format, method, proof string
	var keep bool

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Pay for a saved cart",
		Long: "Pay for every line of a saved cart file on behalf of a buyer.\n\n" +
			"The cart id is derived from the file contents, so running the same file\n" +
			"again after a failure resumes the checkout without duplicating records.\n" +
			"The file is moved to a processed/ directory next to it once every line is\n" +
			"recorded.",
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, app *application, cmd *cobra.Command, _ []string) error {
			m, err := model.ParsePaymentMethod(method)
			if err != nil {
				return apperr.Validation("method", "%v", err)
			}
			file, err := importer.DefaultRegistry().Load(cartPath, format)
			if err != nil {
				return apperr.Validation("cart", "%v", err)
			}
			cart, err := buildCart(ctx, app, file)
			if err != nil {
				return err
			}

			res, err := app.checkout.Checkout(ctx, cart, buyer, m, proof)
			if len(res.Transactions) > 0 {
				app.finish(ctx, "checkout: cart "+res.CartID,
					auditlog.FromTransactions(app.now(), app.opts.actor, "checkout", res.Transactions))
			}
			if err != nil {
				return err
			}

			if !keep {
				if dest, err := importer.Archive(cartPath); err != nil {
					app.log.Warn("archiving cart", zap.String("path", cartPath), zap.Error(err))
				} else {
					app.log.Debug("cart archived", zap.String("path", dest))
				}
			}
			return printCheckout(cmd, res)
		}),
	}

	cmd.Flags().StringVar(&buyer, "buyer", "", "paying account id (required)")
	_ = cmd.MarkFlagRequired("buyer")
	cmd.Flags().StringVar(&cartPath, "cart", "", "cart file (required)")
	_ = cmd.MarkFlagRequired("cart")
	cmd.Flags().StringVar(&format, "format", "", "cart file format: csv or text (default from extension)")
	cmd.Flags().StringVar(&method, "method", string(model.MethodInstantCard), "payment method")
	cmd.Flags().StringVar(&proof, "proof", "", "proof of payment reference, for manual transfers")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the cart file in place after checkout")

	return cmd
}

// buildCart resolves the items of file into a cart keyed by the file's id.
// A price saved in the file overrides the listing's current price.
func buildCart(ctx context.Context, app *application, file importer.File) (*checkout.Cart, error) {
	cart := checkout.RestoreCart(file.ID, file.CreatedAt)
	for _, item := range file.Items {
		if item.Plan != "" {
			if _, err := cart.AddPlan(item.Plan); err != nil {
				return nil, err
			}
			continue
		}
		l, err := app.store.GetListing(ctx, item.ListingID)
		if err != nil {
			return nil, err
		}
		if item.Price.Valid {
			l.Price = item.Price.Decimal
		}
		cart.Add(l)
	}
	return cart, nil
}

func printCheckout(cmd *cobra.Command, res checkout.Result) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checked out cart %s\n", res.CartID)
	if err := printTransactions(out, res.Transactions); err != nil {
		return err
	}
	for _, line := range res.Skipped {
		fmt.Fprintf(out, "Skipped %s (%s): seller not found\n", line.ListingID, line.Title)
	}
	if res.Quota != nil {
		fmt.Fprintln(out)
		return printReport(out, *res.Quota)
	}
	return nil
}
