package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cleared-dev/marketledger/internal/buildinfo"
	"github.com/cleared-dev/marketledger/internal/model"
)

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:     "marketledger",
		Short:   "Marketplace ledger with plan quotas",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", buildinfo.Version, buildinfo.Commit, buildinfo.Date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.dir, "dir", ".", "project directory")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file when the command ends")
	flags.StringVar(&opts.actor, "actor", defaultActor(), "operator recorded in the audit log")

	rootCmd.AddCommand(
		newInitCommand(opts),
		newAccountCommand(opts),
		newBranchCommand(opts),
		newListingCommand(opts),
		newPlanCommand(opts),
		newQuotaCommand(opts),
		newCheckoutCommand(opts),
		newDepositCommand(opts),
		newDecisionCommand(opts, model.DecisionApprove),
		newDecisionCommand(opts, model.DecisionReject),
		newWithdrawCommand(opts),
		newWithdrawalCommand(opts),
	)

	return rootCmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
