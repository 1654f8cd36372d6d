package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/app"
)

// accountView is the account command's result.
type accountView struct {
	AccountID     string   `json:"accountId"`
	Balance       string   `json:"balance"`
	LastUpdatedAt string   `json:"lastUpdatedAt,omitempty"`
	Version       *int64   `json:"version,omitempty"`
	Processed     []string `json:"processedTransactions,omitempty"`
}

// NewAccountCommand creates the account command.
func NewAccountCommand(rootOpts *RootOptions) *cobra.Command {
	var fromAggregate bool

	cmd := &cobra.Command{
		Use:   "account <account-id>",
		Short: "Show an account's balance",
		Long: `Show an account's read-model balance. With --aggregate the balance is
reconstructed from the event log instead (snapshot plus replay), which
is the write side's authoritative view.

Example:
  tally account ACC-1
  tally account ACC-1 --aggregate`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccount(rootOpts, cmd, args[0], fromAggregate)
		},
	}

	cmd.Flags().BoolVar(&fromAggregate, "aggregate", false, "reconstruct from the event log instead of the read model")
	return cmd
}

func runAccount(opts *RootOptions, cmd *cobra.Command, accountID string, fromAggregate bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return withNode(cfg, func(n *app.Node) error {
		if fromAggregate {
			return showAggregate(ctx, opts, cmd, n, accountID)
		}
		row, err := n.Store.Account(ctx, accountID)
		if err != nil {
			return WrapExitError(ExitFailure, "query account", err)
		}
		if row == nil {
			return NewExitError(ExitFailure, fmt.Sprintf("account %s not found", accountID))
		}
		view := accountView{
			AccountID:     row.AccountID,
			Balance:       row.Balance.String(),
			LastUpdatedAt: row.LastUpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		return opts.formatter(cmd).Success(view,
			fmt.Sprintf("account=%s balance=%s updated=%s", view.AccountID, view.Balance, view.LastUpdatedAt))
	})
}

func showAggregate(ctx context.Context, opts *RootOptions, cmd *cobra.Command, n *app.Node, accountID string) error {
	agg, err := n.Loader.Load(ctx, accountID)
	if err != nil {
		return WrapExitError(ExitFailure, "rebuild aggregate", err)
	}
	if agg.IsNew() {
		return NewExitError(ExitFailure, fmt.Sprintf("account %s has no history", accountID))
	}
	version := agg.Version()
	view := accountView{
		AccountID: accountID,
		Balance:   agg.Balance().String(),
		Version:   &version,
		Processed: agg.ProcessedTransactions(),
	}
	return opts.formatter(cmd).Success(view,
		fmt.Sprintf("account=%s balance=%s version=%d processed=%d",
			accountID, view.Balance, version, len(view.Processed)))
}
