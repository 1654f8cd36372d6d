package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/ledger"
)

// NewWithdrawCommand creates the withdraw command.
func NewWithdrawCommand(rootOpts *RootOptions) *cobra.Command {
	var txID, description string

	cmd := &cobra.Command{
		Use:   "withdraw <account> <amount>",
		Short: "Debit an account",
		Long: `Publish a withdraw and wait for it to settle. A withdraw that would
overdraw the account is journaled as FAIL and leaves the balance
untouched; the command reports the refusal.

Example:
  tally withdraw ACC-1 80.00`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			out, err := publishAndSettle(cmd, rootOpts, ledger.Event{
				AccountID:     args[0],
				Amount:        amount,
				Type:          ledger.EventTypeWithdraw,
				TransactionID: newTransactionID(txID),
				Description:   orDefaultDescription(description),
			})
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(out, out.line())
		},
	}

	cmd.Flags().StringVar(&txID, "tx", "", "transaction id (default: generated)")
	cmd.Flags().StringVar(&description, "description", "", "description tag (default: USER_REQUEST)")
	return cmd
}
