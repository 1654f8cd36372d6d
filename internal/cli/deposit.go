package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/ledger"
)

// NewDepositCommand creates the deposit command.
func NewDepositCommand(rootOpts *RootOptions) *cobra.Command {
	var txID, description string

	cmd := &cobra.Command{
		Use:   "deposit <account> <amount>",
		Short: "Credit an account",
		Long: `Publish a deposit and wait for it to settle: the amount is journaled
to the account's stream and the read model reflects the new balance.

Example:
  tally deposit ACC-1 250.00
  tally deposit ACC-1 250.00 --tx ORDER-42 --format json`,
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
				Type:          ledger.EventTypeDeposit,
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
