package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/app"
	"github.com/roach88/tally/internal/ledger"
)

// transferOutcome is the settled view of one transfer: the withdraw's
// fate plus the saga status derived from the recorded steps.
type transferOutcome struct {
	TransactionID string `json:"transactionId"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Accepted      bool   `json:"accepted"`
	Status        string `json:"status"`
	FromBalance   string `json:"fromBalance,omitempty"`
	ToBalance     string `json:"toBalance,omitempty"`
}

func (o transferOutcome) line() string {
	s := fmt.Sprintf("transfer settled: from=%s to=%s amount=%s tx=%s status=%s",
		o.From, o.To, o.Amount, o.TransactionID, o.Status)
	if o.FromBalance != "" {
		s += " from_balance=" + o.FromBalance
	}
	if o.ToBalance != "" {
		s += " to_balance=" + o.ToBalance
	}
	return s
}

// NewTransferCommand creates the transfer command.
func NewTransferCommand(rootOpts *RootOptions) *cobra.Command {
	var txID, description string

	cmd := &cobra.Command{
		Use:   "transfer <from> <to> <amount>",
		Short: "Move money between two accounts",
		Long: `Publish a transfer: a withdraw on the source carrying the target
account id. The saga credits the target once the withdraw is
journaled, and refunds the source when the credit fails. The command
waits for the whole chain to settle and reports the final status.

Example:
  tally transfer ACC-1 ACC-2 150.00`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(rootOpts, cmd, args[0], args[1], args[2], txID, description)
		},
	}

	cmd.Flags().StringVar(&txID, "tx", "", "transaction id (default: generated)")
	cmd.Flags().StringVar(&description, "description", "", "description tag (default: USER_REQUEST)")
	return cmd
}

func runTransfer(opts *RootOptions, cmd *cobra.Command, from, to, rawAmount, txID, description string) error {
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return err
	}
	if from == to {
		return NewExitError(ExitFailure, "transfer source and target must differ")
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ev := ledger.Event{
		AccountID:     from,
		Amount:        amount,
		Type:          ledger.EventTypeWithdraw,
		TransactionID: newTransactionID(txID),
		TargetID:      to,
		Description:   orDefaultDescription(description),
	}
	out := transferOutcome{
		TransactionID: ev.TransactionID,
		From:          from,
		To:            to,
		Amount:        amount.String(),
	}

	err = withRunningNode(cmd, cfg, func(ctx context.Context, n *app.Node) error {
		if _, err := n.Send(ctx, ev); err != nil {
			return WrapExitError(ExitFailure, "publish command", err)
		}
		out.Accepted = true

		qctx, cancel := context.WithTimeout(ctx, settleTimeout)
		defer cancel()
		if err := n.Quiesce(qctx); err != nil {
			return WrapExitError(ExitFailure, "settle transfer", err)
		}

		status, _, err := n.Monitor.Status(ctx, ev.TransactionID)
		if err != nil {
			return WrapExitError(ExitFailure, "transfer status", err)
		}
		out.Status = string(status)

		// An UNKNOWN status after quiescence means the saga never saw a
		// startable phase 1: the withdraw itself was refused.
		fact, err := journaledFact(ctx, n, ev)
		if err != nil {
			return err
		}
		if fact != nil && fact.Type == ledger.EventTypeFail {
			out.Status = "WITHDRAW_REFUSED"
		}

		for _, probe := range []struct {
			account string
			dest    *string
		}{{from, &out.FromBalance}, {to, &out.ToBalance}} {
			row, err := n.Store.Account(ctx, probe.account)
			if err != nil {
				return WrapExitError(ExitFailure, "read balance", err)
			}
			if row != nil {
				*probe.dest = row.Balance.String()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(out, out.line())
}
