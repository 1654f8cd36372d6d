package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/app"
	"github.com/roach88/tally/internal/codec"
	"github.com/roach88/tally/internal/ledger"
)

// settleTimeout bounds how long a one-shot command waits for its own
// write (and any saga follow-up) to settle before giving up.
const settleTimeout = 30 * time.Second

// parseAmount validates a money amount from the command line.
func parseAmount(raw string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, NewExitError(ExitFailure, fmt.Sprintf("invalid amount %q", raw))
	}
	if !amt.IsPositive() {
		return decimal.Decimal{}, NewExitError(ExitFailure, fmt.Sprintf("amount must be positive, got %s", amt))
	}
	return amt, nil
}

// newTransactionID generates a fresh id when the --tx flag is unset.
// V7 ids sort by creation time, which keeps log greps readable.
func newTransactionID(override string) string {
	if override != "" {
		return override
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// orDefaultDescription resolves the --description flag.
func orDefaultDescription(override string) string {
	if override != "" {
		return override
	}
	return ledger.DescriptionUserRequest
}

// publishOutcome is what a one-shot command reports once its write has
// settled.
type publishOutcome struct {
	TransactionID string `json:"transactionId"`
	AccountID     string `json:"accountId"`
	Amount        string `json:"amount"`
	Type          string `json:"type"`
	Accepted      bool   `json:"accepted"`
	Applied       bool   `json:"applied"`
	Balance       string `json:"balance,omitempty"`
}

func (o publishOutcome) line() string {
	verb := strings.ToLower(o.Type)
	if !o.Applied {
		return fmt.Sprintf("%s refused: account=%s amount=%s tx=%s (journaled as FAIL)",
			verb, o.AccountID, o.Amount, o.TransactionID)
	}
	s := fmt.Sprintf("%s accepted: account=%s amount=%s tx=%s",
		verb, o.AccountID, o.Amount, o.TransactionID)
	if o.Balance != "" {
		s += " balance=" + o.Balance
	}
	return s
}

// publishAndSettle runs a node, publishes ev, waits for quiescence and
// reports what the journal recorded. The read model is flushed by the
// quiesce, so the returned balance reflects the command.
func publishAndSettle(cmd *cobra.Command, opts *RootOptions, ev ledger.Event) (publishOutcome, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return publishOutcome{}, err
	}
	out := publishOutcome{
		TransactionID: ev.TransactionID,
		AccountID:     ev.AccountID,
		Amount:        ev.Amount.String(),
		Type:          string(ev.Type),
	}
	err = withRunningNode(cmd, cfg, func(ctx context.Context, n *app.Node) error {
		if _, err := n.Send(ctx, ev); err != nil {
			return WrapExitError(ExitFailure, "publish command", err)
		}
		out.Accepted = true

		qctx, cancel := context.WithTimeout(ctx, settleTimeout)
		defer cancel()
		if err := n.Quiesce(qctx); err != nil {
			return WrapExitError(ExitFailure, "settle command", err)
		}

		fact, err := journaledFact(ctx, n, ev)
		if err != nil {
			return err
		}
		out.Applied = fact != nil && fact.Type != ledger.EventTypeFail

		row, err := n.Store.Account(ctx, ev.AccountID)
		if err != nil {
			return WrapExitError(ExitFailure, "read balance", err)
		}
		if row != nil {
			out.Balance = row.Balance.String()
		}
		return nil
	})
	return out, err
}

// journaledFact finds the journaled form of a published command: the
// last event on the account's stream carrying the command's
// transaction id and description. The FAIL rewrite preserves both, so
// a refused command is still found.
func journaledFact(ctx context.Context, n *app.Node, ev ledger.Event) (*ledger.Event, error) {
	recs, err := n.Log.ReadStream(ctx, ledger.StreamName(ev.AccountID), 0)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "read stream", err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		var decoded ledger.Event
		if err := codec.Unmarshal(recs[i].Data, &decoded); err != nil {
			return nil, WrapExitError(ExitFailure, "decode journaled event", err)
		}
		if decoded.TransactionID == ev.TransactionID && decoded.Description == ev.Description {
			return &decoded, nil
		}
	}
	return nil, nil
}
