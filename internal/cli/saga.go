package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/app"
	"github.com/roach88/tally/internal/saga"
)

// sagaView is the saga command's per-transaction result.
type sagaView struct {
	TransactionID string     `json:"transactionId"`
	Status        string     `json:"status"`
	Steps         []stepView `json:"steps"`
}

type stepView struct {
	Step        string `json:"step"`
	ProcessedAt string `json:"processedAt"`
}

// parkedView is the saga command's --parked result: the subscription
// group's resume position, the saga checkpoint, and every parked
// delivery awaiting an operator.
type parkedView struct {
	Group      string       `json:"group"`
	Position   int64        `json:"position"`
	Checkpoint *int64       `json:"checkpoint,omitempty"`
	Parked     []parkedItem `json:"parked"`
}

type parkedItem struct {
	GlobalSeq  int64  `json:"globalSeq"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retryCount"`
	ParkedAt   string `json:"parkedAt"`
}

// NewSagaCommand creates the saga command.
func NewSagaCommand(rootOpts *RootOptions) *cobra.Command {
	var showParked bool

	cmd := &cobra.Command{
		Use:   "saga <transaction-id>",
		Short: "Show a transfer's status",
		Long: `Derive a transfer's status from its recorded saga steps: PROCESSING
while phase 2 is in flight, COMPLETED once the target credit applied,
FAILED_AND_COMPENSATED after a refund, UNKNOWN when no step was ever
recorded.

With --parked the command instead lists the saga subscription's parked
deliveries: messages that exhausted their retry budget and wait for an
operator.

Example:
  tally saga 0191e6a2-7a60-7cbe-b58d-f2c0a3b1d4e5
  tally saga --parked`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showParked {
				if len(args) > 0 {
					return NewExitError(ExitCommandError, "--parked takes no transaction id")
				}
				return runSagaParked(rootOpts, cmd)
			}
			if len(args) != 1 {
				return NewExitError(ExitCommandError, "a transaction id is required")
			}
			return runSaga(rootOpts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&showParked, "parked", false, "list the saga subscription's parked deliveries")
	return cmd
}

func runSaga(opts *RootOptions, cmd *cobra.Command, transactionID string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return withNode(cfg, func(n *app.Node) error {
		status, records, err := n.Monitor.Status(ctx, transactionID)
		if err != nil {
			return WrapExitError(ExitFailure, "transfer status", err)
		}
		view := sagaView{
			TransactionID: transactionID,
			Status:        string(status),
			Steps:         make([]stepView, len(records)),
		}
		parts := make([]string, len(records))
		for i, rec := range records {
			at := rec.ProcessedAt.Format("2006-01-02T15:04:05Z07:00")
			view.Steps[i] = stepView{Step: string(rec.Step), ProcessedAt: at}
			parts[i] = fmt.Sprintf("%s@%s", rec.Step, at)
		}
		text := fmt.Sprintf("transaction=%s status=%s", transactionID, view.Status)
		if len(parts) > 0 {
			text += " steps=" + strings.Join(parts, ",")
		}
		return opts.formatter(cmd).Success(view, text)
	})
}

func runSagaParked(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return withNode(cfg, func(n *app.Node) error {
		position, err := n.Log.GroupPosition(ctx, saga.GroupName)
		if err != nil {
			return WrapExitError(ExitFailure, "group position", err)
		}
		parked, err := n.Log.ParkedMessages(ctx, saga.GroupName)
		if err != nil {
			return WrapExitError(ExitFailure, "parked messages", err)
		}
		cp, err := n.Store.SagaCheckpoint(ctx, saga.GroupName)
		if err != nil {
			return WrapExitError(ExitFailure, "saga checkpoint", err)
		}

		view := parkedView{
			Group:    saga.GroupName,
			Position: position,
			Parked:   make([]parkedItem, len(parked)),
		}
		if cp != nil {
			view.Checkpoint = &cp.Commit
		}
		var b strings.Builder
		fmt.Fprintf(&b, "group=%s position=%d", view.Group, view.Position)
		if view.Checkpoint != nil {
			fmt.Fprintf(&b, " checkpoint=%d", *view.Checkpoint)
		}
		fmt.Fprintf(&b, " parked=%d", len(parked))
		for i, p := range parked {
			at := p.ParkedAt.Format("2006-01-02T15:04:05Z07:00")
			view.Parked[i] = parkedItem{
				GlobalSeq:  p.GlobalSeq,
				Reason:     p.Reason,
				RetryCount: p.RetryCount,
				ParkedAt:   at,
			}
			fmt.Fprintf(&b, "\n  seq=%d retries=%d parked_at=%s reason=%s",
				p.GlobalSeq, p.RetryCount, at, p.Reason)
		}
		return opts.formatter(cmd).Success(view, b.String())
	})
}
