package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/app"
	"github.com/roach88/tally/internal/config"
)

// cleanupView is the cleanup command's result.
type cleanupView struct {
	Removed   int64  `json:"removed"`
	OlderThan string `json:"olderThan"`
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete aged idempotency rows",
		Long: `Delete idempotency rows older than the retention window. The serve
loop runs the same deletion periodically; this is the one-shot form.

Example:
  tally cleanup
  tally cleanup --older-than 168h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(rootOpts, cmd, olderThan)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default: config cleanup.retention)")
	return cmd
}

func runCleanup(opts *RootOptions, cmd *cobra.Command, olderThan time.Duration) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if olderThan > 0 {
		cfg.Cleanup.Retention = config.Duration(olderThan)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return withNode(cfg, func(n *app.Node) error {
		removed, err := n.CleanupOnce(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "cleanup", err)
		}
		view := cleanupView{Removed: removed, OlderThan: cfg.Cleanup.Retention.Std().String()}
		return opts.formatter(cmd).Success(view,
			fmt.Sprintf("removed %d idempotency rows older than %s", view.Removed, view.OlderThan))
	})
}
