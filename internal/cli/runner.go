package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/app"
	"github.com/roach88/tally/internal/config"
)

// withNode opens the node's databases without starting the pipeline.
// Query commands read against the stores directly.
func withNode(cfg config.Config, fn func(n *app.Node) error) error {
	node, err := app.Open(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open node", err)
	}
	defer func() {
		if cerr := node.Close(); cerr != nil {
			slog.Error("closing node", "error", cerr)
		}
	}()
	return fn(node)
}

// withRunningNode opens a node, runs it for the duration of fn and
// stops it once fn returns. One-shot publish commands use this to run
// their own command chain to quiescence.
func withRunningNode(cmd *cobra.Command, cfg config.Config, fn func(ctx context.Context, n *app.Node) error) error {
	node, err := app.Open(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open node", err)
	}
	defer func() {
		if cerr := node.Close(); cerr != nil {
			slog.Error("closing node", "error", cerr)
		}
	}()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	fnErr := fn(ctx, node)

	cancel()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) && fnErr == nil {
		fnErr = WrapExitError(ExitFailure, "node halted", runErr)
	}
	return fnErr
}
