package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/app"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full node until signalled",
		Long: `Run the full tally node: ring pipeline, transfer saga, read-model
projector, timeout watcher and janitors, until SIGINT or SIGTERM.

Example:
  tally serve --db ./tally.db --ledger-db ./ledger.db
  tally serve --config ./tally.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	slog.Info("opening node", "store", cfg.Store.DSN, "ledger", cfg.Ledger.Path)
	node, err := app.Open(cfg, app.WithLogger(slog.Default()))
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Node running. Press Ctrl-C to stop.")
	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "node halted", err)
	}
	slog.Info("node stopped gracefully")
	return nil
}
