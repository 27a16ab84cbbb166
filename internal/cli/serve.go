package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds closing the replica after the server stops.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ReplicaFlags
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a replica and serve it to peers",
		Long: `Open the replica described by a config file, connect to its peers,
register its subscriptions and serve the websocket sync endpoint and
/metrics until interrupted.

Example:
  syncgate serve --config ./replica.yaml
  syncgate serve --config ./replica.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	opts.register(cmd)
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing)
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	r, err := opts.open(ctx, opts.RootOptions, cmd, out, false)
	if err != nil {
		return err
	}
	logger := r.Logger()
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer ccancel()
		if err := r.Close(cctx); err != nil {
			logger.Error("error closing replica", "error", err)
		}
	}()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Replica %s serving. Press Ctrl-C to stop.\n", r.SiteID())
	if err := r.Serve(ctx); err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "serve failed", err)
	}

	logger.Info("replica stopped gracefully", slog.String("site", r.SiteID()))
	return nil
}
