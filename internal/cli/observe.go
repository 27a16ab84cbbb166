package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/syncgate/internal/observer"
)

// ObserveOptions holds flags for the observe command.
type ObserveOptions struct {
	*RootOptions
	ReplicaFlags
	Params []string
	Count  int // stop after this many updates; 0 runs until interrupted
}

// UpdateOutput is the JSON payload of one observe update.
type UpdateOutput struct {
	Version    int64               `json:"version"`
	Superseded int                 `json:"superseded,omitempty"`
	Items      []observer.Snapshot `json:"items"`
}

// NewObserveCommand creates the observe command.
func NewObserveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ObserveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "observe <select>",
		Short: "Print live query results as they change",
		Long: `Observe a SELECT statement and print every new result.

The observer signals only after an update has been written out, so a slow
reader holds further updates back and skips straight to the newest result
once it catches up. With --config, configured peers and subscriptions are
connected first and replicated changes show up as they arrive.

Examples:
  syncgate observe --db ./tasks.db "SELECT * FROM tasks WHERE status = 'active'"
  syncgate observe --config ./replica.yaml "SELECT * FROM tasks" --count 3 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObserve(opts, args[0], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "query parameter as key=value (repeatable)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "exit after this many updates (0 = until interrupted)")

	return cmd
}

func runObserve(opts *ObserveOptions, text string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	if opts.Count < 0 {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "--count must not be negative", nil)
	}
	params, err := parseParams(opts.Params)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "invalid parameters", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := opts.open(ctx, opts.RootOptions, cmd, out, true)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	var (
		seen int
		once sync.Once
		done = make(chan struct{})
	)
	// The handler runs on the observer's own goroutine, one update at a time.
	handler := func(_ context.Context, u *observer.Update) error {
		if err := printUpdate(opts, cmd, out, u); err != nil {
			return err
		}
		u.Signal()
		seen++
		if opts.Count > 0 && seen >= opts.Count {
			once.Do(func() { close(done) })
		}
		return nil
	}

	ch, err := r.ObserveManual(ctx, text, params, handler)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "observe failed", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		out.VerboseLog("Interrupted")
	}
	return ch.CancelAndWait(context.Background())
}

func printUpdate(opts *ObserveOptions, cmd *cobra.Command, out *OutputFormatter, u *observer.Update) error {
	if opts.Format == "json" {
		return out.Success(UpdateOutput{Version: u.Version, Superseded: u.Superseded, Items: u.Items})
	}
	header := fmt.Sprintf("-- version %d: %d document(s)", u.Version, len(u.Items))
	if u.Superseded > 0 {
		header += fmt.Sprintf(", %d superseded", u.Superseded)
	}
	fmt.Fprintln(cmd.OutOrStdout(), header)
	return printItems(cmd, u.Items)
}
