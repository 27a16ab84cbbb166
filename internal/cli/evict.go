package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// EvictOptions holds flags for the evict command.
type EvictOptions struct {
	*RootOptions
	ReplicaFlags
	Params []string
}

// EvictOutput is the JSON payload of the evict command.
type EvictOutput struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids"`
	Version    int64    `json:"version"`
}

func (e EvictOutput) String() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("nothing evicted from %s", e.Collection)
	}
	return fmt.Sprintf("evicted %d document(s) from %s at version %d: %s",
		len(e.IDs), e.Collection, e.Version, strings.Join(e.IDs, ", "))
}

// NewEvictCommand creates the evict command.
func NewEvictCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvictOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evict <evict-statement>",
		Short: "Drop documents from the local store only",
		Long: `Remove matching documents from this replica without writing tombstones.

Documents still covered by an active subscription are pulled again from
peers. Cancel the subscription first to keep them out.

Example:
  syncgate evict --db ./tasks.db "EVICT FROM tasks WHERE status = 'done'"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvict(opts, args[0], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "statement parameter as key=value (repeatable)")

	return cmd
}

func runEvict(opts *EvictOptions, text string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	params, err := parseParams(opts.Params)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "invalid parameters", err)
	}

	r, err := opts.open(ctx, opts.RootOptions, cmd, out, true)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	res, err := r.Evict(ctx, text, params)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "evict failed", err)
	}
	ids := res.IDs
	if ids == nil {
		ids = []string{}
	}
	return out.Success(EvictOutput{Collection: res.Collection, IDs: ids, Version: res.Version})
}
