package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncgate/internal/observer"
	"github.com/roach88/syncgate/internal/value"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	ReplicaFlags
	Params []string
}

// QueryResult is the JSON payload of the query command.
type QueryResult struct {
	Version int64               `json:"version"`
	Count   int                 `json:"count"`
	Items   []observer.Snapshot `json:"items"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <select>",
		Short: "Run a SELECT once against the local store",
		Long: `Run a SELECT statement once and print the matching documents.

Text output prints one canonical JSON document per line.

Examples:
  syncgate query --db ./tasks.db "SELECT * FROM tasks WHERE status = :s" --param s=active
  syncgate query --config ./replica.yaml "SELECT * FROM tasks LIMIT 10" --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "query parameter as key=value (repeatable)")

	return cmd
}

func runQuery(opts *QueryOptions, text string, cmd *cobra.Command) error {
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

	res, err := r.Execute(ctx, text, params)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "query failed", err)
	}

	if opts.Format == "json" {
		return out.Success(QueryResult{Version: res.Version, Count: len(res.Items), Items: res.Items})
	}
	if err := printItems(cmd, res.Items); err != nil {
		return err
	}
	out.VerboseLog("%d document(s) at version %d", len(res.Items), res.Version)
	return nil
}

// printItems writes one canonical JSON document per line.
func printItems(cmd *cobra.Command, items []observer.Snapshot) error {
	w := cmd.OutOrStdout()
	for _, item := range items {
		line, err := value.MarshalCanonical(item.Value)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(line))
	}
	return nil
}
