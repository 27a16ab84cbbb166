package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	ReplicaFlags
	Conflict string
}

// WriteOutput is the JSON payload of the put and delete commands.
type WriteOutput struct {
	Collection string   `json:"collection"`
	ID         string   `json:"id"`
	Version    int64    `json:"version"`
	Noop       bool     `json:"noop"`
	Changed    []string `json:"changed,omitempty"`
}

func (w WriteOutput) String() string {
	if w.Noop {
		return fmt.Sprintf("%s/%s unchanged at version %d", w.Collection, w.ID, w.Version)
	}
	return fmt.Sprintf("%s/%s written at version %d", w.Collection, w.ID, w.Version)
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <collection> <json-document>",
		Short: "Insert or update a document",
		Long: `Write a JSON document into a collection.

A document without _id gets a generated one. Writing a document identical
to the stored one is a no-op and does not advance the store version.

Examples:
  syncgate put --db ./tasks.db tasks '{"_id":"A","status":"active"}'
  syncgate put --db ./tasks.db tasks '{"_id":"A","status":"done"}' --conflict replace`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, args[0], args[1], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.Conflict, "conflict", "merge", "existing document handling (merge|replace|fail)")

	return cmd
}

func runPut(opts *PutOptions, coll, raw string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	conflict, err := store.ParseConflict(opts.Conflict)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "invalid --conflict", err)
	}
	doc, err := value.UnmarshalObject([]byte(raw))
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "document is not a JSON object", err)
	}

	r, err := opts.open(ctx, opts.RootOptions, cmd, out, true)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	res, err := r.Upsert(ctx, coll, doc, conflict)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeWrite, "put failed", err)
	}
	return out.Success(WriteOutput{
		Collection: coll,
		ID:         res.ID,
		Version:    res.Version,
		Noop:       res.Noop,
		Changed:    res.Changed,
	})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Tombstone a document",
		Long: `Delete a document. The tombstone replicates, so peers pulling the
collection delete it too. Use evict to drop documents locally only.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], args[1], cmd)
		},
	}

	opts.register(cmd)
	return cmd
}

func runDelete(opts *PutOptions, coll, id string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	r, err := opts.open(ctx, opts.RootOptions, cmd, out, true)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	res, err := r.Delete(ctx, coll, id)
	if errors.Is(err, store.ErrNotFound) {
		return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("%s/%s not found", coll, id), nil)
	}
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeWrite, "delete failed", err)
	}
	return out.Success(WriteOutput{Collection: coll, ID: res.ID, Version: res.Version, Noop: res.Noop})
}
