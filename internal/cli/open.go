package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncgate/internal/config"
	"github.com/roach88/syncgate/internal/replica"
	"github.com/roach88/syncgate/internal/value"
)

// DefaultSite is the site id used when a command opens a database without
// a config file.
const DefaultSite = "cli"

// ReplicaFlags select the replica a command opens.
type ReplicaFlags struct {
	Config   string
	Database string
	Site     string
}

func (f *ReplicaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Config, "config", "", "replica config file (overrides --db and --site)")
	cmd.Flags().StringVar(&f.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&f.Site, "site", DefaultSite, "site id when no config file is given")
}

// load builds the replica config. One-shot commands log warnings only,
// unless --verbose is set.
func (f *ReplicaFlags) load(root *RootOptions, quiet bool) (config.Config, error) {
	var cfg config.Config
	if f.Config != "" {
		loaded, err := config.Load(f.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		if f.Database == "" {
			return config.Config{}, fmt.Errorf("either --config or --db is required")
		}
		cfg = config.Default()
		cfg.Database = f.Database
		cfg.SiteID = f.Site
	}

	switch {
	case root.Verbose:
		cfg.LogLevel = "debug"
	case quiet:
		cfg.LogLevel = "warn"
	}
	return cfg, nil
}

// open loads the config and opens the replica, reporting failures through
// out.
func (f *ReplicaFlags) open(ctx context.Context, root *RootOptions, cmd *cobra.Command, out *OutputFormatter, quiet bool) (*replica.Replica, error) {
	cfg, err := f.load(root, quiet)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeOpen, "failed to load config", err)
	}
	cfg.Logger = cfg.NewLogger(cmd.ErrOrStderr())

	r, err := replica.Open(ctx, cfg)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeOpen, "failed to open replica", err)
	}
	out.VerboseLog("Opened %s as site %s", cfg.Database, r.SiteID())
	return r, nil
}

// parseParams turns repeated key=value flags into query parameters. Values
// are read as JSON and fall back to plain strings, so --param n=3 binds an
// integer and --param s=active a string.
func parseParams(pairs []string) (value.Object, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(value.Object, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", pair)
		}
		params[key] = value.String(raw)
		if json.Valid([]byte(raw)) {
			v, err := value.Unmarshal([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("invalid parameter %q: %w", pair, err)
			}
			params[key] = v
		}
	}
	return params, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
