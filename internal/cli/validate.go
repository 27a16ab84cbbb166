package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncgate/internal/query"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Strict bool // unbounded queries fail
}

// ValidationOutput is the JSON payload of the validate command.
type ValidationOutput struct {
	Statement string   `json:"statement"` // "select" or "evict"
	Params    []string `json:"params"`
	Bounded   bool     `json:"bounded"`
	Warnings  []string `json:"warnings"`
}

func (v ValidationOutput) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "valid %s statement", v.Statement)
	if len(v.Params) > 0 {
		fmt.Fprintf(&b, " (params: %s)", strings.Join(v.Params, ", "))
	}
	for _, w := range v.Warnings {
		fmt.Fprintf(&b, "\nwarning: %s", w)
	}
	return b.String()
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <statement>",
		Short: "Check a SELECT or EVICT statement without running it",
		Long: `Parse a statement and report its parameters and any unbounded-result
warnings (no WHERE, no LIMIT, OFFSET without ORDER BY, negated filters).

Exit codes:
  0 - Statement is valid (warnings allowed unless --strict)
  1 - Statement has warnings and --strict is set
  2 - Statement does not parse`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail on unbounded-result warnings")

	return cmd
}

func runValidate(opts *ValidateOptions, text string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	stmt, err := query.Parse(text)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeParse, "invalid statement", err)
	}

	res := query.Validate(stmt)
	kind := "select"
	if _, ok := stmt.(*query.Evict); ok {
		kind = "evict"
	}
	params := query.Params(stmt)
	if params == nil {
		params = []string{}
	}
	result := ValidationOutput{Statement: kind, Params: params, Bounded: res.Bounded, Warnings: res.Warnings}

	if opts.Strict && !res.Bounded {
		if err := out.Error(ErrCodeUnbounded, "statement is unbounded: "+strings.Join(res.Warnings, "; "), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d warning(s)", len(res.Warnings)))
	}
	return out.Success(result)
}
