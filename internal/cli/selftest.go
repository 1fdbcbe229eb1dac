package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/plasticity/resultsync/internal/fallback"
)

// NewSelfTestCommand creates the selftest command.
func NewSelfTestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Write and read back a synthetic session",
		Long: `Create a session, append one trial, finalize it and read it back
against the configured store. Useful after a backend migration.

Exit codes:
  0 - Self-test passed
  1 - Self-test failed
  2 - Command error

Examples:
  RESULTSYNC_USER_ID=... resultsync selftest --format yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			out, err := app.Service.RunSelfTest(contextOf(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "self-test failed", hinted(err))
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, out)
		},
	}
	return cmd
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

type hintError struct {
	err  error
	hint string
}

func (e *hintError) Error() string { return e.hint }
func (e *hintError) Unwrap() error { return e.err }

// hinted decorates err with an actionable note for permission failures.
func hinted(err error) error {
	return &hintError{err: err, hint: fallback.RLSHint(err)}
}
