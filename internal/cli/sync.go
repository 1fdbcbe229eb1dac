package cli

import (
	"github.com/spf13/cobra"

	"github.com/plasticity/resultsync/internal/queue"
)

// PendingResult is the output of the pending and flush commands.
type PendingResult struct {
	Drained *bool          `json:"drained,omitempty" yaml:"drained,omitempty"`
	Pending int            `json:"pending" yaml:"pending"`
	Actions []queue.Action `json:"actions" yaml:"actions"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued actions",
		Long: `Print the actions waiting in the persisted queue, in replay order.

Examples:
  RESULTSYNC_QUEUE=file RESULTSYNC_QUEUE_PATH=./queue.json resultsync pending --format yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			actions, err := app.Service.Pending(contextOf(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read pending queue", err)
			}
			if actions == nil {
				actions = []queue.Action{}
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, PendingResult{Pending: len(actions), Actions: actions})
		},
	}
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay the persisted queue once",
		Long: `Replay every queued action against the configured store.

Exit codes:
  0 - Queue drained
  1 - Actions remain queued (backend still unreachable)
  2 - Command error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := contextOf(cmd)
			drained, err := app.Service.Flush(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "flush failed", err)
			}
			actions, err := app.Service.Pending(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read pending queue", err)
			}
			if actions == nil {
				actions = []queue.Action{}
			}
			if err := writeOutput(cmd.OutOrStdout(), rootOpts.Format, PendingResult{Drained: &drained, Pending: len(actions), Actions: actions}); err != nil {
				return err
			}
			if !drained {
				return NewExitError(ExitFailure, "queue not drained")
			}
			return nil
		},
	}
}
