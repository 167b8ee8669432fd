package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Execute due queued tasks once",
		Long: `Run one re-attempt pass over the asynchronous task queue.

Due tasks are executed in order. Failures are re-queued with the
resource's backoff until its retry policy is exhausted.`,
		Example: `  # Drain due tasks once, e.g. from an external scheduler
  provisio retry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.reattempter()
			if err != nil {
				return err
			}
			result, err := r.RunOnce(ctx)
			if err != nil {
				return err
			}
			remaining, err := a.queue.Len(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, map[string]int{
					"executed":  result.Executed,
					"succeeded": result.Succeeded,
					"requeued":  result.Requeued,
					"dropped":   result.Dropped,
					"remaining": remaining,
				})
			}
			fmt.Fprintf(out, "executed %d, succeeded %d, requeued %d, dropped %d, %d still queued\n",
				result.Executed, result.Succeeded, result.Requeued, result.Dropped, remaining)
			return nil
		},
	}
	return cmd
}
