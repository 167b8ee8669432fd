package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/provisio/pkg/stores"
	"github.com/spf13/cobra"
)

type taskView struct {
	*stores.TaskRecord
	Executions []*stores.ExecutionRecord `json:"executions"`
}

func newTasksCommand() *cobra.Command {
	var (
		resource string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recorded propagation tasks",
		Long: `List propagation tasks recorded in the store, newest first, with the
executions of every task.`,
		Example: `  # Last 20 tasks
  provisio tasks --limit 20

  # Tasks of one resource as JSON
  provisio tasks --resource ldap --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.ListTasks(ctx, stores.TaskFilter{Resource: resource, Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			views := make([]taskView, len(tasks))
			for i, t := range tasks {
				execs, err := a.store.ListExecutions(ctx, t.ID)
				if err != nil {
					return err
				}
				views[i] = taskView{TaskRecord: t, Executions: execs}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, views)
			}
			rows := make([][]string, 0, len(views))
			for _, v := range views {
				status, message := "-", ""
				if n := len(v.Executions); n > 0 {
					last := v.Executions[n-1]
					status, message = string(last.Status), last.Message
				}
				rows = append(rows, []string{
					v.ID, v.Resource, string(v.Operation), v.AnyType, v.EntityKey, v.ConnObjectKey,
					strconv.Itoa(len(v.Executions)), status, v.CreatedAt.Format(time.RFC3339), message,
				})
			}
			if err := table(out, []string{"ID", "RESOURCE", "OPERATION", "ANY TYPE", "KEY", "CONN OBJECT KEY", "ATTEMPTS", "STATUS", "CREATED", "MESSAGE"}, rows); err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "no tasks recorded")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&resource, "resource", "", "only tasks of this resource")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of tasks to skip")
	return cmd
}
