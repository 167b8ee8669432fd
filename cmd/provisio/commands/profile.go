package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/reconcile"
	"github.com/openfroyo/provisio/pkg/stores"
	"github.com/spf13/cobra"
)

func newPullCommand() *cobra.Command {
	return newProfileCommand(reconcile.DirectionPull, "pull", "Pull a resource into the identity store",
		`Run a pull profile: search or sync the resource, correlate every
remote object with an identity and apply the profile's matching or
unmatching rule.`)
}

func newPushCommand() *cobra.Command {
	return newProfileCommand(reconcile.DirectionPush, "push", "Push identities to a resource",
		`Run a push profile: scan the identity store, look every identity up
on the resource and apply the profile's matching or unmatching rule.`)
}

func newProfileCommand(direction reconcile.Direction, use, short, long string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   use + " <profile>",
		Short: short,
		Long:  long,
		Example: fmt.Sprintf(`  # Run a profile
  provisio %[1]s ldap-%[1]s

  # Report what would change without changing anything
  provisio %[1]s ldap-%[1]s --dry-run --json`, use),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.runProfile(ctx, args[0], direction, dryRun)
			if err != nil {
				return err
			}
			if err := printReports(cmd.OutOrStdout(), result.Reports); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d reports in %d pages: %d success, %d ignore, %d failure\n",
					len(result.Reports), result.Pages,
					result.Count(engine.ReportStatusSuccess),
					result.Count(engine.ReportStatusIgnore),
					result.Count(engine.ReportStatusFailure))
			}
			if result.Cancelled {
				return context.Canceled
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report decisions without changing anything")
	return cmd
}

// runProfile runs the named profile and records the run in the store. want
// is empty when any direction is accepted.
func (a *app) runProfile(ctx context.Context, name string, want reconcile.Direction, dryRun bool) (*reconcile.RunResult, error) {
	profile, direction, err := a.ws.Profile(name, a.rule)
	if err != nil {
		return nil, err
	}
	if want != "" && direction != want {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("profile %s is a %s profile", name, direction), nil)
	}
	profile.DryRun = dryRun

	started := time.Now()
	var result *reconcile.RunResult
	if direction == reconcile.DirectionPull {
		result, err = a.reconciler.Pull(ctx, profile)
	} else {
		result, err = a.reconciler.Push(ctx, profile)
	}

	run := &stores.Run{
		Profile:   name,
		Direction: string(direction),
		Resource:  profile.Resource,
		DryRun:    dryRun,
		Status:    stores.RunStatusCompleted,
		StartedAt: started,
	}
	if result != nil {
		run.ID = result.RunID
		run.Reports = len(result.Reports)
		run.Failures = result.Count(engine.ReportStatusFailure)
		run.Pages = result.Pages
		run.SyncToken = result.SyncToken
		if result.Cancelled {
			run.Status = stores.RunStatusCancelled
		}
	}
	if err != nil {
		msg := err.Error()
		run.Status = stores.RunStatusFailed
		run.Error = &msg
	}
	completed := time.Now()
	run.CompletedAt = &completed
	// Record with a fresh context so cancelled runs are still recorded.
	if rerr := a.store.RecordRun(context.WithoutCancel(ctx), run); rerr != nil {
		a.logger.Warn().Err(rerr).Str("profile", name).Msg("Failed to record run")
	}

	logger := a.tel.Logger.WithRunID(run.ID).WithResource(run.Resource).WithFields(map[string]interface{}{
		"profile":  name,
		"status":   run.Status,
		"reports":  run.Reports,
		"failures": run.Failures,
	})
	if err != nil {
		logger.WithError(err).Error("Profile run failed")
	} else {
		logger.Info("Profile run finished")
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}
