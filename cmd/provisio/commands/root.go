package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/openfroyo/provisio/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Global flags
var (
	workspacePath string
	logLevel      string
	logFormat     string
	storePath     string
	jsonOutput    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisio",
		Short: "provisio - identity provisioning engine",
		Long: `provisio propagates identity changes to external resources through
pooled connectors, and reconciles resources back into the identity store.

Features:
  - Workspaces declared in CUE or YAML
  - Pooled connector instances (memory, flatfile, dbtable, WASM bundles)
  - Attribute mappings with expression transformers
  - Pull and push reconciliation with matching rules
  - Rego correlation rules and Starlark action hooks
  - Asynchronous propagation with scheduled re-attempts`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(logLevel, logFormat); err != nil {
				return err
			}
			return loadDotEnv(workspacePath)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("PROVISIO_LOG_LEVEL", "info"), "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("PROVISIO_LOG_FORMAT", "console"), "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "SQLite store path, overrides the workspace setting")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPropagateCommand())
	rootCmd.AddCommand(newPullCommand())
	rootCmd.AddCommand(newPushCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

// setupLogging configures the global zerolog logger.
func setupLogging(level, format string) error {
	switch format {
	case "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", format)
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(level))
	return nil
}

// loadDotEnv loads .env from the working directory and the workspace.
// Variables already set in the environment win.
func loadDotEnv(workspace string) error {
	for _, path := range []string{".env", filepath.Join(workspace, ".env")} {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("Loaded environment file")
	}
	return nil
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}
