package commands

import (
	"fmt"

	"github.com/openfroyo/provisio/pkg/config"
	"github.com/openfroyo/provisio/pkg/connectors"
	"github.com/openfroyo/provisio/pkg/connectors/wasm"
	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type validateSummary struct {
	Workspace  string            `json:"workspace"`
	Files      []string          `json:"files"`
	Connectors []string          `json:"connectors"`
	Resources  map[string]int    `json:"resources"`
	Profiles   map[string]string `json:"profiles"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [workspace]",
		Short: "Validate a workspace",
		Long: `Validate a workspace directory without contacting any resource.

This command checks:
  - CUE or YAML syntax and schema conformance
  - References between connectors, resources and profiles
  - Connector bundles resolve in the registry
  - Mapping items and their expressions compile
  - Actions scripts compile
  - Correlation rules exist`,
		Example: `  # Validate the workspace in the current directory
  provisio validate

  # Validate a specific workspace
  provisio validate ./corp`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := workspacePath
			if len(args) > 0 {
				path = args[0]
			}
			ctx := cmd.Context()

			log.Info().Str("path", path).Msg("Validating workspace")

			ws, err := config.Load(ctx, path)
			if err != nil {
				return err
			}
			settings := ws.Settings()

			reg := connectors.NewRegistry()
			if err := registerBuiltins(reg); err != nil {
				return err
			}
			if settings.BundlesDir != "" {
				factories, err := wasm.RegisterDir(ctx, reg, settings.BundlesDir, wasm.DefaultConfig())
				if err != nil {
					return err
				}
				for _, f := range factories {
					defer f.Close(ctx)
				}
			}

			summary := validateSummary{
				Workspace: ws.Dir,
				Files:     ws.Files,
				Resources: map[string]int{},
				Profiles:  map[string]string{},
			}

			instances, err := ws.Instances()
			if err != nil {
				return err
			}
			for _, inst := range instances {
				if _, err := reg.Resolve(inst.Bundle, inst.Version); err != nil {
					return engine.NewConfigurationError(fmt.Sprintf("connector %s", inst.Key), err)
				}
				if err := inst.Pool.WithDefaults(settings.PoolDefaults).Validate(); err != nil {
					return engine.NewConfigurationError(fmt.Sprintf("connector %s", inst.Key), err)
				}
				summary.Connectors = append(summary.Connectors, inst.Key)
			}

			resources, err := ws.Resources()
			if err != nil {
				return err
			}
			for _, r := range resources {
				items := 0
				for _, p := range r.Provisions {
					items += p.Mapping.Len()
				}
				summary.Resources[r.Key] = items
			}

			pe, err := policy.NewEngine(nil)
			if err != nil {
				return err
			}
			if len(settings.PolicyPaths) > 0 {
				if err := pe.LoadPaths(ctx, settings.PolicyPaths); err != nil {
					return engine.NewConfigurationError("failed to load correlation rules", err)
				}
			}
			a := &app{policies: pe}
			for _, name := range ws.ProfileNames() {
				_, direction, err := ws.Profile(name, a.rule)
				if err != nil {
					return err
				}
				summary.Profiles[name] = string(direction)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, summary)
			}
			fmt.Fprintf(out, "Workspace %s is valid (%d files)\n", ws.Config.Name, len(ws.Files))
			fmt.Fprintf(out, "  connectors: %d\n", len(summary.Connectors))
			fmt.Fprintf(out, "  resources:  %d\n", len(summary.Resources))
			for _, r := range resources {
				fmt.Fprintf(out, "    %s -> %s (%d mapping items)\n", r.Key, r.ConnectorKey, summary.Resources[r.Key])
			}
			fmt.Fprintf(out, "  profiles:   %d\n", len(summary.Profiles))
			for _, name := range ws.ProfileNames() {
				fmt.Fprintf(out, "    %s (%s)\n", name, summary.Profiles[name])
			}
			return nil
		},
	}
	return cmd
}
