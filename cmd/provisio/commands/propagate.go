package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPropagateCommand() *cobra.Command {
	var (
		anyType    string
		key        string
		op         string
		attrsFile  string
		beforeFile string
		resources  []string
	)

	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Propagate an identity change to resources",
		Long: `Propagate one identity change to the workspace's external resources.

Synchronous resources are provisioned in priority order before this
command returns. Asynchronous resources are queued and picked up by
'provisio retry' or 'provisio serve'.`,
		Example: `  # Create a user on every resource
  provisio propagate --any-type USER --key jdoe --op create --attrs jdoe.json

  # Rename a user on one resource
  provisio propagate --key jdoe --op update --attrs new.json --before old.json --resources ldap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			operation := engine.ResourceOperation(strings.ToUpper(op))
			if !operation.IsMutating() {
				return fmt.Errorf("invalid operation %q (must be create, update or delete)", op)
			}
			attrs, err := readAttributes(attrsFile)
			if err != nil {
				return err
			}
			change := engine.IdentityChange{
				AnyType:    anyType,
				Key:        key,
				Operation:  operation,
				Attributes: attrs,
			}
			if beforeFile != "" {
				if change.Before, err = readAttributes(beforeFile); err != nil {
					return err
				}
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			selected, err := a.selectResources(resources)
			if err != nil {
				return err
			}

			log.Info().
				Str("any_type", anyType).
				Str("key", key).
				Str("operation", string(operation)).
				Int("resources", len(selected)).
				Msg("Propagating change")

			statuses, err := a.executor.Propagate(ctx, change, selected)
			if err != nil {
				return err
			}
			if err := printStatuses(cmd.OutOrStdout(), statuses); err != nil {
				return err
			}
			for _, s := range statuses {
				if s.Status == engine.ExecStatusFailure {
					return fmt.Errorf("propagation to %s failed: %s", s.Resource, s.FailureReason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&anyType, "any-type", engine.AnyTypeUser, "identity any-type")
	cmd.Flags().StringVar(&key, "key", "", "identity key")
	cmd.Flags().StringVar(&op, "op", "", "operation: create, update or delete")
	cmd.Flags().StringVar(&attrsFile, "attrs", "", "JSON file with the identity attributes")
	cmd.Flags().StringVar(&beforeFile, "before", "", "JSON file with the attributes before the change")
	cmd.Flags().StringSliceVar(&resources, "resources", nil, "resources to propagate to (default all)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("op")

	return cmd
}

// readAttributes reads a JSON object of attribute values. Arrays become
// multi-valued attributes.
func readAttributes(path string) (engine.Attributes, error) {
	if path == "" {
		return engine.Attributes{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes: %w", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse attributes %s: %w", path, err)
	}
	attrs := make(engine.Attributes, len(raw))
	for name, v := range raw {
		if list, ok := v.([]interface{}); ok {
			attrs.Set(name, list...)
			continue
		}
		attrs.Set(name, v)
	}
	return attrs, nil
}
