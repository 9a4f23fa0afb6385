package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openvdi/vdibroker/pkg/config"
	"github.com/openvdi/vdibroker/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var checkPolicies bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the broker configuration",
		Long: `Validate the broker configuration file.

This command checks:
  - YAML syntax validity
  - Field constraints (intervals, backends, service types)
  - Duplicate service identifiers
  - Policy file compilation (with --policies)`,
		Example: `  # Validate the default config file
  vdibrokerd validate

  # Validate a specific file including its policy directory
  vdibrokerd validate --config /etc/vdibroker/vdibroker.yaml --policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log.Info().
				Str("path", configPath).
				Int("services", len(cfg.Services)).
				Str("storage", cfg.Storage.Backend).
				Msg("Configuration is valid")

			if checkPolicies && cfg.Policy.Enabled && cfg.Policy.Dir != "" {
				engine, err := policy.NewEngine(log.Logger, policy.Mode(cfg.Policy.Mode))
				if err != nil {
					return err
				}
				if err := engine.LoadPolicies(cmd.Context(), []string{cfg.Policy.Dir}); err != nil {
					return fmt.Errorf("policy validation failed: %w", err)
				}
				log.Info().
					Int("policies", len(engine.ListPolicies())).
					Str("dir", cfg.Policy.Dir).
					Msg("Policies compile")
			}

			fmt.Println("Configuration OK")
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkPolicies, "policies", false, "also compile the configured policy directory")

	return cmd
}
