package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect fieldsync configuration. Subcommands print the effective
configuration or check it for errors.`,
		Example: `  fieldsync config show
  fieldsync config validate --config /etc/fieldsync/fieldsync.yaml`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Display current configuration",
			Long: `Display the current configuration in YAML format, with defaults and
command-line overrides applied. Passwords are masked.`,
			Args: cobra.NoArgs,
			RunE: configShowRun,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration for errors",
			Args:  cobra.NoArgs,
			RunE:  configValidateRun,
		},
	)

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	slog.Default().Debug("showing configuration")

	masked := *globalCfg
	masked.Projects = append(masked.Projects[:0:0], globalCfg.Projects...)
	for i := range masked.Projects {
		if masked.Projects[i].Password != "" {
			masked.Projects[i].Password = "********"
		}
	}

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("Configuration is valid (%d project(s)).\n", len(globalCfg.Projects))
	return nil
}
