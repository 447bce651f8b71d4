package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/castletracker/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect castletracker configuration. Values come from the config file,
a .env file next to it, and CASTLETRACKER_* environment variables, in that
order of increasing precedence.`,
		Example: `  castletracker config show
  castletracker config validate`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format with command-line and
environment overrides applied. The remote password is redacted.`,
		Example: `  castletracker config show
  castletracker config show --config /etc/castletracker/castletracker.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(redactedConfig(globalCfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

// redactedConfig returns a copy of cfg that is safe to print.
func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	if out.Remote.Password != "" {
		out.Remote.Password = "***"
	}
	out.Local.Exclude = append([]string(nil), cfg.Local.Exclude...)
	return out
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Check that the remote and local settings are complete",
		Example: `  castletracker config validate`,
		RunE:    configValidateRun,
	}

	return cmd
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return err
	}
	if !quiet {
		source := cfgPath
		if source == "" {
			source = "defaults"
		}
		fmt.Printf("Configuration OK (%s)\n", source)
	}
	return nil
}
