package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/tenantflow/internal/config"
)

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
		Long: `View and manage tenantflow configuration.

Configuration is loaded with this priority:
  1. Command-line flags (--data-dir, --log-level)
  2. Environment variables (TENANTFLOW_*)
  3. Config file (--config, ./.tenantflow/config.yaml or ~/.tenantflow/config.yaml)
  4. Built-in defaults

Examples:
  tenantflow config show
  tenantflow config init`,
	}
	cmd.AddCommand(a.newConfigShowCmd())
	cmd.AddCommand(a.newConfigInitCmd())
	return cmd
}

func (a *app) newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.wantJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), a.cfg)
			}
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (a *app) newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.v.GetString("data_dir")
			if dir == "" {
				dir = config.DefaultDataDir()
			}
			path := filepath.Join(dir, config.ConfigFileName)
			if len(args) == 1 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.DefaultIn(dir).SaveTo(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
