// Package cli implements the tenantflow command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/tenantflow/internal/config"
	"github.com/randalmurphal/tenantflow/internal/logger"
)

// app holds the state shared by every command of one invocation.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	// eventLog receives published events when --events is set.
	eventLog io.Writer
}

// NewRootCmd builds the tenantflow command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "tenantflow",
		Short: "Multi-tenant project and workflow management",
		Long: `tenantflow gives every project its own database and moves tasks through
each project's status workflow.

Quick start:
  tenantflow project create "Apollo"          Create a project and its database
  tenantflow task create <project> "Docs"     Create a task
  tenantflow task move <project> 1 ToDo       Move it through the workflow
  tenantflow workflow show <project>          Show statuses and transitions`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.v.GetBool("events") {
				a.eventLog = cmd.ErrOrStderr()
			}
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is ~/.tenantflow/config.yaml)")
	flags.String("data-dir", "", "directory for the registry and sqlite tenant databases")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.StringP("output", "o", outputAuto, "output format: auto, table, json")
	flags.Bool("json", false, "shorthand for --output json")
	flags.Bool("events", false, "print lifecycle events to stderr as JSON lines")
	_ = a.v.BindPFlag("config", flags.Lookup("config"))
	_ = a.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("output", flags.Lookup("output"))
	_ = a.v.BindPFlag("json", flags.Lookup("json"))
	_ = a.v.BindPFlag("events", flags.Lookup("events"))

	a.v.SetEnvPrefix("TENANTFLOW")
	a.v.AutomaticEnv()

	root.AddCommand(a.newProjectCmd())
	root.AddCommand(a.newTaskCmd())
	root.AddCommand(a.newSprintCmd())
	root.AddCommand(a.newWorkflowCmd())
	root.AddCommand(a.newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the CLI until completion or an interrupt.
func Execute() error {
	ctx, cancel := SetupSignalHandler()
	defer cancel()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		PrintError(err)
	}
	return err
}

// configPath returns the explicit --config path, else the first config
// file viper finds in the usual locations, else "".
func (a *app) configPath() string {
	if p := a.v.GetString("config"); p != "" {
		return p
	}

	finder := viper.New()
	finder.SetConfigName("config")
	finder.SetConfigType("yaml")
	if dir := a.v.GetString("data_dir"); dir != "" {
		finder.AddConfigPath(dir)
	}
	finder.AddConfigPath(".tenantflow")
	finder.AddConfigPath(config.DefaultDataDir())
	if err := finder.ReadInConfig(); err != nil {
		return ""
	}
	return finder.ConfigFileUsed()
}

// load reads the config and sets up logging. Flags override the file.
func (a *app) load() error {
	cfg, err := config.Load(a.configPath())
	if err != nil {
		return err
	}

	if dir := a.v.GetString("data_dir"); dir != "" {
		defaults := config.DefaultIn(dir)
		cfg.Registry.DSN = defaults.Registry.DSN
		cfg.Tenants.DataDir = defaults.Tenants.DataDir
	}
	if lvl := a.v.GetString("log_level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// withTimeout applies the configured operation deadline.
func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Pool.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Pool.AcquireTimeout)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", filepath.Base(os.Args[0]), Version)
			return err
		},
	}
}

// Version is set at build time with -ldflags.
var Version = "dev"
