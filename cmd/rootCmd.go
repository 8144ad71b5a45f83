package cmd

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"neon/pkg"
	"neon/pkg/config"
)

// Builder wires the runtime for a loaded configuration. The returned func
// releases whatever the runtime holds open.
type Builder func(ctx context.Context, cfg config.Config) (*pkg.Calculator, func(), error)

// app is what the subcommands share for one invocation.
type app struct {
	build   Builder
	calc    *pkg.Calculator
	release func()

	configPath string
	logLevel   string
}

// NewRootCmd builds the command tree. The runtime is built by b once the
// flags are parsed, before any subcommand runs.
func NewRootCmd(b Builder) (*cobra.Command, func()) {
	a := &app{build: b}

	rootCmd := &cobra.Command{
		Use:               "neon",
		Short:             "NEON runtime CLI",
		Long:              "A command-line tool for deploying emulated network topologies as containers and veth links.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to the runtime configuration file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newApplyCmd(a),
		newDestroyCmd(a),
		newShowCmd(a),
		newInterfacesCmd(a),
	)
	return rootCmd, a.close
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetHandler(cli.Default)
	log.SetLevel(level)

	a.calc, a.release, err = a.build(cmd.Context(), cfg)
	return err
}

func (a *app) close() {
	if a.release != nil {
		a.release()
	}
}

// Execute runs the CLI. This is called by main.main().
func Execute(ctx context.Context, b Builder) error {
	rootCmd, closeFn := NewRootCmd(b)
	defer closeFn()
	return rootCmd.ExecuteContext(ctx)
}
