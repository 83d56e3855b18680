// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/service"
)

const envPrefix = "FIXFINDER"

// rootOptions carries the state shared by all subcommands. cfg is populated
// by the root PersistentPreRunE before any RunE executes.
type rootOptions struct {
	cfgFile  string
	logLevel string
	cfg      *config.Config
}

// NewRootCommand creates the fixfinder command tree with the production
// component factory.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory())
}

func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "fixfinder",
		Short: "fixfinder ranks the commits of a repository that likely fix a vulnerability.",
		Long: `fixfinder reads a vulnerability advisory, narrows the history of the affected
repository to the commits between the affected and the fixed release, and
ranks them with a set of weighted rules.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./fixfinder.yaml or ~/.config/fixfinder/fixfinder.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error). Overrides config/env")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newFindCmd(opts, factory),
		newTagsCmd(opts, factory),
		newBatchCmd(opts, factory),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads defaults, the config file and FIXFINDER_* variables, in
// increasing order of precedence, and initializes the global logger.
func (o *rootOptions) load() error {
	v := viper.New()
	config.SetDefaults(v)

	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
	} else {
		v.SetConfigName("fixfinder")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "fixfinder"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	if o.logLevel != "" {
		v.Set("logger.level", o.logLevel)
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		// Initialize a fallback logger so the failure is still reported.
		observability.InitializeLogger(config.NewDefaultConfig().Logger())
		return fmt.Errorf("failed to load config: %w", err)
	}
	o.cfg = cfg

	observability.InitializeLogger(cfg.Logger())
	observability.GetLogger().Debug("Starting fixfinder",
		zap.String("version", Version),
		zap.String("config_file", v.ConfigFileUsed()))
	return nil
}

// Execute runs the root command with ctx and reports the terminal error.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command aborted by signal")
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
			observability.GetLogger().Debug("Command execution failed", zap.Error(err))
		}
	}
	observability.Sync()
	return err
}
