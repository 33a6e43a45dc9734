// Package commands implements the hashnav command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/config"
	"github.com/yshengliao/hashnav/internal/logging"
)

type globalOptions struct {
	configPath string
	envPrefix  string
	logLevel   string
}

// load reads configuration and builds the logger for a command.
func (o *globalOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath, o.envPrefix)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logger.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "hashnav",
		Short: "Fragment router and resilient fetch cache for the places demo",
		Long: `hashnav serves a places API, browses it through a fragment router, and keeps
responses in a two-tier cache with retries, per-attempt timeouts and cancellation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&opts.envPrefix, "env-prefix", config.DefaultEnvPrefix, "environment variable prefix")
	pf.StringVar(&opts.logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newBrowseCmd(opts))
	root.AddCommand(newWarmCmd(opts))
	root.AddCommand(newCacheCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newConfigCmd(opts))

	return root
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
