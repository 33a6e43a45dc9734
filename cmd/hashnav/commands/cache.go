package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yshengliao/hashnav/internal/bootstrap"
)

func newCacheCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the durable cache",
	}
	cmd.AddCommand(
		cacheAction(opts, "keys", "List cached keys", func(cmd *cobra.Command, rt *bootstrap.Runtime) error {
			keys, err := rt.Cache.Keys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		}),
		cacheAction(opts, "clear", "Remove every entry of the configured namespace", func(cmd *cobra.Command, rt *bootstrap.Runtime) error {
			n, err := rt.Cache.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d entries\n", n)
			return nil
		}),
		cacheAction(opts, "sweep", "Remove expired entries", func(cmd *cobra.Command, rt *bootstrap.Runtime) error {
			n, err := rt.Cache.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d entries\n", n)
			return nil
		}),
	)
	return cmd
}

func cacheAction(opts *globalOptions, use, short string, fn func(*cobra.Command, *bootstrap.Runtime) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			rt, err := bootstrap.NewRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			return fn(cmd, rt)
		},
	}
}
