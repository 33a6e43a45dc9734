package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yshengliao/hashnav/internal/placesapi"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		client string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the places API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Auth.SecretKey == "" {
				return errors.New("auth.secret_key is not set")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := placesapi.NewTokenService(cfg.Auth.SecretKey, cfg.Auth.Issuer, ttl).Issue(client)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&client, "client", "hashnav-cli", "client name stored in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}
