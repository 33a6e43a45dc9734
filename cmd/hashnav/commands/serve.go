package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/config"
	"github.com/yshengliao/hashnav/internal/bootstrap"
	"github.com/yshengliao/hashnav/internal/placesapi"
	"github.com/yshengliao/hashnav/internal/session"
	"github.com/yshengliao/hashnav/internal/views"
	"github.com/yshengliao/hashnav/router"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		address  string
		noChaos  bool
		dataFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the places API and the WebSocket browsing endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if address != "" {
				cfg.Server.Address = address
			}
			if dataFile != "" {
				cfg.API.DataFile = dataFile
			}
			if noChaos {
				cfg.API.FailFirst = 0
				cfg.API.Latency = 0
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "listen address (overrides server.address)")
	cmd.Flags().StringVar(&dataFile, "data", "", "places JSON file (overrides api.data_file)")
	cmd.Flags().BoolVar(&noChaos, "no-chaos", false, "disable simulated failures and latency")
	return cmd
}

func loadDataset(cfg config.APIConfig) (*placesapi.Dataset, error) {
	if cfg.DataFile == "" {
		return placesapi.DefaultDataset(), nil
	}
	return placesapi.LoadDataset(cfg.DataFile)
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	data, err := loadDataset(cfg.API)
	if err != nil {
		return err
	}

	srv := placesapi.NewServer(cfg, data, logger.Named("api"))

	// Sessions browse this server through the cache, so they need a token of their own.
	if srv.Tokens() != nil && cfg.HTTP.BearerToken == "" {
		token, err := srv.Tokens().Issue("hashnav-session")
		if err != nil {
			return err
		}
		cfg.HTTP.BearerToken = token
	}

	rt, err := bootstrap.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	hub := session.NewHub(logger.Named("session"))
	go hub.Run()

	app := views.NewApp(rt.Cache, cfg.HTTP.BaseURL, logger.Named("views"))
	ws := session.NewHandler(hub, func(ctx context.Context, out views.Output) session.Navigator {
		return app.NewClient(ctx, out, router.WithDefaultPath(cfg.Router.DefaultPath))
	}, cfg.Server.WebSocket, logger.Named("session"))
	ws.Register(srv.Echo(), "/ws")
	srv.Echo().GET("/ws/metrics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, hub.Metrics())
	})

	if cfg.API.DataFile != "" && cfg.API.WatchData {
		err := placesapi.Watch(ctx, data, cfg.API.DataFile, logger.Named("api"), func(n int) {
			removed, err := rt.Cache.Clear(context.Background())
			if err != nil {
				logger.Warn("cache clear after reload failed", zap.Error(err))
			}
			hub.Broadcast(&session.Message{Type: session.TypeNotice, Data: map[string]any{
				"event":   "dataset_reloaded",
				"places":  n,
				"evicted": removed,
			}})
		})
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(hub.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
}
