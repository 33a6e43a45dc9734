// Package bootstrap wires configuration into the stores, transport and cache used by the commands.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/config"
	"github.com/yshengliao/hashnav/fetchcache"
	"github.com/yshengliao/hashnav/pkg/circuitbreaker"
	"github.com/yshengliao/hashnav/pkg/httpclient"
	"github.com/yshengliao/hashnav/pkg/store"
	"github.com/yshengliao/hashnav/pkg/store/postgres"
)

// OpenStore opens the durable tier selected by cfg.Store. The returned close function is never nil.
func OpenStore(ctx context.Context, cfg config.CacheConfig) (store.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case "", "memory":
		return store.NewMemoryStore(), noop, nil
	case "file":
		s, err := store.OpenFile(cfg.FilePath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.Table)
		if err != nil {
			return nil, noop, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, noop, fmt.Errorf("postgres: migrate: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache store %q", cfg.Store)
	}
}

// Transport builds the outbound client, behind a per-host breaker when enabled.
func Transport(cfg *config.Config, logger *zap.Logger) (fetchcache.Transport, *httpclient.Client) {
	client := httpclient.New(cfg.HTTP.ClientConfig())
	if !cfg.Breaker.Enabled {
		return client, client
	}

	settings := cfg.Breaker.BreakerSettings()
	settings.OnStateChange = func(host string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("host", host),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	return circuitbreaker.NewTransport(client, settings, nil), client
}

// Runtime is everything a client command needs.
type Runtime struct {
	Config *config.Config
	Logger *zap.Logger
	Cache  *fetchcache.Cache
	Client *httpclient.Client

	closeStore func() error
	stopSweep  context.CancelFunc
}

// NewRuntime opens the durable tier and builds the cache.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	durable, closeStore, err := OpenStore(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	transport, client := Transport(cfg, logger)
	cache := fetchcache.New(durable,
		fetchcache.WithTTL(cfg.Cache.TTL),
		fetchcache.WithNamespace(cfg.Cache.Namespace),
		fetchcache.WithRetryPolicy(cfg.Retry.Policy()),
		fetchcache.WithTransport(transport),
		fetchcache.WithLogger(logger.Named("cache")),
	)

	rt := &Runtime{
		Config:     cfg,
		Logger:     logger,
		Cache:      cache,
		Client:     client,
		closeStore: closeStore,
		stopSweep:  func() {},
	}
	if cfg.Cache.SweepInterval > 0 {
		rt.startSweeper(ctx, cfg.Cache.SweepInterval)
	}
	return rt, nil
}

func (rt *Runtime) startSweeper(parent context.Context, every time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	rt.stopSweep = cancel

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := rt.Cache.Sweep(ctx)
				if err != nil {
					rt.Logger.Warn("sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					rt.Logger.Debug("swept expired entries", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Close stops background work and releases the store.
func (rt *Runtime) Close() error {
	rt.stopSweep()
	rt.Client.Close()
	return rt.closeStore()
}
