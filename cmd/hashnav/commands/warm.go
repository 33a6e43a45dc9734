package commands

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yshengliao/hashnav/fetchcache"
	"github.com/yshengliao/hashnav/internal/bootstrap"
	"github.com/yshengliao/hashnav/internal/placesapi"
)

func newWarmCmd(opts *globalOptions) *cobra.Command {
	var (
		concurrency int
		refresh     bool
		details     bool
	)

	cmd := &cobra.Command{
		Use:   "warm [query...]",
		Short: "Prefetch list pages into the cache",
		Long: `warm loads every page of the unfiltered listing and of each search query,
so later browsing is served from the durable tier.`,
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

			w := &warmer{
				cache:   rt.Cache,
				baseURL: strings.TrimRight(cfg.HTTP.BaseURL, "/"),
				refresh: refresh,
				details: details,
				out:     cmd.OutOrStdout(),
				logger:  logger,
			}
			return w.run(cmd.Context(), append([]string{""}, args...), concurrency)
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 4, "parallel queries")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore cached entries and refetch")
	cmd.Flags().BoolVar(&details, "details", false, "also prefetch the detail page of every listed place")
	return cmd
}

type warmer struct {
	cache   *fetchcache.Cache
	baseURL string
	refresh bool
	details bool
	logger  *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

func (w *warmer) report(res *fetchcache.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%-8s %d %s\n", res.Source, res.Attempts, res.URL)
}

func (w *warmer) listURL(query string, page int) string {
	v := url.Values{}
	if query != "" {
		v.Set("q", query)
	}
	if page > 1 {
		v.Set("page", strconv.Itoa(page))
	}
	if len(v) == 0 {
		return w.baseURL + "/api/places"
	}
	return w.baseURL + "/api/places?" + v.Encode()
}

func (w *warmer) run(ctx context.Context, queries []string, concurrency int) error {
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, q := range queries {
		g.Go(func() error { return w.warmQuery(ctx, q) })
	}
	return g.Wait()
}

// warmQuery loads page one to learn the page count, then the remaining pages.
func (w *warmer) warmQuery(ctx context.Context, query string) error {
	for page, total := 1, 1; page <= total; page++ {
		var p placesapi.Page
		res, err := w.cache.LoadJSON(ctx, fetchcache.Request{URL: w.listURL(query, page), IgnoreCache: w.refresh}, &p)
		if err != nil {
			return fmt.Errorf("warm %q page %d: %w", query, page, err)
		}
		w.report(res)
		total = p.TotalPages

		if !w.details {
			continue
		}
		for _, place := range p.Items {
			res, err := w.cache.Load(ctx, fetchcache.Request{
				URL:         w.baseURL + "/api/places/" + url.PathEscape(place.ID),
				IgnoreCache: w.refresh,
			})
			if err != nil {
				w.logger.Warn("detail prefetch failed", zap.String("id", place.ID), zap.Error(err))
				continue
			}
			w.report(res)
		}
	}
	return nil
}
