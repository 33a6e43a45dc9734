// Package views renders the places pages for one browsing client. Each page load
// goes through the fetch cache and supersedes the previous one.
package views

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/fetchcache"
	"github.com/yshengliao/hashnav/internal/placesapi"
	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
	"github.com/yshengliao/hashnav/pkg/inflight"
	"github.com/yshengliao/hashnav/router"
)

// Kind names a rendered view.
type Kind string

const (
	KindLoading  Kind = "loading"
	KindList     Kind = "list"
	KindDetail   Kind = "detail"
	KindNotFound Kind = "not_found"
	KindError    Kind = "error"
)

const (
	PathList   = "/places"
	PathDetail = "/places/:id"
)

// filterKeys are the list filters forwarded to the API, together with "page".
var filterKeys = []string{"q", "region", "type", "budget"}

// View is one rendered screen.
type View struct {
	Kind     Kind   `json:"kind"`
	Fragment string `json:"fragment"`
	Body     string `json:"body,omitempty"`
	Source   string `json:"source,omitempty"`
	// Retry is the fragment that reloads the failed view bypassing the cache.
	Retry string `json:"retry,omitempty"`
}

// Output receives rendered views.
type Output interface {
	Render(v View)
}

// OutputFunc adapts a function to Output.
type OutputFunc func(View)

func (f OutputFunc) Render(v View) { f(v) }

// App holds what all clients share: the cache and the API location.
type App struct {
	cache   *fetchcache.Cache
	baseURL string
	logger  *zap.Logger
}

// NewApp serves views from the places API at baseURL.
func NewApp(cache *fetchcache.Cache, baseURL string, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cache: cache, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

// Client is one browsing session: a router, its location and the in-flight view load.
type Client struct {
	app    *App
	out    Output
	router *router.Router
	slots  *inflight.Group
	logger *zap.Logger

	// mu orders renders against slot handoffs: nothing stale is rendered
	// once a newer load has shown its loading view.
	mu sync.Mutex
}

// NewClient builds a router with the places routes. opts are applied after the
// client's own options, so callers may set the location and default path.
func (a *App) NewClient(ctx context.Context, out Output, opts ...router.Option) *Client {
	c := &Client{
		app:    a,
		out:    out,
		slots:  inflight.NewGroup(),
		logger: a.logger,
	}
	base := []router.Option{
		router.WithContext(ctx),
		router.WithLogger(a.logger),
		router.WithDefaultPath(PathList),
		router.WithNotFound(c.missing),
		router.WithErrorHandler(c.failed),
	}
	c.router = router.New(append(base, opts...)...)
	c.router.Use(router.Recover())

	places := c.router.Group(PathList)
	places.AddRoute("", c.router.Async(c.list))
	places.AddRoute("/:id", c.router.Async(c.detail))
	return c
}

// Router returns the client's router.
func (c *Client) Router() *router.Router { return c.router }

// Start mounts the router and renders the initial fragment.
func (c *Client) Start() { c.router.Start() }

// Navigate moves to fragment.
func (c *Client) Navigate(fragment string) { c.router.Navigate(fragment) }

// Current returns the current fragment.
func (c *Client) Current() string { return c.router.Current() }

// Back returns to the previous fragment when the location keeps history.
func (c *Client) Back() bool {
	if h, ok := c.router.Location().(interface{ Back() bool }); ok {
		return h.Back()
	}
	return false
}

// Close cancels any in-flight load and detaches the router.
func (c *Client) Close() {
	c.mu.Lock()
	c.slots.CancelAll()
	c.mu.Unlock()
	c.router.Stop()
}

// begin supersedes the previous load and shows the loading view for rc.
func (c *Client) begin(rc *router.Context) (context.Context, *inflight.Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, tk := c.slots.Slot("view").Begin(rc.Context())
	c.out.Render(View{Kind: KindLoading, Fragment: rc.Fragment})
	return ctx, tk
}

// commit runs fn only while tk still owns the view slot.
func (c *Client) commit(tk *inflight.Ticket, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tk.Current() {
		fn()
	}
}

type listData struct {
	Page   placesapi.Page
	Filter string
	Source fetchcache.Source
	Prev   string
	Next   string
}

// list claims the view slot and shows the loading view during the dispatch, so a
// later navigation always supersedes it. The load itself runs afterwards.
func (c *Client) list(rc *router.Context) (router.AsyncFunc, error) {
	ctx, tk := c.begin(rc)

	query := url.Values{}
	for _, k := range append(filterKeys, "page") {
		if v := rc.QueryParam(k); v != "" {
			query.Set(k, v)
		}
	}
	target := c.app.baseURL + "/api/places"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return func() error {
		defer tk.Done()

		var page placesapi.Page
		res, err := c.app.cache.LoadJSON(ctx, fetchcache.Request{
			URL:         target,
			IgnoreCache: rc.QueryParam("refresh") == "1",
		}, &page)
		if fetcherr.IsCancelled(err) {
			return nil
		}
		if err != nil {
			c.commit(tk, func() { c.failed(rc, err) })
			return nil
		}

		filters := make(map[string]string, len(query))
		var labels []string
		for _, k := range filterKeys {
			if v := query.Get(k); v != "" {
				filters[k] = v
				labels = append(labels, k+"="+v)
			}
		}
		data := listData{Page: page, Filter: strings.Join(labels, " "), Source: res.Source}
		if page.Page > 1 {
			data.Prev = pageFragment(filters, page.Page-1)
		}
		if page.Page < page.TotalPages {
			data.Next = pageFragment(filters, page.Page+1)
		}

		c.commit(tk, func() {
			c.out.Render(View{
				Kind:     KindList,
				Fragment: rc.Fragment,
				Body:     render("list", data),
				Source:   string(res.Source),
			})
		})
		return nil
	}, nil
}

func pageFragment(filters map[string]string, page int) string {
	q := make(map[string]string, len(filters)+1)
	for k, v := range filters {
		q[k] = v
	}
	if page > 1 {
		q["page"] = strconv.Itoa(page)
	}
	return router.BuildFragment(PathList, q)
}

type detailData struct {
	Place  placesapi.Place
	Source fetchcache.Source
	Back   string
}

func (c *Client) detail(rc *router.Context) (router.AsyncFunc, error) {
	ctx, tk := c.begin(rc)

	target := c.app.baseURL + "/api/places/" + url.PathEscape(rc.Param("id"))

	return func() error {
		defer tk.Done()

		var place placesapi.Place
		res, err := c.app.cache.LoadJSON(ctx, fetchcache.Request{
			URL:         target,
			IgnoreCache: rc.QueryParam("refresh") == "1",
		}, &place)
		if fetcherr.IsCancelled(err) {
			return nil
		}
		if err != nil {
			var fe *fetcherr.FetchError
			if errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound {
				c.commit(tk, func() { c.notFound(rc, err) })
			} else {
				c.commit(tk, func() { c.failed(rc, err) })
			}
			return nil
		}

		c.commit(tk, func() {
			c.out.Render(View{
				Kind:     KindDetail,
				Fragment: rc.Fragment,
				Body:     render("detail", detailData{Place: place, Source: res.Source, Back: PathList}),
				Source:   string(res.Source),
			})
		})
		return nil
	}, nil
}

// missing handles fragments no route matches. It also drops any load still in flight.
func (c *Client) missing(rc *router.Context, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots.Slot("view").Cancel()
	c.notFound(rc, err)
}

func (c *Client) notFound(rc *router.Context, err error) {
	c.logger.Debug("view not found", zap.String("path", rc.Path), zap.Error(err))
	c.out.Render(View{
		Kind:     KindNotFound,
		Fragment: rc.Fragment,
		Body:     render("not_found", map[string]string{"Path": rc.Path, "Home": PathList}),
	})
}

func (c *Client) failed(rc *router.Context, err error) {
	c.logger.Warn("view failed", zap.String("path", rc.Path), zap.String("pattern", rc.Pattern), zap.Error(err))

	retry := retryFragment(rc)
	c.out.Render(View{
		Kind:     KindError,
		Fragment: rc.Fragment,
		Body: render("error", map[string]string{
			"Kind":    fetcherr.KindOf(err).String(),
			"Message": err.Error(),
			"Retry":   retry,
		}),
		Retry: retry,
	})
}

// retryFragment is the current fragment with refresh=1 added.
func retryFragment(rc *router.Context) string {
	q := make(map[string]string, len(rc.Query)+1)
	for k, v := range rc.Query {
		q[k] = v
	}
	q["refresh"] = "1"
	return router.BuildFragment(rc.Path, q)
}
