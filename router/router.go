// Package router dispatches URL fragments to handlers.
//
// Routes are tried in registration order. A pattern matches when it has the same number of
// '/'-separated segments as the path and every literal segment is equal; ":name" segments
// bind the URL-decoded path segment.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
)

// HandlerFunc handles one dispatch.
type HandlerFunc func(c *Context) error

// MiddlewareFunc wraps a handler.
type MiddlewareFunc func(next HandlerFunc) HandlerFunc

// NotFoundFunc is called when no route matches. err is a route-not-found error.
type NotFoundFunc func(c *Context, err error)

// ErrorHandlerFunc receives errors returned by handlers.
type ErrorHandlerFunc func(c *Context, err error)

// State reports whether a dispatch is running.
type State int32

const (
	StateIdle State = iota
	StateDispatching
)

func (s State) String() string {
	if s == StateDispatching {
		return "dispatching"
	}
	return "idle"
}

const DefaultPath = "/"

type route struct {
	pattern  string
	segments []string
	handler  HandlerFunc
}

// Router owns its route table and the location it listens to.
type Router struct {
	mu          sync.RWMutex
	routes      []route
	middlewares []MiddlewareFunc

	loc         Location
	unsubscribe func()

	ctx          context.Context
	defaultPath  string
	notFound     NotFoundFunc
	errorHandler ErrorHandlerFunc
	logger       *zap.Logger

	active atomic.Int32
}

// Option configures a Router.
type Option func(*Router)

// WithDefaultPath sets the path used when the fragment is empty or "/".
func WithDefaultPath(path string) Option {
	return func(r *Router) { r.defaultPath = trimHash(path) }
}

func WithNotFound(fn NotFoundFunc) Option {
	return func(r *Router) { r.notFound = fn }
}

func WithErrorHandler(fn ErrorHandlerFunc) Option {
	return func(r *Router) { r.errorHandler = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLocation sets the location. It is subscribed to by Start.
func WithLocation(loc Location) Option {
	return func(r *Router) { r.loc = loc }
}

// WithContext sets the context handed to handlers.
func WithContext(ctx context.Context) Option {
	return func(r *Router) { r.ctx = ctx }
}

// New creates a router. Without WithLocation it uses an empty MemoryLocation.
func New(opts ...Option) *Router {
	r := &Router{
		ctx:         context.Background(),
		defaultPath: DefaultPath,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loc == nil {
		r.loc = NewMemoryLocation("")
	}
	if r.notFound == nil {
		r.notFound = func(c *Context, err error) {
			r.logger.Debug("route not found", zap.String("path", c.Path))
		}
	}
	if r.errorHandler == nil {
		r.errorHandler = func(c *Context, err error) {
			r.logger.Error("handler failed",
				zap.String("path", c.Path),
				zap.String("pattern", c.Pattern),
				zap.Error(err))
		}
	}
	return r
}

// Use adds middleware applied to routes registered afterwards.
func (r *Router) Use(m ...MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, m...)
}

// AddRoute registers h for pattern. Earlier registrations win over later ones.
func (r *Router) AddRoute(pattern string, h HandlerFunc, m ...MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.routes {
		if existing.pattern == pattern {
			r.logger.Warn("duplicate route ignored", zap.String("pattern", pattern))
			return
		}
	}

	all := make([]MiddlewareFunc, 0, len(r.middlewares)+len(m))
	all = append(all, r.middlewares...)
	all = append(all, m...)

	final := h
	for i := len(all) - 1; i >= 0; i-- {
		final = all[i](final)
	}

	r.routes = append(r.routes, route{
		pattern:  pattern,
		segments: strings.Split(pattern, "/"),
		handler:  final,
	})
}

// Group registers routes under a common prefix and middleware.
type Group struct {
	r           *Router
	prefix      string
	middlewares []MiddlewareFunc
}

// Group creates a route group.
func (r *Router) Group(prefix string, m ...MiddlewareFunc) *Group {
	return &Group{r: r, prefix: prefix, middlewares: m}
}

func (g *Group) AddRoute(pattern string, h HandlerFunc, m ...MiddlewareFunc) {
	all := append(append([]MiddlewareFunc{}, g.middlewares...), m...)
	g.r.AddRoute(g.prefix+pattern, h, all...)
}

// Routes returns the registered patterns in priority order.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.pattern
	}
	return out
}

// Location returns the location the router reads fragments from.
func (r *Router) Location() Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loc
}

// Mount makes loc the router's location and dispatches on each of its events.
func (r *Router) Mount(loc Location) {
	r.mu.Lock()
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.loc = loc
	r.unsubscribe = loc.Subscribe(func(ev Event) {
		r.logger.Debug("navigation event",
			zap.Stringer("type", ev.Type),
			zap.String("path", ev.Fragment))
		_ = r.Dispatch()
	})
	r.mu.Unlock()
}

// Start subscribes to the location if needed and emits the load event.
// Without a MemoryLocation it dispatches directly.
func (r *Router) Start() {
	r.mu.RLock()
	mounted := r.unsubscribe != nil
	loc := r.loc
	r.mu.RUnlock()

	if !mounted {
		r.Mount(loc)
	}
	if ml, ok := loc.(*MemoryLocation); ok {
		ml.Load()
		return
	}
	_ = r.Dispatch()
}

// Stop unsubscribes from the location.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

// Navigate sets the fragment. Dispatch follows from the hash-change event.
func (r *Router) Navigate(path string) {
	r.Location().SetFragment(trimHash(path))
}

// NavigateTo navigates to path with a query built from the non-empty values of query.
func (r *Router) NavigateTo(path string, query map[string]string) {
	r.Navigate(BuildFragment(path, query))
}

// BuildFragment joins path and the non-empty values of query, keys sorted.
func BuildFragment(path string, query map[string]string) string {
	keys := make([]string, 0, len(query))
	for k, v := range query {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return path
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(path)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(query[k]))
	}
	return b.String()
}

// Current returns the current fragment.
func (r *Router) Current() string {
	return r.Location().Fragment()
}

// State reports whether a dispatch is in progress.
func (r *Router) State() State {
	if r.active.Load() > 0 {
		return StateDispatching
	}
	return StateIdle
}

// Dispatch reads the current fragment and invokes at most one handler.
// A missing route calls the not-found handler and is not an error. Cancellation
// errors from handlers are dropped.
func (r *Router) Dispatch() error {
	r.active.Add(1)
	defer r.active.Add(-1)

	loc := r.Location()
	fragment := loc.Fragment()
	path, rawQuery := splitFragment(fragment)

	if path == "" || path == "/" {
		path = r.defaultPath
		fragment = path
		if rawQuery != "" {
			fragment += "?" + rawQuery
		}
		loc.Replace(fragment)
	}

	c := &Context{
		Path:     path,
		Fragment: fragment,
		Query:    parseQuery(rawQuery),
		ctx:      r.ctx,
		router:   r,
	}

	rt, params, ok := r.match(path)
	if !ok {
		c.Params = map[string]string{}
		r.notFound(c, fetcherr.RouteNotFound(path))
		return nil
	}
	c.Pattern = rt.pattern
	c.Params = params

	r.logger.Debug("dispatch", zap.String("path", path), zap.String("pattern", rt.pattern))

	err := rt.handler(c)
	if err == nil || isCancellation(err) {
		return nil
	}
	r.errorHandler(c, err)
	return err
}

// AsyncFunc is the part of a handler that runs after the dispatch has returned.
type AsyncFunc func() error

// Async splits a handler in two. h runs inside the dispatch, so anything it does
// happens in navigation order; the AsyncFunc it returns, if any, runs on its own
// goroutine. Errors from either part go to the error handler.
func (r *Router) Async(h func(c *Context) (AsyncFunc, error)) HandlerFunc {
	return func(c *Context) error {
		run, err := h(c)
		if err != nil || run == nil {
			return err
		}
		go func() {
			if err := run(); err != nil && !isCancellation(err) {
				r.errorHandler(c, err)
			}
		}()
		return nil
	}
}

// Recover turns a panicking handler into an error.
func Recover() MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(c *Context) (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("router: panic in %s: %v", c.Path, p)
				}
			}()
			return next(c)
		}
	}
}

// Match returns the first route matching path.
func (r *Router) Match(path string) (pattern string, params map[string]string, ok bool) {
	rt, params, ok := r.match(path)
	if !ok {
		return "", nil, false
	}
	return rt.pattern, params, true
}

func (r *Router) match(path string) (route, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	segments := strings.Split(path, "/")
	for _, rt := range r.routes {
		if params, ok := matchSegments(rt.segments, segments); ok {
			return rt, params, true
		}
	}
	return route{}, nil, false
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = unescape(path[i])
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}

func unescape(s string) string {
	v, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return v
}

func splitFragment(fragment string) (path, rawQuery string) {
	fragment = trimHash(fragment)
	path, rawQuery, _ = strings.Cut(fragment, "?")
	return path, rawQuery
}

// parseQuery keeps the last value of repeated keys. Malformed pairs are skipped.
func parseQuery(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	values, _ := url.ParseQuery(raw)
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[len(vs)-1]
		}
	}
	return out
}

func isCancellation(err error) bool {
	return fetcherr.IsCancelled(err) || errors.Is(err, context.Canceled)
}
