package router

import (
	"context"
)

// Context is created fresh for every dispatch.
type Context struct {
	// Path is the matched part of the fragment, without the query.
	Path string
	// Fragment is the full fragment, query included, without the leading '#'.
	Fragment string
	// Pattern is the route that matched. It is empty for not-found dispatches.
	Pattern string
	Params  map[string]string
	Query   map[string]string

	ctx    context.Context
	router *Router
}

// Param returns a path parameter.
func (c *Context) Param(name string) string {
	return c.Params[name]
}

// QueryParam returns a query value, or "" when absent.
func (c *Context) QueryParam(name string) string {
	return c.Query[name]
}

// Context returns the context the router was started with.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Router returns the dispatching router, for handlers that navigate.
func (c *Context) Router() *Router {
	return c.router
}
