// Package web provides the HTTP surface: a route-recording router on top of
// http.ServeMux, bearer authentication, and the JSON helpers handlers share.
package web

import (
	"net/http"
	"sync"
)

// Middleware wraps a handler.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Route describes one registered route for API documentation.
type Route struct {
	Method  string
	Pattern string
	// Doc is an OpenAPI operation fragment. Nil routes get a stub entry.
	Doc map[string]any
}

type routeTable struct {
	mu     sync.Mutex
	routes []Route
}

// Router wraps http.ServeMux with prefix-scoped registration and a route
// table the OpenAPI aggregator can walk. All subrouters share one mux;
// middleware applies to routes registered through the router it was added
// to, and to its later subrouters.
type Router struct {
	mux    *http.ServeMux
	prefix string
	chain  []Middleware
	table  *routeTable
}

// NewRouter creates an empty root router.
func NewRouter() *Router {
	return &Router{mux: http.NewServeMux(), table: &routeTable{}}
}

// Sub returns a router that registers under prefix, inheriting the current
// middleware chain.
func (r *Router) Sub(prefix string) *Router {
	return &Router{
		mux:    r.mux,
		prefix: r.prefix + prefix,
		chain:  append([]Middleware(nil), r.chain...),
		table:  r.table,
	}
}

// Use appends middleware applied to routes registered after the call.
func (r *Router) Use(mw ...Middleware) {
	r.chain = append(r.chain, mw...)
}

// Handle registers a handler for method and path (relative to the router's
// prefix) and records the route. Path wildcards use ServeMux syntax, which
// matches the OpenAPI one: "/{id}".
func (r *Router) Handle(method, path string, h http.HandlerFunc, doc map[string]any) {
	for i := len(r.chain) - 1; i >= 0; i-- {
		h = r.chain[i](h)
	}
	full := r.prefix + path
	if full == "" {
		full = "/"
	}
	r.mux.HandleFunc(method+" "+full, h)

	r.table.mu.Lock()
	r.table.routes = append(r.table.routes, Route{Method: method, Pattern: full, Doc: doc})
	r.table.mu.Unlock()
}

// Routes returns a snapshot of every registered route.
func (r *Router) Routes() []Route {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	out := make([]Route, len(r.table.routes))
	copy(out, r.table.routes)
	return out
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
