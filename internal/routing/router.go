package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Limit is a per-route or per-key request budget. Zero values fall back to
// the gateway default policy.
type Limit struct {
	Requests int
	Window   time.Duration
	Burst    int
}

type Route struct {
	ID      string
	Methods map[string]struct{} // empty means any method
	Prefix  string
	UpUrl   *url.URL
	Timeout time.Duration

	LimitRequests int
	LimitWindow   time.Duration
	LimitBurst    int

	// LimitOverrides is keyed by auth key ID.
	LimitOverrides map[string]Limit
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// Add normalizes the prefix once so Match does no per-request cleanup.
func (r *Router) Add(rt *Route) {
	prefix := strings.TrimSpace(rt.Prefix)
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "/"
	}
	rt.Prefix = prefix
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first added route whose method set and path prefix
// accept the request.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		if rt.Prefix == "/" {
			return rt, true
		}
		if path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
