package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rategate/rategate/internal/routing"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Handler proxies to the upstream of the matched route. One ReverseProxy
// serves all routes; the Director reads the target from the request context.
func Handler(tr *http.Transport) http.Handler {
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			rt, ok := routing.RouteFrom(req)
			if !ok {
				return
			}
			req.URL.Scheme = rt.UpUrl.Scheme
			req.URL.Host = rt.UpUrl.Host
			// Forwarded headers
			req.Header.Set("X-Forwarded-Host", req.Host)
			proto := "http"
			if req.TLS != nil {
				proto = "https"
			}
			req.Header.Set("X-Forwarded-Proto", proto)
		},
		Transport: tr,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.DeadlineExceeded) {
				writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not respond in time")
				return
			}
			writeError(w, http.StatusBadGateway, "upstream_unreachable", "upstream request failed")
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		if !ok {
			writeError(w, http.StatusInternalServerError, "no_route_ctx", "route not in context")
			return
		}

		// per-route timeout
		if rt.Timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), rt.Timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		rp.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
