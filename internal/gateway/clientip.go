package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ctxKey int

const keyClientIP ctxKey = 0

// WithClientIP injects the resolved client address into the request context.
func WithClientIP(r *http.Request, ip string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), keyClientIP, ip))
}

// ClientIPFrom extracts the resolved client address (if present).
func ClientIPFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyClientIP)
	if v == nil {
		return "", false
	}
	ip, ok := v.(string)
	return ip, ok
}

// ClientIP resolves the caller's address and stores it in the request
// context for the limiter to key anonymous traffic on. Forwarding headers
// are only honored when trustProxy is set; anyone can send X-Forwarded-For,
// so behind no proxy they are an easy way to dodge a per-IP limit.
func ClientIP(trustProxy bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, WithClientIP(r, resolveIP(r, trustProxy)))
		})
	}
}

func resolveIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// first hop of X-Forwarded-For is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if i := strings.IndexByte(xff, ','); i >= 0 {
				first = xff[:i]
			}
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
