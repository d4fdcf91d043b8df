package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rategate/rategate/internal/auth"
	"github.com/rategate/rategate/internal/ratelimit"
	"github.com/rategate/rategate/internal/routing"
)

func RateLimit(
	lim ratelimit.Limiter,
	policy ratelimit.Policy,
	skipPaths map[string]struct{},
	onLimited func(routeID string),
	onError func(routeID string),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			// subject: authenticated key, else client address, else anon
			keyID, _ := auth.KeyIDFrom(r.Context())
			subject := "anon"
			if keyID != "" {
				subject = "key:" + keyID
			} else if ip, ok := ClientIPFrom(r.Context()); ok && ip != "" {
				subject = "ip:" + ip
			}

			now := time.Now()

			// route (from gateway context)
			rt, _ := routing.RouteFrom(r)

			routeID := "unknown"
			if rt != nil && rt.ID != "" {
				routeID = rt.ID
			}

			// limiter key = routeID:subject (per-route per-caller window)
			limKey := subject
			if rt != nil && rt.ID != "" {
				limKey = rt.ID + ":" + subject
			}

			// choose policy: start with global fallback
			p := policy

			// override from route default if present (>0)
			if rt != nil && rt.LimitRequests > 0 && rt.LimitWindow > 0 {
				p = ratelimit.Policy{Requests: rt.LimitRequests, Window: rt.LimitWindow, Burst: rt.LimitBurst}
			}

			// optional per-key override on this route
			if rt != nil && rt.LimitOverrides != nil && keyID != "" {
				if o, ok := rt.LimitOverrides[keyID]; ok && o.Requests > 0 && o.Window > 0 {
					p = ratelimit.Policy{Requests: o.Requests, Window: o.Window, Burst: o.Burst}
				}
			}

			dec, err := lim.Allow(r.Context(), limKey, p, now)
			if err != nil {
				if onError != nil {
					onError(routeID)
				}
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			// headers for good DX
			if dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", itoa(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", itoa(max(dec.Remaining, 0)))
				// a capacity rejection carries no reset instant
				if dec.ResetUnixSec > 0 {
					w.Header().Set("X-RateLimit-Reset", itoa64(dec.ResetUnixSec))
				}
			}

			if !dec.Allowed {
				if dec.RetryAfter > 0 {
					w.Header().Set("Retry-After", itoa64(ceilSeconds(dec.RetryAfter)))
				}
				if onLimited != nil {
					onLimited(routeID)
				}
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func itoa(i int) string     { return fmtInt(int64(i)) }
func itoa64(i int64) string { return fmtInt(i) }

func fmtInt(i int64) string {
	var buf [32]byte
	return string(strconv.AppendInt(buf[:0], i, 10))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Retry-After is whole seconds, rounded up so clients never retry early.
func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

// local tiny JSON helper to avoid coupling to auth package
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
