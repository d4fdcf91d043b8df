package gateway

import "net/http"

func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				// reject early when the declared length already exceeds the
				// cap, before any body bytes move
				if r.ContentLength > maxBytes {
					writeJSON(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
					return
				}
				if r.Body != nil {
					r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
