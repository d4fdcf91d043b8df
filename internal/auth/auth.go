package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

type ctxKey int

const keyID ctxKey = 0

// Key is one configured API key. Secret is what callers present; ID and
// Metadata are what the rest of the gateway sees.
type Key struct {
	ID       string
	Secret   string
	Metadata map[string]string
}

// Store is a static in-memory key store.
type Store struct {
	header   string
	bySecret map[string]string
	byID     map[string]Key
	ids      []string // sorted, for stable listings
}

// NewStatic creates a static key store reading secrets from the given HTTP
// header (default "X-API-Key"). Keys missing an ID or secret are dropped.
func NewStatic(header string, keys []Key) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	s := &Store{header: h, bySecret: map[string]string{}, byID: map[string]Key{}}
	for _, k := range keys {
		if k.ID == "" || k.Secret == "" {
			continue
		}
		s.bySecret[k.Secret] = k.ID
		s.byID[k.ID] = k
	}
	for id := range s.byID {
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
	return s
}

// keyIDFor scans every stored secret in constant time per comparison so a
// near-miss takes as long as a miss. The key set is small and static.
func (s *Store) keyIDFor(secret string) (string, bool) {
	sb := []byte(secret)
	var id string
	found := false
	for sec, kid := range s.bySecret {
		if subtle.ConstantTimeCompare([]byte(sec), sb) == 1 {
			id = kid
			found = true
		}
	}
	return id, found
}

// WithKeyID injects the key ID into context.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			id, ok := s.keyIDFor(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			ctx := WithKeyID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ListHandler reports the configured key IDs and their metadata as JSON for
// the ops surface. Secrets never leave the store.
func (s *Store) ListHandler() http.Handler {
	type item struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		items := make([]item, 0, len(s.ids))
		for _, id := range s.ids {
			items = append(items, item{ID: id, Metadata: s.byID[id].Metadata})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	})
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
