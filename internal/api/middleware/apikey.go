package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// APIKeyAuth rejects requests without a configured API key. With no keys
// configured every request passes.
//
// A key is read from Authorization: Bearer <key>, X-API-Key, or the api_key
// query parameter (for websocket clients that cannot set headers).
// /healthz, /version and /metrics are always public.
type APIKeyAuth struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewAPIKeyAuth creates the middleware from the configured keys.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	a := &APIKeyAuth{keys: make(map[string]struct{})}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys[k] = struct{}{}
		}
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// AddKey adds a key at runtime.
func (a *APIKeyAuth) AddKey(key string) {
	a.mu.Lock()
	a.keys[key] = struct{}{}
	a.mu.Unlock()
}

// RemoveKey revokes a key at runtime.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	delete(a.keys, key)
	a.mu.Unlock()
}

// Middleware enforces the key check.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		if !a.validateKey(key) {
			respondUnauthorized(w, "Invalid API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *APIKeyAuth) validateKey(candidate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ok := false
	for key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/version", "/metrics":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="loanpilot"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
