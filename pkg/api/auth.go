package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig lists the API keys accepted by the API.
type AuthConfig struct {
	APIKeys []string
}

func (c AuthConfig) valid(key string) bool {
	ok := false
	for _, k := range c.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// authMiddleware accepts "Authorization: Bearer <key>" or "X-API-Key".
// /health and /metrics are open.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && cfg.valid(token) {
			next.ServeHTTP(w, r)
			return
		}
		if key := r.Header.Get("X-API-Key"); key != "" && cfg.valid(key) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="dpifd"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}
