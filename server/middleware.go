package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
)

// authConfig holds admin authentication settings loaded from environment.
type authConfig struct {
	username string
	password string
	token    string
	enabled  bool
}

// loadAuthConfig reads ADMIN_USERNAME/ADMIN_PASSWORD or ADMIN_TOKEN. Auth is
// disabled when neither pair is configured.
func loadAuthConfig() *authConfig {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	token := os.Getenv("ADMIN_TOKEN")
	enabled := (username != "" && password != "") || token != ""
	if !enabled {
		slog.Warn("admin auth not configured, mutating endpoints are unprotected")
	}
	return &authConfig{username: username, password: password, token: token, enabled: enabled}
}

// adminAuth protects a handler with token or basic auth. Comparisons are
// constant time.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if cfg.token != "" {
			if t := r.Header.Get("X-Admin-Token"); t != "" &&
				subtle.ConstantTimeCompare([]byte(t), []byte(cfg.token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		if cfg.username != "" && cfg.password != "" {
			if u, p, ok := r.BasicAuth(); ok &&
				subtle.ConstantTimeCompare([]byte(u), []byte(cfg.username)) == 1 &&
				subtle.ConstantTimeCompare([]byte(p), []byte(cfg.password)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="bilirec"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}
