// Package auth guards the health server's views and authenticates the
// outbound gateway client.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// ServerConfig holds authentication for inbound requests.
type ServerConfig struct {
	Enabled bool
	// BearerToken, when set, takes precedence over basic auth.
	BearerToken       string
	BasicAuthUsername string
	BasicAuthPassword string
}

// ClientConfig holds credentials attached to outbound requests.
type ClientConfig struct {
	BearerToken       string
	BasicAuthUsername string
	BasicAuthPassword string
}

// Empty reports whether no credentials are configured.
func (c ClientConfig) Empty() bool {
	return c.BearerToken == "" && (c.BasicAuthUsername == "" || c.BasicAuthPassword == "")
}

// HTTPMiddleware rejects requests without the configured credentials.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			w.Header().Set("WWW-Authenticate", challenge(cfg))
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		if msg := check(cfg, header); msg != "" {
			w.Header().Set("WWW-Authenticate", challenge(cfg))
			http.Error(w, msg, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// check returns an error message, or "" when header is accepted.
func check(cfg ServerConfig, header string) string {
	switch {
	case cfg.BearerToken != "":
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "invalid authorization header format"
		}
		if !equal(token, cfg.BearerToken) {
			return "invalid bearer token"
		}
	case cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "":
		if !equal(header, "Basic "+basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword)) {
			return "invalid basic auth credentials"
		}
	}
	return ""
}

func challenge(cfg ServerConfig) string {
	if cfg.BearerToken != "" {
		return "Bearer"
	}
	return `Basic realm="profile-governor"`
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HTTPTransport returns base wrapped to add the configured credentials.
// base is returned unchanged when cfg is empty.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.Empty() {
		return base
	}
	return &authTransport{base: base, cfg: cfg}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if t.cfg.BearerToken != "" {
		r.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	} else {
		r.SetBasicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword)
	}
	return t.base.RoundTrip(r)
}

func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
