package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// corsMiddleware applies the relay's cross-origin policy. With an empty
// allowlist any origin may call the API (the signaling core trusts the host
// application for identity, not the browser origin). A non-empty allowlist
// restricts both CORS and, via OriginAllowed, WebSocket upgrades.
func corsMiddleware(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !OriginAllowed(originHeader, allowedOrigins) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", originHeader)
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether a browser Origin header passes the allowlist.
// An empty allowlist admits everything, including the special "null" origin.
func OriginAllowed(originHeader string, allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}

	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}
	for _, allowed := range allowedOrigins {
		if allowed == normalized {
			return true
		}
	}
	return false
}

// normalizeOrigin lowercases the scheme/host of an Origin header and strips
// default ports so allowlist entries compare predictably.
func normalizeOrigin(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	} else {
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host, true
}
