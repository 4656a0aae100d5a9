package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Origin, X-Requested-With, Content-Type, Accept, Authorization"
)

// OriginPolicy decides which browser origins may use the relay. An entry of
// "*" allows any origin.
type OriginPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func NewOriginPolicy(allowedOrigins []string) OriginPolicy {
	p := OriginPolicy{allowed: make(map[string]struct{})}
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			p.any = true
			continue
		}
		if normalized, ok := normalizeOrigin(o); ok {
			p.allowed[normalized] = struct{}{}
		}
	}
	return p
}

func (p OriginPolicy) AllowsAny() bool { return p.any }

// Allows reports whether a request carrying the given Origin header may be
// served. Requests without an Origin header are not cross-origin and are
// always allowed.
func (p OriginPolicy) Allows(originHeader string) bool {
	originHeader = strings.TrimSpace(originHeader)
	if originHeader == "" || p.any {
		return true
	}
	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}
	_, ok = p.allowed[normalized]
	return ok
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allows(r.Header.Get("Origin"))
}

// normalizeOrigin lowercases scheme and host and drops default ports, so
// "HTTPS://Example.com:443" and "https://example.com" compare equal.
func normalizeOrigin(raw string) (string, bool) {
	if raw == "null" {
		return raw, true
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
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}

// corsMiddleware sets the CORS headers on every response and answers
// preflight requests without reaching the route handlers.
func (s *Server) corsMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			switch {
			case s.origins.AllowsAny():
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case originHeader != "" && s.origins.Allows(originHeader):
				w.Header().Set("Access-Control-Allow-Origin", originHeader)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
