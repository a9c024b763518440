package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy defines the CORS headers to emit for matching origins.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

type cors struct {
	origins     []string
	wildcard    bool
	methods     string
	headers     string
	maxAge      string
	credentials bool
}

// WithCORS adds CORS handling for browser clients of the ops API. With
// no allowed origins it is a no-op, which is the default: the relay is
// operator tooling, not a public web backend.
func WithCORS(cfg CORSPolicy) Middleware {
	origins := normalizeList(cfg.AllowedOrigins)
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	c := &cors{
		origins:     origins,
		methods:     strings.Join(normalizeList(cfg.AllowedMethods), ", "),
		headers:     strings.Join(normalizeList(cfg.AllowedHeaders), ", "),
		credentials: cfg.AllowCredentials,
	}
	for _, origin := range origins {
		if origin == "*" {
			c.wildcard = true
		}
	}
	if seconds := int(cfg.MaxAge.Seconds()); seconds > 0 {
		c.maxAge = strconv.Itoa(seconds)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowOrigin, ok := c.allow(origin)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			c.setHeaders(w.Header(), allowOrigin)
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c *cors) allow(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	if c.wildcard {
		// Reflect the origin when credentials are allowed; browsers
		// reject "*" combined with credentials.
		if c.credentials {
			return origin, true
		}
		return "*", true
	}
	for _, candidate := range c.origins {
		if strings.EqualFold(candidate, origin) {
			return origin, true
		}
	}
	return "", false
}

func (c *cors) setHeaders(h http.Header, allowOrigin string) {
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	if c.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if c.methods != "" {
		h.Set("Access-Control-Allow-Methods", c.methods)
	}
	if c.headers != "" {
		h.Set("Access-Control-Allow-Headers", c.headers)
	}
	if c.maxAge != "" {
		h.Set("Access-Control-Max-Age", c.maxAge)
	}
	h.Add("Vary", "Origin")
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
