package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyFunc derives the rate-limit key of a request.
type KeyFunc func(r *http.Request) string

// ClientIP returns a KeyFunc keyed on the client address. With trustProxy the
// first X-Forwarded-For entry, then X-Real-IP, win over the TCP peer.
func ClientIP(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if trustProxy {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				first, _, _ := strings.Cut(fwd, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
			if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
				return ip
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// middlewareConfig collects [MiddlewareOption] values.
type middlewareConfig struct {
	onReject func(ctx context.Context, key string)
	now      func() time.Time
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

// OnReject registers fn to be called for every rejected request, typically
// to count rejections.
func OnReject(fn func(ctx context.Context, key string)) MiddlewareOption {
	return func(c *middlewareConfig) { c.onReject = fn }
}

// Middleware returns an HTTP middleware that consults l before every request.
// Allowed requests carry X-RateLimit-Limit and X-RateLimit-Remaining headers;
// rejected ones get 429 with Retry-After and a JSON {"error"} body.
//
// When l fails (e.g. Redis is down) the request is let through and the error
// is logged.
func Middleware(l Limiter, key KeyFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			d, err := l.Allow(r.Context(), k)
			if err != nil {
				slog.WarnContext(r.Context(), "ratelimit: limiter failed, allowing request", "key", k, "err", err)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				if cfg.onReject != nil {
					cfg.onReject(r.Context(), k)
				}
				retry := d.RetryAfter(cfg.now())
				h.Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded, try again in " + retry.String(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
