// Package throttle implements the token-bucket admission control named
// by spec.md §6.3 throttling.*, as an HTTP middleware wrapping
// golang.org/x/time/rate.Limiter, in the shape of the teacher's
// RateLimitMiddleware (cmd/server/middleware/rate_limit.go) but backed by
// the standard token-bucket implementation rather than a hand-rolled one.
package throttle

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// Config bundles the throttling tunables (config.ThrottlingConfig).
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Limiter rate-limits inbound HTTP requests, one token bucket per client
// IP plus a shared global bucket, mirroring the teacher's per-IP-plus-
// global rate limit shape.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	global *rate.Limiter

	mu    sync.Mutex
	perIP map[string]*rate.Limiter
}

// New constructs a Limiter from cfg. If !cfg.Enabled, Middleware returns
// its handler unwrapped.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond) * 2
	}
	return &Limiter{
		cfg:    cfg,
		logger: logger,
		global: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perIP:  make(map[string]*rate.Limiter),
	}
}

// Middleware wraps next with admission control. A disabled Limiter is a
// no-op passthrough.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if !l.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)

		if !l.global.Allow() {
			l.logger.Warn("throttle: global rate limit exceeded", "client_ip", clientIP)
			writeRateLimited(w, "global", l.cfg.RequestsPerSecond)
			return
		}
		if !l.limiterFor(clientIP).Allow() {
			l.logger.Warn("throttle: per-ip rate limit exceeded", "client_ip", clientIP)
			writeRateLimited(w, "per_ip", l.cfg.RequestsPerSecond)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		l.perIP[ip] = lim
	}
	return lim
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func writeRateLimited(w http.ResponseWriter, limitType string, limit float64) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      "rate limited",
		"limit_type": limitType,
		"limit":      strconv.FormatFloat(limit, 'f', -1, 64),
	})
}
