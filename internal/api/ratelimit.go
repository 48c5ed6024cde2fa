package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rcourtman/shopcalc/pkg/licensing"
)

const (
	defaultRateLimit  = 120
	defaultRateBurst  = 20
	limiterIdleExpiry = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	mu             sync.Mutex
	entries        map[string]*limiterEntry
	limit          rate.Limit
	burst          int
	trustForwarded bool
	now            func() time.Time
}

// NewRateLimiter allows perMinute requests per client IP with a small burst.
// X-Forwarded-For is honored only when trustForwarded is set, i.e. when the
// server sits behind a proxy that overwrites the header.
func NewRateLimiter(perMinute int, trustForwarded bool) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRateLimit
	}
	burst := defaultRateBurst
	if perMinute < burst {
		burst = perMinute
	}
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:          burst,
		trustForwarded: trustForwarded,
		now:            time.Now,
	}
}

// Allow reports whether ip is within its budget.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry := rl.entries[ip]
	if entry == nil {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = entry
	}
	now := rl.now()
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Run evicts idle clients until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-limiterIdleExpiry)
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
}

// Middleware rejects over-budget clients with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := rl.ClientIP(r)
		if !rl.Allow(ip) {
			RateLimitedTotal.Inc()
			log.Warn().Str("client_ip", ip).Str("path", r.URL.Path).Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			licensing.WriteJSON(w, http.StatusTooManyRequests, licensing.ErrorResponse{
				Error:   "RATE_LIMITED",
				Message: "Too many requests. Try again in a minute.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the address the limiter keys r under.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return clientIP(r, rl.trustForwarded)
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			if ip := strings.TrimSpace(xff); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
