package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// RateLimiter caps requests per client IP over a sliding window. Call Stop
// to end its background sweep.
type RateLimiter struct {
	limit  int
	window time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	hits map[string][]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limit:  limit,
		window: window,
		logger: logger,
		hits:   make(map[string][]time.Time),
		stop:   make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

// evict drops clients whose newest hit has left the window.
func (rl *RateLimiter) evict(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for client, hits := range rl.hits {
		if len(hits) == 0 || now.Sub(hits[len(hits)-1]) >= rl.window {
			delete(rl.hits, client)
			evicted++
		}
	}
	return evicted
}

// Allow records a hit for client at now unless the window is full. It
// returns the hits left and when the oldest hit in the window expires.
func (rl *RateLimiter) Allow(client string, now time.Time) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	hits := rl.hits[client]
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= rl.limit {
		rl.hits[client] = hits
		return false, 0, hits[0].Add(rl.window)
	}

	hits = append(hits, now)
	rl.hits[client] = hits
	return true, rl.limit - len(hits), hits[0].Add(rl.window)
}

// Handler rejects requests over the limit with 429 and rate limit headers.
// Mount it on the API routes only; health checks are not limited.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		now := time.Now()
		allowed, remaining, reset := rl.Allow(client, now)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retry := int(math.Ceil(reset.Sub(now).Seconds()))
			if retry < 1 {
				retry = 1
			}
			rl.logger.Warn("rate limit exceeded",
				"client", client,
				"method", r.Method,
				"path", r.URL.Path,
				"retry_after", retry,
			)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
