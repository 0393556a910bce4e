package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor is a single client IP and its token bucket state.
type visitor struct {
	// mu protects the individual visitor's state, so different
	// clients are updated without contention.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter rate limits clients by IP using a token bucket per client.
type RateLimiter struct {
	// visitors maps IP addresses to their bucket.
	visitors map[string]*visitor
	// mu protects the map itself.
	mu sync.RWMutex

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter and starts the background cleanup,
// which stops when ctx is done.
func NewRateLimiter(ctx context.Context, rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}

	go rl.cleanupLoop(ctx)

	return rl
}

// getVisitor retrieves or creates the bucket for ip.
func (rl *RateLimiter) getVisitor(ip string) *visitor {
	// Fast path: read lock
	rl.mu.RLock()
	v, exists := rl.visitors[ip]
	rl.mu.RUnlock()

	if exists {
		return v
	}

	// Slow path: write lock, double-checked
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, exists = rl.visitors[ip]; !exists {
		v = &visitor{
			tokens:     rl.capacity, // Start full
			lastRefill: rl.now(),
		}
		rl.visitors[ip] = v
	}

	return v
}

// Allow reports whether a request from ip may proceed, consuming one token.
// Tokens are refilled lazily from the time elapsed since the last refill.
func (rl *RateLimiter) Allow(ip string) bool {
	v := rl.getVisitor(ip)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()

	elapsed := now.Sub(v.lastRefill).Seconds()
	if tokensToAdd := elapsed * rl.rate; tokensToAdd > 0 {
		v.tokens += tokensToAdd
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	if v.tokens >= 1.0 {
		v.tokens--
		return true
	}

	return false
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup forgets clients idle for longer than visitorTimeout.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, v := range rl.visitors {
		v.mu.Lock()
		if now.Sub(v.lastRefill) > visitorTimeout {
			delete(rl.visitors, ip)
		}
		v.mu.Unlock()
	}
}

// Middleware rejects requests over the limit with 429.
// It keys on r.RemoteAddr; mount middleware.RealIP in front when behind a proxy.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if !rl.Allow(ip) {
			slog.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "Too Many Requests"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
