// Package ratelimit keeps one token bucket per caller.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nikhil/eaven-sync/internal/metrics"
)

const (
	DefaultIdleTTL = 10 * time.Minute
	sweepEvery     = time.Minute
)

type entry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out an independent bucket per key. Buckets not used for
// IdleTTL are forgotten by Sweep.
type Limiter struct {
	mu    sync.Mutex
	m     map[string]*entry
	rps   rate.Limit
	burst int

	IdleTTL time.Duration
	now     func() time.Time
}

func New(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		m:       make(map[string]*entry),
		rps:     rate.Limit(rps),
		burst:   burst,
		IdleTTL: DefaultIdleTTL,
		now:     time.Now,
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.m[key] = &entry{l: lim, lastSeen: now}
	return lim
}

// Reserve takes a token for key. When none is available it returns false
// and how long until one would be.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	lim := l.get(key)
	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Sweep drops buckets idle for longer than IdleTTL.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.m {
		if e.lastSeen.Before(cutoff) {
			delete(l.m, k)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Middleware rejects requests over the limit with 429. keyFn names the
// caller; requests it cannot name pass through.
func (l *Limiter) Middleware(route string, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, wait := l.Reserve(key)
			if !ok {
				metrics.RateLimited.WithLabelValues(route).Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
