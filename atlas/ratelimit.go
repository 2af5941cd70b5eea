package atlas

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a sliding-window admission gate with three axes: a per-IP
// request cap, a global request cap, and a minimum inter-arrival interval per
// IP. Counters are ordered timestamp lists pruned on each admission. It runs
// before authentication so unauthenticated floods are cheap to reject.
type RateLimiter struct {
	mu     sync.Mutex
	perIP  map[string][]time.Time
	global []time.Time

	Window      time.Duration
	PerIPLimit  int
	GlobalLimit int
	MinInterval time.Duration

	now func() time.Time
}

func NewRateLimiter(window time.Duration, perIP, global int, minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		perIP:       make(map[string][]time.Time),
		Window:      window,
		PerIPLimit:  perIP,
		GlobalLimit: global,
		MinInterval: minInterval,
		now:         time.Now,
	}
}

func pruneWindow(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	return entries[i:]
}

// Admit records one request from ip, or reports why it must be rejected.
func (l *RateLimiter) Admit(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.Window)

	entries := pruneWindow(l.perIP[ip], cutoff)
	l.global = pruneWindow(l.global, cutoff)

	if l.MinInterval > 0 && len(entries) > 0 && now.Sub(entries[len(entries)-1]) < l.MinInterval {
		l.perIP[ip] = entries
		return fmt.Errorf("%w: requests too frequent", ErrRateLimited)
	}
	if len(entries) >= l.PerIPLimit {
		l.perIP[ip] = entries
		return fmt.Errorf("%w: too many requests from this address", ErrRateLimited)
	}
	if len(l.global) >= l.GlobalLimit {
		l.perIP[ip] = entries
		return fmt.Errorf("%w: server is busy", ErrRateLimited)
	}

	l.perIP[ip] = append(entries, now)
	l.global = append(l.global, now)
	return nil
}

// Middleware applies the limiter to every request.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := l.Admit(clientIP(r)); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
