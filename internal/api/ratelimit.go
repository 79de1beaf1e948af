package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorTTL is how long an idle client keeps its token bucket before the
// eviction sweep drops it.
const visitorTTL = 5 * time.Minute

// submitLimiter holds one token bucket per client IP. Submissions carry
// multi-GB uploads, so only POST /api/jobs is gated; reads stay unmetered.
type submitLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newSubmitLimiter(rps int) *submitLimiter {
	l := &submitLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    rps,
	}
	go l.evictIdle()
	return l
}

func (l *submitLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.bucket.Allow()
}

func (l *submitLimiter) evictIdle() {
	ticker := time.NewTicker(visitorTTL)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-visitorTTL)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimit caps job submissions at rps per second per client IP and answers
// 429 above the cap. rps <= 0 disables the gate entirely.
func RateLimit(rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := newSubmitLimiter(rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/jobs" && !l.allow(clientIP(r)) {
				writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the submitting address. Behind a proxy the first entry of
// X-Forwarded-For is the client; otherwise RemoteAddr minus the port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i]
	}
	return addr
}
