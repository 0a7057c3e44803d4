package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/arbiter/internal/answer"
)

const limiterIdleTTL = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client address. Buckets idle for longer than
// limiterIdleTTL are dropped.
type clientLimiter struct {
	rps       rate.Limit
	burst     int
	now       func() time.Time
	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

func newClientLimiter(rps float64, burst int, now func() time.Time) *clientLimiter {
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &clientLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		now:       now,
		clients:   make(map[string]*clientBucket),
		lastSweep: now(),
	}
}

// reserve takes a token for client. When none is available it returns false and how
// long the client should wait.
func (l *clientLimiter) reserve(client string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit rejects requests over the client's budget with 429 RATE_LIMITED.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		ok, wait := s.limiter.reserve(client)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			s.logger.Debug("request rate limited", zap.String("client", client), zap.Duration("retry_after", wait))
			s.respondCode(w, answer.CodeRateLimited, "too many requests; retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
