package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles each client per route group. Clients are keyed by
// their authenticated identity and fall back to the remote address.
type RateLimiter struct {
	logger     *slog.Logger
	limits     map[string]RateLimit
	idleTTL    time.Duration
	onThrottle func(group string)

	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		idleTTL:  5 * time.Minute,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// OnThrottle registers fn to be called with the route group of every
// rejected request.
func (r *RateLimiter) OnThrottle(fn func(group string)) { r.onThrottle = fn }

func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[group]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			identifier := group + "|" + clientID(req)
			if !r.obtainLimiter(identifier, limit).Allow() {
				r.logger.Debug("rate limit exceeded", "group", group, "path", req.URL.Path)
				if r.onThrottle != nil {
					r.onThrottle(group)
				}
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	r.evictIdle(now)
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// evictIdle must be called with r.mu held.
func (r *RateLimiter) evictIdle(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	if caller, ok := CallerFromContext(r.Context()); ok {
		return caller.String()
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
