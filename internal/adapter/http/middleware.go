package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the ID assigned to the current request.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ServeHTTP assigns a request ID, applies rate limiting and logs the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)
	r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()

	if s.limiter != nil && r.URL.Path != "/health" && !s.limiter.allow(clientKey(r)) {
		s.writeJSON(rec, http.StatusTooManyRequests, errorResponse{
			Error:   "RateLimitExceeded",
			Code:    "RATE_LIMITED",
			Message: "too many requests",
		})
	} else {
		s.mux.ServeHTTP(rec, r)
	}

	s.log(r).Debug("http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

func (s *Server) log(r *http.Request) *slog.Logger {
	return s.logger.With("request_id", RequestIDFromContext(r.Context()))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// idleLimiterTTL is how long a client's bucket is kept without requests.
const idleLimiterTTL = 10 * time.Minute

type clientLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		limit:     rate.Limit(perSecond),
		burst:     max(burst, 1),
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

func (l *clientLimiter) allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > idleLimiterTTL {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > idleLimiterTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
