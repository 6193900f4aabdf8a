package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/config"
	"github.com/EmpoweredVote/EV-Geofences/internal/utils"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// ActorHeader names the user on whose behalf a request is made.
const ActorHeader = "X-Commanding-User"

const maxActorLength = 256

// ActorMiddleware copies the commanding user header into the request
// context when present.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(actor) > maxActorLength {
			http.Error(w, ActorHeader+" header is too long", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(utils.WithActor(r.Context(), actor)))
	})
}

// RequireActor rejects requests that reach it without an actor in context.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := utils.GetActorFromContext(r.Context()); !ok {
			http.Error(w, "Unauthorized: missing "+ActorHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware echoes the origin back only if it is on the allow-list.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods",
					"GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers",
					"Content-Type, Authorization, "+ActorHeader)
			}

			w.Header().Set("Access-Control-Expose-Headers", "Retry-After")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateSource serves the current per-tenant request rate.
type RateSource interface {
	RateLimit() config.RateLimit
}

// TenantRateLimiter keeps one token bucket per tenant. Buckets pick up rate
// changes from the source on their next request. Buckets idle past the
// sweep cutoff are dropped; a returning tenant starts with a full bucket.
type TenantRateLimiter struct {
	source RateSource

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewTenantRateLimiter(source RateSource) *TenantRateLimiter {
	return &TenantRateLimiter{source: source, buckets: make(map[string]*bucket)}
}

func (t *TenantRateLimiter) limiter(tenantID string) *rate.Limiter {
	rl := t.source.RateLimit()
	limit := rate.Limit(rl.RPS)

	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[tenantID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(limit, rl.Burst)}
		t.buckets[tenantID] = b
	}
	b.lastSeen = time.Now()
	if b.limiter.Limit() != limit {
		b.limiter.SetLimit(limit)
	}
	if b.limiter.Burst() != rl.Burst {
		b.limiter.SetBurst(rl.Burst)
	}
	return b.limiter
}

// Sweep drops buckets not used since cutoff and returns how many it removed.
func (t *TenantRateLimiter) Sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for tenantID, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, tenantID)
			removed++
		}
	}
	return removed
}

// Len reports how many tenants currently hold a bucket.
func (t *TenantRateLimiter) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Run sweeps buckets idle for longer than idle every interval until ctx ends.
func (t *TenantRateLimiter) Run(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			t.Sweep(now.Add(-idle))
		}
	}
}

// Middleware limits requests by the tenantId route parameter. Requests
// without one pass through.
func (t *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantId")
		if tenantID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !t.limiter(tenantID).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
