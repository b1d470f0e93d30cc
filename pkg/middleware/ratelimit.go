package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/httputil"
	"github.com/fileworks/tessera/pkg/observability"
	"github.com/fileworks/tessera/pkg/sysconfig"
)

const (
	// rateLimitWindow is the fixed budget window.
	rateLimitWindow = time.Minute

	// defaultRequestsPerMinute mirrors the seeded api_rate_limit_per_minute
	// default for when the config store is absent.
	defaultRequestsPerMinute = 120

	// limitCacheTTL bounds how stale a config-driven limit can get. The
	// limit is read from system_config, not per request.
	limitCacheTTL = 30 * time.Second

	// fallbackWindowCap caps distinct keys tracked in process. At one
	// window per tenant this is far more tenants than a single instance
	// serves.
	fallbackWindowCap = 16384
)

// TenantRateLimiter enforces a fixed per-minute request budget per tenant
// (per client IP for unscoped requests). Counters live in Redis so the
// budget holds across instances; without Redis, or when Redis fails, each
// instance falls back to its own expiring windows rather than letting
// traffic through unmetered.
type TenantRateLimiter struct {
	redis  *redis.Client
	config *sysconfig.Store
	prefix string
	log    *observability.Logger

	mu       sync.Mutex
	fallback *expirable.LRU[string, *atomic.Int64]

	limitMu      sync.Mutex
	cachedLimit  int
	limitFetched time.Time
}

// NewTenantRateLimiter creates a limiter. redisClient may be nil for
// fallback-only operation; config may be nil to pin the compiled default.
func NewTenantRateLimiter(redisClient *redis.Client, config *sysconfig.Store, log *observability.Logger) *TenantRateLimiter {
	return &TenantRateLimiter{
		redis:    redisClient,
		config:   config,
		prefix:   "ratelimit",
		log:      log,
		fallback: expirable.NewLRU[string, *atomic.Int64](fallbackWindowCap, nil, rateLimitWindow),
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is how long until the window rolls over.
	Reset time.Duration
}

// Allow spends one request from the key's budget.
func (l *TenantRateLimiter) Allow(ctx context.Context, key string) Decision {
	limit := l.limitFor(ctx)

	if l.redis != nil {
		decision, err := l.allowRedis(ctx, key, limit)
		if err == nil {
			return decision
		}
		l.log.WithError(err).Warn("rate limiter falling back to in-process windows")
	}

	return l.allowLocal(key, limit)
}

// limitFor reads api_rate_limit_per_minute, reusing the last read for
// limitCacheTTL so the config store is not hit on every request.
func (l *TenantRateLimiter) limitFor(ctx context.Context) int {
	if l.config == nil {
		return defaultRequestsPerMinute
	}

	l.limitMu.Lock()
	defer l.limitMu.Unlock()

	if l.cachedLimit > 0 && time.Since(l.limitFetched) < limitCacheTTL {
		return l.cachedLimit
	}

	limit := l.config.GetInt(ctx, sysconfig.KeyAPIRateLimitPerMinute)
	if limit <= 0 {
		limit = defaultRequestsPerMinute
	}
	l.cachedLimit = limit
	l.limitFetched = time.Now()
	return limit
}

func (l *TenantRateLimiter) allowRedis(ctx context.Context, key string, limit int) (Decision, error) {
	redisKey := l.prefix + ":" + key

	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, err
	}
	// The expiry anchors the window at the first request; refreshing it on
	// every hit would let a steady trickle hold the counter open forever.
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, rateLimitWindow).Err(); err != nil {
			return Decision{}, err
		}
	}

	reset := rateLimitWindow
	if ttl, err := l.redis.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
		reset = ttl
	}

	return decisionFor(int(count), limit, reset), nil
}

func (l *TenantRateLimiter) allowLocal(key string, limit int) Decision {
	l.mu.Lock()
	counter, ok := l.fallback.Get(key)
	if !ok {
		counter = new(atomic.Int64)
		l.fallback.Add(key, counter)
	}
	l.mu.Unlock()

	count := int(counter.Add(1))
	return decisionFor(count, limit, rateLimitWindow)
}

func decisionFor(count, limit int, reset time.Duration) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

// RateLimit is the HTTP layer over TenantRateLimiter.
type RateLimit struct {
	limiter *TenantRateLimiter
	metrics *observability.Metrics
}

// NewRateLimit creates the rate limit middleware. metrics may be nil.
func NewRateLimit(limiter *TenantRateLimiter, metrics *observability.Metrics) *RateLimit {
	return &RateLimit{limiter: limiter, metrics: metrics}
}

// Handler wraps an HTTP handler with rate limiting. Budgets key on the
// X-Tenant-ID header when present, otherwise on the client IP; this runs
// before session auth, so the header is the only tenant signal available.
func (m *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, scope := rateLimitKey(r)
		decision := m.limiter.Allow(r.Context(), key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.Reset).Unix(), 10))

		if !decision.Allowed {
			if m.metrics != nil {
				m.metrics.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
			}
			retryAfter := int(decision.Reset.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) (key, scope string) {
	if tid := r.Header.Get("X-Tenant-ID"); tid != "" {
		if _, err := strconv.ParseInt(tid, 10, 64); err == nil {
			return "tenant:" + tid, "tenant"
		}
	}
	ip := audit.ClientIP(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr)
	return "ip:" + ip, "ip"
}
