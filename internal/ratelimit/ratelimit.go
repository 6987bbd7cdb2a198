// Package ratelimit applies per-API-key token buckets sized by pricing plan.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const (
	HeaderRemaining  = "X-Rate-Limit-Remaining"
	HeaderRetryAfter = "X-Rate-Limit-Retry-After-Seconds"
)

type Plan string

const (
	PlanFree    Plan = "FREE"
	PlanBasic   Plan = "BASIC"
	PlanPremium Plan = "PREMIUM"
)

// PlanForKey derives the plan from the key prefix.
func PlanForKey(apiKey string) Plan {
	switch {
	case strings.HasPrefix(apiKey, "PREMIUM_"):
		return PlanPremium
	case strings.HasPrefix(apiKey, "BASIC_"):
		return PlanBasic
	default:
		return PlanFree
	}
}

type Config struct {
	RefillWindow    time.Duration
	FreeCapacity    int
	BasicCapacity   int
	PremiumCapacity int
}

func (c Config) capacity(plan Plan) int {
	switch plan {
	case PlanPremium:
		return c.PremiumCapacity
	case PlanBasic:
		return c.BasicCapacity
	default:
		return c.FreeCapacity
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

type Limiter struct {
	cfg     Config
	logger  *slog.Logger
	buckets sync.Map // bucket key -> *bucket
	now     func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.RefillWindow <= 0 {
		cfg.RefillWindow = time.Minute
	}
	return &Limiter{cfg: cfg, logger: observability.LoggerOrDiscard(logger), now: time.Now}
}

// Decision is the outcome of taking one token.
type Decision struct {
	Plan       Plan
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Take consumes one token from the bucket for apiKey. Requests without a key
// share one default bucket.
func (l *Limiter) Take(apiKey string) Decision {
	plan := PlanForKey(apiKey)
	now := l.now()
	b := l.bucketFor(apiKey, plan, now)

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Plan: plan, RetryAfter: l.cfg.RefillWindow}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{Plan: plan, RetryAfter: delay.Round(time.Millisecond)}
	}
	remaining := int(math.Floor(b.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Plan: plan, Allowed: true, Remaining: remaining}
}

func (l *Limiter) bucketFor(apiKey string, plan Plan, now time.Time) *bucket {
	key := apiKey
	if key == "" {
		key = "default"
	} else {
		key = "key:" + key
	}
	if existing, ok := l.buckets.Load(key); ok {
		b := existing.(*bucket)
		b.lastSeen.Store(now.UnixNano())
		return b
	}

	capacity := l.cfg.capacity(plan)
	every := rate.Every(l.cfg.RefillWindow / time.Duration(max(capacity, 1)))
	b := &bucket{limiter: rate.NewLimiter(every, capacity)}
	b.lastSeen.Store(now.UnixNano())
	actual, _ := l.buckets.LoadOrStore(key, b)
	return actual.(*bucket)
}

// Sweep drops buckets idle for longer than idle and reports how many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle).UnixNano()
	removed := 0
	l.buckets.Range(func(key, value any) bool {
		if value.(*bucket).lastSeen.Load() < cutoff {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Run sweeps idle buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Sweep(idle); removed > 0 {
				l.logger.Debug("rate limit buckets swept", slog.Int("removed", removed))
			}
		}
	}
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := l.Take(auth.APIKeyFromRequest(r))
		if decision.Allowed {
			w.Header().Set(HeaderRemaining, strconv.Itoa(decision.Remaining))
			next.ServeHTTP(w, r)
			return
		}

		seconds := int64(math.Ceil(decision.RetryAfter.Seconds()))
		observability.IncrementRateLimitRejection(string(decision.Plan))
		l.logger.WarnContext(r.Context(), "rate limit exceeded",
			slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
			slog.String("plan", string(decision.Plan)),
			slog.Int64("retry_after_seconds", seconds),
		)
		w.Header().Set(HeaderRetryAfter, strconv.FormatInt(seconds, 10))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_code": "RATE_LIMITED",
			"message":    "rate limit exceeded, retry in " + strconv.FormatInt(seconds, 10) + " seconds",
			"retryable":  true,
			"context":    map[string]any{"plan": decision.Plan},
			"trace_id":   observability.TraceIDFromContext(r.Context()),
		})
	})
}
