package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/time/rate"

	"github.com/goliatone/go-alignment/core"
)

// ThrottledError is returned when waiting for a token would outlive the
// caller's deadline.
type ThrottledError struct {
	Key        string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: key %q throttled for %s", strings.TrimSpace(e.Key), e.RetryAfter)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"bucket_key": strings.TrimSpace(e.Key)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorTransient).
		WithMetadata(metadata)
}

type Option func(*KeyedLimiter)

// WithMaxKeys bounds the number of idle buckets kept in memory.
func WithMaxKeys(max int) Option {
	return func(l *KeyedLimiter) {
		if max > 0 {
			l.maxKeys = max
		}
	}
}

func WithIdleTTL(ttl time.Duration) Option {
	return func(l *KeyedLimiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *KeyedLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// KeyedLimiter keeps one token bucket per key, for example per project for
// analysis calls or per host for notification delivery.
type KeyedLimiter struct {
	limit   rate.Limit
	burst   int
	maxKeys int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows perSecond events per key with the given burst. A
// non-positive rate disables limiting.
func NewKeyedLimiter(perSecond float64, burst int, opts ...Option) *KeyedLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l := &KeyedLimiter{
		limit:   limit,
		burst:   burst,
		maxKeys: 4096,
		idleTTL: 10 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
		buckets: map[string]*bucket{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Wait blocks until key may proceed. When the context deadline would pass
// first, it returns a ThrottledError instead of waiting.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.limit == rate.Inf {
		return nil
	}
	limiter := l.limiterFor(key)
	reservation := limiter.ReserveN(l.now(), 1)
	if !reservation.OK() {
		return ThrottledError{Key: key}
	}
	delay := reservation.DelayFrom(l.now())
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && l.now().Add(delay).After(deadline) {
		reservation.Cancel()
		return ThrottledError{Key: key, RetryAfter: delay}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Allow reports whether key may proceed now without waiting.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	return l.limiterFor(key).AllowN(l.now(), 1)
}

func (l *KeyedLimiter) limiterFor(key string) *rate.Limiter {
	key = strings.TrimSpace(key)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.buckets[key]; ok {
		existing.lastSeen = now
		return existing.limiter
	}
	if len(l.buckets) >= l.maxKeys {
		l.evictIdle(now)
	}
	created := &bucket{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.buckets[key] = created
	return created.limiter
}

func (l *KeyedLimiter) evictIdle(now time.Time) {
	for key, item := range l.buckets {
		if now.Sub(item.lastSeen) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *KeyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
