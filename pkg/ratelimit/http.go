package ratelimit

import (
	"context"
	"log/slog"
	"math"
	randv2 "math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	realclientip "github.com/realclientip/realclientip-go"
)

var (
	defaultRejectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	})

	rateLimitHeader          = http.CanonicalHeaderKey("X-RateLimit-Limit")
	rateLimitRemainingHeader = http.CanonicalHeaderKey("X-RateLimit-Remaining")
	rateLimitResetHeader     = http.CanonicalHeaderKey("X-RateLimit-Reset")
	retryAfterHeader         = http.CanonicalHeaderKey("Retry-After")
)

type HTTPRateLimiter interface {
	Shutdown()
	RateLimit(next http.Handler) http.Handler
	UpdateLimits(capacity uint32, leakInterval time.Duration)
}

// httpRateLimiter is the in-process leaky bucket front limiter keyed by
// client IP. The KV-backed window limiters run behind it, inside the
// handlers, where the API key is known.
type httpRateLimiter struct {
	name            string
	rejectedHandler http.HandlerFunc
	strategy        realclientip.Strategy
	buckets         *bucketManager
	cleanupCancel   context.CancelFunc
}

var _ HTTPRateLimiter = (*httpRateLimiter)(nil)

func NewHTTPRateLimiter(name, header string, maxBuckets int, capacity uint32, leakInterval time.Duration) *httpRateLimiter {
	limiter := &httpRateLimiter{
		name:            name,
		rejectedHandler: defaultRejectedHandler,
		strategy:        NewClientIPStrategy(header),
		buckets:         newBucketManager(maxBuckets, capacity, leakInterval),
	}

	var cancelCtx context.Context
	cancelCtx, limiter.cleanupCancel = context.WithCancel(
		context.WithValue(context.Background(), common.TraceIDContextKey, name+"_rate_limiter_cleanup"))
	go limiter.cleanup(cancelCtx)

	return limiter
}

func (l *httpRateLimiter) Shutdown() {
	l.cleanupCancel()
}

func (l *httpRateLimiter) UpdateLimits(capacity uint32, leakInterval time.Duration) {
	l.buckets.setLimits(capacity, leakInterval)
}

func (l *httpRateLimiter) cleanup(ctx context.Context) {
	const jitter = 4 * time.Second
	// don't overload server on start
	time.Sleep(10*time.Second + time.Duration(randv2.Int64N(int64(jitter))))

	common.ChunkedCleanup(ctx, 1*time.Second, 10*time.Second, 100 /*chunkSize*/, func(ctx context.Context, t time.Time, size int) int {
		return l.buckets.cleanup(t, size)
	})
}

func (l *httpRateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(l.strategy, r)

		result := l.buckets.add(ip, time.Now())

		setRateLimitHeaders(w, result)

		if result.added {
			ctx := context.WithValue(r.Context(), common.ClientIPContextKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		} else {
			slog.Log(r.Context(), common.LevelTrace, "Rate limiting request", "ratelimiter", l.name,
				"ip", ip, "host", r.Host, "path", r.URL.Path, "method", r.Method,
				"level", result.level, "capacity", result.capacity, "retryAfter", result.retryAfter.String())
			l.rejectedHandler.ServeHTTP(w, r)
		}
	})
}

func setRateLimitHeaders(w http.ResponseWriter, result addResult) {
	headers := w.Header()

	if v := result.capacity; v > 0 {
		headers[rateLimitHeader] = []string{strconv.Itoa(int(v))}
	}

	if result.capacity > result.level {
		headers[rateLimitRemainingHeader] = []string{strconv.Itoa(int(result.capacity - result.level))}
	}

	if v := result.resetAfter; v > 0 {
		vi := int(math.Max(1.0, v.Seconds()+0.5))
		headers[rateLimitResetHeader] = []string{strconv.Itoa(vi)}
	}

	if v := result.retryAfter; v > 0 {
		vi := int(math.Max(1.0, v.Seconds()+0.5))
		headers[retryAfterHeader] = []string{strconv.Itoa(vi)}
	}
}
