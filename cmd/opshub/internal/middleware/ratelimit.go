package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/auth"
)

// RateLimiter applies a fixed one-minute window per principal in Redis.
// Redis errors allow the request.
type RateLimiter struct {
	redis             redis.Cmdable
	logger            *zap.Logger
	requestsPerMinute int
	now               func() time.Time
}

func NewRateLimiter(rdb redis.Cmdable, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	return &RateLimiter{redis: rdb, logger: logger, requestsPerMinute: requestsPerMinute, now: time.Now}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "opshub:ratelimit:ip:" + clientIP(r)
		if user, err := auth.GetUserContext(r.Context()); err == nil {
			key = "opshub:ratelimit:user:" + user.UserID.String()
		}

		allowed, remaining, resetAt := rl.check(r.Context(), key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			rl.logger.Warn("Rate limit exceeded", zap.String("key", key), zap.String("path", r.URL.Path))
			retry := int(resetAt.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) check(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	window := rl.now().Truncate(time.Minute)
	resetAt = window.Add(time.Minute)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("Rate limit check failed, allowing request", zap.Error(err))
		return true, rl.requestsPerMinute, resetAt
	}

	count := incr.Val()
	remaining = rl.requestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.requestsPerMinute), remaining, resetAt
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
