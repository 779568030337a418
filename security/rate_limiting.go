package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// Recorder counts rejected requests.
type Recorder interface {
	TrackRateLimited()
}

type nopRecorder struct{}

func (nopRecorder) TrackRateLimited() {}

// RateLimiter is a fixed-window request counter kept in Redis, shared by
// every instance of the service.
type RateLimiter struct {
	redis    *redis.Client
	limit    int
	window   time.Duration
	recorder Recorder
	log      *slog.Logger
}

type Option func(*RateLimiter)

func WithRecorder(rec Recorder) Option {
	return func(r *RateLimiter) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *RateLimiter) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, opts ...Option) *RateLimiter {
	r := &RateLimiter{
		redis:    redisClient,
		limit:    limit,
		window:   window,
		recorder: nopRecorder{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func rateKey(id string) string {
	return fmt.Sprintf("ratelimit:%s", id)
}

// Allow counts one request for id and reports whether it is within the
// limit for the current window.
func (r *RateLimiter) Allow(ctx context.Context, id string) (bool, error) {
	key := rateKey(id)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(r.limit), nil
}

// Limit rejects requests above the limit with 429. Authenticated callers are
// counted per user, the rest per client IP. Redis failures let the request
// through.
func (r *RateLimiter) Limit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if r.limit <= 0 {
			return e.Next()
		}

		var id string
		if e.Auth != nil {
			id = "user:" + e.Auth.Id
		} else {
			id = "ip:" + e.RealIP()
		}

		ok, err := r.Allow(e.Request.Context(), id)
		if err != nil {
			r.log.Warn("rate limiter unavailable", "id", id, "error", err)
			return e.Next()
		}
		if !ok {
			r.recorder.TrackRateLimited()
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

// AntiBot rejects clients that announce themselves as crawlers.
func (r *RateLimiter) AntiBot() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return apis.NewForbiddenError("Access denied", nil)
		}
		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
