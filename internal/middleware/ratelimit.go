package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/congo-pay/autopool/internal/auth"
)

// WriteRateLimit limits unsafe requests per authenticated account (or IP)
// to maxPerMin. With Redis the window is shared across instances; without
// it each process keeps its own token buckets.
func WriteRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	local := newLocalLimiter(maxPerMin)
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}
		id := auth.AccountID(c)
		if id == "" {
			id = c.IP()
		}

		if cache == nil {
			if !local.allow(id) {
				return tooMany(c, time.Minute)
			}
			return c.Next()
		}

		window := time.Now().UTC().Truncate(time.Minute)
		key := "rl:write:" + id + ":" + strconv.FormatInt(window.Unix(), 10)
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return tooMany(c, window.Add(time.Minute).Sub(time.Now().UTC()))
		}
		return c.Next()
	}
}

func tooMany(c *fiber.Ctx, retryAfter time.Duration) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds())+1))
	return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
}

type localLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newLocalLimiter(perMin int) *localLimiter {
	return &localLimiter{perMin: perMin, limiters: make(map[string]*rate.Limiter)}
}

func (l *localLimiter) allow(id string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60), l.perMin)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
