package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimit 与 RateLimit 行为一致，但计数放在 Redis 的固定窗口键里，
// 进程重启不清零，多实例共享同一份额度。Redis 不可用时放行，限流不应
// 成为单点。
func RedisRateLimit(client *redis.Client, maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	if client == nil || maxRequests <= 0 || window <= 0 {
		return passthrough
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "droppack:ratelimit:" + clientKey(r)

			pipe := client.TxPipeline()
			count := pipe.Incr(r.Context(), key)
			pipe.Expire(r.Context(), key, window)
			if _, err := pipe.Exec(r.Context()); err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if count.Val() > int64(maxRequests) {
				retryAfter := strconv.Itoa(int(window.Seconds()))
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
