package rate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/authguard/internal/util/clock"
	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"
)

// slidingWindowScript: evict + count + record atómico en el servidor.
// Scores en milisegundos. Retorna {allowed, hits, oldestScore}.
var slidingWindowScript = rdb.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max    = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// RedisLimiter: ventana deslizante sobre un ZSET por key.
type RedisLimiter struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration
	Clock  clock.Clock
}

func NewRedisLimiter(client *rdb.Client, prefix string, max int, window time.Duration, clk clock.Clock) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{
		Client: client,
		Prefix: prefix,
		Max:    int64(max),
		Window: window,
		Clock:  clock.OrSystem(clk),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.Clock.Now()
	nowMs := now.UnixMilli()
	redisKey := l.Prefix + strings.ReplaceAll(key, " ", "_")
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	vals, err := slidingWindowScript.Run(ctx, l.Client, []string{redisKey},
		nowMs, l.Window.Milliseconds(), l.Max, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate: redis allow: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate: unexpected script reply %v", vals)
	}

	res := Result{Allowed: vals[0] == 1, CurrentHits: vals[1]}
	if res.Allowed {
		res.Remaining = l.Max - res.CurrentHits
		return res, nil
	}
	res.RetryAfter = retryAfter(time.UnixMilli(vals[2]), l.Window, now)
	return res, nil
}
