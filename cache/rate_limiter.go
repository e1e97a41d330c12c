package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const rateLimitKey = "ratelimit:enqueue:%s:%s" // room slug, participant id

// RateLimitKey 入队限流键
func RateLimitKey(slug, participantID string) string {
	return fmt.Sprintf(rateLimitKey, slug, participantID)
}

// RedisRateLimiter Redis 滑动窗口限流
// 每个键一个 ZSET，分数为请求时间戳
type RedisRateLimiter struct {
	client *redis.Client
	clock  clockwork.Clock
}

// NewRedisRateLimiter 创建 Redis 限流器
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, clock: clockwork.NewRealClock()}
}

// Allow 记录一次请求，窗口内请求数不超过 limit 时放行
// limit <= 0 表示不限制
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	if l.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}

	now := l.clock.Now()
	score := float64(now.UnixMilli())
	floor := float64(now.Add(-window).UnixMilli())

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(floor, 'f', -1, 64))
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: uuid.NewString()})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit pipeline: %w", err)
	}
	return card.Val() <= int64(limit), nil
}

// memorySweepInterval 清理过期键的最小间隔
const memorySweepInterval = time.Minute

type memoryBucket struct {
	events []time.Time
	window time.Duration
}

// MemoryRateLimiter 单机滑动窗口限流，未配置 Redis 时使用
// 窗口内无请求的键在下一次清理时删除
type MemoryRateLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	buckets   map[string]*memoryBucket
	lastSweep time.Time
}

// NewMemoryRateLimiter 创建内存限流器
func NewMemoryRateLimiter(clock clockwork.Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRateLimiter{
		clock:     clock,
		buckets:   make(map[string]*memoryBucket),
		lastSweep: clock.Now(),
	}
}

// Allow 语义与 RedisRateLimiter 一致：被拒绝的请求同样计入窗口
func (l *MemoryRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastSweep) >= memorySweepInterval {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &memoryBucket{}
		l.buckets[key] = b
	}
	b.window = window
	b.events = pruneBefore(b.events, now.Add(-window))
	b.events = append(b.events, now)
	return len(b.events) <= limit, nil
}

// sweep 删除最后一次请求已滑出窗口的键
func (l *MemoryRateLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if len(b.events) == 0 || !b.events[len(b.events)-1].After(now.Add(-b.window)) {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// pruneBefore 原地保留 floor 之后的时间戳
func pruneBefore(events []time.Time, floor time.Time) []time.Time {
	kept := events[:0]
	for _, ts := range events {
		if ts.After(floor) {
			kept = append(kept, ts)
		}
	}
	return kept
}
