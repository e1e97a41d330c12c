package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
)

const roomLeaseKey = "room:%s:owner" // String: 持有房间 actor 的实例ID

// 仅当值等于 owner 时续期 / 删除
var (
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RoomLease 基于 Redis SET NX PX 的房间归属租约
type RoomLease struct {
	client *redis.Client
}

// NewRoomLease 创建房间租约
func NewRoomLease(client *redis.Client) *RoomLease {
	return &RoomLease{client: client}
}

// Acquire 获取租约，返回当前持有者
func (l *RoomLease) Acquire(ctx context.Context, slug, owner string, ttl time.Duration) (string, error) {
	if l.client == nil {
		return "", fmt.Errorf("Redis client not initialized")
	}
	key := fmt.Sprintf(roomLeaseKey, slug)

	// 持有者恰好在 SETNX 与 GET 之间过期时重试
	for i := 0; i < 3; i++ {
		ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			return owner, nil
		}
		holder, err := l.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read lease holder: %w", err)
		}
		if holder == owner {
			if _, err := l.Renew(ctx, slug, owner, ttl); err != nil {
				return "", err
			}
		}
		return holder, nil
	}
	return "", fmt.Errorf("lease for %s kept changing hands", slug)
}

// Renew 续期，租约已不属于 owner 时返回 false
func (l *RoomLease) Renew(ctx context.Context, slug, owner string, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}
	n, err := renewLeaseScript.Run(ctx, l.client, []string{fmt.Sprintf(roomLeaseKey, slug)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

// Release 释放租约
func (l *RoomLease) Release(ctx context.Context, slug, owner string) error {
	if l.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	if err := releaseLeaseScript.Run(ctx, l.client, []string{fmt.Sprintf(roomLeaseKey, slug)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryRoomLease 进程内租约，多个 Store 共用一个实例时模拟多实例部署
type MemoryRoomLease struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	leases map[string]memoryLease
}

// NewMemoryRoomLease 创建内存租约
func NewMemoryRoomLease(clock clockwork.Clock) *MemoryRoomLease {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRoomLease{clock: clock, leases: make(map[string]memoryLease)}
}

func (l *MemoryRoomLease) Acquire(ctx context.Context, slug, owner string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	cur, ok := l.leases[slug]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return cur.owner, nil
	}
	l.leases[slug] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return owner, nil
}

func (l *MemoryRoomLease) Renew(ctx context.Context, slug, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	cur, ok := l.leases[slug]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return false, nil
	}
	l.leases[slug] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryRoomLease) Release(ctx context.Context, slug, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[slug]; ok && cur.owner == owner {
		delete(l.leases, slug)
	}
	return nil
}

// Holder 当前持有者，没有有效租约时返回空
func (l *MemoryRoomLease) Holder(slug string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[slug]
	if !ok || !l.clock.Now().Before(cur.expires) {
		return ""
	}
	return cur.owner
}
