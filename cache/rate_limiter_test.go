package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemoryRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewMemoryRateLimiter(clock)
	key := RateLimitKey("ABC123", "p1")

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, key, 5, 30*time.Second)
		if err != nil || !ok {
			t.Fatalf("request %d: allowed=%v err=%v", i, ok, err)
		}
		clock.Advance(time.Second)
	}
	if ok, _ := l.Allow(ctx, key, 5, 30*time.Second); ok {
		t.Fatal("6th request inside window should be rejected")
	}

	// 其它参与者不受影响
	if ok, _ := l.Allow(ctx, RateLimitKey("ABC123", "p2"), 5, 30*time.Second); !ok {
		t.Fatal("other key should be allowed")
	}

	clock.Advance(31 * time.Second)
	if ok, _ := l.Allow(ctx, key, 5, 30*time.Second); !ok {
		t.Fatal("request after window should be allowed")
	}
}

func TestMemoryRateLimiterDisabled(t *testing.T) {
	l := NewMemoryRateLimiter(clockwork.NewFakeClock())
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(context.Background(), "k", 0, time.Second); !ok {
			t.Fatal("limit 0 should never reject")
		}
	}
}

func TestMemoryRateLimiterDropsIdleKeys(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewMemoryRateLimiter(clock)

	for i := 0; i < 50; i++ {
		l.Allow(ctx, RateLimitKey("ABC123", fmt.Sprintf("p%d", i)), 5, 10*time.Second)
	}
	if got := len(l.buckets); got != 50 {
		t.Fatalf("buckets = %d, want 50", got)
	}

	// 窗口过后下一次请求触发清理，只剩当前键
	clock.Advance(memorySweepInterval)
	if ok, _ := l.Allow(ctx, RateLimitKey("ABC123", "fresh"), 5, 10*time.Second); !ok {
		t.Fatal("fresh key should be allowed")
	}
	if got := len(l.buckets); got != 1 {
		t.Fatalf("buckets after sweep = %d, want 1", got)
	}

	// 仍在窗口内的键不清理
	l.Allow(ctx, RateLimitKey("ABC123", "long"), 5, 2*memorySweepInterval)
	clock.Advance(memorySweepInterval)
	l.Allow(ctx, RateLimitKey("ABC123", "other"), 5, 10*time.Second)
	if _, ok := l.buckets[RateLimitKey("ABC123", "long")]; !ok {
		t.Fatal("key still inside its window was dropped")
	}
}
