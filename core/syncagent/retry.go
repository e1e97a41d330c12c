package syncagent

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRetryInterval 默认重连间隔
const DefaultRetryInterval = 3 * time.Second

// RetryPolicy 重连策略：固定间隔，MaxAttempts 为 0 时不限次数
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       clockwork.Clock

	// Retryable 为空时所有错误都重试
	Retryable func(error) bool
}

// DefaultRetryPolicy 3 秒间隔、无限重试
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: DefaultRetryInterval}
}

func (p RetryPolicy) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

// Run 反复执行 op 直到成功、ctx 取消或次数用尽
// 每次失败后等待 Interval 再重试
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	clock := p.clock()

	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		timer := clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}
