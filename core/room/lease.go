package room

import (
	"context"
	"time"
)

// Lease 房间归属租约
// 多实例部署时同一房间只允许持有租约的实例运行 actor
type Lease interface {
	// Acquire 尝试获取租约，返回当前持有者；已由 owner 持有时续期
	Acquire(ctx context.Context, slug, owner string, ttl time.Duration) (string, error)
	// Renew 仅在 owner 仍持有租约时续期
	Renew(ctx context.Context, slug, owner string, ttl time.Duration) (bool, error)
	// Release 仅在 owner 仍持有租约时释放
	Release(ctx context.Context, slug, owner string) error
}

// Forwarder 实例间请求转发，非持有实例把房间操作发给持有实例执行
type Forwarder interface {
	// Serve 开始接收发往 instanceID 的请求，ctx 结束后停止
	Serve(ctx context.Context, instanceID string, handle func(ctx context.Context, req []byte) []byte) error
	// Forward 发送请求并等待响应；对端不在线时返回 model.ErrUnavailable
	Forward(ctx context.Context, instanceID string, req []byte) ([]byte, error)
}

var (
	_ Forwarder = (*LocalRelay)(nil)
	_ Forwarder = (*RedisRelay)(nil)
	_ Forwarder = (*NatsRelay)(nil)
)
