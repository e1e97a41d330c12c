package room

import (
	"context"
	"fmt"
	"sync"

	"YoYoMusic/model"
)

// Relay 房间消息中继
// 同一房间的消息必须按发布顺序投递
type Relay interface {
	// Start 开始接收所有房间的消息，deliver 在中继协程中被串行调用
	Start(ctx context.Context, deliver func(Envelope)) error
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// LocalRelay 进程内中继，单实例部署时使用
// 同一进程内的多个 Store 可共用一个 LocalRelay 相互转发
type LocalRelay struct {
	mu       sync.RWMutex
	deliver  func(Envelope)
	handlers map[string]func(ctx context.Context, req []byte) []byte
}

// NewLocalRelay 创建进程内中继
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{handlers: make(map[string]func(ctx context.Context, req []byte) []byte)}
}

func (r *LocalRelay) Start(ctx context.Context, deliver func(Envelope)) error {
	r.mu.Lock()
	r.deliver = deliver
	r.mu.Unlock()
	return nil
}

// Publish 在调用方协程中直接投递
func (r *LocalRelay) Publish(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	deliver := r.deliver
	r.mu.RUnlock()
	if deliver != nil {
		deliver(env)
	}
	return nil
}

// Serve 登记本实例的处理函数，ctx 结束后注销
func (r *LocalRelay) Serve(ctx context.Context, instanceID string, handle func(ctx context.Context, req []byte) []byte) error {
	r.mu.Lock()
	r.handlers[instanceID] = handle
	r.mu.Unlock()
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.handlers, instanceID)
		r.mu.Unlock()
	}()
	return nil
}

// Forward 在调用方协程中直接调用目标实例的处理函数
func (r *LocalRelay) Forward(ctx context.Context, instanceID string, req []byte) ([]byte, error) {
	r.mu.RLock()
	handle, ok := r.handlers[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("instance %s not registered: %w", instanceID, model.ErrUnavailable)
	}
	return handle(ctx, req), nil
}

func (r *LocalRelay) Close() error {
	r.mu.Lock()
	r.deliver = nil
	r.mu.Unlock()
	return nil
}
