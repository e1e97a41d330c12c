package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"YoYoMusic/logger"
	"YoYoMusic/model"
)

const (
	natsSubjectPrefix = "rooms.events."
	natsRPCPrefix     = "rooms.rpc." // rooms.rpc.{instance}，请求-响应转发房间操作
)

// NatsRelay 基于 NATS 的跨实例中继，主题 rooms.events.{slug}
type NatsRelay struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	rpcSub *nats.Subscription
}

// ConnectNats 建立 NATS 连接
func ConnectNats(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("yoyo-room-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", logger.ErrorField(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", logger.ErrorField(err))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNatsRelay 创建 NATS 中继
func NewNatsRelay(nc *nats.Conn) *NatsRelay {
	return &NatsRelay{nc: nc}
}

// Start 订阅所有房间主题；Flush 保证服务端已登记订阅
func (r *NatsRelay) Start(ctx context.Context, deliver func(Envelope)) error {
	sub, err := r.nc.Subscribe(natsSubjectPrefix+"*", func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Warn("Dropping malformed relay message",
				logger.String("subject", msg.Subject),
				logger.ErrorField(err))
			return
		}
		deliver(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe room events: %w", err)
	}
	if err := r.nc.FlushTimeout(5 * time.Second); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *NatsRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.nc.Publish(natsSubjectPrefix+env.RoomSlug, data)
}

// Serve 订阅本实例的转发主题，每个请求在独立协程中处理
func (r *NatsRelay) Serve(ctx context.Context, instanceID string, handle func(ctx context.Context, req []byte) []byte) error {
	sub, err := r.nc.Subscribe(natsRPCPrefix+instanceID, func(msg *nats.Msg) {
		go func() {
			reqCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
			defer cancel()
			if err := msg.Respond(handle(reqCtx, msg.Data)); err != nil {
				logger.Warn("Reply forwarded request failed", logger.ErrorField(err))
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe room rpc: %w", err)
	}
	if err := r.nc.FlushTimeout(5 * time.Second); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flush rpc subscription: %w", err)
	}
	r.rpcSub = sub
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// Forward 请求-响应；持有实例不在线时 NATS 直接返回 no responders
func (r *NatsRelay) Forward(ctx context.Context, instanceID string, req []byte) ([]byte, error) {
	msg, err := r.nc.RequestWithContext(ctx, natsRPCPrefix+instanceID, req)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, errors.Join(model.ErrUnavailable, err)
		}
		return nil, err
	}
	return msg.Data, nil
}

func (r *NatsRelay) Close() error {
	if r.rpcSub != nil {
		r.rpcSub.Unsubscribe()
	}
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			return err
		}
	}
	r.nc.Drain()
	return nil
}
