package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"YoYoMusic/logger"
	"YoYoMusic/model"
)

const (
	redisChannelPrefix = "room_events:"
	redisRPCPrefix     = "room_rpc:"       // room_rpc:{instance}
	redisReplyPrefix   = "room_rpc_reply:" // 每个转发请求一个临时回复频道
)

// RedisRelay 基于 Redis Pub/Sub 的跨实例中继
// 频道 room_events:{slug}，每个实例用模式订阅接收全部房间
type RedisRelay struct {
	client *redis.Client
	pubsub *redis.PubSub
	rpc    *redis.PubSub
}

// rpcFrame Pub/Sub 没有请求-响应语义，请求里带上回复频道
type rpcFrame struct {
	ReplyTo string `json:"reply_to"`
	Body    []byte `json:"body"`
}

// NewRedisRelay 创建 Redis 中继
func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

// Start 订阅成功后返回，随后在后台协程中投递
func (r *RedisRelay) Start(ctx context.Context, deliver func(Envelope)) error {
	r.pubsub = r.client.PSubscribe(ctx, redisChannelPrefix+"*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.pubsub.Close()
		return fmt.Errorf("subscribe room events: %w", err)
	}

	ch := r.pubsub.Channel()
	go func() {
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("Dropping malformed relay message",
					logger.String("channel", msg.Channel),
					logger.ErrorField(err))
				continue
			}
			if env.RoomSlug == "" {
				env.RoomSlug = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			}
			deliver(env)
		}
	}()
	return nil
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisChannelPrefix+env.RoomSlug, data).Err()
}

// Serve 订阅本实例的转发频道，处理结果发布到请求指定的回复频道
func (r *RedisRelay) Serve(ctx context.Context, instanceID string, handle func(ctx context.Context, req []byte) []byte) error {
	r.rpc = r.client.Subscribe(ctx, redisRPCPrefix+instanceID)
	if _, err := r.rpc.Receive(ctx); err != nil {
		r.rpc.Close()
		return fmt.Errorf("subscribe room rpc: %w", err)
	}

	ch := r.rpc.Channel()
	go func() {
		for msg := range ch {
			var frame rpcFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil || frame.ReplyTo == "" {
				logger.Warn("Dropping malformed forwarded request", logger.String("channel", msg.Channel))
				continue
			}
			go func() {
				reqCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
				defer cancel()
				resp := handle(reqCtx, frame.Body)
				if err := r.client.Publish(reqCtx, frame.ReplyTo, resp).Err(); err != nil {
					logger.Warn("Reply forwarded request failed", logger.ErrorField(err))
				}
			}()
		}
	}()
	return nil
}

// Forward 先订阅回复频道再发布请求；没有订阅者说明持有实例已下线
func (r *RedisRelay) Forward(ctx context.Context, instanceID string, req []byte) ([]byte, error) {
	replyTo := redisReplyPrefix + uuid.NewString()
	sub := r.client.Subscribe(ctx, replyTo)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}

	data, err := json.Marshal(rpcFrame{ReplyTo: replyTo, Body: req})
	if err != nil {
		return nil, err
	}
	n, err := r.client.Publish(ctx, redisRPCPrefix+instanceID, data).Result()
	if err != nil {
		return nil, fmt.Errorf("publish forwarded request: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("instance %s not listening: %w", instanceID, model.ErrUnavailable)
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, fmt.Errorf("reply channel closed: %w", model.ErrUnavailable)
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, errors.Join(model.ErrUnavailable, ctx.Err())
	}
}

func (r *RedisRelay) Close() error {
	if r.rpc != nil {
		r.rpc.Close()
	}
	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}
