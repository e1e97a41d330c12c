package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	roomViewKey = "room:%s:view" // String: 房间视图 JSON
	roomViewTTL = 24 * time.Hour
)

// RoomCache 房间视图镜像
// 持有房间的实例在每次变更后写入，其它实例的只读查询直接读取
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache 创建房间缓存
func NewRoomCache(client *redis.Client) *RoomCache {
	return &RoomCache{client: client}
}

// SetView 写入房间视图
// 只在版本号更大时覆盖，避免乱序写入回退
func (c *RoomCache) SetView(ctx context.Context, slug string, version uint64, view []byte) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	key := fmt.Sprintf(roomViewKey, slug)
	versionKey := key + ":version"

	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, versionKey).Uint64()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil && cur >= version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, view, roomViewTTL)
			pipe.Set(ctx, versionKey, version, roomViewTTL)
			return nil
		})
		return err
	}, versionKey)
}

// GetView 读取房间视图，不存在时返回 nil, nil
func (c *RoomCache) GetView(ctx context.Context, slug string) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	data, err := c.client.Get(ctx, fmt.Sprintf(roomViewKey, slug)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// DeleteView 房间驱逐时删除镜像
func (c *RoomCache) DeleteView(ctx context.Context, slug string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	key := fmt.Sprintf(roomViewKey, slug)
	return c.client.Del(ctx, key, key+":version").Err()
}
