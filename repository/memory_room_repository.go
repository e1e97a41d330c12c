package repository

import (
	"context"
	"fmt"
	"sync"

	"YoYoMusic/model"
)

// memoryRoomRepository 内存实现，用于测试和单机部署
type memoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string]*model.Room // slug -> room
}

// NewMemoryRoomRepository 创建内存房间仓库
func NewMemoryRoomRepository() RoomRepository {
	return &memoryRoomRepository{rooms: make(map[string]*model.Room)}
}

func (r *memoryRoomRepository) Create(ctx context.Context, room *model.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room.Slug]; ok {
		return fmt.Errorf("duplicate room slug %s", room.Slug)
	}
	cp := *room
	r.rooms[room.Slug] = &cp
	return nil
}

func (r *memoryRoomRepository) GetBySlug(ctx context.Context, slug string) (*model.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[slug]
	if !ok || !room.Active {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (r *memoryRoomRepository) ExistsBySlug(ctx context.Context, slug string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[slug]
	return ok, nil
}

func (r *memoryRoomRepository) UpdateSettings(ctx context.Context, slug string, settings model.RoomSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[slug]
	if !ok {
		return fmt.Errorf("room %s: %w", slug, model.ErrNotFound)
	}
	room.Settings = settings
	return nil
}

func (r *memoryRoomRepository) SetActive(ctx context.Context, slug string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[slug]
	if !ok {
		return fmt.Errorf("room %s: %w", slug, model.ErrNotFound)
	}
	room.Active = active
	return nil
}
