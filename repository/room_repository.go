package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"YoYoMusic/model"
)

// RoomRepository 房间元数据访问接口
// 查询不到时返回 nil, nil
type RoomRepository interface {
	Create(ctx context.Context, room *model.Room) error
	GetBySlug(ctx context.Context, slug string) (*model.Room, error)
	ExistsBySlug(ctx context.Context, slug string) (bool, error)
	UpdateSettings(ctx context.Context, slug string, settings model.RoomSettings) error
	SetActive(ctx context.Context, slug string, active bool) error
}

// gormRoomRepository GORM 实现
type gormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GORM 房间仓库
func NewGormRoomRepository(db *gorm.DB) RoomRepository {
	return &gormRoomRepository{db: db}
}

// Create 创建房间
func (r *gormRoomRepository) Create(ctx context.Context, room *model.Room) error {
	return r.db.WithContext(ctx).Create(room).Error
}

// GetBySlug 根据短码获取活跃房间
func (r *gormRoomRepository) GetBySlug(ctx context.Context, slug string) (*model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).
		Where("slug = ? AND active = ?", slug, true).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// ExistsBySlug 检查短码是否已被占用（含已关闭房间）
func (r *gormRoomRepository) ExistsBySlug(ctx context.Context, slug string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Room{}).
		Where("slug = ?", slug).
		Count(&count).Error
	return count > 0, err
}

// UpdateSettings 更新房间设置
func (r *gormRoomRepository) UpdateSettings(ctx context.Context, slug string, settings model.RoomSettings) error {
	return r.db.WithContext(ctx).Model(&model.Room{}).
		Where("slug = ?", slug).
		Update("settings", settings).Error
}

// SetActive 开启或关闭房间
func (r *gormRoomRepository) SetActive(ctx context.Context, slug string, active bool) error {
	return r.db.WithContext(ctx).Model(&model.Room{}).
		Where("slug = ?", slug).
		Update("active", active).Error
}
