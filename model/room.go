package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// 房间设置键
const (
	SettingAutoPlay         = "auto_play"
	SettingVoteSkip         = "vote_skip"
	SettingMaxParticipants  = "max_participants"
	SettingEnqueueRateLimit = "enqueue_rate_limit"
	SettingEnqueueWindowSec = "enqueue_rate_window_sec"
	SettingHistoryLimit     = "history_limit"
)

// RoomSettings 房间设置
type RoomSettings struct {
	AutoPlay             bool `json:"auto_play" yaml:"auto_play"`
	VoteSkip             bool `json:"vote_skip" yaml:"vote_skip"`
	MaxParticipants      int  `json:"max_participants" yaml:"max_participants"`
	EnqueueRateLimit     int  `json:"enqueue_rate_limit" yaml:"enqueue_rate_limit"`
	EnqueueRateWindowSec int  `json:"enqueue_rate_window_sec" yaml:"enqueue_rate_window_sec"`
	HistoryLimit         int  `json:"history_limit" yaml:"history_limit"`
}

// DefaultRoomSettings 返回内置默认设置
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		AutoPlay:             true,
		VoteSkip:             true,
		MaxParticipants:      50,
		EnqueueRateLimit:     5,
		EnqueueRateWindowSec: 30,
		HistoryLimit:         200,
	}
}

// RateWindow 入队限流窗口
func (s RoomSettings) RateWindow() time.Duration {
	return time.Duration(s.EnqueueRateWindowSec) * time.Second
}

// Validate 检查数值范围，0 表示不限制
func (s RoomSettings) Validate() error {
	if s.MaxParticipants < 0 || s.EnqueueRateLimit < 0 || s.EnqueueRateWindowSec < 0 || s.HistoryLimit < 0 {
		return fmt.Errorf("room settings must not be negative: %w", ErrBadRequest)
	}
	return nil
}

// ApplySettings 将原始键值覆盖到 base 上
// 已知键类型错误返回 ErrBadRequest；未知键被忽略，按字典序返回
func ApplySettings(base RoomSettings, raw map[string]any) (RoomSettings, []string, error) {
	out := base
	var unknown []string
	for key, value := range raw {
		var err error
		switch key {
		case SettingAutoPlay:
			out.AutoPlay, err = settingBool(key, value)
		case SettingVoteSkip:
			out.VoteSkip, err = settingBool(key, value)
		case SettingMaxParticipants:
			out.MaxParticipants, err = settingInt(key, value)
		case SettingEnqueueRateLimit:
			out.EnqueueRateLimit, err = settingInt(key, value)
		case SettingEnqueueWindowSec:
			out.EnqueueRateWindowSec, err = settingInt(key, value)
		case SettingHistoryLimit:
			out.HistoryLimit, err = settingInt(key, value)
		default:
			unknown = append(unknown, key)
		}
		if err != nil {
			return base, nil, err
		}
	}
	sort.Strings(unknown)
	if err := out.Validate(); err != nil {
		return base, nil, err
	}
	return out, unknown, nil
}

func settingBool(key string, value any) (bool, error) {
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("setting %s must be a boolean: %w", key, ErrBadRequest)
	}
	return b, nil
}

func settingInt(key string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int(v), nil
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("setting %s must be an integer: %w", key, ErrBadRequest)
}

// Scan 实现 sql.Scanner 接口
func (s *RoomSettings) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*s = DefaultRoomSettings()
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported settings column type %T", value)
	}
	settings := DefaultRoomSettings()
	if len(bytes) > 0 && string(bytes) != "null" {
		if err := json.Unmarshal(bytes, &settings); err != nil {
			return err
		}
	}
	*s = settings
	return nil
}

// Value 实现 driver.Valuer 接口
func (s RoomSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Room 房间元数据
type Room struct {
	ID        string       `json:"id" gorm:"primaryKey;size:36"`
	Slug      string       `json:"slug" gorm:"uniqueIndex;size:8;not null"`
	Name      string       `json:"name" gorm:"size:100"`
	HostID    string       `json:"host_id" gorm:"size:36;index;not null"`
	Active    bool         `json:"active" gorm:"default:true;index"`
	Settings  RoomSettings `json:"settings" gorm:"type:json"`
	CreatedAt time.Time    `json:"created_at"`
}

// TableName 指定表名
func (Room) TableName() string {
	return "rooms"
}

// IsHost 判断参与者是否为房主
func (r *Room) IsHost(participantID string) bool {
	return participantID != "" && participantID == r.HostID
}
