package model

// PlaybackStatus 播放状态
type PlaybackStatus string

const (
	PlaybackIdle    PlaybackStatus = "idle"
	PlaybackPlaying PlaybackStatus = "playing"
	PlaybackPaused  PlaybackStatus = "paused"
)

// PlaybackState 房间播放时钟快照
// PositionMs 是 UpdatedAt 时刻的播放位置，客户端据此外推当前位置
type PlaybackState struct {
	Status        PlaybackStatus `json:"status"`
	CurrentSongID *string        `json:"current_song_id"`
	PositionMs    int64          `json:"position_ms"`
	UpdatedAt     int64          `json:"updated_at"` // 服务器时间戳（毫秒）
	Speed         float64        `json:"speed"`
}

// IdlePlayback 返回空闲房间的初始播放状态
func IdlePlayback() PlaybackState {
	return PlaybackState{
		Status: PlaybackIdle,
		Speed:  1.0,
	}
}

// PositionAt 计算 nowMs 时刻应显示的播放位置
// 播放中: position + (now - updated_at) * speed，限制在 [0, duration]
// 暂停或空闲: 原样返回 position
func (s PlaybackState) PositionAt(nowMs int64, durationMs *int64) int64 {
	pos := s.PositionMs
	if s.Status == PlaybackPlaying {
		speed := s.Speed
		if speed <= 0 {
			speed = 1.0
		}
		elapsed := nowMs - s.UpdatedAt
		if elapsed > 0 {
			pos += int64(float64(elapsed) * speed)
		}
	}
	if pos < 0 {
		pos = 0
	}
	if durationMs != nil && *durationMs >= 0 && pos > *durationMs {
		pos = *durationMs
	}
	return pos
}

// SongID 返回当前歌曲ID，空闲时为空字符串
func (s PlaybackState) SongID() string {
	if s.CurrentSongID == nil {
		return ""
	}
	return *s.CurrentSongID
}
