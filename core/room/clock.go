package room

import (
	"fmt"

	"github.com/jonboulle/clockwork"

	"YoYoMusic/model"
)

// PlaybackClock 房间的权威播放时钟
// 只在房间 actor 协程中访问
type PlaybackClock struct {
	clock clockwork.Clock
	state model.PlaybackState
}

// NewPlaybackClock 创建空闲状态的时钟
func NewPlaybackClock(clock clockwork.Clock) *PlaybackClock {
	return &PlaybackClock{
		clock: clock,
		state: model.IdlePlayback(),
	}
}

// now 返回服务器毫秒时间，保证单调不减
func (c *PlaybackClock) now() int64 {
	ms := c.clock.Now().UnixMilli()
	if ms < c.state.UpdatedAt {
		return c.state.UpdatedAt
	}
	return ms
}

func clampPosition(positionMs int64) int64 {
	if positionMs < 0 {
		return 0
	}
	return positionMs
}

// Play 从指定位置播放当前歌曲
// songID 必须是房间当前的 playing 条目
func (c *PlaybackClock) Play(songID string, positionMs int64) error {
	if c.state.CurrentSongID == nil || *c.state.CurrentSongID != songID {
		return fmt.Errorf("play %q: %w", songID, model.ErrInvalidSong)
	}
	c.state.Status = model.PlaybackPlaying
	c.state.PositionMs = clampPosition(positionMs)
	c.state.UpdatedAt = c.now()
	return nil
}

// Pause 暂停，位置以上报客户端为准
func (c *PlaybackClock) Pause(positionMs int64) error {
	if c.state.Status == model.PlaybackIdle {
		return fmt.Errorf("pause while idle: %w", model.ErrInvalidSong)
	}
	c.state.Status = model.PlaybackPaused
	c.state.PositionMs = clampPosition(positionMs)
	c.state.UpdatedAt = c.now()
	return nil
}

// SeekTo 跳转，保持当前播放/暂停状态
func (c *PlaybackClock) SeekTo(positionMs int64) error {
	if c.state.Status == model.PlaybackIdle {
		return fmt.Errorf("seek while idle: %w", model.ErrInvalidSong)
	}
	c.state.PositionMs = clampPosition(positionMs)
	c.state.UpdatedAt = c.now()
	return nil
}

// load 切换到新歌曲并从 0 开始播放
func (c *PlaybackClock) load(songID string) {
	id := songID
	c.state.CurrentSongID = &id
	c.state.Status = model.PlaybackPlaying
	c.state.PositionMs = 0
	c.state.UpdatedAt = c.now()
}

// stop 队列播完，回到空闲
func (c *PlaybackClock) stop() {
	c.state.CurrentSongID = nil
	c.state.Status = model.PlaybackIdle
	c.state.PositionMs = 0
	c.state.UpdatedAt = c.now()
}

// Snapshot 返回状态副本，无副作用
func (c *PlaybackClock) Snapshot() model.PlaybackState {
	s := c.state
	if s.CurrentSongID != nil {
		id := *s.CurrentSongID
		s.CurrentSongID = &id
	}
	return s
}

// Position 当前时刻外推的位置
func (c *PlaybackClock) Position(durationMs *int64) int64 {
	return c.state.PositionAt(c.clock.Now().UnixMilli(), durationMs)
}
