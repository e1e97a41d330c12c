package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"YoYoMusic/core/room"
	"YoYoMusic/logger"
	"YoYoMusic/model"
)

// DefaultTickInterval 播放位置外推间隔
const DefaultTickInterval = 250 * time.Millisecond

// State 客户端视角的房间状态
type State struct {
	Playback         model.PlaybackState `json:"playback"`
	NowPlaying       *model.QueueSong    `json:"now_playing"`
	Queue            []model.QueueSong   `json:"queue"`
	ParticipantCount int                 `json:"participant_count"`
	Votes            room.VoteTally      `json:"votes"`
	Settings         model.RoomSettings  `json:"settings"`
	Version          uint64              `json:"version"`
	PositionMs       int64               `json:"position_ms"`
	Connected        bool                `json:"connected"`
}

// Config 同步代理配置
type Config struct {
	Slug         string
	Fetcher      Fetcher
	Dialer       Dialer
	Retry        RetryPolicy
	Clock        clockwork.Clock
	TickInterval time.Duration

	// OnChange 状态变化（包括位置外推）时回调，不持有内部锁
	OnChange func(State)
}

// Agent 客户端同步代理
// 连接后先全量拉取，再应用版本更新的推送；播放中按固定间隔外推位置
type Agent struct {
	slug     string
	fetcher  Fetcher
	dialer   Dialer
	retry    RetryPolicy
	clock    clockwork.Clock
	tick     time.Duration
	onChange func(State)

	mu       sync.Mutex
	state    State
	tickGen  uint64
	stopTick context.CancelFunc
}

// New 创建同步代理
func New(cfg Config) *Agent {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	retry := cfg.Retry
	if retry.Clock == nil {
		retry.Clock = clock
	}
	if retry.Retryable == nil {
		retry.Retryable = isTransient
	}
	return &Agent{
		slug:     cfg.Slug,
		fetcher:  cfg.Fetcher,
		dialer:   cfg.Dialer,
		retry:    retry,
		clock:    clock,
		tick:     tick,
		onChange: cfg.OnChange,
		state:    State{Playback: model.IdlePlayback()},
	}
}

// isTransient 房间不存在或令牌无效时不再重连
func isTransient(err error) bool {
	return !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrForbidden)
}

// Run 保持与房间同步，直到 ctx 取消或遇到不可重试的错误
func (a *Agent) Run(ctx context.Context) error {
	err := a.retry.Run(ctx, func(ctx context.Context, attempt int) error {
		err := a.session(ctx)
		a.disconnected()
		if err != nil && ctx.Err() == nil {
			logger.Warn("Room sync connection lost",
				logger.String("room", a.slug),
				logger.Int("attempt", attempt),
				logger.ErrorField(err))
		}
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// session 一次连接：拨号、全量拉取、读取推送直到断开
func (a *Agent) session(ctx context.Context) error {
	conn, err := a.dialer.Dial(ctx, a.slug)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	// 先订阅再拉取，拉取期间的推送留在连接里，按版本过滤
	view, err := a.fetcher.FetchRoom(ctx, a.slug)
	if err != nil {
		return err
	}
	a.applyFetched(view)
	logger.Info("Room state synced",
		logger.String("room", a.slug),
		logger.Uint64("version", view.Version))

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read room %s: %v: %w", a.slug, err, model.ErrTransientDisconnect)
		}
		a.handleFrame(data)
	}
}

// handleFrame 服务端可能把多条消息合并到一帧
func (a *Agent) handleFrame(data []byte) {
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var msg room.Message
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF {
				logger.Warn("Invalid push frame", logger.String("room", a.slug), logger.ErrorField(err))
			}
			return
		}
		a.handleMessage(&msg)
	}
}

func (a *Agent) handleMessage(msg *room.Message) {
	if msg.RoomSlug != a.slug {
		return
	}

	switch msg.Type {
	case room.MsgTypePong:
		return
	case room.MsgTypeError:
		var data room.ErrorData
		json.Unmarshal(msg.Data, &data)
		logger.Warn("Room rejected request",
			logger.String("room", a.slug),
			logger.String("code", data.Code),
			logger.String("message", data.Message))
		return
	}

	a.mu.Lock()
	if msg.Version <= a.state.Version {
		a.mu.Unlock()
		return
	}
	if err := a.applyLocked(msg); err != nil {
		a.mu.Unlock()
		logger.Warn("Invalid push message",
			logger.String("room", a.slug),
			logger.String("type", string(msg.Type)),
			logger.ErrorField(err))
		return
	}
	a.state.Version = msg.Version
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snap)
}

// applyLocked 解码并应用一条推送，解码失败时不修改状态
func (a *Agent) applyLocked(msg *room.Message) error {
	switch msg.Type {
	case room.MsgTypePlaybackUpdate:
		var pb model.PlaybackState
		if err := json.Unmarshal(msg.Data, &pb); err != nil {
			return err
		}
		a.setPlaybackLocked(pb)

	case room.MsgTypeQueueUpdate:
		var q model.QueueSnapshot
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			return err
		}
		a.state.NowPlaying = q.NowPlaying
		a.state.Queue = q.Queue
		a.state.PositionMs = a.positionLocked()

	case room.MsgTypeParticipantJoined, room.MsgTypeParticipantLeft:
		var c room.CountData
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return err
		}
		a.state.ParticipantCount = c.Count

	case room.MsgTypeVoteUpdate:
		var t room.VoteTally
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return err
		}
		a.state.Votes = t

	case room.MsgTypeSettingsUpdate:
		var s model.RoomSettings
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			return err
		}
		a.state.Settings = s

	case room.MsgTypeRoomSnapshot:
		var v room.View
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return err
		}
		a.applyViewLocked(&v)

	// 服务端随后断开连接，重连时得到 not_found 后停止
	case room.MsgTypeRoomClosed:
		var v room.View
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return err
		}
		a.applyViewLocked(&v)
		logger.Info("Room closed by host", logger.String("room", a.slug))
	}
	return nil
}

// applyFetched 全量拉取的结果无条件覆盖本地状态
// 房间被驱逐后重新加载时版本号会从头开始
func (a *Agent) applyFetched(v *room.View) {
	a.mu.Lock()
	a.state.Connected = true
	a.applyViewLocked(v)
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
}

func (a *Agent) applyViewLocked(v *room.View) {
	a.state.NowPlaying = v.NowPlaying
	a.state.Queue = v.Queue
	a.state.ParticipantCount = v.ParticipantCount
	a.state.Votes = v.Votes
	a.state.Settings = v.Room.Settings
	a.state.Version = v.Version
	a.setPlaybackLocked(v.Playback)
}

// setPlaybackLocked 以服务端数据为准，重新开始外推
func (a *Agent) setPlaybackLocked(pb model.PlaybackState) {
	a.state.Playback = pb
	a.state.PositionMs = a.positionLocked()
	a.restartTickLocked()
}

func (a *Agent) positionLocked() int64 {
	var duration *int64
	if np := a.state.NowPlaying; np != nil && np.ID == a.state.Playback.SongID() {
		duration = np.DurationMs
	}
	return a.state.Playback.PositionAt(a.clock.Now().UnixMilli(), duration)
}

// ========== 位置外推 ==========

func (a *Agent) restartTickLocked() {
	a.stopTickLocked()
	if !a.state.Connected || a.state.Playback.Status != model.PlaybackPlaying {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stopTick = cancel
	gen := a.tickGen
	ticker := a.clock.NewTicker(a.tick)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if !a.onTick(gen) {
					return
				}
			}
		}
	}()
}

// stopTickLocked 代数加一，已在路上的 tick 被丢弃
func (a *Agent) stopTickLocked() {
	if a.stopTick != nil {
		a.stopTick()
		a.stopTick = nil
	}
	a.tickGen++
}

func (a *Agent) onTick(gen uint64) bool {
	a.mu.Lock()
	if gen != a.tickGen {
		a.mu.Unlock()
		return false
	}
	a.state.PositionMs = a.positionLocked()
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snap)
	return true
}

func (a *Agent) disconnected() {
	a.mu.Lock()
	if !a.state.Connected {
		a.mu.Unlock()
		return
	}
	a.state.Connected = false
	a.stopTickLocked()
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
}

// ========== 查询 ==========

func (a *Agent) snapshotLocked() State {
	s := a.state
	if s.NowPlaying != nil {
		np := *s.NowPlaying
		s.NowPlaying = &np
	}
	if s.Queue != nil {
		s.Queue = append([]model.QueueSong(nil), s.Queue...)
	}
	if s.Playback.CurrentSongID != nil {
		id := *s.Playback.CurrentSongID
		s.Playback.CurrentSongID = &id
	}
	return s
}

// State 当前状态副本
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Position 按当前时间外推的播放位置
func (a *Agent) Position() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positionLocked()
}

func (a *Agent) notify(s State) {
	if a.onChange != nil {
		a.onChange(s)
	}
}
