package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"YoYoMusic/cache"
	"YoYoMusic/core/auth"
	"YoYoMusic/core/resolver"
	"YoYoMusic/logger"
	"YoYoMusic/model"
	"YoYoMusic/repository"
)

const (
	slugAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	slugLength   = 6
)

// RateLimiter 入队限流
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SettingsSource 服务器级默认房间设置
type SettingsSource interface {
	Get() model.RoomSettings
}

// ViewReader 读取其它实例镜像的房间视图
type ViewReader interface {
	GetView(ctx context.Context, slug string) ([]byte, error)
}

// RoomManager 房间管理器
// HTTP 和 WebSocket 的统一入口，负责鉴权、限流、解析音源，再交给房间 actor
type RoomManager struct {
	repo     repository.RoomRepository
	store    *Store
	hub      *Hub
	limiter  RateLimiter
	resolver resolver.Resolver
	tokens   *auth.TokenIssuer
	defaults SettingsSource
	mirror   ViewReader
	clock    clockwork.Clock
}

// ManagerDeps 房间管理器依赖；Resolver 与 Mirror 可为空
type ManagerDeps struct {
	Repo     repository.RoomRepository
	Store    *Store
	Hub      *Hub
	Limiter  RateLimiter
	Resolver resolver.Resolver
	Tokens   *auth.TokenIssuer
	Defaults SettingsSource
	Mirror   ViewReader
	Clock    clockwork.Clock
}

// NewRoomManager 创建房间管理器
func NewRoomManager(deps ManagerDeps) *RoomManager {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RoomManager{
		repo:     deps.Repo,
		store:    deps.Store,
		hub:      deps.Hub,
		limiter:  deps.Limiter,
		resolver: deps.Resolver,
		tokens:   deps.Tokens,
		defaults: deps.Defaults,
		mirror:   deps.Mirror,
		clock:    clock,
	}
}

// JoinResult 创建或加入房间的结果
type JoinResult struct {
	Room          model.Room `json:"room"`
	ParticipantID string     `json:"participant_id"`
	DisplayName   string     `json:"display_name"`
	Token         string     `json:"token"`
	View          *View      `json:"state"`
}

// CreateRoom 创建房间，创建者成为房主
func (m *RoomManager) CreateRoom(ctx context.Context, name, displayName string, rawSettings map[string]any) (*JoinResult, error) {
	settings, unknown, err := model.ApplySettings(m.defaults.Get(), rawSettings)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		logger.Info("Ignoring unknown room settings", logger.Strings("keys", unknown))
	}

	slug, err := m.generateUniqueSlug(ctx)
	if err != nil {
		return nil, err
	}

	hostID := uuid.NewString()
	room := model.Room{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      strings.TrimSpace(name),
		HostID:    hostID,
		Active:    true,
		Settings:  settings,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.repo.Create(ctx, &room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if err := m.store.Open(ctx, room); err != nil {
		return nil, err
	}

	token, err := m.tokens.GenerateToken(hostID, slug, displayName)
	if err != nil {
		return nil, err
	}
	view, err := m.store.View(ctx, slug)
	if err != nil {
		return nil, err
	}

	logger.Info("Room created",
		logger.String("room", slug),
		logger.String("host", hostID))
	return &JoinResult{Room: room, ParticipantID: hostID, DisplayName: displayName, Token: token, View: view}, nil
}

// generateUniqueSlug 生成 6 位大写字母数字短码
func (m *RoomManager) generateUniqueSlug(ctx context.Context) (string, error) {
	buf := make([]byte, slugLength)
	for i := 0; i < 20; i++ {
		for j := range buf {
			buf[j] = slugAlphabet[rand.Intn(len(slugAlphabet))]
		}
		slug := string(buf)
		exists, err := m.repo.ExistsBySlug(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("check slug: %w", err)
		}
		if !exists {
			return slug, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique room slug")
}

// JoinRoom 加入房间，签发参与者令牌
// 参与者在建立 WebSocket 连接后才计入人数
func (m *RoomManager) JoinRoom(ctx context.Context, slug, displayName string) (*JoinResult, error) {
	view, err := m.store.View(ctx, slug)
	if err != nil {
		return nil, err
	}
	limit := view.Room.Settings.MaxParticipants
	if limit > 0 && view.ParticipantCount >= limit {
		return nil, fmt.Errorf("room %s: %w", slug, model.ErrRoomFull)
	}

	participantID := uuid.NewString()
	token, err := m.tokens.GenerateToken(participantID, slug, displayName)
	if err != nil {
		return nil, err
	}
	return &JoinResult{
		Room:          view.Room,
		ParticipantID: participantID,
		DisplayName:   displayName,
		Token:         token,
		View:          view,
	}, nil
}

// GetRoom 房间完整视图
// 本实例未加载该房间时优先读取其它实例写入的镜像
func (m *RoomManager) GetRoom(ctx context.Context, slug string) (*View, error) {
	if view, ok := m.store.Peek(slug); ok {
		return view, nil
	}
	if m.mirror != nil {
		data, err := m.mirror.GetView(ctx, slug)
		if err != nil {
			logger.Warn("Read room view mirror failed", logger.String("room", slug), logger.ErrorField(err))
		} else if data != nil {
			var view View
			if err := json.Unmarshal(data, &view); err == nil {
				return &view, nil
			}
		}
	}
	return m.store.View(ctx, slug)
}

// GetQueue 当前播放与等待队列
func (m *RoomManager) GetQueue(ctx context.Context, slug string) (model.QueueSnapshot, error) {
	view, err := m.GetRoom(ctx, slug)
	if err != nil {
		return model.QueueSnapshot{}, err
	}
	return model.QueueSnapshot{NowPlaying: view.NowPlaying, Queue: view.Queue}, nil
}

// UpdateSettings 房主修改部分设置
// 合并、持久化与广播都在房间 actor 内完成，并发修改不会互相覆盖
func (m *RoomManager) UpdateSettings(ctx context.Context, slug, requesterID string, raw map[string]any) (model.RoomSettings, error) {
	res, err := m.store.UpdateSettings(ctx, slug, requesterID, raw)
	if err != nil {
		return model.RoomSettings{}, err
	}
	if len(res.Unknown) > 0 {
		logger.Info("Ignoring unknown room settings", logger.String("room", slug), logger.Strings("keys", res.Unknown))
	}
	return res.Settings, nil
}

// CloseRoom 房主关闭房间，之后加入、连接和操作都返回 not_found
func (m *RoomManager) CloseRoom(ctx context.Context, slug, requesterID string) error {
	if err := m.store.Close(ctx, slug, requesterID); err != nil {
		return err
	}
	logger.Info("Room closed", logger.String("room", slug), logger.String("host", requesterID))
	return nil
}

// Enqueue 点歌：限流、解析音源后入队
func (m *RoomManager) Enqueue(ctx context.Context, slug, requesterID string, req EnqueueData) (model.QueueSong, error) {
	view, err := m.store.View(ctx, slug)
	if err != nil {
		return model.QueueSong{}, err
	}

	settings := view.Room.Settings
	if m.limiter != nil {
		ok, err := m.limiter.Allow(ctx, cache.RateLimitKey(slug, requesterID), settings.EnqueueRateLimit, settings.RateWindow())
		if err != nil {
			// 限流后端故障时放行
			logger.Warn("Rate limiter unavailable", logger.String("room", slug), logger.ErrorField(err))
		} else if !ok {
			return model.QueueSong{}, fmt.Errorf("enqueue: %w", model.ErrRateLimited)
		}
	}

	src, err := m.resolve(ctx, req)
	if err != nil {
		return model.QueueSong{}, err
	}

	song := &model.QueueSong{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		SourceRef:   src.Ref,
		Title:       src.Title,
		DurationMs:  src.DurationMs,
		CreatedAt:   m.clock.Now().UTC(),
	}
	added, err := m.store.Enqueue(ctx, slug, song)
	if err != nil {
		return model.QueueSong{}, err
	}
	logger.Info("Song enqueued",
		logger.String("room", slug),
		logger.String("song", added.ID),
		logger.String("source", added.SourceRef))
	return added, nil
}

func (m *RoomManager) resolve(ctx context.Context, req EnqueueData) (*resolver.Source, error) {
	if ref := strings.TrimSpace(req.SourceRef); ref != "" {
		title := strings.TrimSpace(req.Title)
		if title == "" {
			title = ref
		}
		if req.DurationMs != nil && *req.DurationMs < 0 {
			return nil, fmt.Errorf("negative duration: %w", model.ErrBadRequest)
		}
		return &resolver.Source{Ref: ref, Title: title, DurationMs: req.DurationMs}, nil
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("query or source_ref is required: %w", model.ErrBadRequest)
	}
	if m.resolver == nil {
		return nil, fmt.Errorf("search is not configured: %w", model.ErrBadRequest)
	}
	src, err := m.resolver.Resolve(ctx, query)
	if err != nil {
		if errors.Is(err, resolver.ErrNoMatch) {
			return nil, fmt.Errorf("%q: %w", query, model.ErrNotFound)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("resolve %q: %w", query, errors.Join(model.ErrUpstream, err))
	}
	return src, nil
}

// Remove 删除等待中的歌曲
func (m *RoomManager) Remove(ctx context.Context, slug, songID, requesterID string) error {
	return m.store.Remove(ctx, slug, songID, requesterID)
}

// Reorder 调整顺序（房主）
func (m *RoomManager) Reorder(ctx context.Context, slug, songID string, position int, requesterID string) error {
	return m.store.Reorder(ctx, slug, songID, position, requesterID)
}

// HostSkip 房主切歌
func (m *RoomManager) HostSkip(ctx context.Context, slug, requesterID string) (bool, error) {
	return m.store.HostSkip(ctx, slug, requesterID)
}

// VoteSkip 投票跳过
func (m *RoomManager) VoteSkip(ctx context.Context, slug, songID, voterID string) (VoteTally, error) {
	return m.store.CastVote(ctx, slug, songID, voterID)
}

// SongEnded 歌曲结束上报
func (m *RoomManager) SongEnded(ctx context.Context, slug, songID string) (bool, error) {
	return m.store.SongEnded(ctx, slug, songID)
}

// SourceUnavailable 音源不可用上报
func (m *RoomManager) SourceUnavailable(ctx context.Context, slug, songID string) (bool, error) {
	advanced, err := m.store.SourceUnavailable(ctx, slug, songID)
	if advanced {
		logger.Warn("Source unavailable, skipped", logger.String("room", slug), logger.String("song", songID))
	}
	return advanced, err
}

// Play 房主播放
func (m *RoomManager) Play(ctx context.Context, slug, requesterID, songID string, positionMs int64) error {
	return m.store.Play(ctx, slug, requesterID, songID, positionMs)
}

// Pause 房主暂停
func (m *RoomManager) Pause(ctx context.Context, slug, requesterID string, positionMs int64) error {
	return m.store.Pause(ctx, slug, requesterID, positionMs)
}

// SeekTo 房主跳转
func (m *RoomManager) SeekTo(ctx context.Context, slug, requesterID string, positionMs int64) error {
	return m.store.SeekTo(ctx, slug, requesterID, positionMs)
}

// ========== WebSocket ==========

// Connect 注册连接并加入房间；初始快照由房间 actor 定向推送
func (m *RoomManager) Connect(ctx context.Context, client *Client) error {
	m.hub.Register(client)
	err := m.store.Join(ctx, client.RoomSlug, model.Participant{
		ID:           client.ParticipantID,
		ConnectionID: client.ConnectionID,
		DisplayName:  client.DisplayName,
		JoinedAt:     m.clock.Now().UTC(),
	})
	if err != nil {
		m.hub.Unregister(client)
		return err
	}
	return nil
}

// Disconnect 连接断开，撤回投票并更新人数
func (m *RoomManager) Disconnect(client *Client) {
	m.hub.Unregister(client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Leave(ctx, client.RoomSlug, client.ParticipantID, client.ConnectionID); err != nil &&
		!errors.Is(err, ErrStoreClosed) && !errors.Is(err, model.ErrNotFound) {
		logger.Warn("Leave room failed",
			logger.String("room", client.RoomSlug),
			logger.String("participant", client.ParticipantID),
			logger.ErrorField(err))
	}
}

// HandleMessage 处理客户端指令；失败时只通知请求方
func (m *RoomManager) HandleMessage(ctx context.Context, client *Client, msg *Inbound) {
	if err := m.dispatch(ctx, client, msg); err != nil {
		code := model.ErrorCode(err)
		if code == "internal" {
			logger.Error("Handle message failed",
				logger.String("room", client.RoomSlug),
				logger.String("type", string(msg.Type)),
				logger.ErrorField(err))
		}
		m.hub.SendTo(client, errorMessage(client.RoomSlug, msg.RequestID, code, err.Error()))
	}
}

func decodeData(raw json.RawMessage, v any) error {
	// 兼容前端把 data 再序列化一次的情况
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			raw = json.RawMessage(inner)
		}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode data: %v: %w", err, model.ErrBadRequest)
	}
	return nil
}

func (m *RoomManager) dispatch(ctx context.Context, client *Client, msg *Inbound) error {
	slug, pid := client.RoomSlug, client.ParticipantID

	switch msg.Type {
	case MsgTypePlay:
		var d PlayData
		if err := decodeData(msg.Data, &d); err != nil {
			return err
		}
		return m.Play(ctx, slug, pid, d.SongID, d.PositionMs)

	case MsgTypePause, MsgTypeSeek:
		var d PositionData
		if err := decodeData(msg.Data, &d); err != nil {
			return err
		}
		if msg.Type == MsgTypePause {
			return m.Pause(ctx, slug, pid, d.PositionMs)
		}
		return m.SeekTo(ctx, slug, pid, d.PositionMs)

	case MsgTypeSkip:
		_, err := m.HostSkip(ctx, slug, pid)
		return err

	case MsgTypeVoteSkip, MsgTypeSongEnded, MsgTypeSourceUnavailable, MsgTypeRemove:
		var d SongRefData
		if err := decodeData(msg.Data, &d); err != nil {
			return err
		}
		switch msg.Type {
		case MsgTypeVoteSkip:
			_, err := m.VoteSkip(ctx, slug, d.SongID, pid)
			return err
		case MsgTypeSongEnded:
			_, err := m.SongEnded(ctx, slug, d.SongID)
			return err
		case MsgTypeSourceUnavailable:
			_, err := m.SourceUnavailable(ctx, slug, d.SongID)
			return err
		default:
			return m.Remove(ctx, slug, d.SongID, pid)
		}

	case MsgTypeReorder:
		var d ReorderData
		if err := decodeData(msg.Data, &d); err != nil {
			return err
		}
		return m.Reorder(ctx, slug, d.SongID, d.Position, pid)

	case MsgTypeEnqueue:
		var d EnqueueData
		if err := decodeData(msg.Data, &d); err != nil {
			return err
		}
		_, err := m.Enqueue(ctx, slug, pid, d)
		return err

	default:
		return fmt.Errorf("unknown message type %q: %w", msg.Type, model.ErrBadRequest)
	}
}

// Hub 返回连接管理中心
func (m *RoomManager) Hub() *Hub {
	return m.hub
}

// Tokens 返回令牌签发器
func (m *RoomManager) Tokens() *auth.TokenIssuer {
	return m.tokens
}
