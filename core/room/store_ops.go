package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"YoYoMusic/logger"
	"YoYoMusic/model"
)

// forwardTimeout 转发到持有实例的最长等待
const forwardTimeout = 5 * time.Second

// 房间操作名，同时是实例间转发的协议字段
const (
	opJoin              = "join"
	opLeave             = "leave"
	opEnqueue           = "enqueue"
	opRemove            = "remove"
	opReorder           = "reorder"
	opSongEnded         = "song_ended"
	opSourceUnavailable = "source_unavailable"
	opHostSkip          = "host_skip"
	opCastVote          = "cast_vote"
	opPlay              = "play"
	opPause             = "pause"
	opSeek              = "seek"
	opUpdateSettings    = "update_settings"
	opClose             = "close"
	opHistory           = "history"
	opView              = "view"
)

type leaveArgs struct {
	ParticipantID string `json:"participant_id"`
	ConnectionID  string `json:"connection_id"`
}

type songArgs struct {
	SongID      string `json:"song_id"`
	RequesterID string `json:"requester_id,omitempty"`
}

type reorderArgs struct {
	SongID      string `json:"song_id"`
	Position    int    `json:"position"`
	RequesterID string `json:"requester_id"`
}

type requesterArgs struct {
	RequesterID string `json:"requester_id"`
}

type playbackArgs struct {
	RequesterID string `json:"requester_id"`
	SongID      string `json:"song_id,omitempty"`
	PositionMs  int64  `json:"position_ms"`
}

type settingsArgs struct {
	RequesterID string         `json:"requester_id"`
	Settings    map[string]any `json:"settings"`
}

// SettingsResult 设置更新结果，Unknown 为被忽略的键
type SettingsResult struct {
	Settings model.RoomSettings `json:"settings"`
	Unknown  []string           `json:"unknown,omitempty"`
}

// opFunc 在 actor 协程内执行，参数为 JSON 编码
type opFunc func(ctx context.Context, s *Store, st *roomState, args json.RawMessage) (any, error)

// defineOp 把强类型操作包装成可转发的 opFunc
func defineOp[A, R any](fn func(ctx context.Context, s *Store, st *roomState, args A) (R, error)) opFunc {
	return func(ctx context.Context, s *Store, st *roomState, raw json.RawMessage) (any, error) {
		var args A
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return nil, fmt.Errorf("decode %T: %w", args, errors.Join(model.ErrBadRequest, err))
		}
		return fn(ctx, s, st, args)
	}
}

var storeOps = map[string]opFunc{
	opJoin: defineOp(func(ctx context.Context, s *Store, st *roomState, p model.Participant) (struct{}, error) {
		return struct{}{}, st.join(p)
	}),
	opLeave: defineOp(func(ctx context.Context, s *Store, st *roomState, a leaveArgs) (struct{}, error) {
		st.leave(a.ParticipantID, a.ConnectionID)
		return struct{}{}, nil
	}),
	opEnqueue: defineOp(func(ctx context.Context, s *Store, st *roomState, song model.QueueSong) (model.QueueSong, error) {
		song.RoomID = st.room.ID
		return st.enqueue(&song), nil
	}),
	opRemove: defineOp(func(ctx context.Context, s *Store, st *roomState, a songArgs) (struct{}, error) {
		return struct{}{}, st.remove(a.SongID, a.RequesterID)
	}),
	opReorder: defineOp(func(ctx context.Context, s *Store, st *roomState, a reorderArgs) (struct{}, error) {
		return struct{}{}, st.reorder(a.SongID, a.Position, a.RequesterID)
	}),
	opSongEnded: defineOp(func(ctx context.Context, s *Store, st *roomState, a songArgs) (bool, error) {
		return st.songEnded(a.SongID, model.SongPlayed)
	}),
	opSourceUnavailable: defineOp(func(ctx context.Context, s *Store, st *roomState, a songArgs) (bool, error) {
		return st.songEnded(a.SongID, model.SongSkipped)
	}),
	opHostSkip: defineOp(func(ctx context.Context, s *Store, st *roomState, a requesterArgs) (bool, error) {
		return st.hostSkip(a.RequesterID)
	}),
	opCastVote: defineOp(func(ctx context.Context, s *Store, st *roomState, a songArgs) (VoteTally, error) {
		return st.castVote(a.SongID, a.RequesterID)
	}),
	opPlay: defineOp(func(ctx context.Context, s *Store, st *roomState, a playbackArgs) (struct{}, error) {
		return struct{}{}, st.play(a.RequesterID, a.SongID, a.PositionMs)
	}),
	opPause: defineOp(func(ctx context.Context, s *Store, st *roomState, a playbackArgs) (struct{}, error) {
		return struct{}{}, st.pause(a.RequesterID, a.PositionMs)
	}),
	opSeek: defineOp(func(ctx context.Context, s *Store, st *roomState, a playbackArgs) (struct{}, error) {
		return struct{}{}, st.seek(a.RequesterID, a.PositionMs)
	}),
	opUpdateSettings: defineOp(applySettingsOp),
	opClose: defineOp(func(ctx context.Context, s *Store, st *roomState, a requesterArgs) (struct{}, error) {
		if !st.isHost(a.RequesterID) {
			return struct{}{}, fmt.Errorf("close room: %w", model.ErrForbidden)
		}
		if err := s.repo.SetActive(ctx, st.room.Slug, false); err != nil {
			return struct{}{}, fmt.Errorf("deactivate room: %w", err)
		}
		return struct{}{}, st.closeRoom(a.RequesterID)
	}),
	opHistory: defineOp(func(ctx context.Context, s *Store, st *roomState, _ struct{}) ([]model.QueueSong, error) {
		return st.queue.History(), nil
	}),
	opView: defineOp(func(ctx context.Context, s *Store, st *roomState, _ struct{}) (*View, error) {
		return st.view(), nil
	}),
}

// applySettingsOp 以 actor 内的当前设置为基准合并，持久化成功后才应用
func applySettingsOp(ctx context.Context, s *Store, st *roomState, a settingsArgs) (SettingsResult, error) {
	if !st.isHost(a.RequesterID) {
		return SettingsResult{}, fmt.Errorf("update settings: %w", model.ErrForbidden)
	}
	settings, unknown, err := model.ApplySettings(st.room.Settings, a.Settings)
	if err != nil {
		return SettingsResult{}, err
	}
	if err := s.repo.UpdateSettings(ctx, st.room.Slug, settings); err != nil {
		return SettingsResult{}, fmt.Errorf("persist settings: %w", err)
	}
	if err := st.updateSettings(a.RequesterID, settings); err != nil {
		return SettingsResult{}, err
	}
	return SettingsResult{Settings: settings, Unknown: unknown}, nil
}

// run 执行一次房间操作：本地持有时交给 actor，否则转发给持有实例
func run[R any](ctx context.Context, s *Store, slug, op string, args any) (R, error) {
	var zero R
	raw, err := json.Marshal(args)
	if err != nil {
		return zero, fmt.Errorf("encode %s args: %w", op, err)
	}
	for {
		a, owner, err := s.acquire(ctx, slug)
		if err != nil {
			return zero, err
		}
		if a == nil {
			var out R
			if err := s.forward(ctx, owner, slug, op, raw, &out); err != nil {
				return zero, err
			}
			return out, nil
		}
		res, err := a.apply(ctx, op, raw)
		if errors.Is(err, errActorStopped) {
			continue
		}
		if err != nil {
			return zero, err
		}
		out, _ := res.(R)
		return out, nil
	}
}

// runLocal 处理转发来的请求；只在本实例持有房间时执行，不再二次转发
func (s *Store) runLocal(ctx context.Context, slug, op string, raw json.RawMessage) (any, error) {
	for {
		a, owner, err := s.acquire(ctx, slug)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, fmt.Errorf("room %s moved to %s: %w", slug, owner, model.ErrUnavailable)
		}
		res, err := a.apply(ctx, op, raw)
		if errors.Is(err, errActorStopped) {
			continue
		}
		return res, err
	}
}

// apply 在 actor 上执行命名操作
func (a *actor) apply(ctx context.Context, op string, raw json.RawMessage) (any, error) {
	fn, ok := storeOps[op]
	if !ok {
		return nil, fmt.Errorf("unknown room op %q: %w", op, model.ErrBadRequest)
	}
	var res any
	err := a.do(ctx, func(st *roomState) error {
		var err error
		res, err = fn(ctx, a.store, st, raw)
		return err
	})
	return res, err
}

// ========== 实例间转发 ==========

type remoteRequest struct {
	Op   string          `json:"op"`
	Slug string          `json:"slug"`
	Args json.RawMessage `json:"args"`
}

type remoteResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// remoteError 持有实例返回的错误，保留原始消息并可用 errors.Is 判断
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func (s *Store) forward(ctx context.Context, owner, slug, op string, args json.RawMessage, out any) error {
	if s.forwarder == nil {
		return fmt.Errorf("room %s owned by %s: %w", slug, owner, model.ErrUnavailable)
	}
	req, err := json.Marshal(remoteRequest{Op: op, Slug: slug, Args: args})
	if err != nil {
		return fmt.Errorf("encode forward request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	data, err := s.forwarder.Forward(ctx, owner, req)
	if err != nil {
		if errors.Is(err, model.ErrUnavailable) {
			return fmt.Errorf("forward %s for %s to %s: %w", op, slug, owner, err)
		}
		return fmt.Errorf("forward %s for %s to %s: %w", op, slug, owner, errors.Join(model.ErrUnavailable, err))
	}

	var resp remoteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode forward response: %w", err)
	}
	if resp.Code != "" {
		return &remoteError{msg: resp.Error, sentinel: model.ErrorFromCode(resp.Code)}
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", op, err)
		}
	}
	return nil
}

// handleRemote Forwarder 回调
func (s *Store) handleRemote(ctx context.Context, data []byte) []byte {
	var req remoteRequest
	var resp remoteResponse
	if err := json.Unmarshal(data, &req); err != nil {
		resp.Code, resp.Error = model.ErrorCode(model.ErrBadRequest), err.Error()
	} else if res, err := s.runLocal(ctx, req.Slug, req.Op, req.Args); err != nil {
		resp.Code, resp.Error = model.ErrorCode(err), err.Error()
		if resp.Code == "internal" {
			logger.Error("Forwarded room op failed",
				logger.String("room", req.Slug),
				logger.String("op", req.Op),
				logger.ErrorField(err))
		}
	} else if raw, err := json.Marshal(res); err != nil {
		resp.Code, resp.Error = "internal", err.Error()
	} else {
		resp.Result = raw
	}
	out, _ := json.Marshal(resp)
	return out
}
