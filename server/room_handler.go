package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"YoYoMusic/core/room"
	"YoYoMusic/logger"
	"YoYoMusic/model"
)

// RoomHandler 房间 HTTP 处理器
type RoomHandler struct {
	manager    *room.RoomManager
	upgrader   websocket.Upgrader
	sendBuffer int
}

// NewRoomHandler 创建房间处理器
func NewRoomHandler(manager *room.RoomManager, sendBuffer int) *RoomHandler {
	return &RoomHandler{
		manager:    manager,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ========== 响应 ==========

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// statusFor 错误分类到 HTTP 状态码
func statusFor(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "invalid_song", "stale_vote", "room_full":
		return http.StatusConflict
	case "rate_limited":
		return http.StatusTooManyRequests
	case "bad_request":
		return http.StatusBadRequest
	case "upstream_error":
		return http.StatusBadGateway
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		message = "internal error"
	} else if status >= http.StatusBadGateway {
		logger.Warn("Request failed upstream",
			logger.String("path", r.URL.Path),
			logger.String("code", code),
			logger.ErrorField(err))
	}
	writeErrorMessage(w, status, code, message)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errors.Join(model.ErrBadRequest, err)
	}
	return nil
}

func slugOf(r *http.Request) string {
	return mux.Vars(r)["slug"]
}

func participantOf(r *http.Request) string {
	claims, _ := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.ParticipantID
}

// ========== 房间 ==========

// CreateRoomRequest 创建房间请求
type CreateRoomRequest struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Settings    map[string]any `json:"settings"`
}

// CreateRoomHandler 创建房间，创建者成为房主
func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = "host"
	}

	res, err := h.manager.CreateRoom(r.Context(), req.Name, req.DisplayName, req.Settings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetRoomHandler 房间完整视图
func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.GetRoom(r.Context(), slugOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// JoinRoomRequest 加入房间请求
type JoinRoomRequest struct {
	DisplayName string `json:"display_name"`
}

// JoinRoomHandler 加入房间，返回参与者令牌
func (h *RoomHandler) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = "guest"
	}

	res, err := h.manager.JoinRoom(r.Context(), slugOf(r), req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpdateSettingsHandler 房主修改设置
func (h *RoomHandler) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := decodeBody(r, &raw); err != nil {
		writeError(w, r, err)
		return
	}
	settings, err := h.manager.UpdateSettings(r.Context(), slugOf(r), participantOf(r), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// CloseRoomHandler 房主关闭房间
func (h *RoomHandler) CloseRoomHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.CloseRoom(r.Context(), slugOf(r), participantOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== 队列 ==========

// GetQueueHandler 当前播放与等待队列
func (h *RoomHandler) GetQueueHandler(w http.ResponseWriter, r *http.Request) {
	queue, err := h.manager.GetQueue(r.Context(), slugOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

// EnqueueHandler 点歌
func (h *RoomHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req room.EnqueueData
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	song, err := h.manager.Enqueue(r.Context(), slugOf(r), participantOf(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, song)
}

// RemoveSongHandler 删除等待中的歌曲
func (h *RoomHandler) RemoveSongHandler(w http.ResponseWriter, r *http.Request) {
	songID := mux.Vars(r)["song_id"]
	if err := h.manager.Remove(r.Context(), slugOf(r), songID, participantOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReorderRequest 调整顺序请求
type ReorderRequest struct {
	Position int `json:"position"`
}

// ReorderHandler 房主调整歌曲位置
func (h *RoomHandler) ReorderHandler(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	songID := mux.Vars(r)["song_id"]
	if err := h.manager.Reorder(r.Context(), slugOf(r), songID, req.Position, participantOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondQueue(w, r)
}

func (h *RoomHandler) respondQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.manager.GetQueue(r.Context(), slugOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

// AdvanceResponse 切歌类操作的结果
type AdvanceResponse struct {
	Advanced bool `json:"advanced"`
}

// SkipHandler 房主切歌
func (h *RoomHandler) SkipHandler(w http.ResponseWriter, r *http.Request) {
	advanced, err := h.manager.HostSkip(r.Context(), slugOf(r), participantOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdvanceResponse{Advanced: advanced})
}

// VoteSkipHandler 投票跳过当前歌曲
func (h *RoomHandler) VoteSkipHandler(w http.ResponseWriter, r *http.Request) {
	var req room.SongRefData
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tally, err := h.manager.VoteSkip(r.Context(), slugOf(r), req.SongID, participantOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

// SongEndedHandler 歌曲播放结束
func (h *RoomHandler) SongEndedHandler(w http.ResponseWriter, r *http.Request) {
	h.handleEnded(w, r, h.manager.SongEnded)
}

// SourceUnavailableHandler 音源不可用
func (h *RoomHandler) SourceUnavailableHandler(w http.ResponseWriter, r *http.Request) {
	h.handleEnded(w, r, h.manager.SourceUnavailable)
}

func (h *RoomHandler) handleEnded(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, slug, songID string) (bool, error)) {
	var req room.SongRefData
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	advanced, err := fn(r.Context(), slugOf(r), req.SongID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdvanceResponse{Advanced: advanced})
}

// ========== 播放控制 ==========

// PlayHandler 房主播放
func (h *RoomHandler) PlayHandler(w http.ResponseWriter, r *http.Request) {
	var req room.PlayData
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.manager.Play(r.Context(), slugOf(r), participantOf(r), req.SongID, req.PositionMs); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondPlayback(w, r)
}

// PauseHandler 房主暂停
func (h *RoomHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	var req room.PositionData
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.manager.Pause(r.Context(), slugOf(r), participantOf(r), req.PositionMs); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondPlayback(w, r)
}

// SeekHandler 房主跳转
func (h *RoomHandler) SeekHandler(w http.ResponseWriter, r *http.Request) {
	var req room.PositionData
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.manager.SeekTo(r.Context(), slugOf(r), participantOf(r), req.PositionMs); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondPlayback(w, r)
}

func (h *RoomHandler) respondPlayback(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.GetRoom(r.Context(), slugOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Playback)
}

// ========== WebSocket ==========

// WebSocketHandler 建立房间推送连接，令牌通过查询参数传递
func (h *RoomHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	slug := slugOf(r)
	claims, err := h.manager.Tokens().ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
		return
	}
	if claims.RoomSlug != slug {
		writeErrorMessage(w, http.StatusForbidden, "forbidden", "token does not belong to this room")
		return
	}
	if _, err := h.manager.GetRoom(r.Context(), slug); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", logger.ErrorField(err))
		return
	}

	client := room.NewClient(h.manager.Hub(), conn, slug, claims.ParticipantID, uuid.NewString(), claims.DisplayName, h.sendBuffer)
	go client.WritePump()

	if err := h.manager.Connect(context.Background(), client); err != nil {
		logger.Warn("Join room over websocket failed",
			logger.String("room", slug),
			logger.String("participant", claims.ParticipantID),
			logger.ErrorField(err))
		code := model.ErrorCode(err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	logger.Info("WebSocket connected",
		logger.String("room", slug),
		logger.String("participant", claims.ParticipantID),
		logger.String("conn", client.ConnectionID))

	go func() {
		client.ReadPump(context.Background(), h.manager.HandleMessage)
		h.manager.Disconnect(client)
	}()
}

// RegisterRoomRoutes 注册房间相关路由
func RegisterRoomRoutes(router *mux.Router, handler *RoomHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/rooms", handler.CreateRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}", handler.GetRoomHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{slug}", authMiddleware(handler.CloseRoomHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{slug}/join", handler.JoinRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/settings", authMiddleware(handler.UpdateSettingsHandler)).Methods(http.MethodPut)

	router.HandleFunc("/api/rooms/{slug}/queue", handler.GetQueueHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{slug}/queue", authMiddleware(handler.EnqueueHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/queue/skip", authMiddleware(handler.SkipHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/queue/vote-skip", authMiddleware(handler.VoteSkipHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/queue/song-ended", authMiddleware(handler.SongEndedHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/queue/source-unavailable", authMiddleware(handler.SourceUnavailableHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/queue/{song_id}", authMiddleware(handler.RemoveSongHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{slug}/queue/{song_id}/position", authMiddleware(handler.ReorderHandler)).Methods(http.MethodPost)

	router.HandleFunc("/api/rooms/{slug}/player/play", authMiddleware(handler.PlayHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/player/pause", authMiddleware(handler.PauseHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{slug}/player/seek", authMiddleware(handler.SeekHandler)).Methods(http.MethodPost)

	router.HandleFunc("/ws/rooms/{slug}", handler.WebSocketHandler)

	logger.Info("Room API endpoints registered",
		logger.String("endpoints", "POST /api/rooms, GET /api/rooms/{slug}, POST /api/rooms/{slug}/join, /api/rooms/{slug}/queue, /api/rooms/{slug}/player, WS /ws/rooms/{slug}"))
}
