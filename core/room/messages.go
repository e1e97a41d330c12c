package room

import (
	"encoding/json"
)

// MessageType 消息类型
type MessageType string

const (
	// 服务端推送
	MsgTypeParticipantJoined MessageType = "participant_joined"
	MsgTypeParticipantLeft   MessageType = "participant_left"
	MsgTypePlaybackUpdate    MessageType = "playback_update"
	MsgTypeQueueUpdate       MessageType = "queue_update"
	MsgTypeVoteUpdate        MessageType = "vote_update"
	MsgTypeSettingsUpdate    MessageType = "settings_update"
	MsgTypeRoomClosed        MessageType = "room_closed" // 房主关闭房间，随后断开全部连接
	MsgTypeRoomSnapshot      MessageType = "room_snapshot" // 连接建立后单独发给新客户端
	MsgTypeError             MessageType = "error"         // 只发给请求方
	MsgTypePong              MessageType = "pong"

	// 客户端指令
	MsgTypePing              MessageType = "ping"
	MsgTypePlay              MessageType = "play"
	MsgTypePause             MessageType = "pause"
	MsgTypeSeek              MessageType = "seek"
	MsgTypeSkip              MessageType = "skip"
	MsgTypeVoteSkip          MessageType = "vote_skip"
	MsgTypeSongEnded         MessageType = "song_ended"
	MsgTypeSourceUnavailable MessageType = "source_unavailable"
	MsgTypeEnqueue           MessageType = "enqueue"
	MsgTypeRemove            MessageType = "remove"
	MsgTypeReorder           MessageType = "reorder"
)

// Message 服务端推送消息
// Version 在房间内单调递增，客户端据此丢弃过期快照
type Message struct {
	Type      MessageType     `json:"type"`
	RoomSlug  string          `json:"room_slug"`
	Version   uint64          `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Inbound 客户端上行指令
type Inbound struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CountData participant_joined / participant_left 数据
type CountData struct {
	Count int `json:"count"`
}

// ErrorData error 消息数据
type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// SongRefData song_ended / source_unavailable / vote_skip / remove 数据
type SongRefData struct {
	SongID string `json:"song_id"`
}

// PositionData pause / seek 数据
type PositionData struct {
	PositionMs int64 `json:"position_ms"`
}

// PlayData play 数据
type PlayData struct {
	SongID     string `json:"song_id"`
	PositionMs int64  `json:"position_ms"`
}

// ReorderData reorder 数据
type ReorderData struct {
	SongID   string `json:"song_id"`
	Position int    `json:"position"`
}

// EnqueueData enqueue 数据，Query 与 SourceRef 二选一
type EnqueueData struct {
	Query      string `json:"query,omitempty"`
	SourceRef  string `json:"source_ref,omitempty"`
	Title      string `json:"title,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// Envelope 中继传输单元
// Target 为空时广播给房间内所有本地连接，否则只投递给该连接
// Close 为真时投递后断开房间内所有本地连接
type Envelope struct {
	RoomSlug string          `json:"room_slug"`
	Target   string          `json:"target,omitempty"`
	Close    bool            `json:"close,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}
