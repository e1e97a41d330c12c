package model

import "time"

// SongStatus 队列歌曲状态
// 状态机: queued -> playing -> played | skipped，推进后不会回到 queued
type SongStatus string

const (
	SongQueued  SongStatus = "queued"
	SongPlaying SongStatus = "playing"
	SongPlayed  SongStatus = "played"
	SongSkipped SongStatus = "skipped"
)

// QueueSong 房间队列中的一首歌
type QueueSong struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"room_id"`
	RequesterID string     `json:"requester_id"`
	SourceRef   string     `json:"source_ref"`
	Title       string     `json:"title"`
	DurationMs  *int64     `json:"duration_ms"` // 未解析前为空
	Status      SongStatus `json:"status"`
	Position    int        `json:"position"`
	CreatedAt   time.Time  `json:"created_at"`
}

// QueueSnapshot 队列全量快照
type QueueSnapshot struct {
	NowPlaying *QueueSong  `json:"now_playing"`
	Queue      []QueueSong `json:"queue"`
}
