package model

import "time"

// Participant 房间内已连接的参与者
// 连接建立时创建，断开时销毁；决定在线人数和投票法定人数
type Participant struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	ConnectionID string    `json:"connection_id"`
	DisplayName  string    `json:"display_name"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Vote 针对当前播放歌曲的跳过投票，仅保存在内存中
type Vote struct {
	SongID  string    `json:"song_id"`
	VoterID string    `json:"voter_id"`
	CastAt  time.Time `json:"cast_at"`
}
