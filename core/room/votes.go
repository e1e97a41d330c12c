package room

import (
	"time"

	"YoYoMusic/model"
)

// VoteTally 投票计数快照
type VoteTally struct {
	SongID       string `json:"song_id"`
	Votes        int    `json:"votes"`
	Required     int    `json:"required"`
	Participants int    `json:"participants"`
	Skipped      bool   `json:"skipped"`
}

// VoteBox 当前歌曲的跳过投票
// 切歌时整体清空，只对一首歌有效
type VoteBox struct {
	songID string
	votes  map[string]model.Vote // voterID -> vote
}

// NewVoteBox 创建空票箱
func NewVoteBox() *VoteBox {
	return &VoteBox{votes: make(map[string]model.Vote)}
}

// Cast 记录投票，重复投票返回 false
func (b *VoteBox) Cast(songID, voterID string, at time.Time) bool {
	if b.songID != songID {
		b.Clear()
		b.songID = songID
	}
	if _, ok := b.votes[voterID]; ok {
		return false
	}
	b.votes[voterID] = model.Vote{SongID: songID, VoterID: voterID, CastAt: at}
	return true
}

// Withdraw 撤回某个参与者的投票
func (b *VoteBox) Withdraw(voterID string) bool {
	if _, ok := b.votes[voterID]; !ok {
		return false
	}
	delete(b.votes, voterID)
	return true
}

// Clear 清空全部投票
func (b *VoteBox) Clear() {
	b.songID = ""
	clear(b.votes)
}

// Count 有效票数
func (b *VoteBox) Count() int {
	return len(b.votes)
}

// SongID 投票对应的歌曲
func (b *VoteBox) SongID() string {
	return b.songID
}

// QuorumReached 过半即通过
func (b *VoteBox) QuorumReached(participants int) bool {
	return participants > 0 && b.Count() >= RequiredVotes(participants)
}

// RequiredVotes 法定票数 floor(N/2)+1
func RequiredVotes(participants int) int {
	return participants/2 + 1
}
