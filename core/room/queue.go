package room

import (
	"fmt"
	"sort"

	"YoYoMusic/model"
)

// Queue 房间歌曲队列
// queued 按 Position 严格递增；同一时刻最多一首 playing
type Queue struct {
	queued       []*model.QueueSong
	current      *model.QueueSong
	history      []model.QueueSong // played / skipped，最旧的在前
	historyLimit int
	maxPosition  int // 房间内分配过的最大位置，-1 表示从未入队
}

// NewQueue 创建空队列
func NewQueue(historyLimit int) *Queue {
	return &Queue{historyLimit: historyLimit, maxPosition: -1}
}

// Enqueue 追加到队尾，允许重复
func (q *Queue) Enqueue(song *model.QueueSong) {
	q.maxPosition++
	song.Position = q.maxPosition
	song.Status = model.SongQueued
	q.queued = append(q.queued, song)
}

// Current 当前播放歌曲
func (q *Queue) Current() *model.QueueSong {
	return q.current
}

// Len 等待中的歌曲数
func (q *Queue) Len() int {
	return len(q.queued)
}

// advance 结束当前歌曲并提升下一首
// 当前歌曲标记为 mark；返回新的当前歌曲，队列为空时为 nil
func (q *Queue) advance(mark model.SongStatus) *model.QueueSong {
	if q.current != nil {
		q.current.Status = mark
		q.archive(*q.current)
		q.current = nil
	}
	if len(q.queued) == 0 {
		return nil
	}
	next := q.queued[0]
	q.queued = q.queued[1:]
	next.Status = model.SongPlaying
	q.current = next
	return next
}

func (q *Queue) archive(song model.QueueSong) {
	q.history = append(q.history, song)
	if q.historyLimit > 0 && len(q.history) > q.historyLimit {
		q.history = append([]model.QueueSong(nil), q.history[len(q.history)-q.historyLimit:]...)
	}
}

func (q *Queue) indexOf(songID string) int {
	for i, s := range q.queued {
		if s.ID == songID {
			return i
		}
	}
	return -1
}

// Remove 删除等待中的歌曲，仅点歌人或房主可删
func (q *Queue) Remove(songID, requesterID string, isHost bool) error {
	idx := q.indexOf(songID)
	if idx < 0 {
		return fmt.Errorf("queued song %s: %w", songID, model.ErrNotFound)
	}
	if !isHost && q.queued[idx].RequesterID != requesterID {
		return fmt.Errorf("remove song %s: %w", songID, model.ErrForbidden)
	}
	q.queued = append(q.queued[:idx], q.queued[idx+1:]...)
	return nil
}

// Reorder 移动歌曲到等待队列中的第 newIndex 位（从 0 开始，越界时截断）
// 之后从原最小位置起连续重新编号
func (q *Queue) Reorder(songID string, newIndex int, isHost bool) error {
	if !isHost {
		return fmt.Errorf("reorder song %s: %w", songID, model.ErrForbidden)
	}
	idx := q.indexOf(songID)
	if idx < 0 {
		return fmt.Errorf("queued song %s: %w", songID, model.ErrNotFound)
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(q.queued)-1 {
		newIndex = len(q.queued) - 1
	}

	base := q.queued[0].Position
	song := q.queued[idx]
	rest := append(q.queued[:idx:idx], q.queued[idx+1:]...)
	reordered := make([]*model.QueueSong, 0, len(q.queued))
	reordered = append(reordered, rest[:newIndex]...)
	reordered = append(reordered, song)
	reordered = append(reordered, rest[newIndex:]...)

	for i, s := range reordered {
		s.Position = base + i
	}
	q.queued = reordered
	return nil
}

// Snapshot 返回当前播放和等待队列的深拷贝
func (q *Queue) Snapshot() model.QueueSnapshot {
	snap := model.QueueSnapshot{Queue: make([]model.QueueSong, 0, len(q.queued))}
	if q.current != nil {
		cur := copySong(q.current)
		snap.NowPlaying = &cur
	}
	for _, s := range q.queued {
		snap.Queue = append(snap.Queue, copySong(s))
	}
	sort.SliceStable(snap.Queue, func(i, j int) bool {
		return snap.Queue[i].Position < snap.Queue[j].Position
	})
	return snap
}

// History 已结束歌曲副本
func (q *Queue) History() []model.QueueSong {
	out := make([]model.QueueSong, len(q.history))
	copy(out, q.history)
	return out
}

func copySong(s *model.QueueSong) model.QueueSong {
	cp := *s
	if s.DurationMs != nil {
		d := *s.DurationMs
		cp.DurationMs = &d
	}
	return cp
}
