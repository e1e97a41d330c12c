package room

import (
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"

	"YoYoMusic/model"
)

// View 房间只读视图
// 每次变更后整体重建并原子发布，读者拿到的永远是完整状态
type View struct {
	Room             model.Room          `json:"room"`
	Playback         model.PlaybackState `json:"playback"`
	NowPlaying       *model.QueueSong    `json:"now_playing"`
	Queue            []model.QueueSong   `json:"queue"`
	ParticipantCount int                 `json:"participant_count"`
	Votes            VoteTally           `json:"votes"`
	Version          uint64              `json:"version"`
}

// roomState 房间可变状态，只在 actor 协程中访问
type roomState struct {
	room         model.Room
	clock        *PlaybackClock
	queue        *Queue
	votes        *VoteBox
	participants map[string]*model.Participant
	wall         clockwork.Clock

	version uint64
	pending []Envelope // 本次变更产生、尚未发布的消息
	closed  bool       // 房主已关闭房间，actor 处理完本次命令后退出
}

func newRoomState(room model.Room, wall clockwork.Clock) *roomState {
	return &roomState{
		room:         room,
		clock:        NewPlaybackClock(wall),
		queue:        NewQueue(room.Settings.HistoryLimit),
		votes:        NewVoteBox(),
		participants: make(map[string]*model.Participant),
		wall:         wall,
	}
}

func (s *roomState) message(t MessageType, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		// 数据都是本包内的结构体，不会失败
		panic(fmt.Sprintf("marshal %s: %v", t, err))
	}
	return Message{
		Type:      t,
		RoomSlug:  s.room.Slug,
		Version:   s.version,
		Timestamp: s.wall.Now().UnixMilli(),
		Data:      raw,
	}
}

// emit 广播消息，版本号加一
func (s *roomState) emit(t MessageType, data any) {
	s.version++
	s.queueEnvelope("", s.message(t, data))
}

// emitTo 定向消息，沿用当前版本号
func (s *roomState) emitTo(target string, t MessageType, data any) {
	s.queueEnvelope(target, s.message(t, data))
}

func (s *roomState) queueEnvelope(target string, msg Message) {
	payload, _ := json.Marshal(msg)
	s.pending = append(s.pending, Envelope{RoomSlug: s.room.Slug, Target: target, Payload: payload})
}

// emitClose 广播最后一条消息，投递后各实例断开该房间的连接
func (s *roomState) emitClose(t MessageType, data any) {
	s.version++
	payload, _ := json.Marshal(s.message(t, data))
	s.pending = append(s.pending, Envelope{RoomSlug: s.room.Slug, Close: true, Payload: payload})
}

// drain 取出待发布消息
func (s *roomState) drain() []Envelope {
	out := s.pending
	s.pending = nil
	return out
}

func (s *roomState) isHost(participantID string) bool {
	return s.room.IsHost(participantID)
}

func (s *roomState) tally() VoteTally {
	t := VoteTally{
		Participants: len(s.participants),
		Required:     RequiredVotes(len(s.participants)),
	}
	if cur := s.queue.Current(); cur != nil {
		t.SongID = cur.ID
		if s.votes.SongID() == cur.ID {
			t.Votes = s.votes.Count()
		}
	}
	return t
}

func (s *roomState) view() *View {
	q := s.queue.Snapshot()
	return &View{
		Room:             s.room,
		Playback:         s.clock.Snapshot(),
		NowPlaying:       q.NowPlaying,
		Queue:            q.Queue,
		ParticipantCount: len(s.participants),
		Votes:            s.tally(),
		Version:          s.version,
	}
}

// transition 结束当前歌曲并切到下一首，同时清空投票
func (s *roomState) transition(mark model.SongStatus) {
	next := s.queue.advance(mark)
	s.votes.Clear()
	if next != nil {
		s.clock.load(next.ID)
	} else {
		s.clock.stop()
	}
	s.emit(MsgTypeQueueUpdate, s.queue.Snapshot())
	s.emit(MsgTypePlaybackUpdate, s.clock.Snapshot())
}

// ========== 参与者 ==========

// join 参与者连接；同一参与者重连时替换连接ID
func (s *roomState) join(p model.Participant) error {
	existing, ok := s.participants[p.ID]
	if !ok {
		limit := s.room.Settings.MaxParticipants
		if limit > 0 && len(s.participants) >= limit {
			return fmt.Errorf("room %s has %d participants: %w", s.room.Slug, limit, model.ErrRoomFull)
		}
		cp := p
		s.participants[p.ID] = &cp
	} else {
		existing.ConnectionID = p.ConnectionID
		existing.DisplayName = p.DisplayName
	}

	s.emit(MsgTypeParticipantJoined, CountData{Count: len(s.participants)})
	s.emitTo(p.ConnectionID, MsgTypeRoomSnapshot, s.view())
	return nil
}

// leave 参与者断开；连接ID不匹配说明已被新连接替换，忽略
func (s *roomState) leave(participantID, connectionID string) bool {
	p, ok := s.participants[participantID]
	if !ok || p.ConnectionID != connectionID {
		return false
	}
	delete(s.participants, participantID)
	s.emit(MsgTypeParticipantLeft, CountData{Count: len(s.participants)})

	if len(s.participants) == 0 {
		s.votes.Clear()
		return true
	}

	withdrew := s.votes.Withdraw(participantID)
	cur := s.queue.Current()
	if cur != nil && s.votes.SongID() == cur.ID && s.votes.QuorumReached(len(s.participants)) {
		tally := s.tally()
		tally.Skipped = true
		s.emit(MsgTypeVoteUpdate, tally)
		s.transition(model.SongSkipped)
	} else if withdrew {
		s.emit(MsgTypeVoteUpdate, s.tally())
	}
	return true
}

// ========== 队列 ==========

// enqueue 入队；房间空闲且开启自动播放时立即开始
func (s *roomState) enqueue(song *model.QueueSong) model.QueueSong {
	s.queue.Enqueue(song)
	added := copySong(song)
	if s.queue.Current() == nil && s.room.Settings.AutoPlay {
		s.transition(model.SongPlayed)
		if cur := s.queue.Current(); cur != nil && cur.ID == added.ID {
			added = copySong(cur)
		}
		return added
	}
	s.emit(MsgTypeQueueUpdate, s.queue.Snapshot())
	return added
}

func (s *roomState) remove(songID, requesterID string) error {
	if err := s.queue.Remove(songID, requesterID, s.isHost(requesterID)); err != nil {
		return err
	}
	s.emit(MsgTypeQueueUpdate, s.queue.Snapshot())
	return nil
}

func (s *roomState) reorder(songID string, newIndex int, requesterID string) error {
	if err := s.queue.Reorder(songID, newIndex, s.isHost(requesterID)); err != nil {
		return err
	}
	s.emit(MsgTypeQueueUpdate, s.queue.Snapshot())
	return nil
}

// songEnded 客户端上报歌曲结束或音源不可用
// 只有指向当前歌曲的上报才会切歌，重复上报是空操作
func (s *roomState) songEnded(songID string, mark model.SongStatus) (bool, error) {
	if songID == "" {
		return false, fmt.Errorf("song id is required: %w", model.ErrInvalidSong)
	}
	cur := s.queue.Current()
	if cur == nil || cur.ID != songID {
		return false, nil
	}
	s.transition(mark)
	return true, nil
}

// hostSkip 房主直接切歌；空闲时提升下一首
func (s *roomState) hostSkip(requesterID string) (bool, error) {
	if !s.isHost(requesterID) {
		return false, fmt.Errorf("skip: %w", model.ErrForbidden)
	}
	if s.queue.Current() == nil && s.queue.Len() == 0 {
		return false, nil
	}
	s.transition(model.SongSkipped)
	return true, nil
}

// ========== 投票 ==========

func (s *roomState) castVote(songID, voterID string) (VoteTally, error) {
	if !s.room.Settings.VoteSkip {
		return VoteTally{}, fmt.Errorf("vote skip disabled in room %s: %w", s.room.Slug, model.ErrForbidden)
	}
	if _, ok := s.participants[voterID]; !ok {
		return VoteTally{}, fmt.Errorf("participant %s: %w", voterID, model.ErrNotFound)
	}
	cur := s.queue.Current()
	if cur == nil || cur.ID != songID {
		return VoteTally{}, fmt.Errorf("vote for %q: %w", songID, model.ErrStaleVote)
	}

	if !s.votes.Cast(songID, voterID, s.wall.Now()) {
		return s.tally(), nil
	}

	tally := s.tally()
	if s.votes.QuorumReached(len(s.participants)) {
		tally.Skipped = true
		s.emit(MsgTypeVoteUpdate, tally)
		s.transition(model.SongSkipped)
		return tally, nil
	}
	s.emit(MsgTypeVoteUpdate, tally)
	return tally, nil
}

// ========== 播放控制（房主） ==========

func (s *roomState) play(requesterID, songID string, positionMs int64) error {
	if !s.isHost(requesterID) {
		return fmt.Errorf("play: %w", model.ErrForbidden)
	}
	if err := s.clock.Play(songID, positionMs); err != nil {
		return err
	}
	s.emit(MsgTypePlaybackUpdate, s.clock.Snapshot())
	return nil
}

func (s *roomState) pause(requesterID string, positionMs int64) error {
	if !s.isHost(requesterID) {
		return fmt.Errorf("pause: %w", model.ErrForbidden)
	}
	if err := s.clock.Pause(positionMs); err != nil {
		return err
	}
	s.emit(MsgTypePlaybackUpdate, s.clock.Snapshot())
	return nil
}

func (s *roomState) seek(requesterID string, positionMs int64) error {
	if !s.isHost(requesterID) {
		return fmt.Errorf("seek: %w", model.ErrForbidden)
	}
	if err := s.clock.SeekTo(positionMs); err != nil {
		return err
	}
	s.emit(MsgTypePlaybackUpdate, s.clock.Snapshot())
	return nil
}

// ========== 设置 ==========

func (s *roomState) updateSettings(requesterID string, settings model.RoomSettings) error {
	if !s.isHost(requesterID) {
		return fmt.Errorf("update settings: %w", model.ErrForbidden)
	}
	s.room.Settings = settings
	s.queue.historyLimit = settings.HistoryLimit
	s.emit(MsgTypeSettingsUpdate, settings)
	return nil
}

// ========== 关闭 ==========

// closeRoom 房主关闭房间；调用方负责先持久化
func (s *roomState) closeRoom(requesterID string) error {
	if !s.isHost(requesterID) {
		return fmt.Errorf("close room: %w", model.ErrForbidden)
	}
	s.room.Active = false
	s.closed = true
	s.clock.stop()
	s.votes.Clear()
	s.emitClose(MsgTypeRoomClosed, s.view())
	return nil
}
