package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"YoYoMusic/core/room"
	"YoYoMusic/model"
)

const testSlug = "ROOM01"

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, slug string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.conns) {
		return nil, fmt.Errorf("no more connections: %w", model.ErrTransientDisconnect)
	}
	c := d.conns[d.dials]
	d.dials++
	return c, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	views   []*room.View
	err     error
	fetches int
}

func (f *fakeFetcher) FetchRoom(ctx context.Context, slug string) (*room.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v := f.views[f.fetches]
	if f.fetches < len(f.views)-1 {
		f.fetches++
	}
	return v, nil
}

func strPtr(s string) *string { return &s }
func int64Ptr(n int64) *int64 { return &n }

func testSong(id string, status model.SongStatus, pos int) model.QueueSong {
	return model.QueueSong{ID: id, SourceRef: "netease:" + id, Title: id, DurationMs: int64Ptr(10000), Status: status, Position: pos}
}

func pausedView(version uint64, current string, positionMs int64, queued ...string) *room.View {
	np := testSong(current, model.SongPlaying, 0)
	v := &room.View{
		Room:             model.Room{Slug: testSlug, Settings: model.DefaultRoomSettings()},
		Playback:         model.PlaybackState{Status: model.PlaybackPaused, CurrentSongID: strPtr(current), PositionMs: positionMs, Speed: 1},
		NowPlaying:       &np,
		ParticipantCount: 2,
		Version:          version,
	}
	for i, id := range queued {
		v.Queue = append(v.Queue, testSong(id, model.SongQueued, i+1))
	}
	return v
}

func frame(t *testing.T, msgs ...room.Message) []byte {
	t.Helper()
	var out []byte
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, data...)
	}
	return out
}

func push(t *testing.T, typ room.MessageType, version uint64, data any) room.Message {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return room.Message{Type: typ, RoomSlug: testSlug, Version: version, Data: raw}
}

func expectedState(v *room.View, connected bool) State {
	return State{
		Playback:         v.Playback,
		NowPlaying:       v.NowPlaying,
		Queue:            v.Queue,
		ParticipantCount: v.ParticipantCount,
		Votes:            v.Votes,
		Settings:         v.Room.Settings,
		Version:          v.Version,
		PositionMs:       v.Playback.PositionMs,
		Connected:        connected,
	}
}

func waitFor(t *testing.T, ch <-chan State, cond func(State) bool) State {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return s
			}
		case <-timeout:
			t.Fatal("timed out waiting for state")
		}
	}
}

func TestPushesOlderThanFetchAreIgnored(t *testing.T) {
	a := New(Config{Slug: testSlug, Clock: clockwork.NewFakeClock()})
	view := pausedView(5, "A", 1000, "B")
	a.applyFetched(view)

	a.handleFrame(frame(t,
		push(t, room.MsgTypePlaybackUpdate, 4, model.PlaybackState{Status: model.PlaybackPaused, CurrentSongID: strPtr("A"), PositionMs: 9999}),
		push(t, room.MsgTypeParticipantJoined, 6, room.CountData{Count: 3}),
	))
	other := push(t, room.MsgTypeParticipantJoined, 7, room.CountData{Count: 40})
	other.RoomSlug = "OTHER1"
	a.handleFrame(frame(t, other))

	want := expectedState(view, true)
	want.Version = 6
	want.ParticipantCount = 3
	if diff := cmp.Diff(want, a.State()); diff != "" {
		t.Fatalf("state (-want +got):\n%s", diff)
	}
}

func TestMalformedPushDoesNotAdvanceVersion(t *testing.T) {
	a := New(Config{Slug: testSlug, Clock: clockwork.NewFakeClock()})
	a.applyFetched(pausedView(1, "A", 0))

	bad := room.Message{Type: room.MsgTypeQueueUpdate, RoomSlug: testSlug, Version: 2, Data: json.RawMessage(`[1,2]`)}
	a.handleFrame(frame(t, bad))
	if got := a.State().Version; got != 1 {
		t.Fatalf("version = %d after malformed push, want 1", got)
	}
	a.handleFrame([]byte("not json"))
	if got := a.State().Version; got != 1 {
		t.Fatalf("version = %d after garbage frame, want 1", got)
	}
}

func TestExtrapolationFollowsStatus(t *testing.T) {
	fc := clockwork.NewFakeClock()
	changes := make(chan State, 64)
	a := New(Config{
		Slug:         testSlug,
		Clock:        fc,
		TickInterval: 250 * time.Millisecond,
		OnChange:     func(s State) { changes <- s },
	})

	view := pausedView(1, "A", 0)
	view.Playback.Status = model.PlaybackPlaying
	view.Playback.UpdatedAt = fc.Now().UnixMilli()
	a.applyFetched(view)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker not started: %v", err)
	}
	fc.Advance(250 * time.Millisecond)
	waitFor(t, changes, func(s State) bool { return s.PositionMs == 250 })

	// 暂停后立即停止外推
	a.handleMessage(&room.Message{
		Type: room.MsgTypePlaybackUpdate, RoomSlug: testSlug, Version: 2,
		Data: mustJSON(t, model.PlaybackState{Status: model.PlaybackPaused, CurrentSongID: strPtr("A"), PositionMs: 300, UpdatedAt: fc.Now().UnixMilli(), Speed: 1}),
	})
	if err := fc.BlockUntilContext(ctx, 0); err != nil {
		t.Fatalf("ticker not stopped: %v", err)
	}
	fc.Advance(time.Second)
	if got := a.State().PositionMs; got != 300 {
		t.Fatalf("paused position = %d, want 300", got)
	}
	if got := a.Position(); got != 300 {
		t.Fatalf("Position() = %d, want 300", got)
	}

	// 恢复播放后外推到歌曲时长为止
	a.handleMessage(&room.Message{
		Type: room.MsgTypePlaybackUpdate, RoomSlug: testSlug, Version: 3,
		Data: mustJSON(t, model.PlaybackState{Status: model.PlaybackPlaying, CurrentSongID: strPtr("A"), PositionMs: 9900, UpdatedAt: fc.Now().UnixMilli(), Speed: 1}),
	})
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker not restarted: %v", err)
	}
	fc.Advance(250 * time.Millisecond)
	waitFor(t, changes, func(s State) bool { return s.PositionMs == 10000 })

	a.disconnected()
	if err := fc.BlockUntilContext(ctx, 0); err != nil {
		t.Fatalf("ticker not stopped on disconnect: %v", err)
	}
	if a.State().Connected {
		t.Fatal("agent should report disconnected")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestRunRefetchesAfterReconnect(t *testing.T) {
	fc := clockwork.NewFakeClock()
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	before := pausedView(3, "A", 1000, "B")
	after := pausedView(8, "B", 0, "C")
	fetcher := &fakeFetcher{views: []*room.View{before, after}}

	changes := make(chan State, 64)
	a := New(Config{
		Slug:     testSlug,
		Fetcher:  fetcher,
		Dialer:   dialer,
		Clock:    fc,
		Retry:    RetryPolicy{Interval: 3 * time.Second},
		OnChange: func(s State) { changes <- s },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, changes, func(s State) bool { return s.Connected && s.Version == 3 })
	first.frames <- frame(t, push(t, room.MsgTypeParticipantJoined, 4, room.CountData{Count: 3}))
	waitFor(t, changes, func(s State) bool { return s.Version == 4 })

	first.Close()
	waitFor(t, changes, func(s State) bool { return !s.Connected })

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer blockCancel()
	if err := fc.BlockUntilContext(blockCtx, 1); err != nil {
		t.Fatalf("retry timer not armed: %v", err)
	}
	fc.Advance(3 * time.Second)

	got := waitFor(t, changes, func(s State) bool { return s.Connected && s.Version == 8 })
	if diff := cmp.Diff(expectedState(after, true), got); diff != "" {
		t.Fatalf("state after reconnect (-want +got):\n%s", diff)
	}

	// 重连后补发的旧推送被丢弃
	second.frames <- frame(t, push(t, room.MsgTypeParticipantJoined, 7, room.CountData{Count: 99}))
	second.frames <- frame(t, push(t, room.MsgTypeParticipantLeft, 9, room.CountData{Count: 1}))
	waitFor(t, changes, func(s State) bool { return s.Version == 9 })
	if got := a.State().ParticipantCount; got != 1 {
		t.Fatalf("participant count = %d, want 1", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
	if dialer.dials != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dials)
	}
}

func TestRunStopsOnMissingRoom(t *testing.T) {
	a := New(Config{
		Slug:    testSlug,
		Dialer:  &fakeDialer{conns: []*fakeConn{newFakeConn()}},
		Fetcher: &fakeFetcher{err: fmt.Errorf("fetch: %w", model.ErrNotFound)},
		Clock:   clockwork.NewFakeClock(),
	})
	err := a.Run(context.Background())
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Run = %v, want ErrNotFound", err)
	}
}

// 断线重连后全量拉取得到的状态与一直在线的客户端一致
func TestReconnectConvergesWithContinuousClient(t *testing.T) {
	fc := clockwork.NewFakeClock()
	initial := pausedView(1, "A", 500, "B", "C")

	continuous := New(Config{Slug: testSlug, Clock: fc})
	continuous.applyFetched(initial)
	reconnecting := New(Config{Slug: testSlug, Clock: fc})
	reconnecting.applyFetched(initial)

	songB := testSong("B", model.SongPlaying, 1)
	songC := testSong("C", model.SongQueued, 2)
	pb := model.PlaybackState{Status: model.PlaybackPaused, CurrentSongID: strPtr("B"), PositionMs: 0, Speed: 1}
	pushes := []room.Message{
		push(t, room.MsgTypeQueueUpdate, 2, model.QueueSnapshot{NowPlaying: &songB, Queue: []model.QueueSong{songC}}),
		push(t, room.MsgTypePlaybackUpdate, 3, pb),
		push(t, room.MsgTypeParticipantLeft, 4, room.CountData{Count: 1}),
	}
	for _, m := range pushes {
		m := m
		continuous.handleMessage(&m)
	}

	// 断线期间错过全部推送，重连后拉取到服务端最新视图
	reconnecting.disconnected()
	latest := &room.View{
		Room:             initial.Room,
		Playback:         pb,
		NowPlaying:       &songB,
		Queue:            []model.QueueSong{songC},
		ParticipantCount: 1,
		Version:          4,
	}
	reconnecting.applyFetched(latest)
	for _, m := range pushes {
		m := m
		reconnecting.handleMessage(&m)
	}

	if diff := cmp.Diff(continuous.State(), reconnecting.State()); diff != "" {
		t.Fatalf("states diverged (-continuous +reconnecting):\n%s", diff)
	}
}
