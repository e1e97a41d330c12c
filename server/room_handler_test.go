package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"YoYoMusic/cache"
	"YoYoMusic/core/auth"
	"YoYoMusic/core/room"
	"YoYoMusic/model"
	"YoYoMusic/repository"
)

type staticDefaults struct{}

func (staticDefaults) Get() model.RoomSettings { return model.DefaultRoomSettings() }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clock := clockwork.NewRealClock()
	hub := room.NewHub()
	go hub.Run()

	relay := room.NewLocalRelay()
	relay.Start(context.Background(), hub.Deliver)

	repo := repository.NewMemoryRoomRepository()
	store := room.NewStore(repo, relay, room.StoreConfig{IdleTTL: time.Minute, Clock: clock})
	manager := room.NewRoomManager(room.ManagerDeps{
		Repo:     repo,
		Store:    store,
		Hub:      hub,
		Limiter:  cache.NewMemoryRateLimiter(clock),
		Tokens:   auth.NewTokenIssuer("test-secret", time.Hour, clock),
		Defaults: staticDefaults{},
		Clock:    clock,
	})

	srv := httptest.NewServer(NewRouter(manager, 64))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.Shutdown(ctx)
		hub.Stop()
	})
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func createRoom(t *testing.T, srv *httptest.Server, settings map[string]any) room.JoinResult {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", "",
		CreateRoomRequest{Name: "Friday", DisplayName: "alice", Settings: settings})
	if status != http.StatusCreated {
		t.Fatalf("create room status = %d, body = %s", status, body)
	}
	return decode[room.JoinResult](t, body)
}

func joinRoom(t *testing.T, srv *httptest.Server, slug, name string) room.JoinResult {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+slug+"/join", "", JoinRoomRequest{DisplayName: name})
	if status != http.StatusOK {
		t.Fatalf("join status = %d, body = %s", status, body)
	}
	return decode[room.JoinResult](t, body)
}

func TestCreateJoinAndGetRoom(t *testing.T) {
	srv := newTestServer(t)
	host := createRoom(t, srv, map[string]any{"vote_skip": false})
	slug := host.Room.Slug
	if host.Token == "" || host.Room.HostID != host.ParticipantID {
		t.Fatalf("create result = %+v", host)
	}
	if host.Room.Settings.VoteSkip {
		t.Fatal("vote_skip setting should be applied")
	}

	guest := joinRoom(t, srv, slug, "bob")
	if guest.ParticipantID == host.ParticipantID || guest.Token == "" {
		t.Fatalf("join result = %+v", guest)
	}

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+slug, "", nil)
	if status != http.StatusOK {
		t.Fatalf("get room status = %d", status)
	}
	view := decode[room.View](t, body)
	if view.Room.Slug != slug || view.Playback.Status != model.PlaybackIdle || view.NowPlaying != nil {
		t.Fatalf("view = %+v", view)
	}

	status, body = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/ZZZZZZ", "", nil)
	if status != http.StatusNotFound || decode[ErrorResponse](t, body).Code != "not_found" {
		t.Fatalf("unknown room: status = %d, body = %s", status, body)
	}
	status, _ = doJSON(t, http.MethodPost, srv.URL+"/api/rooms/ZZZZZZ/join", "", JoinRoomRequest{DisplayName: "eve"})
	if status != http.StatusNotFound {
		t.Fatalf("join unknown room status = %d", status)
	}
}

func TestCreateRoomRejectsBadSettings(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", "",
		CreateRoomRequest{Name: "x", Settings: map[string]any{"max_participants": "many"}})
	if status != http.StatusBadRequest || decode[ErrorResponse](t, body).Code != "bad_request" {
		t.Fatalf("status = %d, body = %s", status, body)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/rooms", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)
	a := createRoom(t, srv, nil)
	b := createRoom(t, srv, nil)
	url := srv.URL + "/api/rooms/" + a.Room.Slug + "/queue"
	song := room.EnqueueData{SourceRef: "netease:1", Title: "Hello"}

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{name: "missing", token: "", status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "garbage", token: "not-a-token", status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "other room", token: b.Token, status: http.StatusForbidden, code: "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, http.MethodPost, url, tt.token, song)
			if status != tt.status || decode[ErrorResponse](t, body).Code != tt.code {
				t.Fatalf("status = %d, body = %s", status, body)
			}
		})
	}

	status, body := doJSON(t, http.MethodPost, url, a.Token, song)
	if status != http.StatusCreated {
		t.Fatalf("authorized enqueue status = %d, body = %s", status, body)
	}
}

func TestQueueAndPlayerFlow(t *testing.T) {
	srv := newTestServer(t)
	host := createRoom(t, srv, nil)
	slug := host.Room.Slug
	guest := joinRoom(t, srv, slug, "bob")
	base := srv.URL + "/api/rooms/" + slug

	duration := int64(180000)
	status, body := doJSON(t, http.MethodPost, base+"/queue", guest.Token,
		room.EnqueueData{SourceRef: "netease:1", Title: "Hello", DurationMs: &duration})
	if status != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", status, body)
	}
	first := decode[model.QueueSong](t, body)
	doJSON(t, http.MethodPost, base+"/queue", guest.Token, room.EnqueueData{SourceRef: "netease:2"})

	// 空闲房间点歌后自动播放
	status, body = doJSON(t, http.MethodGet, base+"/queue", "", nil)
	if status != http.StatusOK {
		t.Fatalf("get queue status = %d", status)
	}
	queue := decode[model.QueueSnapshot](t, body)
	if queue.NowPlaying == nil || queue.NowPlaying.ID != first.ID || len(queue.Queue) != 1 {
		t.Fatalf("queue = %+v", queue)
	}

	status, body = doJSON(t, http.MethodPost, base+"/player/pause", guest.Token, room.PositionData{PositionMs: 1000})
	if status != http.StatusForbidden {
		t.Fatalf("guest pause status = %d, body = %s", status, body)
	}
	status, body = doJSON(t, http.MethodPost, base+"/player/pause", host.Token, room.PositionData{PositionMs: 1000})
	if status != http.StatusOK {
		t.Fatalf("host pause status = %d, body = %s", status, body)
	}
	pb := decode[model.PlaybackState](t, body)
	if pb.Status != model.PlaybackPaused || pb.PositionMs != 1000 {
		t.Fatalf("playback = %+v", pb)
	}

	status, body = doJSON(t, http.MethodPost, base+"/queue/song-ended", guest.Token, room.SongRefData{})
	if status != http.StatusConflict || decode[ErrorResponse](t, body).Code != "invalid_song" {
		t.Fatalf("empty song id: status = %d, body = %s", status, body)
	}
	status, body = doJSON(t, http.MethodPost, base+"/queue/song-ended", guest.Token, room.SongRefData{SongID: "stale"})
	if status != http.StatusOK || decode[AdvanceResponse](t, body).Advanced {
		t.Fatalf("mismatched song id: status = %d, body = %s", status, body)
	}
	status, body = doJSON(t, http.MethodPost, base+"/queue/song-ended", guest.Token, room.SongRefData{SongID: first.ID})
	if status != http.StatusOK || !decode[AdvanceResponse](t, body).Advanced {
		t.Fatalf("song ended: status = %d, body = %s", status, body)
	}
	status, body = doJSON(t, http.MethodPost, base+"/queue/song-ended", guest.Token, room.SongRefData{SongID: first.ID})
	if status != http.StatusOK || decode[AdvanceResponse](t, body).Advanced {
		t.Fatalf("duplicate song ended: status = %d, body = %s", status, body)
	}

	status, _ = doJSON(t, http.MethodPost, base+"/queue/skip", guest.Token, nil)
	if status != http.StatusForbidden {
		t.Fatalf("guest skip status = %d", status)
	}
	status, body = doJSON(t, http.MethodPost, base+"/queue/skip", host.Token, nil)
	if status != http.StatusOK || !decode[AdvanceResponse](t, body).Advanced {
		t.Fatalf("host skip: status = %d, body = %s", status, body)
	}

	status, body = doJSON(t, http.MethodGet, base, "", nil)
	view := decode[room.View](t, body)
	if status != http.StatusOK || view.NowPlaying != nil || view.Playback.Status != model.PlaybackIdle {
		t.Fatalf("view after queue drained = %+v", view)
	}
}

func TestRemoveAndReorder(t *testing.T) {
	srv := newTestServer(t)
	host := createRoom(t, srv, map[string]any{"auto_play": false})
	guest := joinRoom(t, srv, host.Room.Slug, "bob")
	base := srv.URL + "/api/rooms/" + host.Room.Slug

	var ids []string
	for _, ref := range []string{"a", "b", "c"} {
		_, body := doJSON(t, http.MethodPost, base+"/queue", guest.Token, room.EnqueueData{SourceRef: ref})
		ids = append(ids, decode[model.QueueSong](t, body).ID)
	}

	status, _ := doJSON(t, http.MethodPost, base+"/queue/"+ids[2]+"/position", guest.Token, ReorderRequest{Position: 0})
	if status != http.StatusForbidden {
		t.Fatalf("guest reorder status = %d", status)
	}
	status, body := doJSON(t, http.MethodPost, base+"/queue/"+ids[2]+"/position", host.Token, ReorderRequest{Position: 0})
	if status != http.StatusOK {
		t.Fatalf("reorder status = %d, body = %s", status, body)
	}
	queue := decode[model.QueueSnapshot](t, body)
	if len(queue.Queue) != 3 || queue.Queue[0].ID != ids[2] {
		t.Fatalf("queue after reorder = %+v", queue.Queue)
	}

	// 点歌人可以删除自己的歌
	status, _ = doJSON(t, http.MethodDelete, base+"/queue/"+ids[0], guest.Token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("remove status = %d", status)
	}
	status, body = doJSON(t, http.MethodDelete, base+"/queue/"+ids[0], guest.Token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("second remove status = %d, body = %s", status, body)
	}
}

// readUntil 读取推送直到出现指定类型的消息
func readUntil(t *testing.T, conn *websocket.Conn, want room.MessageType) room.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var msg room.Message
			if err := dec.Decode(&msg); err != nil {
				break
			}
			if msg.Type == want {
				return msg
			}
		}
	}
}

func wsURL(srv *httptest.Server, slug, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + slug + "?token=" + token
}

func TestWebSocketSnapshotAndPush(t *testing.T) {
	srv := newTestServer(t)
	host := createRoom(t, srv, nil)
	slug := host.Room.Slug

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, slug, host.Token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	snap := readUntil(t, conn, room.MsgTypeRoomSnapshot)
	view := decode[room.View](t, snap.Data)
	if view.ParticipantCount != 1 || view.Room.Slug != slug || snap.Version == 0 {
		t.Fatalf("snapshot = %+v, version %d", view, snap.Version)
	}

	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+slug+"/queue", host.Token, room.EnqueueData{SourceRef: "netease:1"})
	if status != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", status, body)
	}
	update := readUntil(t, conn, room.MsgTypePlaybackUpdate)
	pb := decode[model.PlaybackState](t, update.Data)
	if pb.Status != model.PlaybackPlaying || update.Version <= snap.Version {
		t.Fatalf("playback update = %+v, version %d", pb, update.Version)
	}

	// 非房主的指令只给自己回 error
	guest := joinRoom(t, srv, slug, "bob")
	gconn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, slug, guest.Token), nil)
	if err != nil {
		t.Fatalf("dial guest: %v", err)
	}
	defer gconn.Close()
	readUntil(t, gconn, room.MsgTypeRoomSnapshot)

	if err := gconn.WriteJSON(room.Inbound{Type: room.MsgTypeSkip, RequestID: "r1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	errMsg := readUntil(t, gconn, room.MsgTypeError)
	data := decode[room.ErrorData](t, errMsg.Data)
	if data.Code != "forbidden" || data.RequestID != "r1" {
		t.Fatalf("error data = %+v", data)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	srv := newTestServer(t)
	a := createRoom(t, srv, nil)
	b := createRoom(t, srv, nil)

	tests := []struct {
		name   string
		slug   string
		token  string
		status int
	}{
		{name: "invalid", slug: a.Room.Slug, token: "bogus", status: http.StatusUnauthorized},
		{name: "other room", slug: a.Room.Slug, token: b.Token, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.slug, tt.token), nil)
			if err == nil {
				t.Fatal("dial should fail")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %+v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"not_found", http.StatusNotFound},
		{"forbidden", http.StatusForbidden},
		{"stale_vote", http.StatusConflict},
		{"rate_limited", http.StatusTooManyRequests},
		{"bad_request", http.StatusBadRequest},
		{"upstream_error", http.StatusBadGateway},
		{"unavailable", http.StatusServiceUnavailable},
		{"internal", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.code); got != tt.want {
			t.Errorf("statusFor(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestCloseRoom(t *testing.T) {
	srv := newTestServer(t)
	host := createRoom(t, srv, nil)
	slug := host.Room.Slug
	guest := joinRoom(t, srv, slug, "bob")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, slug, guest.Token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, room.MsgTypeRoomSnapshot)

	if status, body := doJSON(t, http.MethodDelete, srv.URL+"/api/rooms/"+slug, guest.Token, nil); status != http.StatusForbidden {
		t.Fatalf("guest close status = %d, body = %s", status, body)
	}
	if status, body := doJSON(t, http.MethodDelete, srv.URL+"/api/rooms/"+slug, host.Token, nil); status != http.StatusNoContent {
		t.Fatalf("close status = %d, body = %s", status, body)
	}

	// 收到 room_closed 后服务端关闭连接
	readUntil(t, conn, room.MsgTypeRoomClosed)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection was not closed")
			}
			break
		}
	}

	if status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+slug, "", nil); status != http.StatusNotFound {
		t.Fatalf("get closed room status = %d", status)
	}
	if status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+slug+"/join", "", JoinRoomRequest{DisplayName: "late"}); status != http.StatusNotFound {
		t.Fatalf("join closed room status = %d", status)
	}
	if status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+slug+"/queue", host.Token, room.EnqueueData{SourceRef: "x"}); status != http.StatusNotFound {
		t.Fatalf("enqueue into closed room status = %d", status)
	}
}
