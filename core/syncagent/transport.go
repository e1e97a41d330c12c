package syncagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"YoYoMusic/core/room"
	"YoYoMusic/model"
)

// Conn 推送连接
type Conn interface {
	// ReadMessage 读取一帧，帧内可能包含多条以换行分隔的消息
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer 建立推送连接
type Dialer interface {
	Dial(ctx context.Context, slug string) (Conn, error)
}

// Fetcher 拉取房间完整状态
type Fetcher interface {
	FetchRoom(ctx context.Context, slug string) (*room.View, error)
}

// WSDialer 基于 gorilla/websocket 的连接器
type WSDialer struct {
	BaseURL string // http(s)://host:port
	Token   string
	Dialer  *websocket.Dialer
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Dial 连接 /ws/rooms/{slug}?token=
func (d *WSDialer) Dial(ctx context.Context, slug string) (Conn, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/rooms/" + url.PathEscape(slug)
	q := u.Query()
	q.Set("token", d.Token)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", slug, resp.Status, statusError(resp.StatusCode))
		}
		return nil, fmt.Errorf("dial %s: %v: %w", slug, err, model.ErrTransientDisconnect)
	}
	return &wsConn{conn: conn}, nil
}

// HTTPFetcher 通过 REST 接口拉取状态
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// FetchRoom GET /api/rooms/{slug}
func (f *HTTPFetcher) FetchRoom(ctx context.Context, slug string) (*room.View, error) {
	endpoint := strings.TrimSuffix(f.BaseURL, "/") + "/api/rooms/" + url.PathEscape(slug)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch room %s: %v: %w", slug, err, model.ErrTransientDisconnect)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch room %s: %s %s: %w", slug, resp.Status, strings.TrimSpace(string(body)), statusError(resp.StatusCode))
	}

	var view room.View
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", slug, err)
	}
	return &view, nil
}

func statusError(code int) error {
	switch code {
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrForbidden
	default:
		return model.ErrTransientDisconnect
	}
}
