package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"YoYoMusic/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// Client WebSocket 客户端
type Client struct {
	Hub           *Hub
	Conn          *websocket.Conn
	Send          chan []byte
	RoomSlug      string
	ParticipantID string
	ConnectionID  string
	DisplayName   string
}

// NewClient 创建客户端，sendBuffer 为发送缓冲区大小
func NewClient(hub *Hub, conn *websocket.Conn, slug, participantID, connectionID, displayName string, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		Hub:           hub,
		Conn:          conn,
		Send:          make(chan []byte, sendBuffer),
		RoomSlug:      slug,
		ParticipantID: participantID,
		ConnectionID:  connectionID,
		DisplayName:   displayName,
	}
}

// ReadPump 读取消息循环，连接断开或出错时返回
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *Inbound)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.String("room", c.RoomSlug),
					logger.String("conn", c.ConnectionID))
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("invalid message format",
				logger.ErrorField(err),
				logger.String("room", c.RoomSlug))
			c.Hub.SendTo(c, errorMessage(c.RoomSlug, "", "bad_request", "invalid message format"))
			continue
		}

		if msg.Type == MsgTypePing {
			c.Hub.SendTo(c, &Message{Type: MsgTypePong, RoomSlug: c.RoomSlug})
			continue
		}

		handler(ctx, c, &msg)
	}
}

// WritePump 写入消息循环
// 队列中积压的消息合并到同一帧，以换行分隔
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorMessage(slug, requestID, code, text string) *Message {
	data, _ := json.Marshal(ErrorData{Code: code, Message: text, RequestID: requestID})
	return &Message{Type: MsgTypeError, RoomSlug: slug, Data: data}
}
