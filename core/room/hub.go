package room

import (
	"encoding/json"
	"sync"
	"time"

	"YoYoMusic/logger"
)

// Hub 本实例的 WebSocket 连接管理中心
// 注册/注销同步完成；中继消息经 broadcast 通道在 Run 协程中按序投递
type Hub struct {
	// 房间 -> 客户端集合
	rooms map[string]map[*Client]bool

	// 连接ID -> 客户端，用于定向消息
	conns map[string]*Client

	// 房间:参与者 -> 客户端（一个参与者在一个房间只保留一个连接）
	participants map[string]*Client

	broadcast chan Envelope

	mu   sync.RWMutex
	done chan struct{}
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		rooms:        make(map[string]map[*Client]bool),
		conns:        make(map[string]*Client),
		participants: make(map[string]*Client),
		broadcast:    make(chan Envelope, 256),
		done:         make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case env := <-h.broadcast:
			h.deliver(env)
		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

// Deliver 中继回调，入队等待 Run 协程投递
func (h *Hub) Deliver(env Envelope) {
	select {
	case h.broadcast <- env:
	case <-h.done:
	}
}

func participantKey(slug, participantID string) string {
	return slug + ":" + participantID
}

// Register 注册客户端；同一参与者的旧连接被踢下线
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := participantKey(client.RoomSlug, client.ParticipantID)
	if old, ok := h.participants[key]; ok && old != client {
		logger.Info("Replacing existing connection",
			logger.String("room", client.RoomSlug),
			logger.String("participant", client.ParticipantID),
			logger.String("old_conn", old.ConnectionID))
		h.removeClient(old)
	}

	if h.rooms[client.RoomSlug] == nil {
		h.rooms[client.RoomSlug] = make(map[*Client]bool)
	}
	h.rooms[client.RoomSlug][client] = true
	h.conns[client.ConnectionID] = client
	h.participants[key] = client

	logger.Info("Client registered",
		logger.String("room", client.RoomSlug),
		logger.String("participant", client.ParticipantID),
		logger.String("conn", client.ConnectionID))
}

// Unregister 注销客户端，可重复调用
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeClient(client)
}

// removeClient 移除客户端并关闭发送通道（需要持有写锁）
func (h *Hub) removeClient(client *Client) {
	clients, ok := h.rooms[client.RoomSlug]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.rooms, client.RoomSlug)
	}
	if h.conns[client.ConnectionID] == client {
		delete(h.conns, client.ConnectionID)
	}
	key := participantKey(client.RoomSlug, client.ParticipantID)
	if h.participants[key] == client {
		delete(h.participants, key)
	}
	close(client.Send)

	logger.Info("Client unregistered",
		logger.String("room", client.RoomSlug),
		logger.String("conn", client.ConnectionID))
}

// deliver 向本地连接投递；发送缓冲区满的连接被断开，不影响其它连接
// env.Close 时投递后断开该房间的全部本地连接
func (h *Hub) deliver(env Envelope) {
	var drop []*Client

	h.mu.RLock()
	if env.Target != "" {
		if client, ok := h.conns[env.Target]; ok && client.RoomSlug == env.RoomSlug {
			if !trySend(client, env.Payload) {
				drop = append(drop, client)
			}
		}
	} else {
		for client := range h.rooms[env.RoomSlug] {
			if !trySend(client, env.Payload) || env.Close {
				drop = append(drop, client)
			}
		}
	}
	h.mu.RUnlock()

	if len(drop) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range drop {
		if env.Close {
			h.removeClient(client)
			continue
		}
		logger.Warn("Disconnecting slow consumer",
			logger.String("room", client.RoomSlug),
			logger.String("conn", client.ConnectionID))
		h.removeClient(client)
	}
	h.mu.Unlock()
}

// trySend 非阻塞发送，调用方需持有锁以保证通道未关闭
func trySend(client *Client, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// SendTo 直接发送给某个连接（错误、pong），不参与版本排序
func (h *Hub) SendTo(client *Client, msg *Message) bool {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.rooms[client.RoomSlug][client] {
		return false
	}
	return trySend(client, data)
}

// cleanup 关闭所有连接
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.rooms {
		for client := range clients {
			close(client.Send)
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.conns = make(map[string]*Client)
	h.participants = make(map[string]*Client)
}

// RoomClientCount 本实例上该房间的连接数
func (h *Hub) RoomClientCount(slug string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[slug])
}
