// internal/api/websocket.go
package api

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/StoryGenerator/internal/models"
	"github.com/Corphon/StoryGenerator/internal/utils"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置，CheckOrigin 为空时只接受同源请求
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// WebSocketClient 表示一个 WebSocket 客户端连接
type WebSocketClient struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	done      chan struct{}
	closed    int32 // 原子操作标志，0=开启，1=关闭
	createdAt time.Time
}

func newWebSocketClient(conn *websocket.Conn, sessionID string) *WebSocketClient {
	return &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.done)
		client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// SendMessage 非阻塞地把消息放入发送队列，队列满时丢弃
func (client *WebSocketClient) SendMessage(message []byte) bool {
	if client.IsClosed() {
		return false
	}
	select {
	case client.send <- message:
		return true
	default:
		utils.GetLogger().Warn("⚠️ 客户端消息队列已满，消息被丢弃", map[string]interface{}{
			"session_id": client.sessionID,
		})
		return false
	}
}

// writePump 把队列中的消息写到连接，并定期发送 ping
func (client *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.done:
			return
		}
	}
}

// readPump 只处理 pong 和关闭帧，客户端发来的数据被忽略
func (client *WebSocketClient) readPump() {
	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// SessionHub 按会话分发事件到对应浏览器的所有连接
type SessionHub struct {
	connections map[string]map[*WebSocketClient]struct{} // sessionID -> clients
	mutex       sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
	metrics     *utils.APIMetrics
}

// NewSessionHub 创建事件分发中心，metrics 为空时使用全局收集器
func NewSessionHub(metrics *utils.APIMetrics) *SessionHub {
	if metrics == nil {
		metrics = utils.NewAPIMetrics(nil)
	}
	return &SessionHub{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		metrics:     metrics,
	}
}

// Publish 把事件推送给会话的所有连接
func (h *SessionHub) Publish(event models.SessionEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		utils.GetLogger().Error("序列化会话事件失败", map[string]interface{}{"error": err})
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.connections[event.SessionID] {
		client.SendMessage(message)
	}
}

// ClientCount 返回会话当前的连接数
func (h *SessionHub) ClientCount(sessionID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.connections[sessionID])
}

// Serve 注册连接并阻塞到连接关闭
func (h *SessionHub) Serve(conn *websocket.Conn, sessionID string) {
	client := newWebSocketClient(conn, sessionID)
	if !h.register(client) {
		conn.Close()
		return
	}
	defer h.unregister(client)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()

	client.readPump()
	client.Close()
}

func (h *SessionHub) register(client *WebSocketClient) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return false
	}
	if h.connections[client.sessionID] == nil {
		h.connections[client.sessionID] = make(map[*WebSocketClient]struct{})
	}
	h.connections[client.sessionID][client] = struct{}{}
	h.metrics.ConnectionOpened()

	utils.GetLogger().Info("✅ WebSocket 客户端已连接", map[string]interface{}{
		"session_id": client.sessionID,
	})
	return true
}

func (h *SessionHub) unregister(client *WebSocketClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if clients, ok := h.connections[client.sessionID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			h.metrics.ConnectionClosed()
		}
		if len(clients) == 0 {
			delete(h.connections, client.sessionID)
		}
	}
	utils.GetLogger().Debug("WebSocket 客户端已断开", map[string]interface{}{
		"session_id": client.sessionID,
		"duration":   time.Since(client.createdAt).String(),
	})
}

// Close 关闭所有连接并等待写协程退出
func (h *SessionHub) Close() {
	h.mutex.Lock()
	h.closed = true
	var clients []*WebSocketClient
	for _, set := range h.connections {
		for client := range set {
			clients = append(clients, client)
		}
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.Close()
	}
	h.wg.Wait()
}
