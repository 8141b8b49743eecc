package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
)

// 包级别的 WebSocket 常量，hub 和 client 共用。
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// 每个客户端发送队列的缓冲大小。
	sendBufferSize = 256
)

// Client 代表一个连接到 Hub 的 WebSocket 会话。
// 会话状态机：CONNECTED → IDENTIFIED → JOINED →（活跃）→ LEAVING → CLOSED。
// 会话状态只由自己的读 goroutine 修改；roomID 另由锁保护，
// 因为 Hub 在注销清理时也要读它。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // 关闭表示会话进入 CLOSED，不再接受入队

	closed    atomic.Bool
	closeOnce sync.Once

	user domain.User

	mu     sync.Mutex
	roomID string // 为空表示尚未加入任何房间
}

// NewClient 创建一个已识别（IDENTIFIED）的会话。
func NewClient(h *Hub, conn *websocket.Conn, user domain.User) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		user: user,
	}
}

// markClosed 把会话置为 CLOSED。send 通道不关闭（广播可能并发入队），
// writePump 通过 done 退出。
func (c *Client) markClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// UserID 返回会话的用户 ID。
func (c *Client) UserID() string { return c.user.ID }

// RoomID 返回会话当前所在房间（可能为空）。
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoomID(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// Run 启动客户端的读写 goroutine。
func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}

// enqueue 非阻塞地把一帧放进发送队列。
// 队列满说明客户端太慢，丢帧并返回 false；状态类消息之后会重新收敛。
func (c *Client) enqueue(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"user_id": c.user.ID,
			"room_id": c.RoomID(),
		}).Warn("Client send channel full, dropping frame")
		return false
	}
}

// readPump 把入站帧交给 Hub 分发。
// 同一连接的消息在这个 goroutine 上按到达顺序处理（逐连接串行化）。
func (c *Client) readPump() {
	defer func() {
		// 退出时请求 Hub 注销，由 Hub 负责成员清理和广播
		select {
		case c.hub.unregister <- c:
		case <-time.After(time.Second):
			logrus.WithField("user_id", c.user.ID).Warn("Timeout queueing unregister to hub")
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) // 收到 Pong 后重置读超时
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			logCtx := logrus.WithFields(logrus.Fields{"user_id": c.user.ID, "room_id": c.RoomID()})
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed")
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.handleFrame(c, message)
	}
}

// writePump 把发送队列里的帧写到连接上，并按周期发 Ping。
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// 会话已被 Hub 置为 CLOSED
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithField("user_id", c.user.ID).WithError(err).Warn("Failed to write frame")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
