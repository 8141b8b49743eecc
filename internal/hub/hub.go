package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/batch"
	"github.com/pumarogie/clock-synchronization-world/internal/protocol"
	"github.com/pumarogie/clock-synchronization-world/internal/ratelimit"
	"github.com/pumarogie/clock-synchronization-world/internal/room"
	"github.com/pumarogie/clock-synchronization-world/internal/store"
)

const (
	// 周期任务的节拍。
	batchFlushInterval = 100 * time.Millisecond
	videoTickInterval  = 500 * time.Millisecond
	serverTimeInterval = time.Second

	// DefaultPingInterval 是 websocket 保活 Ping 的默认周期。
	DefaultPingInterval = 25 * time.Second
)

// Hub 维护本实例的活跃会话集合，负责入站消息分发、
// 房间广播（经 KV 端口的发布/订阅跨实例扇出）和各周期任务。
type Hub struct {
	store      store.Store
	rooms      *room.Manager
	limiter    *ratelimit.Limiter
	batcher    *batch.Batcher
	instanceID string
	log        *logrus.Entry

	pingInterval time.Duration

	// 连接生命周期通道。
	register   chan *Client
	unregister chan *Client

	// 按房间组织的本地会话集合。
	clientsMu   sync.RWMutex
	roomClients map[string]map[*Client]bool

	// 每个有本地成员的房间持有一个频道订阅。
	subsMu sync.Mutex
	subs   map[string]store.Subscription

	// 反应 id 的单调计数器。
	reactionSeq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建 Hub。pingInterval<=0 时用默认值。
func New(st store.Store, rooms *room.Manager, limiter *ratelimit.Limiter, instanceID string, pingInterval time.Duration, log *logrus.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:        st,
		rooms:        rooms,
		limiter:      limiter,
		batcher:      batch.NewBatcher(),
		instanceID:   instanceID,
		log:          log.WithField("component", "hub"),
		pingInterval: pingInterval,
		register:     make(chan *Client, 64),
		unregister:   make(chan *Client, 64),
		roomClients:  make(map[string]map[*Client]bool),
		subs:         make(map[string]store.Subscription),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Run 启动 Hub 主循环和各周期任务。应在单独的 goroutine 中调用。
func (h *Hub) Run() {
	h.log.Info("Hub is running")

	h.wg.Add(3)
	go h.flushLoop()
	go h.videoTickLoop()
	go h.serverTimeLoop()

	for {
		select {
		case <-h.ctx.Done():
			h.log.Info("Hub is shutting down")
			return
		case client := <-h.register:
			h.log.WithField("user_id", client.user.ID).Debug("Client registered")
		case client := <-h.unregister:
			h.finishSession(client)
		}
	}
}

// Stop 关闭所有订阅和周期任务，并在退出前把挂起的批刷出去。
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()

	// 最后一次刷新，尽量不丢已入队的光标/反应
	h.flushAllBatches()

	h.subsMu.Lock()
	for roomID, sub := range h.subs {
		_ = sub.Close()
		delete(h.subs, roomID)
	}
	h.subsMu.Unlock()

	h.clientsMu.Lock()
	for _, clients := range h.roomClients {
		for c := range clients {
			c.markClosed()
			c.conn.Close()
		}
	}
	h.roomClients = make(map[string]map[*Client]bool)
	h.clientsMu.Unlock()

	h.log.Info("Hub stopped")
}

// StartSession 完成一个新连接的识别和自动加入：
// 发 user:self，加入请求的房间（默认大厅），最后才启动读写泵，
// 保证初始加入不会和客户端的首批消息并发。
func (h *Hub) StartSession(client *Client, requestedRoom string) {
	select {
	case h.register <- client:
	default:
	}

	if frame, err := protocol.Encode(protocol.EventUserSelf, client.user); err == nil {
		client.enqueue(frame)
	}

	if requestedRoom == "" {
		requestedRoom = room.DefaultRoomID
	}
	h.joinRoom(client, requestedRoom)

	client.Run()
}

// finishSession 处理会话注销：离开房间并把会话置为 CLOSED。
func (h *Hub) finishSession(client *Client) {
	h.leaveRoom(client, true)
	client.markClosed()
	h.log.WithField("user_id", client.user.ID).Info("Client unregistered")
}

// --- 房间成员管理 ---

// addLocal 把会话放进本地房间表；房间首个本地成员时建立频道订阅。
func (h *Hub) addLocal(client *Client, roomID string) {
	h.clientsMu.Lock()
	if _, ok := h.roomClients[roomID]; !ok {
		h.roomClients[roomID] = make(map[*Client]bool)
	}
	h.roomClients[roomID][client] = true
	h.clientsMu.Unlock()

	h.ensureSubscription(roomID)
}

// removeLocal 从本地房间表移除会话；
// 房间不再有本地成员时撤销订阅并丢弃批处理累积器。
func (h *Hub) removeLocal(client *Client, roomID string) {
	h.clientsMu.Lock()
	empty := false
	if clients, ok := h.roomClients[roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.roomClients, roomID)
			empty = true
		}
	}
	h.clientsMu.Unlock()

	if empty {
		h.dropSubscription(roomID)
		h.batcher.DropRoom(roomID)
	}
}

// ensureSubscription 确保对某房间频道的订阅存在。
// 订阅回调把帧扇出给该房间的本地会话。
func (h *Hub) ensureSubscription(roomID string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if _, ok := h.subs[roomID]; ok {
		return
	}
	channel := h.rooms.Channel(roomID)
	sub, err := h.store.Subscribe(h.ctx, channel, func(payload string) {
		h.deliverLocal(roomID, []byte(payload))
	})
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Error("Failed to subscribe to room channel")
		return
	}
	h.subs[roomID] = sub
}

func (h *Hub) dropSubscription(roomID string) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if sub, ok := h.subs[roomID]; ok {
		_ = sub.Close()
		delete(h.subs, roomID)
	}
}

// deliverLocal 把一帧投给某房间的所有本地会话（非阻塞，慢客户端丢帧）。
func (h *Hub) deliverLocal(roomID string, frame []byte) {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.roomClients[roomID]))
	for c := range h.roomClients[roomID] {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		c.enqueue(frame)
	}
}

// broadcast 把一个事件发布到房间频道。
// 经由 KV 端口的发布/订阅，集群内所有订阅该房间的实例都会收到；
// 发布失败只记日志（后续状态读取会重新收敛）。
func (h *Hub) broadcast(roomID string, event protocol.Event, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		h.log.WithError(err).WithField("event", string(event)).Error("Failed to encode broadcast")
		return
	}
	if err := h.store.Publish(h.ctx, h.rooms.Channel(roomID), string(frame)); err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Publish failed, broadcast lost")
	}
}

// activeRooms 返回当前有本地会话的房间列表。
func (h *Hub) activeRooms() []string {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	ids := make([]string, 0, len(h.roomClients))
	for id := range h.roomClients {
		ids = append(ids, id)
	}
	return ids
}

// LocalSessionCount 返回本实例已加入房间的活跃会话数。
func (h *Hub) LocalSessionCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	n := 0
	for _, clients := range h.roomClients {
		n += len(clients)
	}
	return n
}

// --- 周期任务 ---

// flushLoop 每 100ms 把各房间累积的光标/反应批广播出去。
func (h *Hub) flushLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.flushAllBatches()
		}
	}
}

func (h *Hub) flushAllBatches() {
	for _, roomID := range h.activeRooms() {
		if cursors := h.batcher.FlushCursors(roomID); len(cursors) > 0 {
			h.broadcast(roomID, protocol.EventCursorsBatch, cursors)
		}
		if reactions := h.batcher.FlushReactions(roomID); len(reactions) > 0 {
			h.broadcast(roomID, protocol.EventReactionsBatch, reactions)
		}
	}
}

// videoTickLoop 每 500ms 推进有本地成员的房间的权威播放位置并广播。
// 多实例同时推进同一房间时按最后写入者赢收敛。
func (h *Hub) videoTickLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(videoTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			for _, roomID := range h.activeRooms() {
				state, err := h.rooms.UpdateVideoTime(h.ctx, roomID)
				if err != nil {
					h.log.WithError(err).WithField("room_id", roomID).Warn("Video tick failed")
					continue
				}
				h.broadcast(roomID, protocol.EventVideoState, state)
			}
		}
	}
}

// serverTimeLoop 每秒把本实例时间直接发给本地会话（不经发布/订阅，
// 避免多实例互相转发各自的时钟）。
func (h *Hub) serverTimeLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(serverTimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.Encode(protocol.EventServerTime, protocol.ServerTimePayload{
				ServerTime: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			for _, roomID := range h.activeRooms() {
				h.deliverLocal(roomID, frame)
			}
		}
	}
}

// nextReactionID 生成全局唯一的反应 id：单调计数 + 毫秒 + 随机后缀。
func (h *Hub) nextReactionID() string {
	seq := h.reactionSeq.Add(1)
	suffix := uuid.NewString()[:4]
	return fmt.Sprintf("%d-%d-%s", seq, time.Now().UnixMilli(), suffix)
}

// NewUserID 生成一个不透明的临时用户 id。
func NewUserID() string {
	return "user_" + uuid.NewString()[:7]
}
