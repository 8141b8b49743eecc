package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
	"github.com/pumarogie/clock-synchronization-world/internal/hub"
	"github.com/pumarogie/clock-synchronization-world/internal/ratelimit"
)

// Handler 负责 WebSocket 升级、连接准入和会话创建。
type Handler struct {
	upgrader   websocket.Upgrader
	hub        *hub.Hub
	gate       *ratelimit.ConnectionGate
	instanceID string
}

// NewHandler 创建 Handler 实例。
func NewHandler(h *hub.Hub, gate *ratelimit.ConnectionGate, instanceID string) *Handler {
	if h == nil {
		panic("Hub cannot be nil for websocket Handler")
	}
	if gate == nil {
		panic("ConnectionGate cannot be nil for websocket Handler")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 安全在前置代理终结，这里允许所有来源
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return &Handler{
		upgrader:   upgrader,
		hub:        h,
		gate:       gate,
		instanceID: instanceID,
	}
}

// HandleConnection 处理 GET /ws。
// 查询参数：timezone（IANA 时区，默认 UTC）、room（默认 main-lobby）。
func (h *Handler) HandleConnection(c *gin.Context) {
	addr := c.ClientIP()
	logCtx := logrus.WithField("remote", addr)

	// 1. 连接准入：超过阈值的来源直接拒绝，不做握手
	if !h.gate.Admit(c.Request.Context(), addr) {
		logCtx.Warn("WS Handler: Connection admission denied")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connection attempts"})
		return
	}

	tz := c.Query("timezone")
	requestedRoom := c.Query("room")

	// 2. 升级到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时已经写了 HTTP 错误响应，只记日志
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	// 3. 分配临时用户 id，并从时区推导展示信息
	loc := domain.ResolveTimezone(tz)
	now := time.Now().UnixMilli()
	user := domain.User{
		ID:          hub.NewUserID(),
		City:        loc.City,
		Timezone:    loc.Timezone,
		Flag:        loc.Flag,
		ConnectedAt: now,
		LastSeen:    now,
		Instance:    h.instanceID,
	}
	logCtx = logCtx.WithField("user_id", user.ID)
	logCtx.Info("WS Handler: Connection upgraded")

	// 4. 创建会话并交给 Hub（user:self + 自动加入房间）
	client := hub.NewClient(h.hub, conn, user)
	h.hub.StartSession(client, requestedRoom)
}
