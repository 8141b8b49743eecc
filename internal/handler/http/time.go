package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Version 是 /health 报告的版本号。
const Version = "1.0.0"

// TimeHandler 提供无状态的 NTP 式时间交换和健康检查。
// 任意实例都能服务这条路径，不做限流。
type TimeHandler struct {
	startedAt time.Time
}

// NewTimeHandler 创建 TimeHandler。
func NewTimeHandler() *TimeHandler {
	return &TimeHandler{startedAt: time.Now()}
}

type timeRequest struct {
	ClientSendTime *float64 `json:"clientSendTime"`
}

type timeResponse struct {
	ClientSendTime       *float64 `json:"clientSendTime,omitempty"`
	ServerReceiveTime    int64    `json:"serverReceiveTime"`
	ServerSendTime       int64    `json:"serverSendTime"`
	ServerProcessingTime int64    `json:"serverProcessingTime"`
}

// Exchange 处理 GET|POST /time。
// 接收时间在入口采样、发送时间在出口采样，保证 receive ≤ send。
func (h *TimeHandler) Exchange(c *gin.Context) {
	receiveTime := time.Now().UnixMilli()

	var req timeRequest
	if c.Request.Method == http.MethodPost {
		// body 解析失败不是错误：clientSendTime 是可选的
		_ = c.ShouldBindJSON(&req)
	}

	sendTime := time.Now().UnixMilli()
	c.JSON(http.StatusOK, timeResponse{
		ClientSendTime:       req.ClientSendTime,
		ServerReceiveTime:    receiveTime,
		ServerSendTime:       sendTime,
		ServerProcessingTime: sendTime - receiveTime,
	})
}

// Health 处理 GET /health。
func (h *TimeHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"timestamp":     time.Now().UnixMilli(),
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"version":       Version,
	})
}
