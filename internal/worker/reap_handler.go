package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/room"
	"github.com/pumarogie/clock-synchronization-world/internal/tasks"
)

// RoomReapHandler 处理空房间回收任务。
type RoomReapHandler struct {
	rooms *room.Manager
}

// NewRoomReapHandler 创建 Handler 实例。
func NewRoomReapHandler(rooms *room.Manager) *RoomReapHandler {
	return &RoomReapHandler{rooms: rooms}
}

// ProcessTask 实现 asynq.Handler。
func (h *RoomReapHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomReapPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// payload 损坏没有重试价值
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	reaped, err := h.rooms.CleanupEmptyRooms(ctx)
	if err != nil {
		return fmt.Errorf("cleanup empty rooms: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"task_type": t.Type(),
		"source":    payload.Source,
		"reaped":    reaped,
	}).Debug("Room reap task processed")
	return nil
}
