package tasks

import "encoding/json"

// 任务类型常量。
const (
	TypeRoomReap = "room:reap" // 空房间回收任务
)

// RoomReapPayload 是空房间回收任务的数据（目前只有触发来源标记）。
type RoomReapPayload struct {
	Source string `json:"source"` // "scheduler" 或 "manual"
}

// NewRoomReapTask 构造空房间回收任务的 payload。
func NewRoomReapTask(source string) ([]byte, error) {
	return json.Marshal(RoomReapPayload{Source: source})
}
