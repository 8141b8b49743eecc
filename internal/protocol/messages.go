package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
)

// Event 是一帧消息的事件名。
type Event string

// 入站事件（客户端 → hub）。
const (
	EventRoomJoin     Event = "room:join"
	EventRoomLeave    Event = "room:leave"
	EventRoomsList    Event = "rooms:list"
	EventTimeSync     Event = "time:sync"
	EventVideoPlay    Event = "video:play"
	EventVideoPause   Event = "video:pause"
	EventVideoSeek    Event = "video:seek"
	EventCursorMove   Event = "cursor:move"
	EventReactionSend Event = "reaction:send"
	EventHeartbeat    Event = "heartbeat"
)

// 出站事件（hub → 客户端）。
const (
	EventUserSelf         Event = "user:self"
	EventRoomJoined       Event = "room:joined"
	EventUserJoined       Event = "user:joined"
	EventUserLeft         Event = "user:left"
	EventUsersList        Event = "users:list"
	EventTimeSyncResponse Event = "time:sync:response"
	EventVideoState       Event = "video:state"
	EventCursorsBatch     Event = "cursors:batch"
	EventReactionsBatch   Event = "reactions:batch"
	EventServerTime       Event = "server:time"
	EventRateLimitError   Event = "error:ratelimit"
)

// Envelope 是线缆上的一帧：事件名 + 单个负载值。
// Ack 供请求/应答模式回带请求 id（如 rooms:list）。
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// Decode 解析一帧入站消息。
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("protocol: bad frame: %w", err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("protocol: frame without event")
	}
	return env, nil
}

// Encode 组装一帧出站消息。
func Encode(event Event, data any) ([]byte, error) {
	return EncodeAck(event, data, "")
}

// EncodeAck 组装带 ack 回带的出站消息。
func EncodeAck(event Event, data any, ack string) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s frame: %w", event, err)
	}
	return out, nil
}

// --- 入站负载 ---

// RoomJoinPayload 对应 room:join。
type RoomJoinPayload struct {
	RoomID string `json:"roomId"`
}

// CursorMovePayload 对应 cursor:move。
type CursorMovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ReactionSendPayload 对应 reaction:send。
type ReactionSendPayload struct {
	Emoji     string  `json:"emoji"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VideoTime float64 `json:"videoTime"`
}

// DecodeRoomJoin 解析 room:join 的负载。
// 兼容两种形式：裸字符串（房间 id）和 {roomId} 对象。
func DecodeRoomJoin(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}
	var p RoomJoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("protocol: bad room:join payload: %w", err)
	}
	return p.RoomID, nil
}

// DecodeScalarFloat 解析 video:seek / time:sync 这类单标量负载。
func DecodeScalarFloat(data json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("protocol: bad scalar payload: %w", err)
	}
	return v, nil
}

// DecodeCursorMove 解析 cursor:move 的负载。
func DecodeCursorMove(data json.RawMessage) (CursorMovePayload, error) {
	var p CursorMovePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("protocol: bad cursor:move payload: %w", err)
	}
	return p, nil
}

// DecodeReactionSend 解析 reaction:send 的负载。
func DecodeReactionSend(data json.RawMessage) (ReactionSendPayload, error) {
	var p ReactionSendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("protocol: bad reaction:send payload: %w", err)
	}
	return p, nil
}

// --- 出站负载 ---

// RoomJoinedPayload 是加入房间后的初始快照。
type RoomJoinedPayload struct {
	RoomID     string             `json:"roomId"`
	Room       *domain.Room       `json:"room"`
	VideoState domain.VideoState  `json:"videoState"`
	Users      []domain.User      `json:"users"`
	Cursors    []domain.Cursor    `json:"cursors,omitempty"`
}

// UserLeftPayload 对应 user:left。
type UserLeftPayload struct {
	UserID string `json:"userId"`
}

// RoomSummary 是 rooms:list 应答里的一项（附带实时人数）。
type RoomSummary struct {
	domain.Room
	UserCount int `json:"userCount"`
}

// TimeSyncResponse 对应 time:sync:response。
// 两个服务端时间分别在处理的入口和出口采样，保证 receive ≤ send。
type TimeSyncResponse struct {
	ClientTimestamp   float64 `json:"clientTimestamp"`
	ServerReceiveTime int64   `json:"serverReceiveTime"`
	ServerSendTime    int64   `json:"serverSendTime"`
}

// ServerTimePayload 对应每秒一次的 server:time 粗粒度对时广播。
type ServerTimePayload struct {
	ServerTime int64 `json:"serverTime"`
}

// RateLimitErrorPayload 对应 error:ratelimit，只发给触发限流的会话。
type RateLimitErrorPayload struct {
	Action  string `json:"action"`
	RetryIn int64  `json:"retryIn"` // 毫秒
	Message string `json:"message"`
}
