package hub

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
	"github.com/pumarogie/clock-synchronization-world/internal/protocol"
	"github.com/pumarogie/clock-synchronization-world/internal/ratelimit"
	"github.com/pumarogie/clock-synchronization-world/internal/room"
)

// handleFrame 分发一帧入站消息。
// 在会话的读 goroutine 上同步执行，保证同一连接内的处理顺序。
func (h *Hub) handleFrame(c *Client, raw []byte) {
	// time:sync 的接收时间要在处理入口采样
	receivedAt := time.Now().UnixMilli()

	env, err := protocol.Decode(raw)
	if err != nil {
		h.log.WithError(err).WithField("user_id", c.user.ID).Debug("Dropping undecodable frame")
		return
	}

	switch env.Event {
	case protocol.EventRoomJoin:
		if !h.allow(c, ratelimit.ActionRoomJoin) {
			return
		}
		roomID, err := protocol.DecodeRoomJoin(env.Data)
		if err != nil || roomID == "" {
			return
		}
		h.joinRoom(c, roomID)

	case protocol.EventRoomLeave:
		h.leaveRoom(c, true)

	case protocol.EventRoomsList:
		h.handleRoomsList(c, env.Ack)

	case protocol.EventTimeSync:
		if !h.allow(c, ratelimit.ActionSync) {
			return
		}
		clientTs, _ := protocol.DecodeScalarFloat(env.Data)
		h.handleTimeSync(c, clientTs, receivedAt)

	case protocol.EventVideoPlay:
		if !h.allow(c, ratelimit.ActionVideoControl) {
			return
		}
		h.handleVideoPlay(c, true)

	case protocol.EventVideoPause:
		if !h.allow(c, ratelimit.ActionVideoControl) {
			return
		}
		h.handleVideoPlay(c, false)

	case protocol.EventVideoSeek:
		if !h.allow(c, ratelimit.ActionVideoControl) {
			return
		}
		target, err := protocol.DecodeScalarFloat(env.Data)
		if err != nil {
			return
		}
		h.handleVideoSeek(c, target)

	case protocol.EventCursorMove:
		if !h.allow(c, ratelimit.ActionCursor) {
			return
		}
		p, err := protocol.DecodeCursorMove(env.Data)
		if err != nil {
			return
		}
		h.handleCursorMove(c, p)

	case protocol.EventReactionSend:
		if !h.allow(c, ratelimit.ActionReaction) {
			return
		}
		p, err := protocol.DecodeReactionSend(env.Data)
		if err != nil {
			return
		}
		h.handleReaction(c, p)

	case protocol.EventHeartbeat:
		h.handleHeartbeat(c)

	default:
		// 未知事件：记日志后丢弃，不通知客户端
		h.log.WithFields(logrus.Fields{
			"event":   string(env.Event),
			"user_id": c.user.ID,
		}).Warn("Unknown inbound event, dropping")
	}
}

// allow 做限流判定；被拒绝时只向来源会话发 error:ratelimit。
func (h *Hub) allow(c *Client, action ratelimit.Action) bool {
	res := h.limiter.Allow(h.ctx, action, c.user.ID)
	if res.Allowed {
		return true
	}
	frame, err := protocol.Encode(protocol.EventRateLimitError, protocol.RateLimitErrorPayload{
		Action:  string(res.Action),
		RetryIn: res.RetryIn.Milliseconds(),
		Message: "Rate limit exceeded for " + string(res.Action),
	})
	if err == nil {
		c.enqueue(frame)
	}
	return false
}

// joinRoom 执行加入流程：先离开当前房间，再进入目标房间，
// 给自己发快照，并向房间广播成员变化。
func (h *Hub) joinRoom(c *Client, roomID string) {
	h.leaveRoom(c, true)

	logCtx := h.log.WithFields(logrus.Fields{"user_id": c.user.ID, "room_id": roomID})

	// 房间不存在时自动创建（幂等）
	r, err := h.rooms.CreateRoom(h.ctx, roomID, c.user.ID, room.Options{})
	if err != nil {
		logCtx.WithError(err).Error("Failed to create/find room on join")
		return
	}

	c.user.LastSeen = time.Now().UnixMilli()
	if err := h.rooms.AddUserToRoom(h.ctx, roomID, c.user); err != nil {
		logCtx.WithError(err).Error("Failed to add user to room")
		return
	}

	c.setRoomID(roomID)
	// 先建订阅再广播，保证自己也能收到后续的房间消息
	h.addLocal(c, roomID)

	videoState, err := h.rooms.GetVideoState(h.ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to read video state on join")
	}
	users, err := h.rooms.GetRoomUsers(h.ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to read room users on join")
	}
	cursors, _ := h.rooms.GetRoomCursors(h.ctx, roomID)

	snapshot := protocol.RoomJoinedPayload{
		RoomID:     roomID,
		Room:       r,
		VideoState: videoState,
		Users:      usersToSlice(users),
		Cursors:    cursorsToSlice(cursors),
	}
	if frame, err := protocol.Encode(protocol.EventRoomJoined, snapshot); err == nil {
		c.enqueue(frame)
	}

	h.broadcast(roomID, protocol.EventUserJoined, c.user)
	h.broadcastUsersList(roomID)
	logCtx.Info("Client joined room")
}

// leaveRoom 让会话离开当前房间。notify 为 true 时广播成员变化。
// 会话不在任何房间时是 no-op。
func (h *Hub) leaveRoom(c *Client, notify bool) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}

	if err := h.rooms.RemoveUserFromRoom(h.ctx, roomID, c.user.ID); err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to remove user from room")
	}
	h.removeLocal(c, roomID)
	c.setRoomID("")

	if notify {
		h.broadcast(roomID, protocol.EventUserLeft, protocol.UserLeftPayload{UserID: c.user.ID})
		h.broadcastUsersList(roomID)
	}
	h.log.WithFields(logrus.Fields{"user_id": c.user.ID, "room_id": roomID}).Info("Client left room")
}

func (h *Hub) broadcastUsersList(roomID string) {
	users, err := h.rooms.GetRoomUsers(h.ctx, roomID)
	if err != nil {
		return
	}
	h.broadcast(roomID, protocol.EventUsersList, usersToSlice(users))
}

// handleRoomsList 应答当前房间列表（每项附带实时人数）。
// 单会话应答，不走发布/订阅。
func (h *Hub) handleRoomsList(c *Client, ack string) {
	rooms, err := h.rooms.GetAllRooms(h.ctx)
	if err != nil {
		h.log.WithError(err).Warn("Failed to enumerate rooms")
		return
	}
	summaries := make([]protocol.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		count, _ := h.rooms.GetRoomUserCount(h.ctx, r.ID)
		summaries = append(summaries, protocol.RoomSummary{Room: *r, UserCount: count})
	}
	if frame, err := protocol.EncodeAck(protocol.EventRoomsList, summaries, ack); err == nil {
		c.enqueue(frame)
	}
}

// handleTimeSync 应答 NTP 式对时：接收时间在分发入口采样，
// 发送时间在入队前采样，保证 receive ≤ send。
func (h *Hub) handleTimeSync(c *Client, clientTs float64, receivedAt int64) {
	resp := protocol.TimeSyncResponse{
		ClientTimestamp:   clientTs,
		ServerReceiveTime: receivedAt,
	}
	resp.ServerSendTime = time.Now().UnixMilli()
	if frame, err := protocol.Encode(protocol.EventTimeSyncResponse, resp); err == nil {
		c.enqueue(frame)
	}
}

// handleVideoPlay 处理 video:play / video:pause。
// 没有当前房间的控制消息静默丢弃。
func (h *Hub) handleVideoPlay(c *Client, playing bool) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	state, err := h.rooms.GetVideoState(h.ctx, roomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to read video state")
	}
	// 先把位置推进到现在，再翻转播放标志
	state.Advance(time.Now())
	state.IsPlaying = playing
	state.LastUpdateTime = time.Now().UnixMilli()

	state, err = h.rooms.SetVideoState(h.ctx, roomID, state)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to persist video state")
	}
	h.broadcast(roomID, protocol.EventVideoState, state)
}

// handleVideoSeek 处理 video:seek：位置夹取到 [0, duration]。
func (h *Hub) handleVideoSeek(c *Client, target float64) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	state, err := h.rooms.GetVideoState(h.ctx, roomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to read video state")
	}
	state.CurrentTime = state.ClampTime(target)
	state.LastUpdateTime = time.Now().UnixMilli()

	state, err = h.rooms.SetVideoState(h.ctx, roomID, state)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to persist video state")
	}
	h.broadcast(roomID, protocol.EventVideoState, state)
}

// handleCursorMove 把光标更新写入批处理器，同时穿透写入房间状态，
// 让之后加入的客户端能看到最近的光标。
func (h *Hub) handleCursorMove(c *Client, p protocol.CursorMovePayload) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	cursor := domain.Cursor{
		UserID:    c.user.ID,
		City:      c.user.City,
		Flag:      c.user.Flag,
		X:         clampPercent(p.X),
		Y:         clampPercent(p.Y),
		Timestamp: time.Now().UnixMilli(),
	}
	h.batcher.AddCursor(roomID, cursor)
	if err := h.rooms.UpdateCursor(h.ctx, roomID, cursor); err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Debug("Cursor write-through failed")
	}
}

// handleReaction 分配反应 id 并入队；反应不做持久化。
func (h *Hub) handleReaction(c *Client, p protocol.ReactionSendPayload) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	reaction := domain.Reaction{
		ID:        h.nextReactionID(),
		UserID:    c.user.ID,
		City:      c.user.City,
		Flag:      c.user.Flag,
		Emoji:     p.Emoji,
		X:         clampPercent(p.X),
		Y:         clampPercent(p.Y),
		VideoTime: p.VideoTime,
		Timestamp: time.Now().UnixMilli(),
	}
	h.batcher.AddReaction(roomID, reaction)
}

// handleHeartbeat 刷新成员记录的 lastSeen。
func (h *Hub) handleHeartbeat(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	c.user.LastSeen = time.Now().UnixMilli()
	if err := h.rooms.AddUserToRoom(h.ctx, roomID, c.user); err != nil {
		h.log.WithError(err).Debug("Heartbeat refresh failed")
	}
}

func usersToSlice(users map[string]domain.User) []domain.User {
	out := make([]domain.User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	return out
}

func cursorsToSlice(cursors map[string]domain.Cursor) []domain.Cursor {
	out := make([]domain.Cursor, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, c)
	}
	return out
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
