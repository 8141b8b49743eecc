package hub_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
	wsHandler "github.com/pumarogie/clock-synchronization-world/internal/handler/websocket"
	"github.com/pumarogie/clock-synchronization-world/internal/hub"
	"github.com/pumarogie/clock-synchronization-world/internal/protocol"
	"github.com/pumarogie/clock-synchronization-world/internal/ratelimit"
	"github.com/pumarogie/clock-synchronization-world/internal/room"
	"github.com/pumarogie/clock-synchronization-world/internal/store"
)

// testServer 把整条链路架在内存存储上：gin + ws handler + hub。
func testServer(t *testing.T) (*httptest.Server, *hub.Hub, *room.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := store.NewMemoryStore()
	rooms := room.NewManager(st, "wp:", log)
	limiter := ratelimit.NewLimiter(st, log)
	gate := ratelimit.NewConnectionGate(st, 1000, log)

	h := hub.New(st, rooms, limiter, "instance-test", 0, log)
	go h.Run()
	t.Cleanup(h.Stop)

	handler := wsHandler.NewHandler(h, gate, "instance-test")
	router := gin.New()
	router.GET("/ws", handler.HandleConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, h, rooms
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitEvent 读帧直到出现目标事件或超时。
func awaitEvent(t *testing.T, conn *websocket.Conn, want protocol.Event, timeout time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Event == want {
			return env
		}
	}
	t.Fatalf("timed out waiting for %s", want)
	return protocol.Envelope{}
}

func send(t *testing.T, conn *websocket.Conn, event protocol.Event, data any) {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestSoloJoinAndPlay(t *testing.T) {
	srv, _, _ := testServer(t)
	conn := dial(t, srv, "timezone=Europe/Berlin&room=lobby1")

	// user:self：城市和旗帜来自时区映射
	env := awaitEvent(t, conn, protocol.EventUserSelf, 2*time.Second)
	var self domain.User
	require.NoError(t, json.Unmarshal(env.Data, &self))
	assert.Equal(t, "Berlin", self.City)
	assert.Equal(t, "🇩🇪", self.Flag)
	assert.True(t, strings.HasPrefix(self.ID, "user_"))

	// room:joined：初始快照
	env = awaitEvent(t, conn, protocol.EventRoomJoined, 2*time.Second)
	var joined protocol.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, "lobby1", joined.RoomID)
	assert.False(t, joined.VideoState.IsPlaying)
	assert.Equal(t, 0.0, joined.VideoState.CurrentTime)
	assert.Equal(t, 596.0, joined.VideoState.Duration)
	require.Len(t, joined.Users, 1)
	assert.Equal(t, self.ID, joined.Users[0].ID)

	// video:play → 权威状态变为播放中（中间可能先收到周期 tick 的暂停态）
	send(t, conn, protocol.EventVideoPlay, nil)
	var state domain.VideoState
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env = awaitEvent(t, conn, protocol.EventVideoState, 3*time.Second)
		require.NoError(t, json.Unmarshal(env.Data, &state))
		if state.IsPlaying {
			break
		}
	}
	assert.True(t, state.IsPlaying)
}

func TestTwoClientsConverge(t *testing.T) {
	srv, _, _ := testServer(t)
	a := dial(t, srv, "timezone=America/New_York&room=lobby2")
	b := dial(t, srv, "timezone=Asia/Tokyo&room=lobby2")

	awaitEvent(t, a, protocol.EventRoomJoined, 2*time.Second)
	awaitEvent(t, b, protocol.EventRoomJoined, 2*time.Second)

	// A seek 到 120 再播放；B 必须收到 currentTime≈120 的播放状态
	send(t, a, protocol.EventVideoSeek, 120.0)
	send(t, a, protocol.EventVideoPlay, nil)

	deadline := time.Now().Add(3 * time.Second)
	var state domain.VideoState
	for time.Now().Before(deadline) {
		env := awaitEvent(t, b, protocol.EventVideoState, 3*time.Second)
		require.NoError(t, json.Unmarshal(env.Data, &state))
		if state.IsPlaying {
			break
		}
	}
	assert.True(t, state.IsPlaying)
	assert.InDelta(t, 120.0, state.CurrentTime, 1.0)
}

func TestUserJoinedBroadcast(t *testing.T) {
	srv, _, _ := testServer(t)
	a := dial(t, srv, "room=lobby3")
	selfEnv := awaitEvent(t, a, protocol.EventUserSelf, 2*time.Second)
	var selfA domain.User
	require.NoError(t, json.Unmarshal(selfEnv.Data, &selfA))
	awaitEvent(t, a, protocol.EventRoomJoined, 2*time.Second)

	b := dial(t, srv, "timezone=Asia/Tokyo&room=lobby3")
	awaitEvent(t, b, protocol.EventRoomJoined, 2*time.Second)

	// A 收到 B 的 user:joined（广播也投给加入者本人，先跳过 A 自己的那条）
	var joined domain.User
	for {
		env := awaitEvent(t, a, protocol.EventUserJoined, 2*time.Second)
		require.NoError(t, json.Unmarshal(env.Data, &joined))
		if joined.ID != selfA.ID {
			break
		}
	}
	assert.Equal(t, "Tokyo", joined.City)
}

func TestCursorBatchDelivery(t *testing.T) {
	srv, _, _ := testServer(t)
	a := dial(t, srv, "room=lobby4")
	b := dial(t, srv, "room=lobby4")
	awaitEvent(t, a, protocol.EventRoomJoined, 2*time.Second)
	awaitEvent(t, b, protocol.EventRoomJoined, 2*time.Second)

	// A 发几个光标更新（在 20/s 预算内）；B 收到的批里是 A 的最终位置
	for i := 1; i <= 5; i++ {
		send(t, a, protocol.EventCursorMove, protocol.CursorMovePayload{X: float64(i * 10), Y: 50})
	}

	var got []domain.Cursor
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := awaitEvent(t, b, protocol.EventCursorsBatch, 3*time.Second)
		require.NoError(t, json.Unmarshal(env.Data, &got))
		if len(got) > 0 && got[len(got)-1].X == 50.0 {
			break
		}
	}
	// 每个用户至多一条（LWW），最后收到的批带着最终坐标
	assert.LessOrEqual(t, len(got), 2)
	found := false
	for _, c := range got {
		if c.X == 50.0 && c.Y == 50.0 {
			found = true
		}
	}
	assert.True(t, found, "final cursor position should arrive in a batch")
}

func TestReactionRateLimit(t *testing.T) {
	srv, _, _ := testServer(t)
	conn := dial(t, srv, "room=lobby5")
	awaitEvent(t, conn, protocol.EventRoomJoined, 2*time.Second)

	// 一秒内发 10 条反应：预算 5/1s，超出的会收到 error:ratelimit
	for i := 0; i < 10; i++ {
		send(t, conn, protocol.EventReactionSend, protocol.ReactionSendPayload{Emoji: "🎉", X: 1, Y: 1})
	}

	env := awaitEvent(t, conn, protocol.EventRateLimitError, 2*time.Second)
	var p protocol.RateLimitErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "reaction", p.Action)
	assert.Equal(t, int64(1000), p.RetryIn)
}

func TestTimeSyncOverSocket(t *testing.T) {
	srv, _, _ := testServer(t)
	conn := dial(t, srv, "")
	awaitEvent(t, conn, protocol.EventRoomJoined, 2*time.Second)

	send(t, conn, protocol.EventTimeSync, 1000.0)
	env := awaitEvent(t, conn, protocol.EventTimeSyncResponse, 2*time.Second)
	var resp protocol.TimeSyncResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 1000.0, resp.ClientTimestamp)
	assert.LessOrEqual(t, resp.ServerReceiveTime, resp.ServerSendTime)
}

func TestRoomsListAck(t *testing.T) {
	srv, _, rooms := testServer(t)
	require.NoError(t, rooms.EnsureDefaultRoom(context.Background()))

	conn := dial(t, srv, "room=lobby6")
	awaitEvent(t, conn, protocol.EventRoomJoined, 2*time.Second)

	frame, err := protocol.EncodeAck(protocol.EventRoomsList, nil, "req-1")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	env := awaitEvent(t, conn, protocol.EventRoomsList, 2*time.Second)
	assert.Equal(t, "req-1", env.Ack)
	var summaries []protocol.RoomSummary
	require.NoError(t, json.Unmarshal(env.Data, &summaries))

	var lobby6 *protocol.RoomSummary
	for i := range summaries {
		if summaries[i].ID == "lobby6" {
			lobby6 = &summaries[i]
		}
	}
	require.NotNil(t, lobby6, "rooms:list should include the joined room")
	assert.Equal(t, 1, lobby6.UserCount)
}

func TestDefaultRoomAutoJoin(t *testing.T) {
	srv, _, _ := testServer(t)
	conn := dial(t, srv, "")

	env := awaitEvent(t, conn, protocol.EventRoomJoined, 2*time.Second)
	var joined protocol.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, room.DefaultRoomID, joined.RoomID)
}

func TestLeaveRemovesMembership(t *testing.T) {
	srv, _, rooms := testServer(t)
	a := dial(t, srv, "room=lobby7")
	b := dial(t, srv, "room=lobby7")
	awaitEvent(t, a, protocol.EventRoomJoined, 2*time.Second)
	awaitEvent(t, b, protocol.EventRoomJoined, 2*time.Second)

	send(t, b, protocol.EventRoomLeave, nil)

	env := awaitEvent(t, a, protocol.EventUserLeft, 2*time.Second)
	var left protocol.UserLeftPayload
	require.NoError(t, json.Unmarshal(env.Data, &left))
	assert.NotEmpty(t, left.UserID)

	// 成员表最终只剩 A
	assert.Eventually(t, func() bool {
		count, err := rooms.GetRoomUserCount(context.Background(), "lobby7")
		return err == nil && count == 1
	}, 2*time.Second, 50*time.Millisecond)
}

