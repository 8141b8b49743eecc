package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
	"github.com/pumarogie/clock-synchronization-world/internal/store"
)

func newTestManager() (*Manager, *store.MemoryStore) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	st := store.NewMemoryStore()
	return NewManager(st, "wp:", log), st
}

func TestCreateRoomDefaults(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	r, err := m.CreateRoom(ctx, "lobby1", "user_abc", Options{})
	require.NoError(t, err)
	assert.Equal(t, "lobby1", r.ID)
	assert.Equal(t, "Room lobby1", r.Name)
	assert.Equal(t, "user_abc", r.CreatedBy)
	assert.Equal(t, 10000, r.MaxUsers)
	assert.True(t, r.IsPublic)
	assert.Greater(t, r.CreatedAt, int64(0))
}

func TestCreateRoomIdempotent(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	first, err := m.CreateRoom(ctx, "lobby1", "user_a", Options{Name: "First"})
	require.NoError(t, err)

	// 再次创建同一 id：保留第一个写入者的数据
	second, err := m.CreateRoom(ctx, "lobby1", "user_b", Options{Name: "Second"})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "First", second.Name)
	assert.Equal(t, "user_a", second.CreatedBy)
}

func TestGetRoomMissing(t *testing.T) {
	m, _ := newTestManager()
	r, err := m.GetRoom(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestDeleteRoomRemovesAllKeys(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateRoom(ctx, "lobby1", "u", Options{})
	require.NoError(t, err)
	require.NoError(t, m.AddUserToRoom(ctx, "lobby1", domain.User{ID: "u1"}))
	_, err = m.SetVideoState(ctx, "lobby1", domain.DefaultVideoState(time.Now()))
	require.NoError(t, err)
	require.NoError(t, m.UpdateCursor(ctx, "lobby1", domain.Cursor{UserID: "u1", X: 5}))

	require.NoError(t, m.DeleteRoom(ctx, "lobby1"))

	r, _ := m.GetRoom(ctx, "lobby1")
	assert.Nil(t, r)
	users, _ := m.GetRoomUsers(ctx, "lobby1")
	assert.Empty(t, users)
	cursors, _ := m.GetRoomCursors(ctx, "lobby1")
	assert.Empty(t, cursors)
	// 播放状态回到懒初始化的默认值
	v, _ := m.GetVideoState(ctx, "lobby1")
	assert.False(t, v.IsPlaying)
	assert.Equal(t, 0.0, v.CurrentTime)
	// rooms:all 里也不再有
	all, _ := m.GetAllRooms(ctx)
	assert.Empty(t, all)
}

func TestRoomMembership(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.AddUserToRoom(ctx, "lobby1", domain.User{ID: "u1", City: "Berlin"}))
	require.NoError(t, m.AddUserToRoom(ctx, "lobby1", domain.User{ID: "u2", City: "Tokyo"}))

	users, err := m.GetRoomUsers(ctx, "lobby1")
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, "Berlin", users["u1"].City)

	count, err := m.GetRoomUserCount(ctx, "lobby1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// 移除成员时顺带清掉光标
	require.NoError(t, m.UpdateCursor(ctx, "lobby1", domain.Cursor{UserID: "u1"}))
	require.NoError(t, m.RemoveUserFromRoom(ctx, "lobby1", "u1"))
	users, _ = m.GetRoomUsers(ctx, "lobby1")
	assert.NotContains(t, users, "u1")
	cursors, _ := m.GetRoomCursors(ctx, "lobby1")
	assert.NotContains(t, cursors, "u1")
}

func TestRemoveCursor(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.UpdateCursor(ctx, "lobby1", domain.Cursor{UserID: "u1", X: 10, Y: 20}))
	require.NoError(t, m.UpdateCursor(ctx, "lobby1", domain.Cursor{UserID: "u2", X: 30, Y: 40}))

	require.NoError(t, m.RemoveCursor(ctx, "lobby1", "u1"))

	cursors, err := m.GetRoomCursors(ctx, "lobby1")
	require.NoError(t, err)
	assert.NotContains(t, cursors, "u1")
	assert.Contains(t, cursors, "u2")
}

func TestVideoStateLazyDefault(t *testing.T) {
	m, _ := newTestManager()
	v, err := m.GetVideoState(context.Background(), "fresh")
	require.NoError(t, err)
	assert.False(t, v.IsPlaying)
	assert.Equal(t, 0.0, v.CurrentTime)
	assert.Equal(t, 596.0, v.Duration)
}

func TestUpdateVideoTimeAdvancesWhilePlaying(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	state := domain.VideoState{
		IsPlaying:      true,
		CurrentTime:    10,
		Duration:       596,
		LastUpdateTime: time.Now().Add(-2 * time.Second).UnixMilli(),
	}
	_, err := m.SetVideoState(ctx, "lobby1", state)
	require.NoError(t, err)

	got, err := m.UpdateVideoTime(ctx, "lobby1")
	require.NoError(t, err)
	assert.InDelta(t, 12.0, got.CurrentTime, 0.25)
	assert.True(t, got.IsPlaying)

	// 持久化了：再读一遍一致
	reread, _ := m.GetVideoState(ctx, "lobby1")
	assert.Equal(t, got.CurrentTime, reread.CurrentTime)
}

func TestUpdateVideoTimeLoopsAtDuration(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	state := domain.VideoState{
		IsPlaying:      true,
		CurrentTime:    595,
		Duration:       596,
		LastUpdateTime: time.Now().Add(-2 * time.Second).UnixMilli(),
	}
	_, err := m.SetVideoState(ctx, "lobby1", state)
	require.NoError(t, err)

	got, err := m.UpdateVideoTime(ctx, "lobby1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.CurrentTime)
}

func TestCleanupEmptyRoomsRespectsAge(t *testing.T) {
	m, st := newTestManager()
	ctx := context.Background()

	// 刚创建的空房间：不回收
	_, err := m.CreateRoom(ctx, "young", "u", Options{})
	require.NoError(t, err)

	// 老的空房间：直接把带旧 CreatedAt 的记录写进存储
	old := domain.Room{ID: "old", Name: "Old", CreatedBy: "u", CreatedAt: time.Now().Add(-2 * time.Minute).UnixMilli(), MaxUsers: 10, IsPublic: true}
	data, _ := json.Marshal(old)
	require.NoError(t, st.SetWithTTL(ctx, "wp:room:old:meta", string(data), time.Hour))
	require.NoError(t, st.HSet(ctx, "wp:rooms:all", "old", string(data)))

	// 老但有人的房间：不回收
	occupied := domain.Room{ID: "occupied", CreatedAt: time.Now().Add(-2 * time.Minute).UnixMilli()}
	data, _ = json.Marshal(occupied)
	require.NoError(t, st.SetWithTTL(ctx, "wp:room:occupied:meta", string(data), time.Hour))
	require.NoError(t, st.HSet(ctx, "wp:rooms:all", "occupied", string(data)))
	require.NoError(t, m.AddUserToRoom(ctx, "occupied", domain.User{ID: "u1"}))

	reaped, err := m.CleanupEmptyRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	all, _ := m.GetAllRooms(ctx)
	ids := make([]string, 0, len(all))
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"young", "occupied"}, ids)
}

func TestEnsureDefaultRoom(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.EnsureDefaultRoom(ctx))
	r, err := m.GetRoom(ctx, DefaultRoomID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "Main Lobby", r.Name)
	assert.Equal(t, SystemCreator, r.CreatedBy)
	assert.Equal(t, 100000, r.MaxUsers)

	// 幂等：再调用一次不会覆盖
	created := r.CreatedAt
	require.NoError(t, m.EnsureDefaultRoom(ctx))
	r2, _ := m.GetRoom(ctx, DefaultRoomID)
	assert.Equal(t, created, r2.CreatedAt)
}
