package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
	"github.com/pumarogie/clock-synchronization-world/internal/store"
)

const (
	// DefaultRoomID 是没有指定房间时自动加入的大厅。
	DefaultRoomID   = "main-lobby"
	defaultRoomName = "Main Lobby"

	// SystemCreator 是系统创建的房间的 createdBy 值。
	SystemCreator = "system"

	defaultMaxUsers      = 10000
	defaultLobbyMaxUsers = 100000

	// roomTTL 是所有房间相关 key 的存活时间，写入时刷新。
	roomTTL = 24 * time.Hour

	// 空房间至少存在这么久之后才会被回收，
	// 避免刚创建还没人加入就被清掉。
	reapMinAge = 60 * time.Second
)

// Options 是创建房间时的可选字段。
type Options struct {
	Name     string
	MaxUsers int
	IsPublic *bool // nil 表示默认 true
}

// Manager 是房间、成员、播放状态和光标的权威存储，
// 全部数据通过 KV 端口读写（单 key 原子、最后写入者赢）。
type Manager struct {
	store  store.Store
	prefix string
	log    *logrus.Entry
}

// NewManager 创建 Manager。prefix 为空时用 "wp:"。
func NewManager(st store.Store, prefix string, log *logrus.Logger) *Manager {
	if prefix == "" {
		prefix = "wp:"
	}
	return &Manager{
		store:  st,
		prefix: prefix,
		log:    log.WithField("component", "room_manager"),
	}
}

// --- key 辅助函数 ---

func (m *Manager) allRoomsKey() string            { return m.prefix + "rooms:all" }
func (m *Manager) roomMetaKey(id string) string   { return fmt.Sprintf("%sroom:%s:meta", m.prefix, id) }
func (m *Manager) roomUsersKey(id string) string  { return fmt.Sprintf("%sroom:%s:users", m.prefix, id) }
func (m *Manager) roomVideoKey(id string) string  { return fmt.Sprintf("%sroom:%s:video", m.prefix, id) }
func (m *Manager) roomCursorsKey(id string) string {
	return fmt.Sprintf("%sroom:%s:cursors", m.prefix, id)
}

// Channel 返回某个房间的广播频道名。
func (m *Manager) Channel(roomID string) string {
	return m.prefix + "room:" + roomID
}

// CreateRoom 创建房间（先查后写：id 已存在时返回已存在的房间，不覆盖）。
// 查与写之间不加锁：并发创建同一 id 且都没查到时，两者都会写入，
// 留下的是后写入者的数据。
func (m *Manager) CreateRoom(ctx context.Context, id, creator string, opts Options) (*domain.Room, error) {
	if existing, err := m.GetRoom(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	r := &domain.Room{
		ID:        id,
		Name:      opts.Name,
		CreatedBy: creator,
		CreatedAt: time.Now().UnixMilli(),
		MaxUsers:  opts.MaxUsers,
		IsPublic:  true,
	}
	if r.Name == "" {
		r.Name = "Room " + id
	}
	if r.MaxUsers <= 0 {
		r.MaxUsers = defaultMaxUsers
	}
	if opts.IsPublic != nil {
		r.IsPublic = *opts.IsPublic
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("room: marshal room %s: %w", id, err)
	}
	if err := m.store.SetWithTTL(ctx, m.roomMetaKey(id), string(data), roomTTL); err != nil {
		return nil, err
	}
	if err := m.store.HSet(ctx, m.allRoomsKey(), id, string(data)); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"room_id": id, "created_by": creator}).Info("Room created")
	return r, nil
}

// GetRoom 返回房间元数据，不存在时返回 nil。
func (m *Manager) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	raw, err := m.store.Get(ctx, m.roomMetaKey(id))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		// meta 可能已过期但 rooms:all 里还有残留，补查一次
		all, err := m.store.HGetAll(ctx, m.allRoomsKey())
		if err != nil {
			return nil, err
		}
		raw = all[id]
		if raw == "" {
			return nil, nil
		}
	}
	var r domain.Room
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("room: unmarshal room %s: %w", id, err)
	}
	return &r, nil
}

// GetAllRooms 枚举当前存储能看到的所有房间。
// 单机回退模式下只能看到本实例创建的房间（不做跨实例 gossip）。
func (m *Manager) GetAllRooms(ctx context.Context) ([]*domain.Room, error) {
	all, err := m.store.HGetAll(ctx, m.allRoomsKey())
	if err != nil {
		return nil, err
	}
	rooms := make([]*domain.Room, 0, len(all))
	for id, raw := range all {
		var r domain.Room
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			m.log.WithError(err).WithField("room_id", id).Warn("Skipping unparseable room entry")
			continue
		}
		rooms = append(rooms, &r)
	}
	return rooms, nil
}

// DeleteRoom 删除房间的 meta、成员、播放状态、光标以及 rooms:all 里的条目。
// 尽力而为：单个 key 删除失败不会中断其余删除。
func (m *Manager) DeleteRoom(ctx context.Context, id string) error {
	var firstErr error
	if err := m.store.Del(ctx, m.roomMetaKey(id), m.roomUsersKey(id), m.roomVideoKey(id), m.roomCursorsKey(id)); err != nil {
		firstErr = err
	}
	if err := m.store.HDel(ctx, m.allRoomsKey(), id); err != nil && firstErr == nil {
		firstErr = err
	}
	m.log.WithField("room_id", id).Info("Room deleted")
	return firstErr
}

// AddUserToRoom 写入（或覆盖）成员记录并刷新成员表的 TTL。
func (m *Manager) AddUserToRoom(ctx context.Context, id string, user domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("room: marshal user %s: %w", user.ID, err)
	}
	key := m.roomUsersKey(id)
	if err := m.store.HSet(ctx, key, user.ID, string(data)); err != nil {
		return err
	}
	return m.store.Expire(ctx, key, roomTTL)
}

// RemoveUserFromRoom 删除成员记录和对应的光标。
func (m *Manager) RemoveUserFromRoom(ctx context.Context, id, userID string) error {
	if err := m.store.HDel(ctx, m.roomUsersKey(id), userID); err != nil {
		return err
	}
	return m.store.HDel(ctx, m.roomCursorsKey(id), userID)
}

// GetRoomUsers 返回 userId → User 的映射（可能为空）。
func (m *Manager) GetRoomUsers(ctx context.Context, id string) (map[string]domain.User, error) {
	raw, err := m.store.HGetAll(ctx, m.roomUsersKey(id))
	if err != nil {
		return nil, err
	}
	users := make(map[string]domain.User, len(raw))
	for uid, data := range raw {
		var u domain.User
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			m.log.WithError(err).WithField("user_id", uid).Warn("Skipping unparseable user entry")
			continue
		}
		users[uid] = u
	}
	return users, nil
}

// GetRoomUserCount 返回房间当前成员数。
func (m *Manager) GetRoomUserCount(ctx context.Context, id string) (int, error) {
	n, err := m.store.HLen(ctx, m.roomUsersKey(id))
	return int(n), err
}

// GetVideoState 返回房间播放状态；缺失时返回默认状态（懒初始化，不落盘）。
func (m *Manager) GetVideoState(ctx context.Context, id string) (domain.VideoState, error) {
	raw, err := m.store.Get(ctx, m.roomVideoKey(id))
	if err != nil {
		return domain.DefaultVideoState(time.Now()), err
	}
	if raw == "" {
		return domain.DefaultVideoState(time.Now()), nil
	}
	var v domain.VideoState
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return domain.DefaultVideoState(time.Now()), fmt.Errorf("room: unmarshal video state %s: %w", id, err)
	}
	return v, nil
}

// SetVideoState 持久化播放状态并把 ServerTimestamp 刷成当前时间，
// 返回实际写入的状态。并发写入按最后写入者赢收敛。
func (m *Manager) SetVideoState(ctx context.Context, id string, v domain.VideoState) (domain.VideoState, error) {
	v.ServerTimestamp = time.Now().UnixMilli()
	data, err := json.Marshal(v)
	if err != nil {
		return v, fmt.Errorf("room: marshal video state %s: %w", id, err)
	}
	return v, m.store.SetWithTTL(ctx, m.roomVideoKey(id), string(data), roomTTL)
}

// UpdateVideoTime 把权威播放位置推进到现在并持久化，返回新状态。
// 播放中超过时长时回绕到 0（循环播放）。
func (m *Manager) UpdateVideoTime(ctx context.Context, id string) (domain.VideoState, error) {
	v, err := m.GetVideoState(ctx, id)
	if err != nil {
		return v, err
	}
	v.Advance(time.Now())
	return m.SetVideoState(ctx, id, v)
}

// UpdateCursor 覆盖某个用户的光标并刷新光标表 TTL。
func (m *Manager) UpdateCursor(ctx context.Context, id string, cursor domain.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("room: marshal cursor %s: %w", cursor.UserID, err)
	}
	key := m.roomCursorsKey(id)
	if err := m.store.HSet(ctx, key, cursor.UserID, string(data)); err != nil {
		return err
	}
	return m.store.Expire(ctx, key, roomTTL)
}

// GetRoomCursors 返回 userId → Cursor 的映射。
func (m *Manager) GetRoomCursors(ctx context.Context, id string) (map[string]domain.Cursor, error) {
	raw, err := m.store.HGetAll(ctx, m.roomCursorsKey(id))
	if err != nil {
		return nil, err
	}
	cursors := make(map[string]domain.Cursor, len(raw))
	for uid, data := range raw {
		var c domain.Cursor
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			continue
		}
		cursors[uid] = c
	}
	return cursors, nil
}

// RemoveCursor 删除某个用户的光标。
func (m *Manager) RemoveCursor(ctx context.Context, id, userID string) error {
	return m.store.HDel(ctx, m.roomCursorsKey(id), userID)
}

// CleanupEmptyRooms 删除 成员为零 且 创建超过 60 秒 的房间，返回删除数量。
func (m *Manager) CleanupEmptyRooms(ctx context.Context) (int, error) {
	rooms, err := m.GetAllRooms(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	reaped := 0
	for _, r := range rooms {
		if now-r.CreatedAt < reapMinAge.Milliseconds() {
			continue
		}
		count, err := m.GetRoomUserCount(ctx, r.ID)
		if err != nil || count > 0 {
			continue
		}
		if err := m.DeleteRoom(ctx, r.ID); err != nil {
			m.log.WithError(err).WithField("room_id", r.ID).Warn("Failed to reap empty room")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		m.log.WithField("count", reaped).Info("Empty rooms reaped")
	}
	return reaped, nil
}

// EnsureDefaultRoom 确保 main-lobby 存在（系统创建，容量放大）。
func (m *Manager) EnsureDefaultRoom(ctx context.Context) error {
	_, err := m.CreateRoom(ctx, DefaultRoomID, SystemCreator, Options{
		Name:     defaultRoomName,
		MaxUsers: defaultLobbyMaxUsers,
	})
	return err
}
