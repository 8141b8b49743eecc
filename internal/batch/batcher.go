package batch

import (
	"sync"

	"github.com/pumarogie/clock-synchronization-world/internal/domain"
)

// roomCursors 是单个房间的光标累积器（同一用户后写覆盖先写）。
type roomCursors struct {
	mu      sync.Mutex
	byUser  map[string]domain.Cursor
	order   []string // 首次出现顺序，保证 flush 输出稳定
}

// roomReactions 是单个房间的反应累积器（只追加）。
type roomReactions struct {
	mu   sync.Mutex
	list []domain.Reaction
}

// Batcher 按房间累积光标和反应，由 100ms 周期任务换出并广播。
// 累积器只存在于持有会话的实例本地。
type Batcher struct {
	mu        sync.Mutex
	cursors   map[string]*roomCursors
	reactions map[string]*roomReactions
}

// NewBatcher 创建空的 Batcher。
func NewBatcher() *Batcher {
	return &Batcher{
		cursors:   make(map[string]*roomCursors),
		reactions: make(map[string]*roomReactions),
	}
}

func (b *Batcher) cursorsFor(roomID string) *roomCursors {
	b.mu.Lock()
	defer b.mu.Unlock()
	rc, ok := b.cursors[roomID]
	if !ok {
		rc = &roomCursors{byUser: make(map[string]domain.Cursor)}
		b.cursors[roomID] = rc
	}
	return rc
}

func (b *Batcher) reactionsFor(roomID string) *roomReactions {
	b.mu.Lock()
	defer b.mu.Unlock()
	rr, ok := b.reactions[roomID]
	if !ok {
		rr = &roomReactions{}
		b.reactions[roomID] = rr
	}
	return rr
}

// AddCursor 记录一个光标更新；同一用户在一个窗口内只保留最新值。
func (b *Batcher) AddCursor(roomID string, c domain.Cursor) {
	rc := b.cursorsFor(roomID)
	rc.mu.Lock()
	if _, seen := rc.byUser[c.UserID]; !seen {
		rc.order = append(rc.order, c.UserID)
	}
	rc.byUser[c.UserID] = c
	rc.mu.Unlock()
}

// AddReaction 追加一条反应。
func (b *Batcher) AddReaction(roomID string, r domain.Reaction) {
	rr := b.reactionsFor(roomID)
	rr.mu.Lock()
	rr.list = append(rr.list, r)
	rr.mu.Unlock()
}

// FlushCursors 取出并清空某房间的光标批。空批返回 nil。
// 换出在锁内完成，发布在锁外进行。
func (b *Batcher) FlushCursors(roomID string) []domain.Cursor {
	b.mu.Lock()
	rc, ok := b.cursors[roomID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	rc.mu.Lock()
	if len(rc.byUser) == 0 {
		rc.mu.Unlock()
		return nil
	}
	out := make([]domain.Cursor, 0, len(rc.byUser))
	for _, uid := range rc.order {
		out = append(out, rc.byUser[uid])
	}
	rc.byUser = make(map[string]domain.Cursor)
	rc.order = rc.order[:0]
	rc.mu.Unlock()
	return out
}

// FlushReactions 取出并清空某房间的反应批，保留插入顺序。空批返回 nil。
func (b *Batcher) FlushReactions(roomID string) []domain.Reaction {
	b.mu.Lock()
	rr, ok := b.reactions[roomID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	rr.mu.Lock()
	if len(rr.list) == 0 {
		rr.mu.Unlock()
		return nil
	}
	out := rr.list
	rr.list = nil
	rr.mu.Unlock()
	return out
}

// DropRoom 丢弃某房间的全部累积器（房间在本实例不再有会话时调用）。
func (b *Batcher) DropRoom(roomID string) {
	b.mu.Lock()
	delete(b.cursors, roomID)
	delete(b.reactions, roomID)
	b.mu.Unlock()
}
