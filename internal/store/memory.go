package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是 Store 的单实例回退实现：
// 所有结构放在进程内存里，Publish 在本进程内同步投递。
// 语义与 RedisStore 对齐，方便测试注入和无 Redis 部署。
type MemoryStore struct {
	mu sync.Mutex

	strings map[string]*memEntry            // 普通 key
	hashes  map[string]map[string]string    // hash key -> field -> value
	hashTTL map[string]time.Time            // hash 的过期时间
	zsets   map[string]map[string]float64   // zset key -> member -> score
	counters map[string]*memCounter         // IncrWithTTL 的计数器

	subMu sync.RWMutex
	subs  map[string][]*memorySubscription // channel -> 订阅者

	closed bool
}

type memEntry struct {
	value    string
	expireAt time.Time // 零值表示不过期
}

type memCounter struct {
	count    int64
	expireAt time.Time
}

// NewMemoryStore 创建一个空的内存实现。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings:  make(map[string]*memEntry),
		hashes:   make(map[string]map[string]string),
		hashTTL:  make(map[string]time.Time),
		zsets:    make(map[string]map[string]float64),
		counters: make(map[string]*memCounter),
		subs:     make(map[string][]*memorySubscription),
	}
}

// Connected 恒为 true：进程内存储不会断线。
func (s *MemoryStore) Connected() bool { return true }

func expired(at time.Time, now time.Time) bool {
	return !at.IsZero() && now.After(at)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || expired(e.expireAt, time.Now()) {
		delete(s.strings, key)
		return "", nil
	}
	return e.value, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.strings[key] = e
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.hashTTL, key)
		delete(s.zsets, key)
		delete(s.counters, key)
	}
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := time.Now().Add(ttl)
	if e, ok := s.strings[key]; ok {
		e.expireAt = at
	}
	if _, ok := s.hashes[key]; ok {
		s.hashTTL[key] = at
	}
	if c, ok := s.counters[key]; ok {
		c.expireAt = at
	}
	return nil
}

// hashAlive 返回未过期的 hash；过期则顺手清掉。调用方需持有锁。
func (s *MemoryStore) hashAlive(key string) map[string]string {
	if expired(s.hashTTL[key], time.Now()) {
		delete(s.hashes, key)
		delete(s.hashTTL, key)
		return nil
	}
	return s.hashes[key]
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashAlive(key)
	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashAlive(key)
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashAlive(key)
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *MemoryStore) HLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.hashAlive(key))), nil
}

func (s *MemoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c, ok := s.counters[key]
	if !ok || expired(c.expireAt, now) {
		// 窗口内第一次：计数归 1 并设置过期
		c = &memCounter{count: 0}
		if ttl > 0 {
			c.expireAt = now.Add(ttl)
		}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, score := range s.zsets[key] {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
		}
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return nil
}

// memorySubscription 是进程内订阅；Close 把自己从订阅表摘除。
type memorySubscription struct {
	store   *MemoryStore
	channel string
	handler func(payload string)
	once    sync.Once
}

func (ms *memorySubscription) Close() error {
	ms.once.Do(func() {
		ms.store.subMu.Lock()
		defer ms.store.subMu.Unlock()
		subs := ms.store.subs[ms.channel]
		for i, sub := range subs {
			if sub == ms {
				ms.store.subs[ms.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(ms.store.subs[ms.channel]) == 0 {
			delete(ms.store.subs, ms.channel)
		}
	})
	return nil
}

// Publish 同步投递给本进程内该频道的所有订阅者。
func (s *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	s.subMu.RLock()
	subs := make([]*memorySubscription, len(s.subs[channel]))
	copy(subs, s.subs[channel])
	s.subMu.RUnlock()

	for _, sub := range subs {
		sub.handler(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string, handler func(payload string)) (Subscription, error) {
	sub := &memorySubscription{store: s, channel: channel, handler: handler}
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()
	return sub, nil
}

func (s *MemoryStore) Close() error {
	s.subMu.Lock()
	s.subs = make(map[string][]*memorySubscription)
	s.subMu.Unlock()
	return nil
}
