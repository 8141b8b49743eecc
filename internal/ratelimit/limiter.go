package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/store"
)

// Action 是被限流的消息类别。
type Action string

const (
	ActionCursor       Action = "cursor"
	ActionReaction     Action = "reaction"
	ActionSync         Action = "sync"
	ActionMessage      Action = "message" // 预留：目前没有入站事件使用
	ActionRoomJoin     Action = "roomJoin"
	ActionVideoControl Action = "videoControl"
)

// Limit 定义一个动作在固定窗口内允许的最大次数。
type Limit struct {
	Max    int
	Window time.Duration
}

// 各动作的预算。
var limits = map[Action]Limit{
	ActionCursor:       {Max: 20, Window: time.Second},
	ActionReaction:     {Max: 5, Window: time.Second},
	ActionSync:         {Max: 10, Window: time.Second},
	ActionMessage:      {Max: 30, Window: time.Second},
	ActionRoomJoin:     {Max: 5, Window: 10 * time.Second},
	ActionVideoControl: {Max: 10, Window: time.Second},
}

// LimitFor 返回某个动作的预算（未知动作返回 ok=false）。
func LimitFor(action Action) (Limit, bool) {
	l, ok := limits[action]
	return l, ok
}

// Result 是一次限流判定的结果。被拒绝时 RetryIn 等于窗口长度。
type Result struct {
	Allowed bool
	Action  Action
	RetryIn time.Duration
}

// localWindow 是 KV 端口不可用时的进程内固定窗口计数。
type localWindow struct {
	count   int64
	resetAt time.Time
}

// Limiter 实现按 用户×动作 的固定窗口限流。
// 连接正常时计数器放在 KV 端口（INCR + 首次置 TTL，集群全局生效）；
// 端口断开时回退到进程内 map，窗口语义不变。
type Limiter struct {
	store store.Store
	log   *logrus.Entry

	mu    sync.Mutex
	local map[string]*localWindow
}

// NewLimiter 创建 Limiter。
func NewLimiter(st store.Store, log *logrus.Logger) *Limiter {
	return &Limiter{
		store: st,
		log:   log.WithField("component", "ratelimit"),
		local: make(map[string]*localWindow),
	}
}

func limiterKey(action Action, userID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", action, userID)
}

// Allow 判定 userID 的一次 action 是否放行。
// 未配置的动作直接放行。
func (l *Limiter) Allow(ctx context.Context, action Action, userID string) Result {
	limit, ok := limits[action]
	if !ok {
		return Result{Allowed: true, Action: action}
	}

	key := limiterKey(action, userID)
	// TTL 取 ceil(window) 到秒，和 Redis EXPIRE 的粒度一致
	ttl := time.Duration(math.Ceil(limit.Window.Seconds())) * time.Second

	if l.store.Connected() {
		count, err := l.store.IncrWithTTL(ctx, key, ttl)
		if err != nil {
			// 存储层出错时不惩罚客户端，只记日志并放行
			l.log.WithError(err).Warn("rate limit counter failed, allowing")
			return Result{Allowed: true, Action: action}
		}
		if count > 0 {
			return l.verdict(action, limit, count)
		}
		// count==0 是断线哨兵，落到本地路径
	}

	return l.verdict(action, limit, l.incrLocal(key, limit.Window))
}

func (l *Limiter) verdict(action Action, limit Limit, count int64) Result {
	if count > int64(limit.Max) {
		return Result{Allowed: false, Action: action, RetryIn: limit.Window}
	}
	return Result{Allowed: true, Action: action}
}

func (l *Limiter) incrLocal(key string, window time.Duration) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	w, ok := l.local[key]
	if !ok || now.After(w.resetAt) {
		w = &localWindow{resetAt: now.Add(window)}
		l.local[key] = w
	}
	w.count++
	return w.count
}

// Sweep 删除已过期的本地窗口。由 10s 周期任务驱动。
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for key, w := range l.local {
		if now.After(w.resetAt) {
			delete(l.local, key)
		}
	}
}

// StartSweeper 启动本地窗口清理循环，ctx 取消后退出。
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// TokenBucket 是可选的平滑限流：容量 2·max，按 max/窗口 连续回填。
// 和固定窗口相比突发更柔和，供需要平滑路径的调用方选用。
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // 每秒回填的令牌数
	tokens   float64
	last     time.Time
}

// NewTokenBucket 按动作预算构造令牌桶。
func NewTokenBucket(limit Limit) *TokenBucket {
	perSecond := float64(limit.Max) / limit.Window.Seconds()
	return &TokenBucket{
		capacity: float64(2 * limit.Max),
		refill:   perSecond,
		tokens:   float64(2 * limit.Max),
		last:     time.Now(),
	}
}

// Take 尝试取走一个令牌。
func (b *TokenBucket) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	// 按经过的墙钟时间做小数回填
	b.tokens += now.Sub(b.last).Seconds() * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

const (
	// 连接准入：同一来源地址 60 秒内的尝试上限。
	gateWindow           = 60 * time.Second
	defaultGateThreshold = 20
)

// ConnectionGate 是按来源地址的连接准入闸门（60 秒滑动窗口）。
// KV 端口可用时用有序集合实现（集群全局计数），否则退回进程内时间戳表。
type ConnectionGate struct {
	store     store.Store
	threshold int
	log       *logrus.Entry

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewConnectionGate 创建准入闸门；threshold<=0 时用默认值 20。
func NewConnectionGate(st store.Store, threshold int, log *logrus.Logger) *ConnectionGate {
	if threshold <= 0 {
		threshold = defaultGateThreshold
	}
	return &ConnectionGate{
		store:     st,
		threshold: threshold,
		log:       log.WithField("component", "conn_gate"),
		attempts:  make(map[string][]time.Time),
	}
}

func gateKey(addr string) string {
	return "connattempts:" + addr
}

// Admit 判定一次来自 addr 的连接尝试是否放行，放行时记录这次尝试。
// 判定规则：最近 60 秒内已记录的尝试数（不含本次）< threshold。
// 被拒绝的尝试不记录。
func (g *ConnectionGate) Admit(ctx context.Context, addr string) bool {
	now := time.Now()

	if g.store.Connected() {
		key := gateKey(addr)
		nowMs := float64(now.UnixMilli())
		windowStart := float64(now.Add(-gateWindow).UnixMilli())

		// 先把窗口外的旧记录剪掉，再数窗口内的
		_ = g.store.ZRemRangeByScore(ctx, key, 0, windowStart-1)
		count, err := g.store.ZCount(ctx, key, windowStart, nowMs)
		if err != nil {
			g.log.WithError(err).Warn("connection gate count failed, admitting")
			return true
		}
		if count >= int64(g.threshold) {
			return false
		}
		member := strconv.FormatInt(now.UnixNano(), 10)
		if err := g.store.ZAdd(ctx, key, nowMs, member); err == nil {
			_ = g.store.Expire(ctx, key, gateWindow)
			return true
		}
		// 写失败时落到本地路径
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-gateWindow)
	kept := g.attempts[addr][:0]
	for _, ts := range g.attempts[addr] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= g.threshold {
		g.attempts[addr] = kept
		return false
	}
	g.attempts[addr] = append(kept, now)
	return true
}

// Sweep 清掉整个窗口都已过期的地址。由 60s 周期任务驱动。
func (g *ConnectionGate) Sweep(ctx context.Context) {
	now := time.Now()
	cutoff := now.Add(-gateWindow)

	g.mu.Lock()
	for addr, times := range g.attempts {
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(g.attempts, addr)
		} else {
			g.attempts[addr] = kept
		}
	}
	g.mu.Unlock()
}

// StartSweeper 启动准入记录清理循环。
func (g *ConnectionGate) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sweep(ctx)
			}
		}
	}()
}
