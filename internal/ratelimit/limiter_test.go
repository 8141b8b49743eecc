package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumarogie/clock-synchronization-world/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel) // 测试里静音
	return log
}

func TestLimiterFixedWindowBudget(t *testing.T) {
	l := NewLimiter(store.NewMemoryStore(), testLogger())
	ctx := context.Background()

	// reaction 预算是 5/1s：前 5 次放行，之后拒绝
	for i := 0; i < 5; i++ {
		res := l.Allow(ctx, ActionReaction, "user_a")
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}
	for i := 0; i < 5; i++ {
		res := l.Allow(ctx, ActionReaction, "user_a")
		assert.False(t, res.Allowed)
		assert.Equal(t, ActionReaction, res.Action)
		assert.Equal(t, time.Second, res.RetryIn)
	}
}

func TestLimiterBudgetIsPerUserPerAction(t *testing.T) {
	l := NewLimiter(store.NewMemoryStore(), testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, ActionReaction, "user_a").Allowed)
	}
	// user_a 的 reaction 用完了，但别的用户和别的动作不受影响
	assert.False(t, l.Allow(ctx, ActionReaction, "user_a").Allowed)
	assert.True(t, l.Allow(ctx, ActionReaction, "user_b").Allowed)
	assert.True(t, l.Allow(ctx, ActionCursor, "user_a").Allowed)
}

func TestLimiterUnknownActionAllowed(t *testing.T) {
	l := NewLimiter(store.NewMemoryStore(), testLogger())
	res := l.Allow(context.Background(), Action("unconfigured"), "user_a")
	assert.True(t, res.Allowed)
}

func TestLimiterRoomJoinWindow(t *testing.T) {
	l := NewLimiter(store.NewMemoryStore(), testLogger())
	ctx := context.Background()

	// roomJoin 是 5/10s
	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, ActionRoomJoin, "user_a").Allowed)
	}
	res := l.Allow(ctx, ActionRoomJoin, "user_a")
	assert.False(t, res.Allowed)
	assert.Equal(t, 10*time.Second, res.RetryIn)
}

func TestLimiterLocalSweep(t *testing.T) {
	l := NewLimiter(store.NewMemoryStore(), testLogger())

	// 直接驱动本地窗口（绕过 store 路径）
	l.incrLocal("ratelimit:cursor:user_a", 10*time.Millisecond)
	l.incrLocal("ratelimit:cursor:user_b", time.Hour)

	time.Sleep(30 * time.Millisecond)
	l.Sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.local, "ratelimit:cursor:user_a")
	assert.Contains(t, l.local, "ratelimit:cursor:user_b")
}

func TestTokenBucketDrainAndRefill(t *testing.T) {
	b := NewTokenBucket(Limit{Max: 5, Window: time.Second})

	// 容量 2·max = 10
	for i := 0; i < 10; i++ {
		assert.True(t, b.Take(), "token %d", i+1)
	}
	assert.False(t, b.Take())

	// 回填速率 5/s，等 250ms 左右应该能取到至少一个
	time.Sleep(300 * time.Millisecond)
	assert.True(t, b.Take())
}

func TestConnectionGateThreshold(t *testing.T) {
	g := NewConnectionGate(store.NewMemoryStore(), 3, testLogger())
	ctx := context.Background()

	assert.True(t, g.Admit(ctx, "10.0.0.1"))
	assert.True(t, g.Admit(ctx, "10.0.0.1"))
	assert.True(t, g.Admit(ctx, "10.0.0.1"))
	// 窗口内已有 3 次尝试，第 4 次拒绝
	assert.False(t, g.Admit(ctx, "10.0.0.1"))
	// 别的地址不受影响
	assert.True(t, g.Admit(ctx, "10.0.0.2"))
}

func TestConnectionGateLocalSweep(t *testing.T) {
	// 用一个汇报 disconnected 的 store 强制走本地路径
	g := NewConnectionGate(disconnectedStore{}, 3, testLogger())
	ctx := context.Background()

	require.True(t, g.Admit(ctx, "10.0.0.1"))
	g.mu.Lock()
	// 人为把记录改到窗口之外
	g.attempts["10.0.0.1"] = []time.Time{time.Now().Add(-2 * gateWindow)}
	g.mu.Unlock()

	g.Sweep(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.NotContains(t, g.attempts, "10.0.0.1")
}

// disconnectedStore 是一个汇报断线、其余操作都为空实现的 Store，用来驱动本地回退路径。
type disconnectedStore struct{}

func (disconnectedStore) Connected() bool { return false }
func (disconnectedStore) Get(context.Context, string) (string, error) { return "", nil }
func (disconnectedStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return nil
}
func (disconnectedStore) Del(context.Context, ...string) error { return nil }
func (disconnectedStore) Expire(context.Context, string, time.Duration) error { return nil }
func (disconnectedStore) HSet(context.Context, string, string, string) error { return nil }
func (disconnectedStore) HGetAll(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (disconnectedStore) HDel(context.Context, string, ...string) error { return nil }
func (disconnectedStore) HLen(context.Context, string) (int64, error)   { return 0, nil }
func (disconnectedStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}
func (disconnectedStore) ZAdd(context.Context, string, float64, string) error { return nil }
func (disconnectedStore) ZCount(context.Context, string, float64, float64) (int64, error) {
	return 0, nil
}
func (disconnectedStore) ZRemRangeByScore(context.Context, string, float64, float64) error {
	return nil
}
func (disconnectedStore) Publish(context.Context, string, string) error { return nil }
func (disconnectedStore) Subscribe(context.Context, string, func(string)) (store.Subscription, error) {
	return nopSubscription{}, nil
}
func (disconnectedStore) Close() error { return nil }

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }

func TestLimiterFallsBackWhenDisconnected(t *testing.T) {
	// store 汇报断线时不走 IncrWithTTL，计数应落到本地窗口
	l := NewLimiter(disconnectedStore{}, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, ActionReaction, "user_a").Allowed)
	}
	assert.False(t, l.Allow(ctx, ActionReaction, "user_a").Allowed)
}
