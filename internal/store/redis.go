package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	// 重连退避的初始值和上限。
	reconnectBaseDelay = 100 * time.Millisecond
	reconnectMaxDelay  = 3 * time.Second
	// 连续失败这么多次之后只记一次日志，避免刷屏。
	reconnectLogAfter = 10
	// 后台健康检查的周期。
	monitorInterval = 2 * time.Second
)

// RedisStore 是 Store 的集群实现，基于 go-redis。
// 单 key 原子性由 Redis 本身保证；IncrWithTTL 先 INCR，
// 再按结果条件执行 EXPIRE（参考限流计数器的做法）。
type RedisStore struct {
	client *redis.Client

	// connected 由后台监视 goroutine 维护；
	// 断线时读返回哨兵值、写静默跳过（见 Store 接口约定）。
	connected atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewRedisStore 按 REDIS_URL 创建客户端并启动健康监视。
// 初次连接失败不是致命错误：Store 进入 disconnected 状态，
// 监视 goroutine 会带退避地持续重试。
func NewRedisStore(redisURL string, log *logrus.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis url %q: %w", redisURL, err)
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 5
	opts.MaxConnAge = 30 * time.Minute

	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client: client,
		cancel: cancel,
		log:    log.WithField("component", "redis_store"),
	}

	// 初次探活。失败时只降级，不报错。
	if _, err := client.Ping(ctx).Result(); err != nil {
		s.log.WithError(err).Warn("Redis unreachable at startup, running degraded until it comes back")
		s.connected.Store(false)
	} else {
		s.connected.Store(true)
		s.log.Info("Redis connected")
	}

	s.wg.Add(1)
	go s.monitor(ctx)

	return s, nil
}

// Connected 实现 Store。
func (s *RedisStore) Connected() bool { return s.connected.Load() }

// monitor 周期性 Ping，维护 connected 标志。
// 失败后按指数退避重试（100ms 起，封顶 3s），状态翻转只记一次日志。
func (s *RedisStore) monitor(ctx context.Context) {
	defer s.wg.Done()

	failures := 0
	delay := monitorInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		_, err := s.client.Ping(ctx).Result()
		if err != nil {
			failures++
			if s.connected.Swap(false) {
				s.log.WithError(err).Warn("Redis connection lost, falling back to local state")
			} else if failures == reconnectLogAfter {
				s.log.WithField("attempts", failures).Warn("Redis still unreachable")
			}
			// 指数退避
			delay = reconnectBaseDelay << uint(min(failures-1, 5))
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		failures = 0
		delay = monitorInterval
		if !s.connected.Swap(true) {
			s.log.Info("Redis connection restored")
		}
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if !s.Connected() {
		return "", nil
	}
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil // 缺失的 key 视为空值
	}
	if err != nil {
		return "", fmt.Errorf("store: GET %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if !s.Connected() {
		return nil
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if !s.Connected() || len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: DEL: %w", err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !s.Connected() {
		return nil
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store: EXPIRE %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if !s.Connected() {
		return nil
	}
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("store: HSET %s %s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if !s.Connected() {
		return map[string]string{}, nil
	}
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: HGETALL %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if !s.Connected() || len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("store: HDEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	if !s.Connected() {
		return 0, nil
	}
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: HLEN %s: %w", key, err)
	}
	return n, nil
}

// IncrWithTTL 先执行 INCR 并读结果，
// 只在结果为 1（窗口内首个计数）时再发一次 EXPIRE。
// INCR 本身是原子的，窗口首写和 EXPIRE 之间的间隙可以容忍。
func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if !s.Connected() {
		return 0, nil
	}
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: INCR %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, fmt.Errorf("store: EXPIRE %s after INCR: %w", key, err)
		}
	}
	return count, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if !s.Connected() {
		return nil
	}
	if err := s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("store: ZADD %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	if !s.Connected() {
		return 0, nil
	}
	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: ZCOUNT %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if !s.Connected() {
		return nil
	}
	if err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		return fmt.Errorf("store: ZREMRANGEBYSCORE %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if !s.Connected() {
		return nil
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		// 广播丢失不影响一致性，后续状态读取会重新收敛；调用方只记日志
		return fmt.Errorf("store: PUBLISH %s: %w", channel, err)
	}
	return nil
}

// redisSubscription 包装 go-redis 的 PubSub，Close 时结束投递 goroutine。
type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (rs *redisSubscription) Close() error {
	rs.once.Do(func() { close(rs.done) })
	return rs.pubsub.Close()
}

// Subscribe 订阅频道并在单独的 goroutine 中把消息交给 handler。
// handler 在订阅自己的 goroutine 上被调用，同一订阅内有序。
func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler func(payload string)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// 等待订阅确认，确保之后的 Publish 不会丢
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("store: SUBSCRIBE %s: %w", channel, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return sub, nil
}

// Close 停止监视并关闭客户端连接。
func (s *RedisStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.client.Close()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
