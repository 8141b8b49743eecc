package store

import (
	"context"
	"time"
)

// Subscription 代表一个活跃的频道订阅，Close 后不再投递消息。
type Subscription interface {
	Close() error
}

// Store 是共享 KV + 发布/订阅存储的端口。
// 所有房间状态只通过这个接口读写，写入在单 key 粒度上是原子的；
// 不提供跨 key 事务（房间删除容忍部分失败）。
//
// 失败语义：当底层存储不可达时（Connected 返回 false），
// 读操作返回零值哨兵，写操作静默跳过，都不返回错误；
// 调用方应把这种状态理解为"集群模式不可用"并回退到本地结构。
// 断线期间发起的操作不会排队重放。
type Store interface {
	// Connected 报告底层存储当前是否可达。
	Connected() bool

	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)

	// IncrWithTTL 原子自增；当结果为 1（窗口内第一次）时设置 TTL。
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// 有序集合：成员按 score（毫秒时间戳）排序，用于滑动窗口计数。
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string, handler func(payload string)) (Subscription, error)

	Close() error
}
