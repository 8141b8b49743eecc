package domain

import "time"

// Room 代表一个观影房间的元数据。
// ID 是集群范围内的主键；CreatedAt 一旦写入永不变更。
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"` // 用户 ID，或字面量 "system"
	CreatedAt int64  `json:"createdAt"` // 毫秒时间戳
	MaxUsers  int    `json:"maxUsers"`
	IsPublic  bool   `json:"isPublic"`
}

// User 代表一个活跃会话的用户记录。
// ID 在连接建立时分配，会话结束后作废（不复用）。
type User struct {
	ID          string `json:"id"`
	City        string `json:"city"`
	Timezone    string `json:"timezone"`
	Flag        string `json:"flag"`
	ConnectedAt int64  `json:"connectedAt"`
	LastSeen    int64  `json:"lastSeen"`
	Instance    string `json:"instance"` // 持有该会话的 hub 实例
}

// DefaultDuration 是示例资源的时长（秒），新房间的默认视频时长。
const DefaultDuration = 596.0

// VideoState 是房间的权威播放状态。
// 不变式：CurrentTime 是 LastUpdateTime 时刻的位置；
// 播放中时 now 时刻的期望位置为 CurrentTime + (now-LastUpdateTime)/1000，
// 到达 Duration 后回绕到 0（循环播放）。
type VideoState struct {
	IsPlaying       bool    `json:"isPlaying"`
	CurrentTime     float64 `json:"currentTime"` // 秒
	Duration        float64 `json:"duration"`    // 秒
	ServerTimestamp int64   `json:"serverTimestamp"`
	LastUpdateTime  int64   `json:"lastUpdateTime"`
}

// DefaultVideoState 返回新房间的初始播放状态（暂停、位置 0）。
func DefaultVideoState(now time.Time) VideoState {
	ms := now.UnixMilli()
	return VideoState{
		IsPlaying:       false,
		CurrentTime:     0,
		Duration:        DefaultDuration,
		ServerTimestamp: ms,
		LastUpdateTime:  ms,
	}
}

// Advance 把播放位置推进到 now 时刻并更新 LastUpdateTime。
// 暂停状态下只刷新 ServerTimestamp。到达 Duration 时回绕到 0。
func (v *VideoState) Advance(now time.Time) {
	ms := now.UnixMilli()
	if v.IsPlaying {
		elapsed := float64(ms-v.LastUpdateTime) / 1000.0
		if elapsed > 0 {
			v.CurrentTime += elapsed
		}
		if v.Duration > 0 && v.CurrentTime >= v.Duration {
			// 循环播放：到达末尾后从头开始
			v.CurrentTime = 0
		}
		v.LastUpdateTime = ms
	}
	v.ServerTimestamp = ms
}

// ClampTime 把一个 seek 目标限制在 [0, Duration] 内。
func (v *VideoState) ClampTime(t float64) float64 {
	if t < 0 {
		return 0
	}
	if v.Duration > 0 && t > v.Duration {
		return v.Duration
	}
	return t
}

// Cursor 是某个用户在视频区域上的光标位置（百分比坐标）。
// 短暂存在，后续更新直接覆盖。
type Cursor struct {
	UserID    string  `json:"userId"`
	City      string  `json:"city"`
	Flag      string  `json:"flag"`
	X         float64 `json:"x"` // [0,100]
	Y         float64 `json:"y"` // [0,100]
	Timestamp int64   `json:"timestamp"`
}

// Reaction 是一条表情反应，只在一个批处理窗口内存在，不做持久化。
type Reaction struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	City      string  `json:"city"`
	Flag      string  `json:"flag"`
	Emoji     string  `json:"emoji"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VideoTime float64 `json:"videoTime"` // 发送反应时的视频位置（秒）
	Timestamp int64   `json:"timestamp"`
}
