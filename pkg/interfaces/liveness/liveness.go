// Package liveness 定义节点存活检测接口
//
// Liveness 层通过主动 Ping 与自适应超时（RTO）检测远端失效，
// 对外提供稳定的存活信号与 RTT/邻近度估计。
package liveness

import (
	"math"
	"time"
)

// ============================================================================
//                              存活状态
// ============================================================================

// State 存活状态，数值越大越"死"
type State int

const (
	// StateAlive 已确认存活
	StateAlive State = iota + 1
	// StateSuspected 尚未确认，也未判定死亡
	StateSuspected
	// StateDead 所有重试均失败
	StateDead
	// StateDeadForever 外部显式判定的终态
	StateDeadForever
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspected:
		return "suspected"
	case StateDead:
		return "dead"
	case StateDeadForever:
		return "dead-forever"
	}
	return "unknown"
}

// IsDead 是否为 Dead 或 DeadForever
func (s State) IsDead() bool {
	return s >= StateDead
}

// DefaultProximity 未测得 RTT 时的邻近度
const DefaultProximity = time.Duration(math.MaxInt64)

// ============================================================================
//                              Provider 接口
// ============================================================================

// Provider 存活状态提供者
type Provider[ID comparable] interface {
	// Liveness 返回 id 当前的存活状态
	Liveness(id ID) State

	// CheckLiveness 请求检查 id 的存活状态
	// 返回 true 表示稍后会有状态更新
	CheckLiveness(id ID) bool

	// AddLivenessListener 添加状态监听器
	AddLivenessListener(l Listener[ID])

	// RemoveLivenessListener 移除状态监听器
	RemoveLivenessListener(l Listener[ID])

	// ClearState 丢弃 id 的全部存活状态
	ClearState(id ID)
}

// Listener 存活状态变化监听器
//
// 仅在状态真正改变时回调。
type Listener[ID comparable] interface {
	LivenessChanged(id ID, state State)
}

// Marker 由外部（Identity 层、Priority 层）显式设置状态
type Marker[ID comparable] interface {
	// MarkDeadForever 标记为永久死亡（终态）
	MarkDeadForever(id ID)

	// MarkAlive 标记为存活（如身份重绑定后）
	MarkAlive(id ID)
}

// ============================================================================
//                              Pinger 接口
// ============================================================================

// Pinger 主动探测
type Pinger[ID comparable] interface {
	// Ping 向 id 发送一次 ping，返回是否已发出
	Ping(id ID) bool

	// AddPingListener 添加 ping 监听器
	AddPingListener(l PingListener[ID])

	// RemovePingListener 移除 ping 监听器
	RemovePingListener(l PingListener[ID])
}

// PingListener ping 事件监听器
type PingListener[ID comparable] interface {
	// PingResponse 收到 pong
	PingResponse(id ID, rtt time.Duration)

	// PingReceived 收到对方的 ping
	PingReceived(id ID)
}

// ProximityProvider 邻近度（平滑 RTT）提供者
type ProximityProvider[ID comparable] interface {
	// Proximity 返回平滑 RTT，未知时返回 DefaultProximity
	Proximity(id ID) time.Duration
}
