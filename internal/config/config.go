// Package config 提供传输栈的配置管理层
//
// config 包负责：
// - 定义内部配置结构
// - 提供默认值
// - 配置校验
// - 通过 fx 把各层配置分发给对应模块
package config

import (
	"time"
)

// Config 内部配置结构
//
// 用户配置（根包 pastry.UserConfig）会被转换为此结构。
type Config struct {
	// Wire 原始 TCP/UDP 传输配置
	Wire WireConfig

	// Identity 身份层配置
	Identity IdentityConfig

	// Liveness 存活检测配置
	Liveness LivenessConfig

	// Priority 优先级层配置
	Priority PriorityConfig
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Wire:     DefaultWireConfig(),
		Identity: DefaultIdentityConfig(),
		Liveness: DefaultLivenessConfig(),
		Priority: DefaultPriorityConfig(),
	}
}

// ============================================================================
//                              传输配置
// ============================================================================

// WireConfig 原始传输配置
type WireConfig struct {
	// ListenAddr 监听地址（TCP 与 UDP 共用），如 "0.0.0.0:9001"
	ListenAddr string

	// DialTimeout 拨号超时
	DialTimeout time.Duration

	// SocketBufferSize 每个 socket 的入站/出站缓冲区大小
	SocketBufferSize int

	// KeepAlive TCP 保活周期，0 表示使用系统默认
	KeepAlive time.Duration
}

// DefaultWireConfig 默认传输配置
func DefaultWireConfig() WireConfig {
	return WireConfig{
		ListenAddr:       DefaultListenAddr,
		DialTimeout:      DefaultDialTimeout,
		SocketBufferSize: DefaultSocketBufferSize,
		KeepAlive:        DefaultKeepAlive,
	}
}

// ============================================================================
//                              身份配置
// ============================================================================

// IdentityConfig 身份层配置
type IdentityConfig struct {
	// MaxIdentitySize 序列化身份的最大长度
	MaxIdentitySize int

	// DeadForeverCacheSize 记忆的永久死亡身份数量
	DeadForeverCacheSize int

	// AllowIdentityChange 是否允许远端身份变更（默认策略）
	AllowIdentityChange bool
}

// DefaultIdentityConfig 默认身份层配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		MaxIdentitySize:      DefaultMaxIdentitySize,
		DeadForeverCacheSize: DefaultDeadForeverCacheSize,
		AllowIdentityChange:  true,
	}
}

// ============================================================================
//                              Liveness 配置
// ============================================================================

// LivenessConfig 存活检测配置
type LivenessConfig struct {
	// PingDelay 重试 ping 的基础间隔
	PingDelay time.Duration

	// PingJitter 重试间隔的抖动比例 [0, 1)
	PingJitter float64

	// NumPingTries 判定 Dead 之前的 ping 次数
	NumPingTries int

	// CheckDeadThrottle Dead 之后再次检查的最小间隔
	CheckDeadThrottle time.Duration

	// DefaultRTO 尚无 RTT 样本时的重传超时
	DefaultRTO time.Duration

	// RTOLowerBound RTO 下界
	RTOLowerBound time.Duration

	// RTOUpperBound RTO 上界
	RTOUpperBound time.Duration

	// GainG RTT 平滑增益
	GainG float64

	// GainH 偏差平滑增益
	GainH float64

	// StallFactor socket 写停滞检查的 RTO 倍数
	StallFactor int

	// DeadForeverCacheSize 记忆的 DeadForever 标识数量，超出时最久未用的被遗忘
	DeadForeverCacheSize int
}

// DefaultLivenessConfig 默认存活检测配置
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		PingDelay:         DefaultPingDelay,
		PingJitter:        DefaultPingJitter,
		NumPingTries:      DefaultNumPingTries,
		CheckDeadThrottle: DefaultCheckDeadThrottle,
		DefaultRTO:        DefaultRTO,
		RTOLowerBound:     DefaultRTOLowerBound,
		RTOUpperBound:     DefaultRTOUpperBound,
		GainG:             DefaultGainG,
		GainH:             DefaultGainH,
		StallFactor:       DefaultStallFactor,

		DeadForeverCacheSize: DefaultDeadForeverCacheSize,
	}
}

// ============================================================================
//                              优先级配置
// ============================================================================

// PriorityConfig 优先级层配置
type PriorityConfig struct {
	// MaxMsgSize 单条消息最大长度
	MaxMsgSize int

	// MaxQueueSize 每个目的地的队列上限
	MaxQueueSize int

	// OpenRetries 打开 primary socket 连续失败的容忍次数
	OpenRetries int

	// OpenRetryDelay 打开失败后重试的基础延迟（指数增长）
	OpenRetryDelay time.Duration
}

// DefaultPriorityConfig 默认优先级层配置
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		MaxMsgSize:     DefaultMaxMsgSize,
		MaxQueueSize:   DefaultMaxQueueSize,
		OpenRetries:    DefaultOpenRetries,
		OpenRetryDelay: DefaultOpenRetryDelay,
	}
}
