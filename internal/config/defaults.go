package config

import "time"

// ============================================================================
//                              预设默认值
// ============================================================================

// 传输默认值
const (
	// DefaultListenAddr 默认监听地址
	DefaultListenAddr = "0.0.0.0:9001"

	// DefaultDialTimeout 默认拨号超时
	DefaultDialTimeout = 10 * time.Second

	// DefaultSocketBufferSize 默认 socket 缓冲区大小
	DefaultSocketBufferSize = 64 * 1024

	// DefaultKeepAlive 默认 TCP 保活周期
	DefaultKeepAlive = 15 * time.Second
)

// 身份层默认值
const (
	// DefaultMaxIdentitySize 默认序列化身份最大长度
	DefaultMaxIdentitySize = 1024

	// DefaultDeadForeverCacheSize 默认永久死亡身份记忆容量
	DefaultDeadForeverCacheSize = 4096
)

// 存活检测默认值
const (
	// DefaultPingDelay 默认重试 ping 间隔
	DefaultPingDelay = 200 * time.Millisecond

	// DefaultPingJitter 默认抖动比例
	DefaultPingJitter = 0.1

	// DefaultNumPingTries 默认 ping 次数
	DefaultNumPingTries = 5

	// DefaultCheckDeadThrottle 默认 Dead 后检查节流
	DefaultCheckDeadThrottle = 300 * time.Millisecond

	// DefaultRTO 默认 RTO
	DefaultRTO = 3 * time.Second

	// DefaultRTOLowerBound 默认 RTO 下界
	DefaultRTOLowerBound = 50 * time.Millisecond

	// DefaultRTOUpperBound 默认 RTO 上界
	DefaultRTOUpperBound = 10 * time.Second

	// DefaultGainG 默认 RTT 增益
	DefaultGainG = 0.125

	// DefaultGainH 默认偏差增益
	DefaultGainH = 0.25

	// DefaultStallFactor 默认写停滞倍数
	DefaultStallFactor = 4
)

// 优先级层默认值
const (
	// DefaultMaxMsgSize 默认单条消息上限
	DefaultMaxMsgSize = 10 * 1024 * 1024

	// DefaultMaxQueueSize 默认队列上限
	DefaultMaxQueueSize = 30

	// DefaultOpenRetries 默认打开重试次数
	DefaultOpenRetries = 3

	// DefaultOpenRetryDelay 默认打开重试基础延迟
	DefaultOpenRetryDelay = 200 * time.Millisecond
)
