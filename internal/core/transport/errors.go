package transport

import "errors"

// 传输栈公共错误
var (
	// ErrNodeIsFaulty 目标节点被判定为故障（Dead/DeadForever 或身份失效）
	ErrNodeIsFaulty = errors.New("node is faulty")

	// ErrQueueOverflow 队列溢出，消息被丢弃
	ErrQueueOverflow = errors.New("queue overflow")

	// ErrMessageTooLarge 消息超过最大长度
	ErrMessageTooLarge = errors.New("message too large")

	// ErrProtocolViolation 协议违规（超长帧、未知头部等）
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrClosed 传输层或 socket 已关闭
	ErrClosed = errors.New("transport closed")

	// ErrCancelled 请求已取消
	ErrCancelled = errors.New("request cancelled")

	// ErrConnectionRefused 对端拒绝连接
	ErrConnectionRefused = errors.New("connection refused")
)

// MaxDatagramSize 原始传输单个数据报的最大长度（UDP 有效载荷上限）
const MaxDatagramSize = 65507
