package pastry

import (
	"errors"

	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 栈生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrClosed 传输栈已关闭
	ErrClosed = transport.ErrClosed

	// ErrNoRawTransport 没有可用的原始传输
	ErrNoRawTransport = errors.New("no raw transport")

	// ErrUnknownConfigFormat 无法识别的配置文件格式
	ErrUnknownConfigFormat = errors.New("unknown config format")

	// ────────────────────────────────────────────────────────────────────────
	// 发送结果错误（通过消息回调返回，用 errors.Is 判断）
	// ────────────────────────────────────────────────────────────────────────

	// ErrNodeIsFaulty 目标被判定为 Dead 或 DeadForever
	ErrNodeIsFaulty = transport.ErrNodeIsFaulty

	// ErrQueueOverflow 发送队列已满，消息被丢弃
	ErrQueueOverflow = transport.ErrQueueOverflow

	// ErrMessageTooLarge 消息超过允许的最大长度
	ErrMessageTooLarge = transport.ErrMessageTooLarge

	// ErrConnectionRefused 无法连接目标
	ErrConnectionRefused = transport.ErrConnectionRefused

	// ErrCancelled 请求已取消
	ErrCancelled = transport.ErrCancelled
)
