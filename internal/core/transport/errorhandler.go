package transport

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/matllubos/FreePastry-sub010/internal/util/logger"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// LogErrorHandler 默认错误处理器：记录日志后继续运行
//
// 日志经令牌桶限速，被抑制的条数在下一次输出时一并报告。
type LogErrorHandler[ID comparable] struct {
	log        *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

var _ transportif.ErrorHandler[string] = (*LogErrorHandler[string])(nil)

// NewLogErrorHandler 创建默认错误处理器，subsystem 为日志子系统名
func NewLogErrorHandler[ID comparable](subsystem string) *LogErrorHandler[ID] {
	return &LogErrorHandler[ID]{
		log:     logger.Logger(subsystem),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
	}
}

// ReceivedUnexpectedData 记录协议违规数据
func (h *LogErrorHandler[ID]) ReceivedUnexpectedData(id ID, data []byte, pos int, _ transportif.Options) {
	if !h.allow() {
		return
	}
	head := data
	if len(head) > 16 {
		head = head[:16]
	}
	h.log.Warn("收到无法解析的数据",
		"peer", id,
		"len", len(data),
		"pos", pos,
		"head", head,
		"suppressed", h.suppressed.Swap(0))
}

// ReceivedException 记录异常
func (h *LogErrorHandler[ID]) ReceivedException(id ID, err error) {
	if !h.allow() {
		return
	}
	h.log.Warn("传输异常",
		"peer", id,
		"err", err,
		"suppressed", h.suppressed.Swap(0))
}

func (h *LogErrorHandler[ID]) allow() bool {
	if h.limiter.Allow() {
		return true
	}
	h.suppressed.Add(1)
	return false
}
