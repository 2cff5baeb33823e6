package transport

import (
	"sync"

	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

type handleState int

const (
	handlePending handleState = iota
	handleDone
	handleCancelled
)

// Handle 通用请求句柄，同时实现 SocketRequest 与 MessageRequest
type Handle[ID comparable] struct {
	id   ID
	msg  []byte
	opts transportif.Options

	mu       sync.Mutex
	state    handleState
	inner    transportif.Cancellable
	onCancel func() bool
}

var (
	_ transportif.SocketRequest[string]  = (*Handle[string])(nil)
	_ transportif.MessageRequest[string] = (*Handle[string])(nil)
)

// NewSocketRequest 创建 socket 请求句柄
func NewSocketRequest[ID comparable](id ID, opts transportif.Options) *Handle[ID] {
	return &Handle[ID]{id: id, opts: opts}
}

// NewMessageRequest 创建消息请求句柄
func NewMessageRequest[ID comparable](id ID, msg []byte, opts transportif.Options) *Handle[ID] {
	return &Handle[ID]{id: id, msg: msg, opts: opts}
}

// Identifier 返回目标标识
func (h *Handle[ID]) Identifier() ID { return h.id }

// Message 返回消息内容
func (h *Handle[ID]) Message() []byte { return h.msg }

// Options 返回选项
func (h *Handle[ID]) Options() transportif.Options { return h.opts }

// SetInner 关联下层请求；句柄已取消时立即取消下层请求
func (h *Handle[ID]) SetInner(c transportif.Cancellable) {
	if c == nil {
		return
	}
	h.mu.Lock()
	cancelled := h.state == handleCancelled
	if !cancelled {
		h.inner = c
	}
	h.mu.Unlock()

	if cancelled {
		c.Cancel()
	}
}

// OnCancel 设置自定义取消逻辑，返回值决定取消是否成功
func (h *Handle[ID]) OnCancel(fn func() bool) {
	h.mu.Lock()
	h.onCancel = fn
	h.mu.Unlock()
}

// Cancel 取消请求
func (h *Handle[ID]) Cancel() bool {
	h.mu.Lock()
	if h.state != handlePending {
		h.mu.Unlock()
		return false
	}
	fn, inner := h.onCancel, h.inner
	h.mu.Unlock()

	ok := true
	switch {
	case fn != nil:
		ok = fn()
	case inner != nil:
		inner.Cancel()
	}
	if !ok {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handlePending {
		return false
	}
	h.state = handleCancelled
	return true
}

// Complete 标记完成；已取消或已完成时返回 false，调用方此时不应再回调
func (h *Handle[ID]) Complete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handlePending {
		return false
	}
	h.state = handleDone
	return true
}

// Cancelled 是否已取消
func (h *Handle[ID]) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleCancelled
}
