package transport

import (
	"sync"

	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// SocketWrapper 以上层标识 U 包装下层 socket
//
// 读写直接委托给下层；Register 时把自身登记为下层的接收者，
// 就绪回调以 outer（默认是自身）作为 socket 参数转发给上层接收者。
// 嵌入 SocketWrapper 的类型应调用 SetOuter 传入自身。
type SocketWrapper[U, L comparable] struct {
	id    U
	opts  transportif.Options
	lower transportif.Socket[L]

	mu       sync.Mutex
	outer    transportif.Socket[U]
	receiver transportif.SocketReceiver[U]
}

var _ transportif.Socket[string] = (*SocketWrapper[string, int])(nil)

// NewSocketWrapper 创建包装
func NewSocketWrapper[U, L comparable](id U, lower transportif.Socket[L], opts transportif.Options) *SocketWrapper[U, L] {
	w := &SocketWrapper[U, L]{id: id, lower: lower, opts: opts}
	w.outer = w
	return w
}

// SetOuter 设置回调中暴露给上层的 socket
func (w *SocketWrapper[U, L]) SetOuter(s transportif.Socket[U]) {
	w.mu.Lock()
	w.outer = s
	w.mu.Unlock()
}

// Lower 返回下层 socket
func (w *SocketWrapper[U, L]) Lower() transportif.Socket[L] { return w.lower }

// Identifier 返回上层标识
func (w *SocketWrapper[U, L]) Identifier() U { return w.id }

// Options 返回选项
func (w *SocketWrapper[U, L]) Options() transportif.Options { return w.opts }

// Read 从下层读取
func (w *SocketWrapper[U, L]) Read(p []byte) (int, error) { return w.lower.Read(p) }

// Write 向下层写入
func (w *SocketWrapper[U, L]) Write(p []byte) (int, error) { return w.lower.Write(p) }

// ShutdownOutput 关闭写方向
func (w *SocketWrapper[U, L]) ShutdownOutput() { w.lower.ShutdownOutput() }

// Close 关闭下层 socket
func (w *SocketWrapper[U, L]) Close() error { return w.lower.Close() }

// Register 登记读写兴趣
func (w *SocketWrapper[U, L]) Register(wantRead, wantWrite bool, r transportif.SocketReceiver[U]) {
	w.mu.Lock()
	w.receiver = r
	w.mu.Unlock()
	w.lower.Register(wantRead, wantWrite, w)
}

// ReceiveSelectResult 转发下层就绪回调
func (w *SocketWrapper[U, L]) ReceiveSelectResult(_ transportif.Socket[L], canRead, canWrite bool) error {
	w.mu.Lock()
	r, outer := w.receiver, w.outer
	w.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.ReceiveSelectResult(outer, canRead, canWrite)
}

// ReceiveException 转发下层异常
func (w *SocketWrapper[U, L]) ReceiveException(_ transportif.Socket[L], err error) {
	w.mu.Lock()
	r, outer := w.receiver, w.outer
	w.mu.Unlock()
	if r != nil {
		r.ReceiveException(outer, err)
	}
}
