// Package socket 提供基于缓冲区的非阻塞 socket
//
// Stream 在内存中维护入站与出站缓冲区，Read/Write 立即返回，
// 就绪通知通过 reactor 投递给登记的 SocketReceiver（一次性登记）。
// 底层搬运数据的一方（内存网络的对端、TCP 读写协程）通过
// Feed / FeedEOF / Fail / TakeOutbound 与缓冲区交互，并通过钩子得知
// 有新的出站数据或入站空间被释放。
package socket

import (
	"bytes"
	"io"
	"sync"

	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// DefaultBufferSize 默认入站/出站缓冲区容量
const DefaultBufferSize = 64 * 1024

// Hooks 底层搬运方的回调，均可为 nil
type Hooks struct {
	// OnOutbound 有新的出站数据、写方向关闭或 socket 关闭
	OnOutbound func()

	// OnDrained 入站缓冲区腾出空间
	OnDrained func()
}

// Stream 缓冲式非阻塞 socket
type Stream[ID comparable] struct {
	r    *reactor.Reactor
	id   ID
	opts transportif.Options

	inCap  int
	outCap int

	mu       sync.Mutex
	hooks    Hooks
	in       bytes.Buffer
	out      bytes.Buffer
	eof      bool
	err      error
	outShut  bool
	closed   bool
	wantRead bool
	wantWrt  bool
	receiver transportif.SocketReceiver[ID]
	queued   bool
}

var _ transportif.Socket[string] = (*Stream[string])(nil)

// New 创建 Stream，bufSize <= 0 时使用 DefaultBufferSize
func New[ID comparable](r *reactor.Reactor, id ID, opts transportif.Options, bufSize int) *Stream[ID] {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Stream[ID]{
		r:      r,
		id:     id,
		opts:   opts,
		inCap:  bufSize,
		outCap: bufSize,
	}
}

// SetHooks 设置底层搬运回调
func (s *Stream[ID]) SetHooks(h Hooks) {
	s.mu.Lock()
	s.hooks = h
	s.mu.Unlock()
}

// ============================================================================
//                              Socket 接口
// ============================================================================

// Identifier 返回远端标识
func (s *Stream[ID]) Identifier() ID { return s.id }

// Options 返回选项
func (s *Stream[ID]) Options() transportif.Options { return s.opts }

// Read 非阻塞读
func (s *Stream[ID]) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, transport.ErrClosed
	}
	if s.in.Len() > 0 {
		n, _ := s.in.Read(p)
		drained := s.hooks.OnDrained
		s.mu.Unlock()
		if n > 0 && drained != nil {
			drained()
		}
		return n, nil
	}
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, nil
}

// Write 非阻塞写，出站缓冲区满时只写入部分数据
func (s *Stream[ID]) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed || s.outShut {
		s.mu.Unlock()
		return 0, transport.ErrClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	n := min(len(p), s.outCap-s.out.Len())
	if n > 0 {
		s.out.Write(p[:n])
	}
	hook := s.hooks.OnOutbound
	s.mu.Unlock()

	if n > 0 && hook != nil {
		hook()
	}
	return n, nil
}

// Register 登记一次性读写兴趣
func (s *Stream[ID]) Register(wantRead, wantWrite bool, r transportif.SocketReceiver[ID]) {
	s.mu.Lock()
	s.receiver = r
	s.wantRead = wantRead
	s.wantWrt = wantWrite
	s.mu.Unlock()
	s.schedule()
}

// ShutdownOutput 关闭写方向，已缓冲的数据仍会送出
func (s *Stream[ID]) ShutdownOutput() {
	s.mu.Lock()
	if s.outShut || s.closed {
		s.mu.Unlock()
		return
	}
	s.outShut = true
	hook := s.hooks.OnOutbound
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Close 关闭 socket；已缓冲的出站数据由底层搬运方尽力送出
func (s *Stream[ID]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.in.Reset()
	hook := s.hooks.OnOutbound
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	s.schedule()
	return nil
}

// ============================================================================
//                              底层搬运接口
// ============================================================================

// Feed 写入入站数据，返回实际接收的字节数（受缓冲区容量限制）
func (s *Stream[ID]) Feed(p []byte) int {
	s.mu.Lock()
	if s.closed || s.eof || s.err != nil {
		s.mu.Unlock()
		return len(p)
	}
	n := min(len(p), s.inCap-s.in.Len())
	if n > 0 {
		s.in.Write(p[:n])
	}
	s.mu.Unlock()

	if n > 0 {
		s.schedule()
	}
	return n
}

// InboundSpace 返回入站缓冲区剩余空间
func (s *Stream[ID]) InboundSpace() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.inCap - s.in.Len()
}

// FeedEOF 标记对端已关闭写方向
func (s *Stream[ID]) FeedEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	s.schedule()
}

// Fail 标记连接异常，登记的接收者将收到 ReceiveException
func (s *Stream[ID]) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.schedule()
}

// TakeOutbound 取出最多 max 字节的出站数据
func (s *Stream[ID]) TakeOutbound(max int) []byte {
	s.mu.Lock()
	if max > s.out.Len() {
		max = s.out.Len()
	}
	if max <= 0 {
		s.mu.Unlock()
		return nil
	}
	b := make([]byte, max)
	_, _ = s.out.Read(b)
	s.mu.Unlock()

	s.schedule()
	return b
}

// OutboundLen 返回待送出的字节数
func (s *Stream[ID]) OutboundLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Len()
}

// OutputDone 写方向已关闭（或 socket 已关闭）且出站数据已全部取走
func (s *Stream[ID]) OutputDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.outShut || s.closed) && s.out.Len() == 0
}

// Closed 是否已关闭
func (s *Stream[ID]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============================================================================
//                              就绪分发
// ============================================================================

func (s *Stream[ID]) schedule() {
	s.mu.Lock()
	if s.queued || s.receiver == nil {
		s.mu.Unlock()
		return
	}
	s.queued = true
	s.mu.Unlock()

	if !s.r.Invoke(s.dispatch) {
		s.mu.Lock()
		s.queued = false
		s.mu.Unlock()
	}
}

func (s *Stream[ID]) dispatch() {
	s.mu.Lock()
	s.queued = false
	recv := s.receiver
	if recv == nil {
		s.mu.Unlock()
		return
	}

	if s.err != nil && s.in.Len() == 0 && !s.closed {
		err := s.err
		s.clearInterest()
		s.mu.Unlock()
		recv.ReceiveException(s, err)
		return
	}

	canRead := s.wantRead && (s.in.Len() > 0 || s.eof || s.closed || s.err != nil)
	canWrite := s.wantWrt && (s.out.Len() < s.outCap || s.closed || s.outShut)
	if !canRead && !canWrite {
		s.mu.Unlock()
		return
	}
	s.clearInterest()
	s.mu.Unlock()

	if err := recv.ReceiveSelectResult(s, canRead, canWrite); err != nil {
		recv.ReceiveException(s, err)
	}
}

func (s *Stream[ID]) clearInterest() {
	s.receiver = nil
	s.wantRead = false
	s.wantWrt = false
}
