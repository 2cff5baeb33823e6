package priority

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/metrics"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// PrimarySocketListener primary socket 打开/关闭事件
type PrimarySocketListener[ID comparable] interface {
	// PrimarySocketOpened outbound 为 true 表示本端发起
	PrimarySocketOpened(id ID, outbound bool)

	PrimarySocketClosed(id ID)
}

// ============================================================================
//                              Layer 实现
// ============================================================================

// Layer 优先级消息传输层
type Layer[ID comparable] struct {
	r        *reactor.Reactor
	lower    transportif.Transport[ID]
	liveness livenessif.Provider[ID]
	cfg      config.PriorityConfig
	metrics  *metrics.Metrics

	mu           sync.Mutex
	managers     map[ID]*entityManager[ID]
	callback     transportif.Callback[ID]
	errorHandler transportif.ErrorHandler[ID]
	destroyed    bool

	cbMu      sync.RWMutex
	listeners []PrimarySocketListener[ID]
}

var (
	_ transportif.Transport[string] = (*Layer[string])(nil)
	_ transportif.Callback[string]  = (*Layer[string])(nil)
	_ livenessif.Listener[string]   = (*Layer[string])(nil)
)

// New 创建优先级层；liveness 为 nil 时不做存活检查
func New[ID comparable](r *reactor.Reactor, lower transportif.Transport[ID], liveness livenessif.Provider[ID], cfg config.PriorityConfig, m *metrics.Metrics) *Layer[ID] {
	l := &Layer[ID]{
		r:            r,
		lower:        lower,
		liveness:     liveness,
		cfg:          cfg,
		metrics:      m,
		managers:     make(map[ID]*entityManager[ID]),
		errorHandler: transport.NewLogErrorHandler[ID]("priority"),
	}
	lower.SetCallback(l)
	if liveness != nil {
		liveness.AddLivenessListener(l)
	}
	return l
}

// ============================================================================
//                              Transport 接口
// ============================================================================

// LocalIdentifier 返回本地标识
func (l *Layer[ID]) LocalIdentifier() ID { return l.lower.LocalIdentifier() }

// AcceptSockets 是否接受入站 socket
func (l *Layer[ID]) AcceptSockets(accept bool) { l.lower.AcceptSockets(accept) }

// AcceptMessages 是否接受入站消息
func (l *Layer[ID]) AcceptMessages(accept bool) { l.lower.AcceptMessages(accept) }

// SetCallback 设置上层回调
func (l *Layer[ID]) SetCallback(cb transportif.Callback[ID]) {
	l.mu.Lock()
	l.callback = cb
	l.mu.Unlock()
}

// SetErrorHandler 设置错误处理器，同时下发给下层
func (l *Layer[ID]) SetErrorHandler(h transportif.ErrorHandler[ID]) {
	if h == nil {
		return
	}
	l.mu.Lock()
	l.errorHandler = h
	l.mu.Unlock()
	l.lower.SetErrorHandler(h)
}

// OpenSocket 打开 PASSTHROUGH socket，直接交给调用方
func (l *Layer[ID]) OpenSocket(id ID, cb transportif.SocketCallback[ID], opts transportif.Options) transportif.SocketRequest[ID] {
	req := transport.NewSocketRequest(id, opts)
	fail := func(err error) {
		if req.Complete() {
			cb(req, nil, err)
		}
	}

	inner := l.lower.OpenSocket(id, func(_ transportif.SocketRequest[ID], s transportif.Socket[ID], err error) {
		if err != nil {
			fail(err)
			return
		}
		transport.WriteFully(s, []byte{kindPassthrough}, func(s transportif.Socket[ID]) {
			if !req.Complete() {
				_ = s.Close()
				return
			}
			cb(req, s, nil)
		}, func(s transportif.Socket[ID], err error) {
			_ = s.Close()
			fail(err)
		})
	}, opts)
	req.SetInner(inner)
	return req
}

// SendMessage 排队发送
//
// 超长消息与发往 Dead 目标的消息同步失败；数据报直接交给下层。
func (l *Layer[ID]) SendMessage(id ID, msg []byte, cb transportif.MessageCallback[ID], opts transportif.Options) transportif.MessageRequest[ID] {
	if opts.Datagram {
		return l.lower.SendMessage(id, msg, cb, opts)
	}

	req := transport.NewMessageRequest(id, msg, opts)
	reject := func(err error) transportif.MessageRequest[ID] {
		l.metrics.Message(metrics.ResultFailed)
		if req.Complete() && cb != nil {
			cb(req, err)
		}
		return req
	}

	if len(msg) > l.cfg.MaxMsgSize {
		return reject(fmt.Errorf("%w: %d bytes exceeds %d", transport.ErrMessageTooLarge, len(msg), l.cfg.MaxMsgSize))
	}
	if l.liveness != nil && l.liveness.Liveness(id).IsDead() {
		return reject(fmt.Errorf("%w: %v", transport.ErrNodeIsFaulty, id))
	}
	em := l.manager(id, true)
	if em == nil {
		return reject(transport.ErrClosed)
	}

	w := newMessageWrapper(req, cb, msg, opts.Priority)
	em.mu.Lock()
	dropped := em.enqueue(w, l.cfg.MaxQueueSize)
	em.mu.Unlock()

	req.OnCancel(func() bool { return l.cancel(em, w) })
	l.metrics.QueueDelta(1 - len(dropped))

	l.overflow(id, dropped)
	l.r.Invoke(func() { l.deliver(em) })
	return req
}

// overflow 在 reactor 上通知被挤出队列的消息
func (l *Layer[ID]) overflow(id ID, dropped []*messageWrapper[ID]) {
	if len(dropped) == 0 {
		return
	}
	log.Debug("队列溢出，丢弃尾部消息", "peer", id, "dropped", len(dropped))
	l.r.Invoke(func() {
		for _, d := range dropped {
			if d.finish(fmt.Errorf("%w: %v", transport.ErrQueueOverflow, id)) {
				l.metrics.Message(metrics.ResultOverflow)
			}
		}
	})
}

// Destroy 使排队消息失败、关闭全部 primary socket 并销毁下层
func (l *Layer[ID]) Destroy() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	managers := l.managers
	l.managers = make(map[ID]*entityManager[ID])
	l.mu.Unlock()

	if l.liveness != nil {
		l.liveness.RemoveLivenessListener(l)
	}

	var err error
	for _, em := range managers {
		em.mu.Lock()
		failed := em.drainQueue()
		if em.inflight != nil {
			failed = append(failed, em.inflight)
			em.inflight = nil
			em.writer = nil
		}
		openReq := em.stopOpening()
		socks := append([]*primarySocket[ID](nil), em.sockets...)
		em.sockets = nil
		em.mu.Unlock()

		l.metrics.QueueDelta(-len(failed))
		for _, w := range failed {
			w.finish(transport.ErrClosed)
		}
		if openReq != nil {
			openReq.Cancel()
		}
		for _, ps := range socks {
			if ps.closed.CompareAndSwap(false, true) {
				l.metrics.PrimarySocketDelta(-1)
				err = multierr.Append(err, ps.s.Close())
			}
		}
	}
	return multierr.Append(err, l.lower.Destroy())
}

// ============================================================================
//                              下层回调
// ============================================================================

// IncomingSocket 读取类型字节后分派
func (l *Layer[ID]) IncomingSocket(s transportif.Socket[ID]) error {
	if l.isDestroyed() {
		return transport.ErrClosed
	}
	transport.ReadExactly(s, 1, func(s transportif.Socket[ID], b []byte) {
		switch b[0] {
		case kindPassthrough:
			l.mu.Lock()
			cb := l.callback
			l.mu.Unlock()
			if cb == nil {
				_ = s.Close()
				return
			}
			if err := cb.IncomingSocket(s); err != nil {
				_ = s.Close()
			}
		case kindPrimary:
			em := l.manager(s.Identifier(), true)
			if em == nil {
				_ = s.Close()
				return
			}
			l.addPrimary(em, s, false)
		default:
			l.metrics.ProtocolViolation("priority")
			l.handler().ReceivedUnexpectedData(s.Identifier(), b, 0, s.Options())
			_ = s.Close()
		}
	}, func(s transportif.Socket[ID], err error) {
		_ = s.Close()
	})
	return nil
}

// MessageReceived 数据报直接上交
func (l *Layer[ID]) MessageReceived(from ID, msg []byte, opts transportif.Options) error {
	l.mu.Lock()
	cb := l.callback
	l.mu.Unlock()
	if cb == nil {
		return nil
	}
	return cb.MessageReceived(from, msg, opts)
}

// received primary socket 上读到一条完整消息
func (l *Layer[ID]) received(from ID, msg []byte) {
	l.mu.Lock()
	cb := l.callback
	l.mu.Unlock()
	if cb == nil {
		return
	}
	if err := cb.MessageReceived(from, msg, transportif.Options{}); err != nil {
		l.handler().ReceivedException(from, err)
	}
}

// ============================================================================
//                              存活监听
// ============================================================================

// LivenessChanged 目标 Dead 时队列中的消息全部失败，已打开的 socket 不受影响
//
// DeadForever 时管理器从层中移除，primary socket 一并关闭。
func (l *Layer[ID]) LivenessChanged(id ID, state livenessif.State) {
	if !state.IsDead() {
		return
	}
	forever := state == livenessif.StateDeadForever

	l.mu.Lock()
	em := l.managers[id]
	if em != nil && forever {
		delete(l.managers, id)
	}
	l.mu.Unlock()
	if em == nil {
		return
	}

	em.mu.Lock()
	failed := em.drainQueue()
	var openReq transportif.SocketRequest[ID]
	var socks []*primarySocket[ID]
	if forever {
		em.retired = true
		openReq = em.stopOpening()
		socks = append(socks, em.sockets...)
	}
	em.mu.Unlock()

	if openReq != nil {
		openReq.Cancel()
	}
	if len(socks) > 0 {
		l.r.Invoke(func() {
			for _, ps := range socks {
				ps.close(nil)
			}
		})
	}
	if len(failed) == 0 {
		return
	}
	log.Debug("目标失效，排队消息失败", "peer", id, "state", state, "count", len(failed))
	l.metrics.QueueDelta(-len(failed))
	err := fmt.Errorf("%w: %v is %s", transport.ErrNodeIsFaulty, id, state)
	for _, w := range failed {
		if w.finish(err) {
			l.metrics.Message(metrics.ResultFailed)
		}
	}
}

// ============================================================================
//                              投递
// ============================================================================

// deliver 在 reactor 上推进 em 的发送
func (l *Layer[ID]) deliver(em *entityManager[ID]) {
	if l.isDestroyed() {
		return
	}
	em.mu.Lock()
	if em.retired || em.inflight != nil || em.queue.Len() == 0 {
		em.mu.Unlock()
		return
	}
	ps := em.idleSocket()
	if ps == nil {
		needOpen := !em.opening && em.retry == nil
		em.mu.Unlock()
		if needOpen {
			l.openPrimary(em)
		}
		return
	}
	em.inflight = em.pop()
	em.writer = ps
	em.mu.Unlock()

	l.metrics.QueueDelta(-1)
	ps.arm()
}

// openPrimary 打开到 em 的 primary socket
func (l *Layer[ID]) openPrimary(em *entityManager[ID]) {
	em.mu.Lock()
	if em.opening {
		em.mu.Unlock()
		return
	}
	em.opening = true
	em.mu.Unlock()

	log.Debug("打开 primary socket", "peer", em.id)
	req := l.lower.OpenSocket(em.id, func(_ transportif.SocketRequest[ID], s transportif.Socket[ID], err error) {
		if err != nil {
			l.openFailed(em, err)
			return
		}
		transport.WriteFully(s, []byte{kindPrimary}, func(s transportif.Socket[ID]) {
			l.addPrimary(em, s, true)
		}, func(s transportif.Socket[ID], err error) {
			_ = s.Close()
			l.openFailed(em, err)
		})
	}, transportif.Options{})

	em.mu.Lock()
	if em.opening {
		em.openReq = req
	}
	em.mu.Unlock()
}

// openFailed 打开失败：有限次指数退避重试，耗尽后队列中的消息失败
func (l *Layer[ID]) openFailed(em *entityManager[ID], cause error) {
	em.mu.Lock()
	em.opening = false
	em.openReq = nil
	if em.queue.Len() == 0 {
		em.openTries = 0
		em.mu.Unlock()
		return
	}

	em.openTries++
	if !errors.Is(cause, transport.ErrNodeIsFaulty) && em.openTries <= l.cfg.OpenRetries && !l.isDestroyed() {
		delay := l.cfg.OpenRetryDelay * time.Duration(1<<(em.openTries-1))
		em.retry = l.r.Schedule(delay, func() {
			em.mu.Lock()
			em.retry = nil
			em.mu.Unlock()
			l.deliver(em)
		})
		tries := em.openTries
		em.mu.Unlock()

		log.Debug("打开 primary socket 失败，稍后重试", "peer", em.id, "tries", tries, "delay", delay, "err", cause)
		if l.liveness != nil {
			l.liveness.CheckLiveness(em.id)
		}
		return
	}

	em.openTries = 0
	failed := em.drainQueue()
	em.mu.Unlock()

	log.Debug("无法打开 primary socket，排队消息失败", "peer", em.id, "count", len(failed), "err", cause)
	l.metrics.QueueDelta(-len(failed))
	for _, w := range failed {
		if w.finish(cause) {
			l.metrics.Message(metrics.ResultFailed)
		}
	}
}

// addPrimary 登记新的 primary socket 并开始读
func (l *Layer[ID]) addPrimary(em *entityManager[ID], s transportif.Socket[ID], outbound bool) {
	ps := &primarySocket[ID]{l: l, em: em, s: s, outbound: outbound}

	em.mu.Lock()
	if outbound {
		em.opening = false
		em.openReq = nil
		em.openTries = 0
	}
	retired := em.retired
	if !retired {
		em.sockets = append(em.sockets, ps)
	}
	em.mu.Unlock()

	if retired || l.isDestroyed() {
		ps.closed.Store(true)
		_ = s.Close()
		return
	}

	l.metrics.PrimarySocketDelta(1)
	log.Debug("primary socket 已建立", "peer", em.id, "outbound", outbound)
	for _, pl := range l.listenerSnapshot() {
		pl.PrimarySocketOpened(em.id, outbound)
	}
	ps.arm()
	l.deliver(em)
}

// cancel 队列中的消息直接移除；正在写的消息标记后照常写完
func (l *Layer[ID]) cancel(em *entityManager[ID], w *messageWrapper[ID]) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.remove(w) {
		l.metrics.QueueDelta(-1)
		l.metrics.Message(metrics.ResultCancelled)
		return true
	}
	if em.inflight == w {
		w.cancelled = true
		l.metrics.Message(metrics.ResultCancelled)
		return true
	}
	return false
}

// ============================================================================
//                              查询
// ============================================================================

// QueueLength 返回发往 id 的排队消息数（不含正在写的）
func (l *Layer[ID]) QueueLength(id ID) int {
	em := l.manager(id, false)
	if em == nil {
		return 0
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.queue.Len()
}

// BytesPending 返回发往 id 的排队字节数
func (l *Layer[ID]) BytesPending(id ID) int {
	em := l.manager(id, false)
	if em == nil {
		return 0
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.bytes
}

// OpenPrimaryConnection 预先打开到 id 的 primary socket
func (l *Layer[ID]) OpenPrimaryConnection(id ID) {
	em := l.manager(id, true)
	if em == nil {
		return
	}
	l.r.Invoke(func() {
		em.mu.Lock()
		have := em.idleSocket() != nil
		em.mu.Unlock()
		if !have {
			l.openPrimary(em)
		}
	})
}

// PrimaryConnections 返回每个目标打开的 primary socket 数
func (l *Layer[ID]) PrimaryConnections() map[ID]int {
	l.mu.Lock()
	managers := make([]*entityManager[ID], 0, len(l.managers))
	for _, em := range l.managers {
		managers = append(managers, em)
	}
	l.mu.Unlock()

	out := make(map[ID]int)
	for _, em := range managers {
		em.mu.Lock()
		n := 0
		for _, ps := range em.sockets {
			if !ps.isClosed() {
				n++
			}
		}
		em.mu.Unlock()
		if n > 0 {
			out[em.id] = n
		}
	}
	return out
}

// AddPrimarySocketListener 添加 primary socket 监听器
func (l *Layer[ID]) AddPrimarySocketListener(pl PrimarySocketListener[ID]) {
	l.cbMu.Lock()
	l.listeners = append(l.listeners, pl)
	l.cbMu.Unlock()
}

// RemovePrimarySocketListener 移除 primary socket 监听器
func (l *Layer[ID]) RemovePrimarySocketListener(pl PrimarySocketListener[ID]) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	for i, x := range l.listeners {
		if x == pl {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return
		}
	}
}

// ============================================================================
//                              内部方法
// ============================================================================

func (l *Layer[ID]) manager(id ID, create bool) *entityManager[ID] {
	l.mu.Lock()
	defer l.mu.Unlock()
	em, ok := l.managers[id]
	if !ok && create && !l.destroyed {
		em = newEntityManager(id)
		l.managers[id] = em
	}
	return em
}

func (l *Layer[ID]) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *Layer[ID]) handler() transportif.ErrorHandler[ID] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorHandler
}

func (l *Layer[ID]) listenerSnapshot() []PrimarySocketListener[ID] {
	l.cbMu.RLock()
	defer l.cbMu.RUnlock()
	return append([]PrimarySocketListener[ID](nil), l.listeners...)
}

func (l *Layer[ID]) notifyClosed(id ID) {
	for _, pl := range l.listenerSnapshot() {
		pl.PrimarySocketClosed(id)
	}
}
