package identity

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/metrics"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// 消息头
const (
	hdrIncorrectIdentity byte = 0
	hdrNormal            byte = 1
	hdrNoID              byte = 2
)

// 握手应答
const (
	hsFailure byte = 0
	hsSuccess byte = 1
)

// ErrIdentityMismatch 入站握手的目标身份不是本地身份
var ErrIdentityMismatch = errors.New("identity mismatch")

// ============================================================================
//                              Layer 实现
// ============================================================================

// Layer 身份校验传输层
//
// U 为上层身份，L 为下层地址。
type Layer[U, L comparable] struct {
	r       *reactor.Reactor
	lower   transportif.Transport[L]
	ser     Serializer[U, L]
	policy  ChangePolicy[U]
	cfg     config.IdentityConfig
	metrics *metrics.Metrics

	local      U
	localBytes []byte

	bindings    *BindingTable[U, L]
	index       *handleIndex[U]
	deadForever *lru.Cache[U, struct{}]

	mu           sync.Mutex
	pending      map[U]map[*transport.Handle[U]]func(error)
	callback     transportif.Callback[U]
	errorHandler transportif.ErrorHandler[U]
	marker       livenessif.Marker[U]
	destroyed    bool
}

var (
	_ transportif.Transport[string] = (*Layer[string, int])(nil)
	_ transportif.Callback[int]     = (*Layer[string, int])(nil)
)

// New 创建身份层并接管 lower 的回调
func New[U, L comparable](r *reactor.Reactor, lower transportif.Transport[L], local U, ser Serializer[U, L], policy ChangePolicy[U], cfg config.IdentityConfig, m *metrics.Metrics) (*Layer[U, L], error) {
	localBytes, err := ser.Serialize(local)
	if err != nil {
		return nil, fmt.Errorf("serialize local identity: %w", err)
	}
	if len(localBytes) > cfg.MaxIdentitySize {
		return nil, fmt.Errorf("local identity is %d bytes, max %d", len(localBytes), cfg.MaxIdentitySize)
	}
	deadForever, err := lru.New[U, struct{}](cfg.DeadForeverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dead-forever cache: %w", err)
	}
	if policy == nil {
		policy = DenyChange[U]()
	}

	l := &Layer[U, L]{
		r:            r,
		lower:        lower,
		ser:          ser,
		policy:       policy,
		cfg:          cfg,
		metrics:      m,
		local:        local,
		localBytes:   localBytes,
		bindings:     NewBindingTable[U, L](),
		index:        newHandleIndex[U](),
		deadForever:  deadForever,
		pending:      make(map[U]map[*transport.Handle[U]]func(error)),
		errorHandler: transport.NewLogErrorHandler[U]("identity"),
	}
	lower.SetCallback(l)
	lower.SetErrorHandler(&lowerErrors[U, L]{l: l})
	return l, nil
}

// SetLivenessMarker 设置永久死亡/存活的通知对象（通常是上方的存活检测层）
func (l *Layer[U, L]) SetLivenessMarker(m livenessif.Marker[U]) {
	l.mu.Lock()
	l.marker = m
	l.mu.Unlock()
}

// Bindings 返回绑定表
func (l *Layer[U, L]) Bindings() *BindingTable[U, L] { return l.bindings }

// HandleAt 按 NodeHandleIndex 查找身份
func (l *Layer[U, L]) HandleAt(i int) (U, bool) { return l.index.lookup(i) }

// IsDeadForever 身份是否已被判定为永久死亡
func (l *Layer[U, L]) IsDeadForever(u U) bool { return l.deadForever.Contains(u) }

// ============================================================================
//                              Transport 接口
// ============================================================================

// LocalIdentifier 返回本地身份
func (l *Layer[U, L]) LocalIdentifier() U { return l.local }

// AcceptSockets 是否接受入站 socket
func (l *Layer[U, L]) AcceptSockets(accept bool) { l.lower.AcceptSockets(accept) }

// AcceptMessages 是否接受入站消息
func (l *Layer[U, L]) AcceptMessages(accept bool) { l.lower.AcceptMessages(accept) }

// SetCallback 设置上层回调
func (l *Layer[U, L]) SetCallback(cb transportif.Callback[U]) {
	l.mu.Lock()
	l.callback = cb
	l.mu.Unlock()
}

// SetErrorHandler 设置错误处理器
func (l *Layer[U, L]) SetErrorHandler(h transportif.ErrorHandler[U]) {
	if h == nil {
		return
	}
	l.mu.Lock()
	l.errorHandler = h
	l.mu.Unlock()
}

// OpenSocket 打开原始 socket 并完成身份握手
func (l *Layer[U, L]) OpenSocket(u U, cb transportif.SocketCallback[U], opts transportif.Options) transportif.SocketRequest[U] {
	req := transport.NewSocketRequest(u, opts)
	fail := func(err error) {
		if req.Complete() {
			cb(req, nil, err)
		}
	}

	dest, err := l.serialize(u)
	if err != nil {
		l.r.Invoke(func() { fail(err) })
		return req
	}
	if l.IsDeadForever(u) {
		l.r.Invoke(func() { fail(faulty(u)) })
		return req
	}

	hello := transport.AppendPrefixed(nil, dest)
	hello = transport.AppendPrefixed(hello, l.localBytes)

	l.track(u, req, fail)
	lowerOpts := opts
	lowerOpts.NodeHandleIndex = l.index.indexOf(u)
	addr := l.ser.Address(u)

	inner := l.lower.OpenSocket(addr, func(_ transportif.SocketRequest[L], s transportif.Socket[L], err error) {
		if err != nil {
			l.untrack(u, req)
			fail(err)
			return
		}
		abort := func(s transportif.Socket[L], err error) {
			_ = s.Close()
			l.untrack(u, req)
			fail(err)
		}
		transport.WriteFully(s, hello, func(s transportif.Socket[L]) {
			transport.ReadExactly(s, 1, func(s transportif.Socket[L], b []byte) {
				l.untrack(u, req)
				switch b[0] {
				case hsSuccess:
					if !req.Complete() {
						_ = s.Close()
						return
					}
					l.learn(u, addr)
					cb(req, l.wrapSocket(u, s, opts), nil)
				case hsFailure:
					_ = s.Close()
					log.Debug("握手被拒绝，身份已过期", "peer", u)
					l.metrics.IdentityMismatch()
					fail(faulty(u))
					l.markDeadForever(u)
				default:
					l.metrics.ProtocolViolation("identity")
					abort(s, fmt.Errorf("%w: handshake reply %d", transport.ErrProtocolViolation, b[0]))
				}
			}, abort)
		}, abort)
	}, lowerOpts)

	req.OnCancel(func() bool {
		l.untrack(u, req)
		if inner != nil {
			inner.Cancel()
		}
		return true
	})
	return req
}

// SendMessage 加身份头后交给下层
func (l *Layer[U, L]) SendMessage(u U, msg []byte, cb transportif.MessageCallback[U], opts transportif.Options) transportif.MessageRequest[U] {
	req := transport.NewMessageRequest(u, msg, opts)
	fail := func(err error) {
		if req.Complete() && cb != nil {
			cb(req, err)
		}
	}

	if l.IsDeadForever(u) {
		l.r.Invoke(func() { fail(faulty(u)) })
		return req
	}

	var buf []byte
	if opts.NoIdentity {
		buf = make([]byte, 0, len(msg)+1)
		buf = append(buf, hdrNoID)
	} else {
		dest, err := l.serialize(u)
		if err != nil {
			l.r.Invoke(func() { fail(err) })
			return req
		}
		buf = make([]byte, 0, len(msg)+len(dest)+len(l.localBytes)+21)
		buf = append(buf, hdrNormal)
		buf = transport.AppendPrefixed(buf, dest)
		buf = transport.AppendPrefixed(buf, l.localBytes)
	}
	buf = append(buf, msg...)

	l.track(u, req, fail)
	lowerOpts := opts
	lowerOpts.NodeHandleIndex = l.index.indexOf(u)

	inner := l.lower.SendMessage(l.ser.Address(u), buf, func(_ transportif.MessageRequest[L], err error) {
		l.untrack(u, req)
		fail(err)
	}, lowerOpts)

	req.OnCancel(func() bool {
		l.untrack(u, req)
		if inner != nil {
			inner.Cancel()
		}
		return true
	})
	return req
}

// Destroy 使挂起请求失败并销毁下层
func (l *Layer[U, L]) Destroy() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	pending := l.pending
	l.pending = make(map[U]map[*transport.Handle[U]]func(error))
	l.mu.Unlock()

	for _, reqs := range pending {
		for _, fail := range reqs {
			fail(transport.ErrClosed)
		}
	}
	err := l.lower.Destroy()
	log.Debug("身份层已销毁", "local", l.local)
	return err
}

// ============================================================================
//                              下层回调
// ============================================================================

// IncomingSocket 读取握手，身份匹配时把 socket 交给上层
func (l *Layer[U, L]) IncomingSocket(s transportif.Socket[L]) error {
	l.mu.Lock()
	cb := l.callback
	l.mu.Unlock()
	if cb == nil {
		return transport.ErrConnectionRefused
	}

	maxSize := l.cfg.MaxIdentitySize
	reject := func(s transportif.Socket[L], err error) {
		_ = s.Close()
		l.reportException(s.Identifier(), err)
	}

	transport.ReadPrefixed(s, maxSize, func(s transportif.Socket[L], destBytes []byte) {
		transport.ReadPrefixed(s, maxSize, func(s transportif.Socket[L], srcBytes []byte) {
			dest, err := l.ser.Deserialize(destBytes)
			if err != nil {
				l.metrics.ProtocolViolation("identity")
				reject(s, fmt.Errorf("%w: %v", transport.ErrProtocolViolation, err))
				return
			}
			src, err := l.ser.Deserialize(srcBytes)
			if err != nil {
				l.metrics.ProtocolViolation("identity")
				reject(s, fmt.Errorf("%w: %v", transport.ErrProtocolViolation, err))
				return
			}

			if dest != l.local {
				l.metrics.IdentityMismatch()
				log.Debug("入站握手目标身份不符", "dest", dest, "local", l.local, "from", s.Identifier())
				l.reportException(s.Identifier(), fmt.Errorf("%w: %v", ErrIdentityMismatch, dest))
				transport.WriteFully(s, []byte{hsFailure}, func(s transportif.Socket[L]) {
					_ = s.Close()
				}, func(s transportif.Socket[L], _ error) {
					_ = s.Close()
				})
				return
			}

			transport.WriteFully(s, []byte{hsSuccess}, func(s transportif.Socket[L]) {
				l.learn(src, s.Identifier())
				if l.IsDeadForever(src) {
					log.Warn("永久死亡的身份发起连接", "peer", src)
					_ = s.Close()
					return
				}
				ws := l.wrapSocket(src, s, s.Options())
				if err := cb.IncomingSocket(ws); err != nil {
					_ = ws.Close()
				}
			}, reject)
		}, reject)
	}, reject)
	return nil
}

// MessageReceived 解析身份头
func (l *Layer[U, L]) MessageReceived(from L, msg []byte, opts transportif.Options) error {
	if len(msg) == 0 {
		l.unexpected(from, msg, 0, opts)
		return nil
	}

	switch msg[0] {
	case hdrNoID:
		src, ok := l.bindings.Lookup(from)
		if !ok {
			l.unexpected(from, msg, 0, opts)
			return nil
		}
		return l.deliver(src, msg[1:], opts)

	case hdrNormal:
		dest, src, n, err := l.parsePair(msg[1:])
		if err != nil {
			l.unexpected(from, msg, 1, opts)
			return nil
		}
		if dest != l.local {
			l.metrics.IdentityMismatch()
			log.Debug("消息目标身份不符，回复 INCORRECT_IDENTITY", "dest", dest, "from", from)
			l.replyIncorrect(from, dest)
			return nil
		}
		l.learn(src, from)
		if l.IsDeadForever(src) {
			log.Warn("收到永久死亡身份的消息", "peer", src)
			return nil
		}
		return l.deliver(src, msg[1+n:], opts)

	case hdrIncorrectIdentity:
		old, cur, n, err := l.parsePair(msg[1:])
		if err != nil || 1+n != len(msg) {
			l.unexpected(from, msg, 1, opts)
			return nil
		}
		l.incorrectIdentity(old, cur)
		return nil
	}

	l.unexpected(from, msg, 0, opts)
	return nil
}

func (l *Layer[U, L]) deliver(src U, payload []byte, opts transportif.Options) error {
	l.mu.Lock()
	cb := l.callback
	l.mu.Unlock()
	if cb == nil {
		return nil
	}
	return cb.MessageReceived(src, payload, opts)
}

// replyIncorrect 告知 to：它用的 old 已不是本节点的身份
func (l *Layer[U, L]) replyIncorrect(to L, old U) {
	oldBytes, err := l.serialize(old)
	if err != nil {
		return
	}
	buf := make([]byte, 0, 1+len(oldBytes)+len(l.localBytes)+20)
	buf = append(buf, hdrIncorrectIdentity)
	buf = transport.AppendPrefixed(buf, oldBytes)
	buf = transport.AppendPrefixed(buf, l.localBytes)
	l.lower.SendMessage(to, buf, nil, transportif.Options{Datagram: true})
}

// incorrectIdentity 处理 INCORRECT_IDENTITY(old, cur)
//
// 对端已明确 old 不再有效，old 总是永久死亡；cur 是否被接受由策略决定。
func (l *Layer[U, L]) incorrectIdentity(old, cur U) {
	if old == cur {
		return
	}
	if bound, ok := l.bindings.Lookup(l.ser.Address(cur)); ok && bound == cur {
		return
	}
	log.Debug("远端身份已变更", "old", old, "new", cur)
	if !l.changeIdentity(old, cur) {
		l.markDeadForever(old)
		return
	}
	l.bindings.Bind(cur, l.ser.Address(cur))
}

// learn 记录 u 位于 addr；地址换了主人视为身份变更，被拒绝的 u 不会绑定
func (l *Layer[U, L]) learn(u U, addr L) {
	if l.IsDeadForever(u) {
		return
	}
	if prev, ok := l.bindings.Lookup(addr); ok && prev != u {
		log.Debug("地址绑定到新身份", "addr", addr, "old", prev, "new", u)
		if !l.changeIdentity(prev, u) {
			return
		}
	}
	l.bindings.Bind(u, addr)
}

// changeIdentity 按策略处理 old → cur 的身份变更
//
// 允许时 cur 标记为存活、old 永久死亡；拒绝时 cur 永久死亡，old 保持不变。
func (l *Layer[U, L]) changeIdentity(old, cur U) bool {
	if !l.policy(old, cur) {
		log.Warn("拒绝远端身份变更", "old", old, "new", cur)
		l.markDeadForever(cur)
		return false
	}
	if m := l.livenessMarker(); m != nil {
		m.MarkAlive(cur)
	}
	l.markDeadForever(old)
	return true
}

// ============================================================================
//                              永久死亡
// ============================================================================

// markDeadForever 终态：取消挂起请求、删除绑定、通知存活检测层
func (l *Layer[U, L]) markDeadForever(u U) {
	if previous, _ := l.deadForever.ContainsOrAdd(u, struct{}{}); previous {
		return
	}

	l.mu.Lock()
	reqs := l.pending[u]
	delete(l.pending, u)
	l.mu.Unlock()

	l.bindings.Delete(u)
	l.index.forget(u)

	err := faulty(u)
	for _, fail := range reqs {
		fail(err)
	}

	l.metrics.DeadForever()
	log.Info("身份永久死亡", "peer", u, "cancelled", len(reqs))
	if m := l.livenessMarker(); m != nil {
		m.MarkDeadForever(u)
	}
}

// ============================================================================
//                              内部方法
// ============================================================================

func (l *Layer[U, L]) track(u U, req *transport.Handle[U], fail func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reqs := l.pending[u]
	if reqs == nil {
		reqs = make(map[*transport.Handle[U]]func(error))
		l.pending[u] = reqs
	}
	reqs[req] = fail
}

func (l *Layer[U, L]) untrack(u U, req *transport.Handle[U]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reqs := l.pending[u]; reqs != nil {
		delete(reqs, req)
		if len(reqs) == 0 {
			delete(l.pending, u)
		}
	}
}

// pendingCount 返回发往 u 的挂起请求数
func (l *Layer[U, L]) pendingCount(u U) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending[u])
}

func (l *Layer[U, L]) livenessMarker() livenessif.Marker[U] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marker
}

func (l *Layer[U, L]) serialize(u U) ([]byte, error) {
	b, err := l.ser.Serialize(u)
	if err != nil {
		return nil, fmt.Errorf("serialize identity: %w", err)
	}
	if len(b) > l.cfg.MaxIdentitySize {
		return nil, fmt.Errorf("%w: identity is %d bytes", transport.ErrMessageTooLarge, len(b))
	}
	return b, nil
}

// parsePair 解析两个长度前缀的身份，返回消耗的字节数
func (l *Layer[U, L]) parsePair(buf []byte) (U, U, int, error) {
	var zero U
	first, n1, err := transport.ParsePrefixed(buf, l.cfg.MaxIdentitySize)
	if err != nil {
		return zero, zero, 0, err
	}
	second, n2, err := transport.ParsePrefixed(buf[n1:], l.cfg.MaxIdentitySize)
	if err != nil {
		return zero, zero, 0, err
	}
	a, err := l.ser.Deserialize(first)
	if err != nil {
		return zero, zero, 0, err
	}
	b, err := l.ser.Deserialize(second)
	if err != nil {
		return zero, zero, 0, err
	}
	return a, b, n1 + n2, nil
}

func (l *Layer[U, L]) wrapSocket(u U, s transportif.Socket[L], opts transportif.Options) transportif.Socket[U] {
	return transport.NewSocketWrapper[U, L](u, s, opts)
}

func (l *Layer[U, L]) unexpected(from L, msg []byte, pos int, opts transportif.Options) {
	l.metrics.ProtocolViolation("identity")
	if u, ok := l.bindings.Lookup(from); ok {
		l.handler().ReceivedUnexpectedData(u, msg, pos, opts)
		return
	}
	log.Warn("收到无法解析的数据", "from", from, "len", len(msg), "pos", pos)
}

func (l *Layer[U, L]) reportException(from L, err error) {
	if u, ok := l.bindings.Lookup(from); ok {
		l.handler().ReceivedException(u, err)
		return
	}
	log.Debug("入站握手失败", "from", from, "err", err)
}

func (l *Layer[U, L]) handler() transportif.ErrorHandler[U] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorHandler
}

func faulty[U comparable](u U) error {
	return fmt.Errorf("%w: %v", transport.ErrNodeIsFaulty, u)
}

// lowerErrors 把下层按地址报告的错误翻译为按身份报告
type lowerErrors[U, L comparable] struct {
	l *Layer[U, L]
}

func (e *lowerErrors[U, L]) ReceivedUnexpectedData(from L, data []byte, pos int, opts transportif.Options) {
	e.l.unexpected(from, data, pos, opts)
}

func (e *lowerErrors[U, L]) ReceivedException(from L, err error) {
	e.l.reportException(from, err)
}
