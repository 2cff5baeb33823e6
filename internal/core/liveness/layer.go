package liveness

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/metrics"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// 消息 tag
const (
	hdrNormal byte = 0
	hdrPing   byte = 1
	hdrPong   byte = 2
)

// pingSize tag + 8 字节时间戳
const pingSize = 1 + 8

// ============================================================================
//                              Layer 实现
// ============================================================================

// Layer 存活检测传输层
type Layer[ID comparable] struct {
	r       *reactor.Reactor
	lower   transportif.Transport[ID]
	cfg     config.LivenessConfig
	metrics *metrics.Metrics

	// DeadForever 是终态，manager 丢弃后仍需记住
	tombstones *lru.Cache[ID, struct{}]

	mu           sync.Mutex
	managers     map[ID]*entityManager[ID]
	callback     transportif.Callback[ID]
	errorHandler transportif.ErrorHandler[ID]
	destroyed    bool

	// 回调专用锁，避免与 mu 嵌套
	cbMu          sync.RWMutex
	listeners     []livenessif.Listener[ID]
	pingListeners []livenessif.PingListener[ID]
}

var (
	_ transportif.Transport[string]        = (*Layer[string])(nil)
	_ livenessif.Provider[string]          = (*Layer[string])(nil)
	_ livenessif.Marker[string]            = (*Layer[string])(nil)
	_ livenessif.Pinger[string]            = (*Layer[string])(nil)
	_ livenessif.ProximityProvider[string] = (*Layer[string])(nil)
	_ transportif.Callback[string]         = (*Layer[string])(nil)
)

// New 创建存活检测层并接管 lower 的回调
func New[ID comparable](r *reactor.Reactor, lower transportif.Transport[ID], cfg config.LivenessConfig, m *metrics.Metrics) (*Layer[ID], error) {
	tombstones, err := lru.New[ID, struct{}](cfg.DeadForeverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("liveness: dead-forever cache: %w", err)
	}
	l := &Layer[ID]{
		r:            r,
		lower:        lower,
		cfg:          cfg,
		metrics:      m,
		tombstones:   tombstones,
		managers:     make(map[ID]*entityManager[ID]),
		errorHandler: transport.NewLogErrorHandler[ID]("liveness"),
	}
	lower.SetCallback(l)
	return l, nil
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

// OpenSocket 打开 socket；返回的 socket 带写停滞检查
func (l *Layer[ID]) OpenSocket(id ID, cb transportif.SocketCallback[ID], opts transportif.Options) transportif.SocketRequest[ID] {
	req := transport.NewSocketRequest(id, opts)
	if l.isDeadForever(id) {
		l.r.Invoke(func() {
			if req.Complete() {
				cb(req, nil, fmt.Errorf("%w: %v", transport.ErrNodeIsFaulty, id))
			}
		})
		return req
	}

	inner := l.lower.OpenSocket(id, func(_ transportif.SocketRequest[ID], s transportif.Socket[ID], err error) {
		if err != nil {
			if req.Complete() {
				cb(req, nil, err)
			}
			return
		}
		ls := l.wrapSocket(id, s)
		if !req.Complete() {
			_ = ls.Close()
			return
		}
		cb(req, ls, nil)
	}, opts)
	req.SetInner(inner)
	return req
}

// SendMessage 加 NORMAL tag 后交给下层
func (l *Layer[ID]) SendMessage(id ID, msg []byte, cb transportif.MessageCallback[ID], opts transportif.Options) transportif.MessageRequest[ID] {
	req := transport.NewMessageRequest(id, msg, opts)
	if l.isDeadForever(id) {
		l.r.Invoke(func() {
			if req.Complete() && cb != nil {
				cb(req, fmt.Errorf("%w: %v", transport.ErrNodeIsFaulty, id))
			}
		})
		return req
	}

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, hdrNormal)
	buf = append(buf, msg...)
	inner := l.lower.SendMessage(id, buf, func(_ transportif.MessageRequest[ID], err error) {
		if req.Complete() && cb != nil {
			cb(req, err)
		}
	}, opts)
	req.SetInner(inner)
	return req
}

// Destroy 取消全部检查、关闭 socket 并销毁下层
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

	var err error
	for _, em := range managers {
		err = multierr.Append(err, l.discard(em))
	}
	return multierr.Append(err, l.lower.Destroy())
}

// ============================================================================
//                              下层回调
// ============================================================================

// IncomingSocket 包装入站 socket 后交给上层
func (l *Layer[ID]) IncomingSocket(s transportif.Socket[ID]) error {
	l.mu.Lock()
	cb := l.callback
	l.mu.Unlock()
	if cb == nil {
		return transport.ErrConnectionRefused
	}
	ls := l.wrapSocket(s.Identifier(), s)
	if err := cb.IncomingSocket(ls); err != nil {
		l.untrack(ls)
		return err
	}
	return nil
}

// MessageReceived 解析 tag
func (l *Layer[ID]) MessageReceived(from ID, msg []byte, opts transportif.Options) error {
	if len(msg) == 0 {
		l.unexpected(from, msg, 0, opts)
		return nil
	}

	switch msg[0] {
	case hdrNormal:
		l.mu.Lock()
		cb := l.callback
		l.mu.Unlock()
		if cb == nil {
			return nil
		}
		return cb.MessageReceived(from, msg[1:], opts)

	case hdrPing:
		if len(msg) != pingSize {
			l.unexpected(from, msg, 1, opts)
			return nil
		}
		l.metrics.PingReceived()
		pong := make([]byte, pingSize)
		pong[0] = hdrPong
		copy(pong[1:], msg[1:])
		l.lower.SendMessage(from, pong, nil, transportif.Options{Datagram: true})
		for _, pl := range l.pingListenerSnapshot() {
			pl.PingReceived(from)
		}
		return nil

	case hdrPong:
		if len(msg) != pingSize {
			l.unexpected(from, msg, 1, opts)
			return nil
		}
		sent := time.Unix(0, int64(binary.BigEndian.Uint64(msg[1:])))
		rtt := l.r.Now().Sub(sent)
		if rtt < 0 {
			rtt = 0
		}
		l.pong(from, rtt)
		return nil
	}

	l.unexpected(from, msg, 0, opts)
	return nil
}

func (l *Layer[ID]) unexpected(from ID, msg []byte, pos int, opts transportif.Options) {
	l.metrics.ProtocolViolation("liveness")
	l.mu.Lock()
	eh := l.errorHandler
	l.mu.Unlock()
	eh.ReceivedUnexpectedData(from, msg, pos, opts)
}

// ============================================================================
//                              Pinger
// ============================================================================

// Ping 发送一次 ping（数据报）
func (l *Layer[ID]) Ping(id ID) bool {
	if l.isDeadForever(id) || l.isDestroyed() {
		return false
	}
	msg := make([]byte, pingSize)
	msg[0] = hdrPing
	binary.BigEndian.PutUint64(msg[1:], uint64(l.r.Now().UnixNano()))
	l.lower.SendMessage(id, msg, nil, transportif.Options{Datagram: true})
	l.metrics.PingSent()
	log.Debug("发送 ping", "peer", id)
	return true
}

// AddPingListener 添加 ping 监听器
func (l *Layer[ID]) AddPingListener(pl livenessif.PingListener[ID]) {
	l.cbMu.Lock()
	l.pingListeners = append(l.pingListeners, pl)
	l.cbMu.Unlock()
}

// RemovePingListener 移除 ping 监听器
func (l *Layer[ID]) RemovePingListener(pl livenessif.PingListener[ID]) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	for i, x := range l.pingListeners {
		if x == pl {
			l.pingListeners = append(l.pingListeners[:i:i], l.pingListeners[i+1:]...)
			return
		}
	}
}

// pong 处理 PONG
func (l *Layer[ID]) pong(id ID, rtt time.Duration) {
	if l.isDeadForever(id) {
		log.Warn("收到永久死亡节点的 pong", "peer", id, "rtt", rtt)
		return
	}
	em := l.manager(id, true)
	if em == nil {
		return
	}

	em.mu.Lock()
	em.stopChecker()
	em.updateRTO(rtt, &l.cfg)
	rto := em.rto
	em.mu.Unlock()

	l.metrics.PongReceived(rtt)
	log.Debug("收到 pong", "peer", id, "rtt", rtt, "rto", rto)

	l.setState(em, livenessif.StateAlive)
	for _, pl := range l.pingListenerSnapshot() {
		pl.PingResponse(id, rtt)
	}
}

func (l *Layer[ID]) pingListenerSnapshot() []livenessif.PingListener[ID] {
	l.cbMu.RLock()
	defer l.cbMu.RUnlock()
	return append([]livenessif.PingListener[ID](nil), l.pingListeners...)
}

// ============================================================================
//                              Provider
// ============================================================================

// Liveness 返回 id 的存活状态；未知标识视为 Suspected
func (l *Layer[ID]) Liveness(id ID) livenessif.State {
	if l.isDeadForever(id) {
		return livenessif.StateDeadForever
	}
	em := l.manager(id, false)
	if em == nil {
		return livenessif.StateSuspected
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.state
}

// CheckLiveness 启动一轮存活检查，返回稍后是否会有状态更新
func (l *Layer[ID]) CheckLiveness(id ID) bool {
	if l.isDeadForever(id) {
		return false
	}
	em := l.manager(id, true)
	if em == nil {
		return false
	}

	em.mu.Lock()
	if em.checker != nil {
		em.mu.Unlock()
		return true
	}
	now := l.r.Now()
	if em.state >= livenessif.StateDead && now.Sub(em.lastCheck) <= l.cfg.CheckDeadThrottle {
		em.mu.Unlock()
		return false
	}
	em.lastCheck = now
	dc := &deadChecker[ID]{em: em, tries: 1}
	em.checker = dc
	dc.timer = l.r.Schedule(em.rto, func() { l.runChecker(dc) })
	em.mu.Unlock()

	log.Debug("开始存活检查", "peer", id)
	l.setState(em, livenessif.StateSuspected)
	l.Ping(id)
	return true
}

// runChecker 在 reactor 上执行一次 deadChecker
func (l *Layer[ID]) runChecker(dc *deadChecker[ID]) {
	em := dc.em
	em.mu.Lock()
	if em.checker != dc {
		em.mu.Unlock()
		return
	}

	if dc.tries < l.cfg.NumPingTries {
		dc.tries++
		delay := retryDelay(&l.cfg, dc.tries, 2*rand.Float64()-1)
		dc.timer = l.r.Schedule(delay, func() { l.runChecker(dc) })
		em.mu.Unlock()

		l.setState(em, livenessif.StateSuspected)
		l.Ping(em.id)
		return
	}

	em.checker = nil
	em.lastCheck = l.r.Now()
	tries := dc.tries
	em.mu.Unlock()

	log.Debug("存活检查失败", "peer", em.id, "tries", tries)
	l.setState(em, livenessif.StateDead)
}

// AddLivenessListener 添加状态监听器
func (l *Layer[ID]) AddLivenessListener(ll livenessif.Listener[ID]) {
	l.cbMu.Lock()
	l.listeners = append(l.listeners, ll)
	l.cbMu.Unlock()
}

// RemoveLivenessListener 移除状态监听器
func (l *Layer[ID]) RemoveLivenessListener(ll livenessif.Listener[ID]) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	for i, x := range l.listeners {
		if x == ll {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return
		}
	}
}

// ClearState 取消检查并丢弃 id 的全部状态；DeadForever 不受影响
func (l *Layer[ID]) ClearState(id ID) {
	l.mu.Lock()
	em := l.managers[id]
	delete(l.managers, id)
	l.mu.Unlock()
	if em == nil {
		return
	}
	em.mu.Lock()
	em.stopChecker()
	em.mu.Unlock()
	log.Debug("清除存活状态", "peer", id)
}

// ============================================================================
//                              Marker
// ============================================================================

// MarkDeadForever 标记为永久死亡：关闭 socket、丢弃状态
func (l *Layer[ID]) MarkDeadForever(id ID) {
	if previous, _ := l.tombstones.ContainsOrAdd(id, struct{}{}); previous {
		return
	}

	l.mu.Lock()
	em := l.managers[id]
	delete(l.managers, id)
	l.mu.Unlock()

	if em != nil {
		if err := l.discard(em); err != nil {
			log.Debug("关闭 socket 失败", "peer", id, "err", err)
		}
	}

	log.Info("节点永久死亡", "peer", id)
	l.metrics.Transition(livenessif.StateDeadForever.String())
	l.notify(id, livenessif.StateDeadForever)
}

// MarkAlive 显式标记为存活
func (l *Layer[ID]) MarkAlive(id ID) {
	if l.isDeadForever(id) {
		log.Warn("忽略对永久死亡节点的存活标记", "peer", id)
		return
	}
	em := l.manager(id, true)
	if em == nil {
		return
	}
	em.mu.Lock()
	em.stopChecker()
	em.mu.Unlock()
	l.setState(em, livenessif.StateAlive)
}

// ============================================================================
//                              RTT / 邻近度
// ============================================================================

// Proximity 返回平滑 RTT，尚无样本时返回 DefaultProximity
func (l *Layer[ID]) Proximity(id ID) time.Duration {
	em := l.manager(id, false)
	if em == nil {
		return livenessif.DefaultProximity
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if !em.hasSample {
		return livenessif.DefaultProximity
	}
	return time.Duration(em.rtt)
}

// RTO 返回当前重传超时
func (l *Layer[ID]) RTO(id ID) time.Duration {
	em := l.manager(id, false)
	if em == nil {
		return l.cfg.DefaultRTO
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.rto
}

// ============================================================================
//                              内部方法
// ============================================================================

func (l *Layer[ID]) manager(id ID, create bool) *entityManager[ID] {
	l.mu.Lock()
	defer l.mu.Unlock()
	em, ok := l.managers[id]
	if !ok && create && !l.destroyed {
		em = newEntityManager(id, &l.cfg)
		l.managers[id] = em
	}
	return em
}

func (l *Layer[ID]) isDeadForever(id ID) bool {
	return l.tombstones.Contains(id)
}

func (l *Layer[ID]) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

// setState 设置状态，仅在真正变化时通知
func (l *Layer[ID]) setState(em *entityManager[ID], s livenessif.State) {
	em.mu.Lock()
	if em.state == s {
		em.mu.Unlock()
		return
	}
	old := em.state
	em.state = s
	em.mu.Unlock()

	l.mu.Lock()
	current := l.managers[em.id] == em
	l.mu.Unlock()
	if !current {
		return
	}

	log.Debug("存活状态变化", "peer", em.id, "from", old, "to", s)
	l.metrics.Transition(s.String())
	l.notify(em.id, s)
}

func (l *Layer[ID]) notify(id ID, s livenessif.State) {
	l.cbMu.RLock()
	listeners := append([]livenessif.Listener[ID](nil), l.listeners...)
	l.cbMu.RUnlock()

	for _, ll := range listeners {
		ll.LivenessChanged(id, s)
	}
}

// discard 取消检查并关闭 manager 持有的全部 socket
func (l *Layer[ID]) discard(em *entityManager[ID]) error {
	em.mu.Lock()
	em.stopChecker()
	socks := make([]*livenessSocket[ID], 0, len(em.sockets))
	for s := range em.sockets {
		socks = append(socks, s)
	}
	em.sockets = make(map[*livenessSocket[ID]]struct{})
	em.mu.Unlock()

	var err error
	for _, s := range socks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
