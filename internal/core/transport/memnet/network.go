package memnet

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport/socket"
	"github.com/matllubos/FreePastry-sub010/internal/util/logger"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

var log = logger.Logger("memnet")

// Option 网络选项
type Option func(*Network)

// WithBufferSize 设置每个 socket 的缓冲区容量
func WithBufferSize(n int) Option {
	return func(nw *Network) {
		nw.bufSize = n
	}
}

// Network 进程内模拟网络
type Network struct {
	r       *reactor.Reactor
	bufSize int

	mu      sync.Mutex
	nodes   map[netip.AddrPort]*Transport
	blocked map[linkKey]struct{}
	links   map[*link]struct{}
}

type linkKey struct {
	a, b netip.AddrPort
}

func keyOf(a, b netip.AddrPort) linkKey {
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return linkKey{a: a, b: b}
}

// NewNetwork 创建网络，所有回调都在 r 上执行
func NewNetwork(r *reactor.Reactor, opts ...Option) *Network {
	nw := &Network{
		r:       r,
		bufSize: socket.DefaultBufferSize,
		nodes:   make(map[netip.AddrPort]*Transport),
		blocked: make(map[linkKey]struct{}),
		links:   make(map[*link]struct{}),
	}
	for _, opt := range opts {
		opt(nw)
	}
	return nw
}

// Reactor 返回网络使用的 reactor
func (nw *Network) Reactor() *reactor.Reactor {
	return nw.r
}

// NewTransport 在 addr 上创建节点
func (nw *Network) NewTransport(addr netip.AddrPort) (*Transport, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if _, ok := nw.nodes[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	t := newTransport(nw, addr)
	nw.nodes[addr] = t
	return t, nil
}

// Partition 阻断 a 与 b 之间的通信
func (nw *Network) Partition(a, b netip.AddrPort) {
	nw.mu.Lock()
	nw.blocked[keyOf(a, b)] = struct{}{}
	nw.mu.Unlock()
	log.Debug("网络分区", "a", a, "b", b)
}

// Heal 恢复 a 与 b 之间的通信，滞留的数据继续搬运
func (nw *Network) Heal(a, b netip.AddrPort) {
	nw.mu.Lock()
	delete(nw.blocked, keyOf(a, b))
	var kick []*link
	for l := range nw.links {
		if keyOf(l.src, l.dst) == keyOf(a, b) {
			kick = append(kick, l)
		}
	}
	nw.mu.Unlock()

	for _, l := range kick {
		l.kick()
	}
	log.Debug("分区恢复", "a", a, "b", b)
}

// Crash 让 addr 上的节点立即消失
//
// 节点的所有 socket 被丢弃，对端收到 ErrConnectionReset；
// 之后发往 addr 的连接被拒绝，数据报被丢弃。
func (nw *Network) Crash(addr netip.AddrPort) {
	nw.mu.Lock()
	t := nw.nodes[addr]
	delete(nw.nodes, addr)
	var dead []*link
	for l := range nw.links {
		if l.src == addr || l.dst == addr {
			dead = append(dead, l)
			delete(nw.links, l)
		}
	}
	nw.mu.Unlock()

	if t != nil {
		t.markClosed()
	}
	for _, l := range dead {
		l.from.SetHooks(socket.Hooks{})
		l.to.SetHooks(socket.Hooks{})
		if l.src == addr {
			l.to.Fail(ErrConnectionReset)
			_ = l.from.Close()
		} else {
			l.from.Fail(ErrConnectionReset)
			_ = l.to.Close()
		}
	}
	log.Info("节点崩溃", "addr", addr)
}

// Lookup 返回 addr 上的节点
func (nw *Network) Lookup(addr netip.AddrPort) (*Transport, bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	t, ok := nw.nodes[addr]
	return t, ok
}

func (nw *Network) isBlocked(a, b netip.AddrPort) bool {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	_, ok := nw.blocked[keyOf(a, b)]
	return ok
}

func (nw *Network) remove(t *Transport) {
	nw.mu.Lock()
	if nw.nodes[t.addr] == t {
		delete(nw.nodes, t.addr)
	}
	nw.mu.Unlock()
}

// connect 建立 src 到 dst 的一对 socket，返回 (src 端, dst 端)
func (nw *Network) connect(src, dst *Transport, opts transportif.Options) (*socket.Stream[netip.AddrPort], *socket.Stream[netip.AddrPort]) {
	local := socket.New(nw.r, dst.addr, opts, nw.bufSize)
	remote := socket.New(nw.r, src.addr, transportif.Options{}, nw.bufSize)

	out := &link{nw: nw, src: src.addr, dst: dst.addr, from: local, to: remote}
	in := &link{nw: nw, src: dst.addr, dst: src.addr, from: remote, to: local}
	local.SetHooks(socket.Hooks{OnOutbound: out.kick, OnDrained: in.kick})
	remote.SetHooks(socket.Hooks{OnOutbound: in.kick, OnDrained: out.kick})

	nw.mu.Lock()
	nw.links[out] = struct{}{}
	nw.links[in] = struct{}{}
	nw.mu.Unlock()
	return local, remote
}

// ============================================================================
//                              单向链路
// ============================================================================

// link 把 from 的出站数据搬到 to 的入站缓冲区
type link struct {
	nw       *Network
	src, dst netip.AddrPort
	from, to *socket.Stream[netip.AddrPort]

	eofSent bool
}

func (l *link) kick() {
	l.nw.r.Invoke(l.pump)
}

// pump 在 reactor 上执行
func (l *link) pump() {
	if l.nw.isBlocked(l.src, l.dst) {
		return
	}

	if l.to.Closed() {
		if l.from.OutboundLen() > 0 {
			l.from.TakeOutbound(l.from.OutboundLen())
			l.from.Fail(ErrConnectionReset)
		}
		l.retire()
		return
	}

	if data := l.from.TakeOutbound(l.to.InboundSpace()); len(data) > 0 {
		l.to.Feed(data)
	}
	if !l.eofSent && l.from.OutputDone() {
		l.eofSent = true
		l.to.FeedEOF()
		l.retire()
	}
}

func (l *link) retire() {
	if !l.from.Closed() && !l.to.Closed() {
		return
	}
	l.nw.mu.Lock()
	delete(l.nw.links, l)
	l.nw.mu.Unlock()
}
