package memnet

import (
	"fmt"
	"net/netip"
	"sync"

	"go.uber.org/multierr"

	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport/socket"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// Transport 模拟网络上的原始传输
type Transport struct {
	nw   *Network
	addr netip.AddrPort

	mu             sync.Mutex
	callback       transportif.Callback[netip.AddrPort]
	errorHandler   transportif.ErrorHandler[netip.AddrPort]
	acceptSockets  bool
	acceptMessages bool
	sockets        map[*socket.Stream[netip.AddrPort]]struct{}
	closed         bool
}

var _ transportif.Transport[netip.AddrPort] = (*Transport)(nil)

func newTransport(nw *Network, addr netip.AddrPort) *Transport {
	return &Transport{
		nw:             nw,
		addr:           addr,
		errorHandler:   transport.NewLogErrorHandler[netip.AddrPort]("memnet"),
		acceptSockets:  true,
		acceptMessages: true,
		sockets:        make(map[*socket.Stream[netip.AddrPort]]struct{}),
	}
}

// LocalIdentifier 返回本地地址
func (t *Transport) LocalIdentifier() netip.AddrPort { return t.addr }

// AcceptSockets 是否接受入站 socket
func (t *Transport) AcceptSockets(accept bool) {
	t.mu.Lock()
	t.acceptSockets = accept
	t.mu.Unlock()
}

// AcceptMessages 是否接受入站消息
func (t *Transport) AcceptMessages(accept bool) {
	t.mu.Lock()
	t.acceptMessages = accept
	t.mu.Unlock()
}

// SetCallback 设置上层回调
func (t *Transport) SetCallback(cb transportif.Callback[netip.AddrPort]) {
	t.mu.Lock()
	t.callback = cb
	t.mu.Unlock()
}

// SetErrorHandler 设置错误处理器
func (t *Transport) SetErrorHandler(h transportif.ErrorHandler[netip.AddrPort]) {
	if h == nil {
		return
	}
	t.mu.Lock()
	t.errorHandler = h
	t.mu.Unlock()
}

// OpenSocket 打开到 addr 的 socket
func (t *Transport) OpenSocket(addr netip.AddrPort, cb transportif.SocketCallback[netip.AddrPort], opts transportif.Options) transportif.SocketRequest[netip.AddrPort] {
	req := transport.NewSocketRequest(addr, opts)
	fail := func(err error) {
		if req.Complete() {
			cb(req, nil, err)
		}
	}

	ok := t.nw.r.Invoke(func() {
		if t.isClosed() {
			fail(transport.ErrClosed)
			return
		}
		if t.nw.isBlocked(t.addr, addr) {
			// 黑洞：既不成功也不失败
			return
		}
		peer, found := t.nw.Lookup(addr)
		if !found || !peer.accepting() {
			fail(fmt.Errorf("%w: %s", transport.ErrConnectionRefused, addr))
			return
		}
		if req.Cancelled() {
			return
		}

		local, remote := t.nw.connect(t, peer, opts)
		t.track(local)
		peer.track(remote)

		if err := peer.deliverSocket(remote); err != nil {
			_ = remote.Close()
		}
		if !req.Complete() {
			_ = local.Close()
			return
		}
		cb(req, local, nil)
	})
	if !ok {
		fail(transport.ErrClosed)
	}
	return req
}

// SendMessage 以数据报语义发送 msg，不可达时静默丢弃
func (t *Transport) SendMessage(addr netip.AddrPort, msg []byte, cb transportif.MessageCallback[netip.AddrPort], opts transportif.Options) transportif.MessageRequest[netip.AddrPort] {
	req := transport.NewMessageRequest(addr, msg, opts)
	finish := func(err error) {
		if req.Complete() && cb != nil {
			cb(req, err)
		}
	}

	if len(msg) > transport.MaxDatagramSize {
		t.nw.r.Invoke(func() {
			finish(fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(msg)))
		})
		return req
	}

	buf := append([]byte(nil), msg...)
	ok := t.nw.r.Invoke(func() {
		if t.isClosed() {
			finish(transport.ErrClosed)
			return
		}
		if req.Cancelled() {
			return
		}
		if !t.nw.isBlocked(t.addr, addr) {
			if peer, found := t.nw.Lookup(addr); found {
				peer.deliverMessage(t.addr, buf)
			}
		}
		finish(nil)
	})
	if !ok {
		finish(transport.ErrClosed)
	}
	return req
}

// Destroy 关闭全部 socket 并离开网络
func (t *Transport) Destroy() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	socks := make([]*socket.Stream[netip.AddrPort], 0, len(t.sockets))
	for s := range t.sockets {
		socks = append(socks, s)
	}
	t.sockets = nil
	t.mu.Unlock()

	t.nw.remove(t)
	var err error
	for _, s := range socks {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// SocketCount 返回未关闭的 socket 数量
func (t *Transport) SocketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for s := range t.sockets {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// ============================================================================
//                              内部方法
// ============================================================================

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Transport) accepting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.acceptSockets && t.callback != nil
}

func (t *Transport) track(s *socket.Stream[netip.AddrPort]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sockets == nil {
		return
	}
	for old := range t.sockets {
		if old.Closed() && old.OutputDone() {
			delete(t.sockets, old)
		}
	}
	t.sockets[s] = struct{}{}
}

func (t *Transport) deliverSocket(s *socket.Stream[netip.AddrPort]) error {
	t.mu.Lock()
	cb := t.callback
	t.mu.Unlock()
	if cb == nil {
		return transport.ErrConnectionRefused
	}
	return cb.IncomingSocket(s)
}

func (t *Transport) deliverMessage(from netip.AddrPort, msg []byte) {
	t.mu.Lock()
	cb, eh, accept := t.callback, t.errorHandler, t.acceptMessages && !t.closed
	t.mu.Unlock()
	if !accept || cb == nil {
		return
	}
	if err := cb.MessageReceived(from, msg, transportif.Options{Datagram: true}); err != nil {
		eh.ReceivedException(from, err)
	}
}
