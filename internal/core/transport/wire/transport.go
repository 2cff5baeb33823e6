package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport/socket"
	"github.com/matllubos/FreePastry-sub010/internal/util/logger"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

var log = logger.Logger("wire")

// preambleTimeout 读取入站连接前导的超时
const preambleTimeout = 10 * time.Second

// Config 传输配置
type Config struct {
	// ListenAddr 监听地址，端口为 0 时由系统分配
	ListenAddr netip.AddrPort

	// DialTimeout 拨号超时
	DialTimeout time.Duration

	// BufferSize socket 缓冲区大小
	BufferSize int

	// KeepAlive TCP 保活周期
	KeepAlive time.Duration
}

// ============================================================================
//                              Transport 实现
// ============================================================================

// Transport TCP/UDP 原始传输
type Transport struct {
	r     *reactor.Reactor
	cfg   Config
	local netip.AddrPort

	ln  *net.TCPListener
	udp *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu             sync.Mutex
	callback       transportif.Callback[netip.AddrPort]
	errorHandler   transportif.ErrorHandler[netip.AddrPort]
	acceptSockets  bool
	acceptMessages bool
	conns          map[*conn]struct{}
	closed         bool
}

var _ transportif.Transport[netip.AddrPort] = (*Transport)(nil)

// Listen 在 cfg.ListenAddr 上监听 TCP 与 UDP
func Listen(r *reactor.Reactor, cfg Config) (*Transport, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(cfg.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("监听 TCP 失败: %w", err)
	}
	bound := ln.Addr().(*net.TCPAddr).AddrPort()

	udp, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(bound))
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("监听 UDP 失败: %w", err)
	}

	local := normalize(bound)
	if local.Addr().IsUnspecified() {
		// 通配地址无法被对端拨号，对外宣告回环地址
		local = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), bound.Port())
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	t := &Transport{
		r:              r,
		cfg:            cfg,
		local:          local,
		ln:             ln,
		udp:            udp,
		ctx:            gctx,
		cancel:         cancel,
		g:              g,
		errorHandler:   transport.NewLogErrorHandler[netip.AddrPort]("wire"),
		acceptSockets:  true,
		acceptMessages: true,
		conns:          make(map[*conn]struct{}),
	}
	g.Go(t.acceptLoop)
	g.Go(t.datagramLoop)

	log.Info("传输层启动", "addr", local)
	return t, nil
}

// LocalIdentifier 返回本地地址
func (t *Transport) LocalIdentifier() netip.AddrPort { return t.local }

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

// OpenSocket 拨号到 addr，结果在 reactor 上回调
func (t *Transport) OpenSocket(addr netip.AddrPort, cb transportif.SocketCallback[netip.AddrPort], opts transportif.Options) transportif.SocketRequest[netip.AddrPort] {
	req := transport.NewSocketRequest(addr, opts)
	fail := func(err error) {
		t.r.Invoke(func() {
			if req.Complete() {
				cb(req, nil, err)
			}
		})
	}

	if t.isClosed() {
		fail(ErrTransportClosed)
		return req
	}

	t.g.Go(func() error {
		nc, err := t.dial(addr)
		if err != nil {
			fail(fmt.Errorf("%w: %v", transport.ErrConnectionRefused, err))
			return nil
		}
		if req.Cancelled() {
			_ = nc.Close()
			return nil
		}

		s := socket.New(t.r, addr, opts, t.cfg.BufferSize)
		c := newConn(nc, s)
		if !t.track(c) {
			c.close()
			fail(ErrTransportClosed)
			return nil
		}
		t.start(c)

		t.r.Invoke(func() {
			if !req.Complete() {
				_ = s.Close()
				return
			}
			cb(req, s, nil)
		})
		return nil
	})
	return req
}

// SendMessage 以 UDP 数据报发送 msg
func (t *Transport) SendMessage(addr netip.AddrPort, msg []byte, cb transportif.MessageCallback[netip.AddrPort], opts transportif.Options) transportif.MessageRequest[netip.AddrPort] {
	req := transport.NewMessageRequest(addr, msg, opts)

	var err error
	switch {
	case len(msg) > transport.MaxDatagramSize:
		err = fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(msg))
	case t.isClosed():
		err = ErrTransportClosed
	default:
		_, err = t.udp.WriteToUDPAddrPort(msg, addr)
	}

	t.r.Invoke(func() {
		if req.Complete() && cb != nil {
			cb(req, err)
		}
	})
	return req
}

// Destroy 关闭监听与全部连接，等待所有协程退出
func (t *Transport) Destroy() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = nil
	t.mu.Unlock()

	t.cancel()
	err := multierr.Combine(t.ln.Close(), t.udp.Close())
	for _, c := range conns {
		_ = c.s.Close()
		c.close()
	}
	if werr := t.g.Wait(); werr != nil {
		err = multierr.Append(err, werr)
	}
	log.Info("传输层关闭", "addr", t.local)
	return err
}

// ConnCount 返回连接数量
func (t *Transport) ConnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// ============================================================================
//                              内部方法
// ============================================================================

func (t *Transport) dial(addr netip.AddrPort) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()

	d := &net.Dialer{KeepAlive: t.cfg.KeepAlive}
	nc, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if err := writePreamble(nc, t.local); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return nc, nil
}

func (t *Transport) acceptLoop() error {
	for {
		nc, err := t.ln.AcceptTCP()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("接受连接失败: %w", err)
		}
		_ = nc.SetNoDelay(true)
		t.g.Go(func() error {
			t.handleInbound(nc)
			return nil
		})
	}
}

func (t *Transport) handleInbound(nc net.Conn) {
	_ = nc.SetReadDeadline(time.Now().Add(preambleTimeout))
	peer, err := readPreamble(nc)
	_ = nc.SetReadDeadline(time.Time{})
	if err != nil {
		log.Debug("丢弃入站连接", "remote", nc.RemoteAddr(), "err", err)
		_ = nc.Close()
		return
	}

	t.mu.Lock()
	accept := t.acceptSockets && t.callback != nil
	t.mu.Unlock()
	if !accept {
		_ = nc.Close()
		return
	}

	s := socket.New(t.r, peer, transportif.Options{}, t.cfg.BufferSize)
	c := newConn(nc, s)
	if !t.track(c) {
		c.close()
		return
	}
	t.start(c)

	t.r.Invoke(func() {
		t.mu.Lock()
		cb := t.callback
		t.mu.Unlock()
		if cb == nil {
			_ = s.Close()
			return
		}
		if err := cb.IncomingSocket(s); err != nil {
			log.Debug("上层拒绝入站 socket", "peer", peer, "err", err)
			_ = s.Close()
		}
	})
}

func (t *Transport) datagramLoop() error {
	buf := make([]byte, transport.MaxDatagramSize)
	for {
		n, from, err := t.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("读取数据报失败: %w", err)
		}
		msg := append([]byte(nil), buf[:n]...)
		from = normalize(from)

		t.r.Invoke(func() {
			t.mu.Lock()
			cb, eh, accept := t.callback, t.errorHandler, t.acceptMessages
			t.mu.Unlock()
			if !accept || cb == nil {
				return
			}
			if err := cb.MessageReceived(from, msg, transportif.Options{Datagram: true}); err != nil {
				eh.ReceivedException(from, err)
			}
		})
	}
}

func (t *Transport) start(c *conn) {
	t.g.Go(func() error { return c.readLoop(t.ctx) })
	t.g.Go(func() error {
		err := c.writeLoop(t.ctx)
		t.untrack(c)
		return err
	})
}

func (t *Transport) track(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Transport) untrack(c *conn) {
	t.mu.Lock()
	if t.conns != nil {
		delete(t.conns, c)
	}
	t.mu.Unlock()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func normalize(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}
