package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/matllubos/FreePastry-sub010/internal/core/transport/socket"
)

const ioChunk = 32 * 1024

// conn 一条 TCP 连接及其缓冲 socket
type conn struct {
	nc net.Conn
	s  *socket.Stream[netip.AddrPort]

	outSig   chan struct{}
	spaceSig chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(nc net.Conn, s *socket.Stream[netip.AddrPort]) *conn {
	c := &conn{
		nc:       nc,
		s:        s,
		outSig:   make(chan struct{}, 1),
		spaceSig: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.SetHooks(socket.Hooks{
		OnOutbound: func() { notify(c.outSig) },
		OnDrained:  func() { notify(c.spaceSig) },
	})
	return c
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}

// readLoop 把 TCP 数据搬进 socket 的入站缓冲区
func (c *conn) readLoop(ctx context.Context) error {
	buf := make([]byte, ioChunk)
	for {
		n, err := c.nc.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			k := c.s.Feed(data)
			data = data[k:]
			if len(data) == 0 {
				break
			}
			select {
			case <-c.spaceSig:
			case <-c.done:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.s.FeedEOF()
			case !c.isDone():
				c.s.Fail(err)
			}
			return nil
		}
	}
}

// writeLoop 把 socket 的出站缓冲区写入 TCP
func (c *conn) writeLoop(ctx context.Context) error {
	defer c.close()

	shut := false
	for {
		select {
		case <-c.outSig:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}

		for {
			data := c.s.TakeOutbound(ioChunk)
			if len(data) == 0 {
				break
			}
			if _, err := c.nc.Write(data); err != nil {
				c.s.Fail(err)
				return nil
			}
		}

		if !c.s.OutputDone() {
			continue
		}
		if c.s.Closed() {
			return nil
		}
		if !shut {
			shut = true
			if tc, ok := c.nc.(*net.TCPConn); ok {
				_ = tc.CloseWrite()
			}
		}
	}
}

func (c *conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
