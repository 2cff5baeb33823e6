package priority

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/matllubos/FreePastry-sub010/internal/core/metrics"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// socket 类型
const (
	kindPassthrough byte = 0
	kindPrimary     byte = 1
)

// primarySocket 本层私有的消息 socket
//
// 同一个接收者同时负责读循环与写当前消息，每次回调后按需重新登记兴趣。
type primarySocket[ID comparable] struct {
	l        *Layer[ID]
	em       *entityManager[ID]
	s        transportif.Socket[ID]
	outbound bool

	closed atomic.Bool

	// 读状态，仅在 reactor 上访问
	header  [frameHeaderSize]byte
	hdrPos  int
	inBody  bool
	body    []byte
	bodyPos int
}

var _ transportif.SocketReceiver[string] = (*primarySocket[string])(nil)

func (ps *primarySocket[ID]) isClosed() bool { return ps.closed.Load() }

// arm 登记读兴趣；本 socket 有消息在写时同时登记写兴趣
func (ps *primarySocket[ID]) arm() {
	if ps.isClosed() {
		return
	}
	ps.em.mu.Lock()
	writing := ps.em.writer == ps && ps.em.inflight != nil
	ps.em.mu.Unlock()
	ps.s.Register(true, writing, ps)
}

// ReceiveSelectResult 读尽可读数据，再推进当前消息的写
func (ps *primarySocket[ID]) ReceiveSelectResult(_ transportif.Socket[ID], canRead, canWrite bool) error {
	if canRead {
		if err := ps.readAvailable(); err != nil {
			return err
		}
	}
	if ps.isClosed() {
		return nil
	}
	if canWrite {
		if err := ps.writeInflight(); err != nil {
			return err
		}
	}
	ps.arm()
	return nil
}

// ReceiveException socket 异常
func (ps *primarySocket[ID]) ReceiveException(_ transportif.Socket[ID], err error) {
	ps.close(err)
}

// ============================================================================
//                              读
// ============================================================================

// readAvailable 读取帧直到没有更多数据
func (ps *primarySocket[ID]) readAvailable() error {
	for !ps.isClosed() {
		if !ps.inBody {
			n, err := ps.s.Read(ps.header[ps.hdrPos:])
			if err != nil {
				if errors.Is(err, io.EOF) {
					if ps.hdrPos > 0 {
						return io.ErrUnexpectedEOF
					}
					ps.close(nil)
					return nil
				}
				return err
			}
			if n == 0 {
				return nil
			}
			ps.hdrPos += n
			if ps.hdrPos < frameHeaderSize {
				continue
			}

			size := binary.BigEndian.Uint32(ps.header[:])
			ps.hdrPos = 0
			if int64(size) > int64(ps.l.cfg.MaxMsgSize) {
				ps.l.metrics.ProtocolViolation("priority")
				ps.l.handler().ReceivedUnexpectedData(ps.em.id, append([]byte(nil), ps.header[:]...), 0, ps.s.Options())
				return fmt.Errorf("%w: frame of %d bytes exceeds %d", transport.ErrProtocolViolation, size, ps.l.cfg.MaxMsgSize)
			}
			ps.inBody = true
			ps.body = make([]byte, size)
			ps.bodyPos = 0
		}

		if ps.bodyPos < len(ps.body) {
			n, err := ps.s.Read(ps.body[ps.bodyPos:])
			if err != nil {
				if errors.Is(err, io.EOF) {
					return io.ErrUnexpectedEOF
				}
				return err
			}
			if n == 0 {
				return nil
			}
			ps.bodyPos += n
			if ps.bodyPos < len(ps.body) {
				continue
			}
		}

		msg := ps.body
		ps.inBody = false
		ps.body = nil
		ps.l.metrics.BytesReceived(len(msg))
		ps.l.received(ps.em.id, msg)
	}
	return nil
}

// ============================================================================
//                              写
// ============================================================================

// writeInflight 推进当前消息的写，写完后回调并调度下一条
func (ps *primarySocket[ID]) writeInflight() error {
	em := ps.em
	em.mu.Lock()
	w := em.inflight
	if em.writer != ps || w == nil {
		em.mu.Unlock()
		return nil
	}
	em.mu.Unlock()

	n, err := ps.s.Write(w.frame[w.pos:])
	if n > 0 {
		w.pos += n
		ps.l.metrics.BytesSent(n)
	}
	if err != nil {
		return err
	}
	if w.pos < len(w.frame) {
		return nil
	}

	em.mu.Lock()
	em.inflight = nil
	em.writer = nil
	cancelled := w.cancelled
	em.mu.Unlock()

	if !cancelled && w.finish(nil) {
		ps.l.metrics.Message(metrics.ResultSent)
	}
	ps.l.deliver(em)
	return nil
}

// ============================================================================
//                              关闭
// ============================================================================

// close 关闭 socket；正在写的消息重新入队，由其他 socket 或新连接接手
func (ps *primarySocket[ID]) close(cause error) {
	if !ps.closed.CompareAndSwap(false, true) {
		return
	}
	_ = ps.s.Close()

	em := ps.em
	em.mu.Lock()
	w := em.detach(ps)
	live := w != nil && !w.cancelled
	requeued := live && !em.retired
	var dropped []*messageWrapper[ID]
	if requeued {
		dropped = em.requeue(w, ps.l.cfg.MaxQueueSize)
	}
	em.mu.Unlock()

	if requeued {
		ps.l.metrics.QueueDelta(1 - len(dropped))
		ps.l.overflow(em.id, dropped)
	} else if live && w.finish(fmt.Errorf("%w: %v", transport.ErrNodeIsFaulty, em.id)) {
		ps.l.metrics.Message(metrics.ResultFailed)
	}
	ps.l.metrics.PrimarySocketDelta(-1)
	if cause != nil {
		log.Debug("primary socket 异常关闭", "peer", em.id, "err", cause, "requeued", requeued)
		ps.l.handler().ReceivedException(em.id, cause)
	} else {
		log.Debug("primary socket 关闭", "peer", em.id)
	}
	ps.l.notifyClosed(em.id)
	ps.l.deliver(em)
}
