package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// ============================================================================
//                              完整写
// ============================================================================

// WriteFully 把 buf 完整写入非阻塞 socket
//
// 写入在 socket 可写时分批进行，全部写完后回调 done，出错回调 fail。
// 两个回调都在 reactor 上执行。
func WriteFully[ID comparable](s transportif.Socket[ID], buf []byte, done func(transportif.Socket[ID]), fail func(transportif.Socket[ID], error)) {
	w := &fullWriter[ID]{buf: buf, done: done, fail: fail}
	s.Register(false, true, w)
}

type fullWriter[ID comparable] struct {
	buf  []byte
	pos  int
	done func(transportif.Socket[ID])
	fail func(transportif.Socket[ID], error)
}

func (w *fullWriter[ID]) ReceiveSelectResult(s transportif.Socket[ID], _, canWrite bool) error {
	if canWrite {
		n, err := s.Write(w.buf[w.pos:])
		if err != nil {
			return err
		}
		w.pos += n
	}
	if w.pos < len(w.buf) {
		s.Register(false, true, w)
		return nil
	}
	w.done(s)
	return nil
}

func (w *fullWriter[ID]) ReceiveException(s transportif.Socket[ID], err error) {
	w.fail(s, err)
}

// ============================================================================
//                              定长读
// ============================================================================

// ReadExactly 从非阻塞 socket 读取恰好 n 个字节
//
// 不会多读，剩余字节留给后续读者。
func ReadExactly[ID comparable](s transportif.Socket[ID], n int, done func(transportif.Socket[ID], []byte), fail func(transportif.Socket[ID], error)) {
	r := &exactReader[ID]{buf: make([]byte, n), done: done, fail: fail}
	s.Register(true, false, r)
}

type exactReader[ID comparable] struct {
	buf  []byte
	pos  int
	done func(transportif.Socket[ID], []byte)
	fail func(transportif.Socket[ID], error)
}

func (r *exactReader[ID]) ReceiveSelectResult(s transportif.Socket[ID], canRead, _ bool) error {
	for canRead && r.pos < len(r.buf) {
		n, err := s.Read(r.buf[r.pos:])
		if err != nil {
			if errors.Is(err, io.EOF) && r.pos > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if n == 0 {
			break
		}
		r.pos += n
	}
	if r.pos < len(r.buf) {
		s.Register(true, false, r)
		return nil
	}
	r.done(s, r.buf)
	return nil
}

func (r *exactReader[ID]) ReceiveException(s transportif.Socket[ID], err error) {
	r.fail(s, err)
}

// ============================================================================
//                              varint 长度前缀读
// ============================================================================

// AppendPrefixed 以 uvarint 长度前缀追加 b
func AppendPrefixed(dst, b []byte) []byte {
	dst = append(dst, varint.ToUvarint(uint64(len(b)))...)
	return append(dst, b...)
}

// ParsePrefixed 从 buf 解析一个 uvarint 长度前缀的字段，返回字段与消耗的字节数
func ParsePrefixed(buf []byte, max int) ([]byte, int, error) {
	l, n, err := varint.FromUvarint(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if l > uint64(max) {
		return nil, 0, fmt.Errorf("%w: field length %d exceeds %d", ErrProtocolViolation, l, max)
	}
	end := n + int(l)
	if end > len(buf) {
		return nil, 0, fmt.Errorf("%w: truncated field", ErrProtocolViolation)
	}
	return buf[n:end], end, nil
}

// ReadPrefixed 从 socket 读取一个 uvarint 长度前缀的字段
//
// 长度逐字节读取，字段体按长度定长读取，均不会多读。
func ReadPrefixed[ID comparable](s transportif.Socket[ID], max int, done func(transportif.Socket[ID], []byte), fail func(transportif.Socket[ID], error)) {
	p := &prefixReader[ID]{max: max, done: done, fail: fail}
	s.Register(true, false, p)
}

type prefixReader[ID comparable] struct {
	max    int
	header []byte
	done   func(transportif.Socket[ID], []byte)
	fail   func(transportif.Socket[ID], error)
}

func (p *prefixReader[ID]) ReceiveSelectResult(s transportif.Socket[ID], canRead, _ bool) error {
	var one [1]byte
	for canRead {
		n, err := s.Read(one[:])
		if err != nil {
			if errors.Is(err, io.EOF) && len(p.header) > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if n == 0 {
			break
		}
		p.header = append(p.header, one[0])

		l, _, err := varint.FromUvarint(p.header)
		if errors.Is(err, varint.ErrUnderflow) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if l > uint64(p.max) {
			return fmt.Errorf("%w: field length %d exceeds %d", ErrProtocolViolation, l, p.max)
		}
		if l == 0 {
			p.done(s, nil)
			return nil
		}
		ReadExactly(s, int(l), p.done, p.fail)
		return nil
	}
	s.Register(true, false, p)
	return nil
}

func (p *prefixReader[ID]) ReceiveException(s transportif.Socket[ID], err error) {
	p.fail(s, err)
}
