package wire

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/multiformats/go-varint"
)

// maxPreambleSize 前导中地址的最大长度（IPv6 + zone + 端口）
const maxPreambleSize = 64

// writePreamble 写入本地监听地址
func writePreamble(w io.Writer, local netip.AddrPort) error {
	addr, err := local.MarshalBinary()
	if err != nil {
		return err
	}
	buf := append(varint.ToUvarint(uint64(len(addr))), addr...)
	_, err = w.Write(buf)
	return err
}

// readPreamble 读取对端监听地址，不会多读
func readPreamble(r io.Reader) (netip.AddrPort, error) {
	l, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrBadPreamble, err)
	}
	if l == 0 || l > maxPreambleSize {
		return netip.AddrPort{}, fmt.Errorf("%w: length %d", ErrBadPreamble, l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrBadPreamble, err)
	}
	var addr netip.AddrPort
	if err := addr.UnmarshalBinary(buf); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrBadPreamble, err)
	}
	return normalize(addr), nil
}

type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var one [1]byte
	if _, err := io.ReadFull(b.r, one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}
