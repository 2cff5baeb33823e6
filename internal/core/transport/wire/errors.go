package wire

import "errors"

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("transport closed")

	// ErrBadPreamble 连接前导无法解析
	ErrBadPreamble = errors.New("bad connection preamble")
)
