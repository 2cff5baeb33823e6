package memnet

import "errors"

var (
	// ErrAddressInUse 地址已被占用
	ErrAddressInUse = errors.New("address already in use")

	// ErrConnectionReset 对端崩溃或已关闭
	ErrConnectionReset = errors.New("connection reset by peer")
)
