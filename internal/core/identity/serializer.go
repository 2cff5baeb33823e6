package identity

import (
	"net/netip"

	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

// Serializer 上层身份的编解码及其到下层地址的映射
type Serializer[U, L comparable] interface {
	// Serialize 编码身份
	Serialize(u U) ([]byte, error)

	// Deserialize 解码身份
	Deserialize(b []byte) (U, error)

	// Address 返回身份所在的下层地址
	Address(u U) L
}

// NodeHandleSerializer NodeHandle 的序列化器
type NodeHandleSerializer struct{}

var _ Serializer[types.NodeHandle, netip.AddrPort] = NodeHandleSerializer{}

// Serialize 编码 NodeHandle
func (NodeHandleSerializer) Serialize(h types.NodeHandle) ([]byte, error) {
	return h.MarshalBinary()
}

// Deserialize 解码 NodeHandle
func (NodeHandleSerializer) Deserialize(b []byte) (types.NodeHandle, error) {
	var h types.NodeHandle
	err := h.UnmarshalBinary(b)
	return h, err
}

// Address 返回句柄中的网络地址
func (NodeHandleSerializer) Address(h types.NodeHandle) netip.AddrPort {
	return h.Addr
}
