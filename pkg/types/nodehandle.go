package types

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"
)

// ============================================================================
//                              NodeHandle - 覆盖网络节点句柄
// ============================================================================

// NodeHandle 覆盖网络层的节点标识
//
// 由可达地址、节点 ID 与纪元组成。节点重启后 Epoch 改变，
// 旧句柄即成为过期身份，由 Identity 层检测并判定为永久死亡。
// NodeHandle 是可比较的值类型，可直接作为 map 键。
type NodeHandle struct {
	// Addr 网络地址
	Addr netip.AddrPort

	// ID 节点 ID
	ID uuid.UUID

	// Epoch 纪元（通常为启动时间）
	Epoch int64
}

// ErrInvalidNodeHandle 无效的节点句柄编码
var ErrInvalidNodeHandle = errors.New("invalid node handle")

// NewNodeHandle 以随机 ID 创建节点句柄
func NewNodeHandle(addr netip.AddrPort, epoch int64) NodeHandle {
	return NodeHandle{Addr: addr, ID: uuid.New(), Epoch: epoch}
}

// IsEmpty 是否为零值
func (h NodeHandle) IsEmpty() bool {
	return h == NodeHandle{}
}

// WithEpoch 返回纪元变更后的句柄（同一节点重启）
func (h NodeHandle) WithEpoch(epoch int64) NodeHandle {
	h.Epoch = epoch
	return h
}

// ShortString 日志用短标识
func (h NodeHandle) ShortString() string {
	return fmt.Sprintf("%s@%s", h.ID.String()[:8], h.Addr)
}

// String 返回完整表示
func (h NodeHandle) String() string {
	return fmt.Sprintf("%s@%s#%d", h.ID, h.Addr, h.Epoch)
}

// ParseNodeHandle 解析 String 的输出，如 "<uuid>@127.0.0.1:9001#1700000000"
func ParseNodeHandle(s string) (NodeHandle, error) {
	at := strings.IndexByte(s, '@')
	hash := strings.LastIndexByte(s, '#')
	if at < 0 || hash < at {
		return NodeHandle{}, fmt.Errorf("%w: %q", ErrInvalidNodeHandle, s)
	}

	id, err := uuid.Parse(s[:at])
	if err != nil {
		return NodeHandle{}, fmt.Errorf("%w: %v", ErrInvalidNodeHandle, err)
	}
	addr, err := netip.ParseAddrPort(s[at+1 : hash])
	if err != nil {
		return NodeHandle{}, fmt.Errorf("%w: %v", ErrInvalidNodeHandle, err)
	}
	epoch, err := strconv.ParseInt(s[hash+1:], 10, 64)
	if err != nil {
		return NodeHandle{}, fmt.Errorf("%w: %v", ErrInvalidNodeHandle, err)
	}
	return NodeHandle{Addr: addr, ID: id, Epoch: epoch}, nil
}

// MarshalBinary 编码为 varint(len(addr)) | addr | id(16) | uvarint(epoch)
func (h NodeHandle) MarshalBinary() ([]byte, error) {
	addr, err := h.Addr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(addr)))+len(addr)+16+varint.UvarintSize(uint64(h.Epoch)))
	buf = append(buf, varint.ToUvarint(uint64(len(addr)))...)
	buf = append(buf, addr...)
	buf = append(buf, h.ID[:]...)
	buf = append(buf, varint.ToUvarint(uint64(h.Epoch))...)
	return buf, nil
}

// UnmarshalBinary 从 MarshalBinary 的输出解码
func (h *NodeHandle) UnmarshalBinary(b []byte) error {
	alen, n, err := varint.FromUvarint(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNodeHandle, err)
	}
	b = b[n:]
	if uint64(len(b)) < alen+16 {
		return fmt.Errorf("%w: truncated", ErrInvalidNodeHandle)
	}

	var out NodeHandle
	if err := out.Addr.UnmarshalBinary(b[:alen]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNodeHandle, err)
	}
	b = b[alen:]
	copy(out.ID[:], b[:16])
	b = b[16:]

	epoch, n, err := varint.FromUvarint(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNodeHandle, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: trailing bytes", ErrInvalidNodeHandle)
	}
	out.Epoch = int64(epoch)

	*h = out
	return nil
}
