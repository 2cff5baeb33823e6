package identity

import "github.com/matllubos/FreePastry-sub010/pkg/types"

// ChangePolicy 判定远端身份能否从 old 变更为 new
//
// 允许时新身份被标记为存活、旧身份永久死亡；拒绝时新身份永久死亡。
type ChangePolicy[U comparable] func(old, new U) bool

// AllowChange 总是允许
func AllowChange[U comparable]() ChangePolicy[U] {
	return func(U, U) bool { return true }
}

// DenyChange 总是拒绝
func DenyChange[U comparable]() ChangePolicy[U] {
	return func(U, U) bool { return false }
}

// NodeHandlePolicy 同一地址上纪元不倒退的变更视为节点重启
func NodeHandlePolicy(old, new types.NodeHandle) bool {
	return old.Addr == new.Addr && new.Epoch >= old.Epoch
}
