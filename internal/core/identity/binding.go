package identity

import "sync"

// ============================================================================
//                              BindingTable
// ============================================================================

// BindingTable 上层身份与下层地址的双向绑定
//
// 一个身份可以绑定多个地址，一个地址同一时刻只归属一个身份
// （最近一次绑定者）。删除身份时正反两个方向的条目一起移除。
type BindingTable[U, L comparable] struct {
	mu      sync.RWMutex
	forward map[U]map[L]struct{}
	reverse map[L]U
}

// NewBindingTable 创建绑定表
func NewBindingTable[U, L comparable]() *BindingTable[U, L] {
	return &BindingTable[U, L]{
		forward: make(map[U]map[L]struct{}),
		reverse: make(map[L]U),
	}
}

// Bind 把地址 l 绑定到身份 u
//
// 地址此前属于其他身份时返回该身份与 true，旧身份的这条正向绑定同时解除。
func (t *BindingTable[U, L]) Bind(u U, l L) (U, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.reverse[l]
	replaced := had && prev != u
	if replaced {
		if addrs := t.forward[prev]; addrs != nil {
			delete(addrs, l)
			if len(addrs) == 0 {
				delete(t.forward, prev)
			}
		}
	}

	addrs := t.forward[u]
	if addrs == nil {
		addrs = make(map[L]struct{})
		t.forward[u] = addrs
	}
	addrs[l] = struct{}{}
	t.reverse[l] = u

	if !replaced {
		var zero U
		return zero, false
	}
	return prev, true
}

// Lookup 返回地址当前归属的身份
func (t *BindingTable[U, L]) Lookup(l L) (U, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.reverse[l]
	return u, ok
}

// Addresses 返回身份绑定的全部地址
func (t *BindingTable[U, L]) Addresses(u U) []L {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]L, 0, len(t.forward[u]))
	for l := range t.forward[u] {
		out = append(out, l)
	}
	return out
}

// Delete 删除身份的全部绑定
func (t *BindingTable[U, L]) Delete(u U) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for l := range t.forward[u] {
		if t.reverse[l] == u {
			delete(t.reverse, l)
		}
	}
	delete(t.forward, u)
}

// Len 返回已绑定的身份数
func (t *BindingTable[U, L]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.forward)
}

// ============================================================================
//                              句柄索引
// ============================================================================

// handleIndex 给每个目标身份分配一个小整数，经 Options.NodeHandleIndex 传给下层
type handleIndex[U comparable] struct {
	mu      sync.Mutex
	next    int
	byIdent map[U]int
	byIndex map[int]U
}

func newHandleIndex[U comparable]() *handleIndex[U] {
	return &handleIndex[U]{
		byIdent: make(map[U]int),
		byIndex: make(map[int]U),
	}
}

// indexOf 返回 u 的索引，必要时分配；索引从 1 开始
func (x *handleIndex[U]) indexOf(u U) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.byIdent[u]; ok {
		return i
	}
	x.next++
	x.byIdent[u] = x.next
	x.byIndex[x.next] = u
	return x.next
}

func (x *handleIndex[U]) lookup(i int) (U, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	u, ok := x.byIndex[i]
	return u, ok
}

func (x *handleIndex[U]) forget(u U) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.byIdent[u]; ok {
		delete(x.byIdent, u)
		delete(x.byIndex, i)
	}
}
