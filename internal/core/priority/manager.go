package priority

import (
	"container/heap"
	"sync"

	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// entityManager 单个目标的队列与 socket
//
// queue、sockets、inflight 等由 mu 保护；socket 的读写只在 reactor 上进行。
type entityManager[ID comparable] struct {
	id ID

	mu    sync.Mutex
	queue messageQueue[ID]
	seq   uint64
	bytes int

	sockets []*primarySocket[ID]

	// 正在写的消息及其 socket，同一时刻至多一条
	inflight *messageWrapper[ID]
	writer   *primarySocket[ID]

	// 打开 primary socket 的状态
	opening   bool
	openReq   transportif.SocketRequest[ID]
	openTries int
	retry     *reactor.Timer

	// retired 目标已永久死亡，管理器已从层中移除
	retired bool
}

func newEntityManager[ID comparable](id ID) *entityManager[ID] {
	return &entityManager[ID]{id: id}
}

// enqueue 入队并按上限丢弃尾部，调用方持有 mu
func (em *entityManager[ID]) enqueue(w *messageWrapper[ID], limit int) []*messageWrapper[ID] {
	em.seq++
	w.seq = em.seq
	heap.Push(&em.queue, w)
	em.bytes += w.size()
	return em.trim(limit)
}

// trim 队列超过上限时按 (priority, seq) 从尾部丢弃，调用方持有 mu
func (em *entityManager[ID]) trim(limit int) []*messageWrapper[ID] {
	var dropped []*messageWrapper[ID]
	for em.queue.Len() > limit {
		d := em.queue.removeTail()
		em.bytes -= d.size()
		dropped = append(dropped, d)
	}
	return dropped
}

// pop 取出队首，调用方持有 mu
func (em *entityManager[ID]) pop() *messageWrapper[ID] {
	w := heap.Pop(&em.queue).(*messageWrapper[ID])
	em.bytes -= w.size()
	return w
}

// requeue 写失败的消息重新入队，保留原序号，并按上限丢弃尾部。调用方持有 mu
func (em *entityManager[ID]) requeue(w *messageWrapper[ID], limit int) []*messageWrapper[ID] {
	w.pos = 0
	heap.Push(&em.queue, w)
	em.bytes += w.size()
	return em.trim(limit)
}

// remove 从队列中移除 w，调用方持有 mu
func (em *entityManager[ID]) remove(w *messageWrapper[ID]) bool {
	if w.index < 0 || w.index >= em.queue.Len() || em.queue[w.index] != w {
		return false
	}
	heap.Remove(&em.queue, w.index)
	em.bytes -= w.size()
	return true
}

// drainQueue 清空队列，调用方持有 mu
func (em *entityManager[ID]) drainQueue() []*messageWrapper[ID] {
	out := em.queue.drain()
	em.bytes = 0
	return out
}

// idleSocket 返回可用于写的 socket，调用方持有 mu
func (em *entityManager[ID]) idleSocket() *primarySocket[ID] {
	for _, ps := range em.sockets {
		if !ps.isClosed() {
			return ps
		}
	}
	return nil
}

// detach 移除 socket；若它正在写，返回需要重发的消息。调用方持有 mu
func (em *entityManager[ID]) detach(ps *primarySocket[ID]) *messageWrapper[ID] {
	for i, s := range em.sockets {
		if s == ps {
			em.sockets = append(em.sockets[:i:i], em.sockets[i+1:]...)
			break
		}
	}
	if em.writer != ps {
		return nil
	}
	w := em.inflight
	em.inflight = nil
	em.writer = nil
	return w
}

// stopOpening 取消重试与挂起的打开请求，调用方持有 mu
func (em *entityManager[ID]) stopOpening() transportif.SocketRequest[ID] {
	em.retry.Cancel()
	em.retry = nil
	req := em.openReq
	em.openReq = nil
	em.opening = false
	em.openTries = 0
	return req
}
