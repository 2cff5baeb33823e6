package priority

import (
	"container/heap"
	"encoding/binary"

	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// frameHeaderSize 帧长度前缀
const frameHeaderSize = 4

// messageWrapper 排队中的出站消息
type messageWrapper[ID comparable] struct {
	req      *transport.Handle[ID]
	cb       transportif.MessageCallback[ID]
	priority transportif.Priority
	seq      uint64

	// frame 长度前缀 + 载荷，pos 为已写出的字节数
	frame []byte
	pos   int

	// 堆内位置，-1 表示不在队列中
	index int

	// cancelled 在写期间被取消，写完后不回调也不重发
	cancelled bool
}

func newMessageWrapper[ID comparable](req *transport.Handle[ID], cb transportif.MessageCallback[ID], msg []byte, p transportif.Priority) *messageWrapper[ID] {
	frame := make([]byte, frameHeaderSize+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[frameHeaderSize:], msg)
	return &messageWrapper[ID]{
		req:      req,
		cb:       cb,
		priority: p,
		frame:    frame,
		index:    -1,
	}
}

// size 载荷长度
func (w *messageWrapper[ID]) size() int {
	return len(w.frame) - frameHeaderSize
}

// finish 回调结果；已取消或已回调过时什么也不做
func (w *messageWrapper[ID]) finish(err error) bool {
	if !w.req.Complete() {
		return false
	}
	if w.cb != nil {
		w.cb(w.req, err)
	}
	return true
}

// before 排序：优先级值小者在前，同优先级按提交顺序
func (w *messageWrapper[ID]) before(o *messageWrapper[ID]) bool {
	if w.priority != o.priority {
		return w.priority < o.priority
	}
	return w.seq < o.seq
}

// ============================================================================
//                              messageQueue
// ============================================================================

// messageQueue 按 (priority, seq) 排序的最小堆
type messageQueue[ID comparable] []*messageWrapper[ID]

func (q messageQueue[ID]) Len() int { return len(q) }

func (q messageQueue[ID]) Less(i, j int) bool { return q[i].before(q[j]) }

func (q messageQueue[ID]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *messageQueue[ID]) Push(x any) {
	w := x.(*messageWrapper[ID])
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *messageQueue[ID]) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// removeTail 移除排序最靠后的消息
func (q *messageQueue[ID]) removeTail() *messageWrapper[ID] {
	if q.Len() == 0 {
		return nil
	}
	worst := 0
	for i := 1; i < q.Len(); i++ {
		if (*q)[worst].before((*q)[i]) {
			worst = i
		}
	}
	return heap.Remove(q, worst).(*messageWrapper[ID])
}

// drain 按顺序取出全部消息
func (q *messageQueue[ID]) drain() []*messageWrapper[ID] {
	out := make([]*messageWrapper[ID], 0, q.Len())
	for q.Len() > 0 {
		out = append(out, heap.Pop(q).(*messageWrapper[ID]))
	}
	return out
}
