package reactor

import (
	"container/heap"
	"time"
)

// Timer 可取消的定时任务
type Timer struct {
	r     *Reactor
	when  time.Time
	seq   uint64
	fn    func()
	index int // 堆内位置，-1 表示已出堆
	done  bool
}

// When 返回到期时间
func (t *Timer) When() time.Time {
	return t.when
}

// Cancel 取消定时任务，已执行或已取消时返回 false
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	if t.index >= 0 {
		heap.Remove(&t.r.timers, t.index)
	}
	return true
}

// timerHeap 按 (when, seq) 排序的最小堆
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
