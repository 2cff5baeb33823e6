package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/matllubos/FreePastry-sub010/internal/util/logger"
)

var log = logger.Logger("reactor")

// ErrClosed reactor 已关闭
var ErrClosed = errors.New("reactor closed")

// Option reactor 选项
type Option func(*Reactor)

// WithClock 注入时间源
func WithClock(clk clock.Clock) Option {
	return func(r *Reactor) {
		r.clock = clk
	}
}

// WithPanicHandler 设置任务 panic 时的处理函数
func WithPanicHandler(fn func(v any)) Option {
	return func(r *Reactor) {
		r.onPanic = fn
	}
}

// Reactor 单线程事件循环
type Reactor struct {
	clock   clock.Clock
	onPanic func(v any)

	mu      sync.Mutex
	tasks   []func()
	timers  timerHeap
	seq     uint64
	started bool
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New 创建 reactor，需调用 Start 启动循环
func New(opts ...Option) *Reactor {
	r := &Reactor{
		clock: clock.New(),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock 返回时间源
func (r *Reactor) Clock() clock.Clock {
	return r.clock
}

// Now 返回当前时间
func (r *Reactor) Now() time.Time {
	return r.clock.Now()
}

// Start 启动事件循环
func (r *Reactor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go r.loop()
}

// Close 停止事件循环，丢弃未执行的任务与定时器
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	for _, t := range r.timers {
		t.done = true
		t.index = -1
	}
	r.timers = nil
	r.tasks = nil
	r.mu.Unlock()

	close(r.stop)
	if started {
		<-r.done
	}
	return nil
}

// Invoke 把 fn 投递到循环上执行，reactor 已关闭时返回 false
func (r *Reactor) Invoke(fn func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()

	r.signal()
	return true
}

// Schedule 在 delay 之后于循环上执行 fn
func (r *Reactor) Schedule(delay time.Duration, fn func()) *Timer {
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	r.seq++
	t := &Timer{
		r:     r,
		when:  r.clock.Now().Add(delay),
		seq:   r.seq,
		fn:    fn,
		index: -1,
	}
	if r.closed {
		t.done = true
		r.mu.Unlock()
		return t
	}
	heap.Push(&r.timers, t)
	r.mu.Unlock()

	r.signal()
	return t
}

// Sync 阻塞直到循环静止（无待执行任务且无到期定时器）
//
// 不得在循环内调用。
func (r *Reactor) Sync() {
	for {
		idle := make(chan bool, 1)
		if !r.Invoke(func() { idle <- r.quiescent() }) {
			return
		}
		select {
		case ok := <-idle:
			if ok {
				return
			}
		case <-r.done:
			return
		}
	}
}

// Pending 返回尚未执行的定时器数量
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) quiescent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) > 0 {
		return false
	}
	return len(r.timers) == 0 || r.timers[0].when.After(r.clock.Now())
}

// ============================================================================
//                              事件循环
// ============================================================================

func (r *Reactor) loop() {
	defer close(r.done)

	for {
		r.runDueTimers()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		tasks := r.tasks
		r.tasks = nil
		var next time.Duration = -1
		if len(r.timers) > 0 {
			next = r.timers[0].when.Sub(r.clock.Now())
		}
		r.mu.Unlock()

		if len(tasks) > 0 {
			for _, fn := range tasks {
				r.run(fn)
			}
			continue
		}

		var (
			wait  <-chan time.Time
			timer *clock.Timer
		)
		if next >= 0 {
			timer = r.clock.Timer(next)
			wait = timer.C
		}
		select {
		case <-r.wake:
		case <-wait:
		case <-r.stop:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *Reactor) runDueTimers() {
	for {
		r.mu.Lock()
		if r.closed || len(r.timers) == 0 || r.timers[0].when.After(r.clock.Now()) {
			r.mu.Unlock()
			return
		}
		t := heap.Pop(&r.timers).(*Timer)
		t.done = true
		r.mu.Unlock()

		r.run(t.fn)
	}
}

func (r *Reactor) run(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			if r.onPanic != nil {
				r.onPanic(v)
				return
			}
			log.Error("reactor 任务 panic", "panic", fmt.Sprint(v))
		}
	}()
	fn()
}
