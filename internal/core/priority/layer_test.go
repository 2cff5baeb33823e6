package priority

import (
	"bytes"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/liveness"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport/memnet"
	livenessif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/liveness"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

// ============================================================================
//                              测试辅助
// ============================================================================

type addr = netip.AddrPort

type inbox struct {
	mu       sync.Mutex
	messages [][]byte
	sockets  []transportif.Socket[addr]
}

func (b *inbox) IncomingSocket(s transportif.Socket[addr]) error {
	b.mu.Lock()
	b.sockets = append(b.sockets, s)
	b.mu.Unlock()
	return nil
}

func (b *inbox) MessageReceived(_ addr, msg []byte, _ transportif.Options) error {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
	return nil
}

func (b *inbox) strings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.messages))
	for i, m := range b.messages {
		out[i] = string(m)
	}
	return out
}

type result struct {
	done bool
	err  error
}

// results 按名字记录消息回调
type results struct {
	mu sync.Mutex
	m  map[string]*result
}

func newResults() *results { return &results{m: make(map[string]*result)} }

func (r *results) cb(name string) transportif.MessageCallback[addr] {
	r.mu.Lock()
	r.m[name] = &result{}
	r.mu.Unlock()
	return func(_ transportif.MessageRequest[addr], err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		res := r.m[name]
		if res.done {
			panic("callback invoked twice for " + name)
		}
		res.done, res.err = true, err
	}
}

func (r *results) get(name string) result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.m[name]
}

type socketEvents struct {
	mu     sync.Mutex
	opened []bool
	closed int
}

func (e *socketEvents) PrimarySocketOpened(_ addr, outbound bool) {
	e.mu.Lock()
	e.opened = append(e.opened, outbound)
	e.mu.Unlock()
}

func (e *socketEvents) PrimarySocketClosed(addr) {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
}

type peer struct {
	raw   *memnet.Transport
	live  *liveness.Layer[addr]
	layer *Layer[addr]
	inbox *inbox
}

type harness struct {
	t   *testing.T
	r   *reactor.Reactor
	clk *clock.Mock
	nw  *memnet.Network
	cfg config.PriorityConfig
}

func testPriorityConfig() config.PriorityConfig {
	cfg := config.DefaultPriorityConfig()
	cfg.MaxMsgSize = 100_000
	cfg.MaxQueueSize = 30
	return cfg
}

func newHarness(t *testing.T, cfg config.PriorityConfig, opts ...memnet.Option) *harness {
	t.Helper()
	clk := clock.NewMock()
	r := reactor.New(reactor.WithClock(clk))
	r.Start()
	t.Cleanup(func() { _ = r.Close() })
	return &harness{t: t, r: r, clk: clk, nw: memnet.NewNetwork(r, opts...), cfg: cfg}
}

func (h *harness) peer(address string) *peer {
	h.t.Helper()
	raw, err := h.nw.NewTransport(netip.MustParseAddrPort(address))
	require.NoError(h.t, err)
	live, err := liveness.New[addr](h.r, raw, config.DefaultLivenessConfig(), nil)
	require.NoError(h.t, err)
	p := &peer{raw: raw, live: live, inbox: &inbox{}}
	p.layer = New[addr](h.r, live, live, h.cfg, nil)
	p.layer.SetCallback(p.inbox)
	return p
}

// onReactor 在一个 reactor 任务内执行 fn，保证期间不会有投递发生
func (h *harness) onReactor(fn func()) {
	done := make(chan struct{})
	require.True(h.t, h.r.Invoke(func() {
		fn()
		close(done)
	}))
	<-done
	h.r.Sync()
}

func (h *harness) advance(d time.Duration) {
	h.clk.Add(d)
	h.r.Sync()
}

// ============================================================================
//                              排序与背压
// ============================================================================

func TestSendMessage_PriorityOrder(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()

	rng := rand.New(rand.NewPCG(3, 5))
	levels := []transportif.Priority{
		transportif.PriorityMax, transportif.PriorityMediumHigh, transportif.PriorityMedium,
		transportif.PriorityMediumLow, transportif.PriorityLowest,
	}
	type sent struct {
		name string
		p    transportif.Priority
	}
	var order []sent

	h.onReactor(func() {
		for i := 0; i < 25; i++ {
			p := levels[rng.IntN(len(levels))]
			name := string(rune('a' + i))
			order = append(order, sent{name, p})
			a.layer.SendMessage(to, []byte(name), nil, transportif.Options{Priority: p})
		}
	})

	var want []string
	for _, lvl := range levels {
		for _, s := range order {
			if s.p == lvl {
				want = append(want, s.name)
			}
		}
	}
	assert.Equal(t, want, b.inbox.strings())
}

func TestSendMessage_Backpressure(t *testing.T) {
	cfg := testPriorityConfig()
	cfg.MaxQueueSize = 5
	h := newHarness(t, cfg)
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	res := newResults()

	prios := map[string]transportif.Priority{
		"m1": transportif.PriorityMedium,
		"l1": transportif.PriorityLow,
		"h1": transportif.PriorityHigh,
		"m2": transportif.PriorityMedium,
		"l2": transportif.PriorityLow,
		"h2": transportif.PriorityHigh,
		"x1": transportif.PriorityLowest,
		"m3": transportif.PriorityMedium,
	}
	names := []string{"m1", "l1", "h1", "m2", "l2", "h2", "x1", "m3"}

	var queued int
	h.onReactor(func() {
		for _, n := range names {
			a.layer.SendMessage(to, []byte(n), res.cb(n), transportif.Options{Priority: prios[n]})
		}
		queued = a.layer.QueueLength(to)
	})
	assert.Equal(t, cfg.MaxQueueSize, queued)

	for _, n := range []string{"x1", "l2", "l1"} {
		r := res.get(n)
		assert.True(t, r.done, n)
		assert.ErrorIs(t, r.err, transport.ErrQueueOverflow, n)
	}
	for _, n := range []string{"h1", "h2", "m1", "m2", "m3"} {
		r := res.get(n)
		assert.True(t, r.done, n)
		assert.NoError(t, r.err, n)
	}
	assert.Equal(t, []string{"h1", "h2", "m1", "m2", "m3"}, b.inbox.strings())
}

func TestSendMessage_OversizeRejectedSynchronously(t *testing.T) {
	cfg := testPriorityConfig()
	cfg.MaxMsgSize = 16
	h := newHarness(t, cfg)
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()

	var got error
	called := false
	a.layer.SendMessage(to, make([]byte, 17), func(_ transportif.MessageRequest[addr], err error) {
		called, got = true, err
	}, transportif.Options{})

	require.True(t, called)
	assert.ErrorIs(t, got, transport.ErrMessageTooLarge)
	assert.Zero(t, a.layer.QueueLength(to))

	h.r.Sync()
	assert.Zero(t, a.raw.SocketCount())
	assert.Empty(t, b.inbox.messages)
}

// ============================================================================
//                              帧与 socket
// ============================================================================

func TestSendMessage_FramingRoundTrip(t *testing.T) {
	// 小缓冲迫使读写都分多次完成
	h := newHarness(t, testPriorityConfig(), memnet.WithBufferSize(64))
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()

	rng := rand.New(rand.NewPCG(1, 1))
	sizes := []int{0, 1, 3, 4, 5, 63, 64, 65, 1000, 4096, h.cfg.MaxMsgSize}
	var payloads [][]byte
	for _, n := range sizes {
		p := make([]byte, n)
		for i := range p {
			p[i] = byte(rng.IntN(256))
		}
		payloads = append(payloads, p)
	}

	res := newResults()
	for i, p := range payloads {
		a.layer.SendMessage(to, p, res.cb(string(rune('a'+i))), transportif.Options{})
	}
	h.r.Sync()

	require.Len(t, b.inbox.messages, len(payloads))
	for i, p := range payloads {
		assert.True(t, bytes.Equal(p, b.inbox.messages[i]), "payload %d (%d bytes)", i, len(p))
		assert.NoError(t, res.get(string(rune('a'+i))).err)
	}
}

func TestSendMessage_ReusesPrimarySocket(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	events := &socketEvents{}
	a.layer.AddPrimarySocketListener(events)

	a.layer.SendMessage(to, []byte("one"), nil, transportif.Options{})
	h.r.Sync()
	require.Equal(t, 1, a.raw.SocketCount())

	a.layer.SendMessage(to, []byte("two"), nil, transportif.Options{})
	a.layer.SendMessage(to, []byte("three"), nil, transportif.Options{})
	h.r.Sync()

	assert.Equal(t, []string{"one", "two", "three"}, b.inbox.strings())
	assert.Equal(t, 1, a.raw.SocketCount())
	assert.Equal(t, map[addr]int{to: 1}, a.layer.PrimaryConnections())
	assert.Equal(t, []bool{true}, events.opened)

	// 入站的 primary socket 也用于回程
	a.layer.RemovePrimarySocketListener(events)
	b.layer.SendMessage(a.raw.LocalIdentifier(), []byte("back"), nil, transportif.Options{})
	h.r.Sync()
	assert.Equal(t, []string{"back"}, a.inbox.strings())
	assert.Equal(t, 1, b.raw.SocketCount())
}

func TestOpenPrimaryConnection(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()

	a.layer.OpenPrimaryConnection(to)
	a.layer.OpenPrimaryConnection(to)
	h.r.Sync()
	assert.Equal(t, map[addr]int{to: 1}, a.layer.PrimaryConnections())
	assert.Equal(t, map[addr]int{a.raw.LocalIdentifier(): 1}, b.layer.PrimaryConnections())
}

func TestOpenSocket_Passthrough(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")

	var s transportif.Socket[addr]
	a.layer.OpenSocket(b.raw.LocalIdentifier(), func(_ transportif.SocketRequest[addr], got transportif.Socket[addr], err error) {
		assert.NoError(t, err)
		s = got
	}, transportif.Options{})
	h.r.Sync()
	require.NotNil(t, s)
	require.Len(t, b.inbox.sockets, 1)
	assert.Empty(t, b.layer.PrimaryConnections())

	var got []byte
	h.onReactor(func() {
		transport.WriteFully(s, []byte("raw bytes"), func(transportif.Socket[addr]) {}, func(transportif.Socket[addr], error) {})
		transport.ReadExactly(b.inbox.sockets[0], 9, func(_ transportif.Socket[addr], p []byte) { got = p },
			func(transportif.Socket[addr], error) {})
	})
	assert.Equal(t, "raw bytes", string(got))
}

type violations struct {
	mu   sync.Mutex
	data int
}

func (v *violations) ReceivedUnexpectedData(addr, []byte, int, transportif.Options) {
	v.mu.Lock()
	v.data++
	v.mu.Unlock()
}

func (v *violations) ReceivedException(addr, error) {}

func TestIncomingFrame_TooLargeClosesSocket(t *testing.T) {
	cfg := testPriorityConfig()
	cfg.MaxMsgSize = 16
	h := newHarness(t, cfg)
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	v := &violations{}
	b.layer.SetErrorHandler(v)

	var s transportif.Socket[addr]
	a.live.OpenSocket(b.raw.LocalIdentifier(), func(_ transportif.SocketRequest[addr], got transportif.Socket[addr], err error) {
		s = got
	}, transportif.Options{})
	h.r.Sync()
	require.NotNil(t, s)

	frame := []byte{kindPrimary, 0, 0, 0, 17}
	h.onReactor(func() {
		transport.WriteFully(s, frame, func(transportif.Socket[addr]) {}, func(transportif.Socket[addr], error) {})
	})

	assert.Equal(t, 1, v.data)
	assert.Empty(t, b.layer.PrimaryConnections())
	assert.Empty(t, b.inbox.messages)
}

// ============================================================================
//                              取消
// ============================================================================

func TestCancel_QueuedMessage(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	res := newResults()

	var cancelled, again bool
	h.onReactor(func() {
		first := a.layer.SendMessage(to, []byte("first"), res.cb("first"), transportif.Options{})
		a.layer.SendMessage(to, []byte("second"), res.cb("second"), transportif.Options{})
		cancelled = first.Cancel()
		again = first.Cancel()
	})

	assert.True(t, cancelled)
	assert.False(t, again)
	assert.False(t, res.get("first").done)
	assert.True(t, res.get("second").done)
	assert.Equal(t, []string{"second"}, b.inbox.strings())
}

func TestCancel_InflightCompletesSilently(t *testing.T) {
	h := newHarness(t, testPriorityConfig(), memnet.WithBufferSize(8))
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	res := newResults()

	a.layer.OpenPrimaryConnection(to)
	h.r.Sync()
	h.nw.Partition(a.raw.LocalIdentifier(), to)

	// 分区期间写缓冲填满，消息停在写到一半的状态
	req := a.layer.SendMessage(to, []byte("0123456789abcdef"), res.cb("msg"), transportif.Options{})
	h.r.Sync()
	require.Zero(t, a.layer.QueueLength(to))
	assert.True(t, req.Cancel())

	h.nw.Heal(a.raw.LocalIdentifier(), to)
	h.r.Sync()

	assert.Equal(t, []string{"0123456789abcdef"}, b.inbox.strings())
	assert.False(t, res.get("msg").done)
}

// ============================================================================
//                              失败处理
// ============================================================================

func TestLivenessDead_FailsQueue(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	h.nw.Partition(a.raw.LocalIdentifier(), to)
	res := newResults()

	a.layer.SendMessage(to, []byte("queued"), res.cb("queued"), transportif.Options{})
	h.r.Sync()
	require.Equal(t, 1, a.layer.QueueLength(to))
	require.Equal(t, len("queued"), a.layer.BytesPending(to))

	a.layer.LivenessChanged(to, livenessif.StateSuspected)
	assert.False(t, res.get("queued").done)

	a.layer.LivenessChanged(to, livenessif.StateDead)
	r := res.get("queued")
	require.True(t, r.done)
	assert.ErrorIs(t, r.err, transport.ErrNodeIsFaulty)
	assert.Zero(t, a.layer.QueueLength(to))
	assert.Zero(t, a.layer.BytesPending(to))
}

func TestSendMessage_DeadDestinationRejected(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()

	a.live.MarkDeadForever(to)

	var got error
	called := false
	a.layer.SendMessage(to, []byte("x"), func(_ transportif.MessageRequest[addr], err error) {
		called, got = true, err
	}, transportif.Options{})
	require.True(t, called)
	assert.ErrorIs(t, got, transport.ErrNodeIsFaulty)
}

func TestOpenRetries_ExhaustThenFail(t *testing.T) {
	cfg := testPriorityConfig()
	cfg.OpenRetries = 2
	cfg.OpenRetryDelay = 100 * time.Millisecond
	h := newHarness(t, cfg)
	a := h.peer("10.0.0.1:1")
	nobody := netip.MustParseAddrPort("10.0.0.9:1")
	res := newResults()

	a.layer.SendMessage(nobody, []byte("x"), res.cb("x"), transportif.Options{})
	h.r.Sync()
	assert.False(t, res.get("x").done)

	h.advance(100 * time.Millisecond)
	assert.False(t, res.get("x").done)

	h.advance(200 * time.Millisecond)
	r := res.get("x")
	require.True(t, r.done)
	assert.ErrorIs(t, r.err, transport.ErrConnectionRefused)
}

func TestSocketFailure_RequeuesInflight(t *testing.T) {
	h := newHarness(t, testPriorityConfig(), memnet.WithBufferSize(8))
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	res := newResults()

	a.layer.OpenPrimaryConnection(to)
	h.r.Sync()
	h.nw.Partition(a.raw.LocalIdentifier(), to)

	a.layer.SendMessage(to, []byte("0123456789abcdef"), res.cb("msg"), transportif.Options{})
	h.r.Sync()
	require.Zero(t, a.layer.QueueLength(to))

	// 关闭写到一半的 socket，消息回到队列并在新连接上重发
	a.layer.mu.Lock()
	em := a.layer.managers[to]
	a.layer.mu.Unlock()
	em.mu.Lock()
	ps := em.writer
	em.mu.Unlock()
	require.NotNil(t, ps)

	h.nw.Heal(a.raw.LocalIdentifier(), to)
	h.onReactor(func() { ps.close(transport.ErrClosed) })
	h.r.Sync()

	r := res.get("msg")
	require.True(t, r.done)
	assert.NoError(t, r.err)
	assert.Contains(t, b.inbox.strings(), "0123456789abcdef")
}

func TestSocketFailure_RequeueRespectsQueueLimit(t *testing.T) {
	cfg := testPriorityConfig()
	cfg.MaxQueueSize = 2
	h := newHarness(t, cfg, memnet.WithBufferSize(8))
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	res := newResults()

	a.layer.OpenPrimaryConnection(to)
	h.r.Sync()
	h.nw.Partition(a.raw.LocalIdentifier(), to)

	a.layer.SendMessage(to, []byte("0123456789abcdef"), res.cb("inflight"), transportif.Options{})
	h.r.Sync()
	a.layer.SendMessage(to, []byte("q1"), res.cb("q1"), transportif.Options{})
	a.layer.SendMessage(to, []byte("q2"), res.cb("q2"), transportif.Options{})
	h.r.Sync()
	require.Equal(t, 2, a.layer.QueueLength(to))

	em := a.layer.manager(to, false)
	require.NotNil(t, em)
	em.mu.Lock()
	ps := em.writer
	em.mu.Unlock()
	require.NotNil(t, ps)

	// 写到一半的消息回到已满的队列，挤出排序最靠后的 q2
	h.onReactor(func() { ps.close(transport.ErrClosed) })

	assert.Equal(t, 2, a.layer.QueueLength(to))
	assert.Equal(t, len("0123456789abcdef")+len("q1"), a.layer.BytesPending(to))
	r := res.get("q2")
	require.True(t, r.done)
	assert.ErrorIs(t, r.err, transport.ErrQueueOverflow)
	assert.False(t, res.get("inflight").done)
	assert.False(t, res.get("q1").done)
}

func TestLivenessDeadForever_RemovesManager(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	events := &socketEvents{}
	a.layer.AddPrimarySocketListener(events)

	a.layer.SendMessage(to, []byte("hello"), nil, transportif.Options{})
	h.r.Sync()
	require.Equal(t, []string{"hello"}, b.inbox.strings())
	require.NotNil(t, a.layer.manager(to, false))

	a.live.MarkDeadForever(to)
	h.r.Sync()

	assert.Nil(t, a.layer.manager(to, false))
	assert.Empty(t, a.layer.PrimaryConnections())
	assert.Zero(t, a.layer.QueueLength(to))
	events.mu.Lock()
	assert.Equal(t, 1, events.closed)
	events.mu.Unlock()

	var got error
	a.layer.SendMessage(to, []byte("late"), func(_ transportif.MessageRequest[addr], err error) { got = err }, transportif.Options{})
	h.r.Sync()
	assert.ErrorIs(t, got, transport.ErrNodeIsFaulty)
	assert.Nil(t, a.layer.manager(to, false))
}

func TestDestroy_FailsQueued(t *testing.T) {
	h := newHarness(t, testPriorityConfig())
	a, b := h.peer("10.0.0.1:1"), h.peer("10.0.0.2:1")
	to := b.raw.LocalIdentifier()
	h.nw.Partition(a.raw.LocalIdentifier(), to)
	res := newResults()

	a.layer.SendMessage(to, []byte("x"), res.cb("x"), transportif.Options{})
	h.r.Sync()

	require.NoError(t, a.layer.Destroy())
	require.NoError(t, a.layer.Destroy())
	r := res.get("x")
	require.True(t, r.done)
	assert.ErrorIs(t, r.err, transport.ErrClosed)

	var got error
	a.layer.SendMessage(to, []byte("y"), func(_ transportif.MessageRequest[addr], err error) { got = err }, transportif.Options{})
	assert.ErrorIs(t, got, transport.ErrClosed)
}
