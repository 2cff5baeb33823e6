package identity

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matllubos/FreePastry-sub010/internal/config"
	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport/memnet"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

type handle = types.NodeHandle

type inbox struct {
	mu       sync.Mutex
	froms    []handle
	messages [][]byte
	sockets  []transportif.Socket[handle]
}

func (b *inbox) IncomingSocket(s transportif.Socket[handle]) error {
	b.mu.Lock()
	b.sockets = append(b.sockets, s)
	b.mu.Unlock()
	return nil
}

func (b *inbox) MessageReceived(from handle, msg []byte, _ transportif.Options) error {
	b.mu.Lock()
	b.froms = append(b.froms, from)
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
	return nil
}

type marks struct {
	mu          sync.Mutex
	deadForever []handle
	alive       []handle
}

func (m *marks) MarkDeadForever(h handle) {
	m.mu.Lock()
	m.deadForever = append(m.deadForever, h)
	m.mu.Unlock()
}

func (m *marks) MarkAlive(h handle) {
	m.mu.Lock()
	m.alive = append(m.alive, h)
	m.mu.Unlock()
}

type unexpectedData struct {
	mu    sync.Mutex
	froms []handle
}

func (u *unexpectedData) ReceivedUnexpectedData(from handle, _ []byte, _ int, _ transportif.Options) {
	u.mu.Lock()
	u.froms = append(u.froms, from)
	u.mu.Unlock()
}

func (u *unexpectedData) ReceivedException(handle, error) {}

// optsRecorder 记录下层收到的选项
type optsRecorder struct {
	transportif.Transport[netip.AddrPort]

	mu   sync.Mutex
	last transportif.Options
}

func (o *optsRecorder) SendMessage(addr netip.AddrPort, msg []byte, cb transportif.MessageCallback[netip.AddrPort], opts transportif.Options) transportif.MessageRequest[netip.AddrPort] {
	o.mu.Lock()
	o.last = opts
	o.mu.Unlock()
	return o.Transport.SendMessage(addr, msg, cb, opts)
}

type node struct {
	layer *Layer[handle, netip.AddrPort]
	raw   *memnet.Transport
	inbox *inbox
	marks *marks
}

type testNet struct {
	t  *testing.T
	r  *reactor.Reactor
	nw *memnet.Network
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	r := reactor.New(reactor.WithClock(clock.NewMock()))
	r.Start()
	t.Cleanup(func() { _ = r.Close() })
	return &testNet{t: t, r: r, nw: memnet.NewNetwork(r)}
}

func (n *testNet) node(addr string, epoch int64) *node {
	n.t.Helper()
	raw, err := n.nw.NewTransport(netip.MustParseAddrPort(addr))
	require.NoError(n.t, err)
	return n.nodeOn(raw, types.NewNodeHandle(raw.LocalIdentifier(), epoch), raw)
}

func (n *testNet) nodeOn(raw *memnet.Transport, local handle, lower transportif.Transport[netip.AddrPort]) *node {
	n.t.Helper()
	l, err := New[handle, netip.AddrPort](n.r, lower, local, NodeHandleSerializer{}, NodeHandlePolicy, config.DefaultIdentityConfig(), nil)
	require.NoError(n.t, err)
	nd := &node{layer: l, raw: raw, inbox: &inbox{}, marks: &marks{}}
	l.SetCallback(nd.inbox)
	l.SetLivenessMarker(nd.marks)
	return nd
}

// restart 让 addr 上的节点以新纪元重启
func (n *testNet) restart(old *node) *node {
	n.t.Helper()
	addr := old.raw.LocalIdentifier()
	n.nw.Crash(addr)
	raw, err := n.nw.NewTransport(addr)
	require.NoError(n.t, err)
	id := old.layer.LocalIdentifier()
	return n.nodeOn(raw, id.WithEpoch(id.Epoch+1), raw)
}

func (n *testNet) send(from *node, to handle, msg string, opts transportif.Options) error {
	var (
		done bool
		got  error
	)
	from.layer.SendMessage(to, []byte(msg), func(_ transportif.MessageRequest[handle], err error) {
		done, got = true, err
	}, opts)
	n.r.Sync()
	assert.True(n.t, done, "message callback not invoked")
	return got
}

func (n *testNet) open(from *node, to handle) (transportif.Socket[handle], error) {
	var (
		s   transportif.Socket[handle]
		got error
	)
	from.layer.OpenSocket(to, func(_ transportif.SocketRequest[handle], sock transportif.Socket[handle], err error) {
		s, got = sock, err
	}, transportif.Options{})
	n.r.Sync()
	return s, got
}

// ============================================================================
//                              消息
// ============================================================================

func TestSendMessage_NormalCarriesSender(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b := n.node("10.0.0.2:1", 1)

	require.NoError(t, n.send(a, b.layer.LocalIdentifier(), "hello", transportif.Options{}))

	require.Len(t, b.inbox.messages, 1)
	assert.Equal(t, "hello", string(b.inbox.messages[0]))
	assert.Equal(t, a.layer.LocalIdentifier(), b.inbox.froms[0])

	bound, ok := b.layer.Bindings().Lookup(a.raw.LocalIdentifier())
	require.True(t, ok)
	assert.Equal(t, a.layer.LocalIdentifier(), bound)
}

func TestSendMessage_NoIdentity(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b := n.node("10.0.0.2:1", 1)
	bad := &unexpectedData{}
	b.layer.SetErrorHandler(bad)

	// 未绑定时无法解析来源
	require.NoError(t, n.send(a, b.layer.LocalIdentifier(), "x", transportif.Options{NoIdentity: true}))
	assert.Empty(t, b.inbox.messages)

	require.NoError(t, n.send(a, b.layer.LocalIdentifier(), "first", transportif.Options{}))
	require.NoError(t, n.send(a, b.layer.LocalIdentifier(), "second", transportif.Options{NoIdentity: true}))

	require.Len(t, b.inbox.messages, 2)
	assert.Equal(t, "second", string(b.inbox.messages[1]))
	assert.Equal(t, a.layer.LocalIdentifier(), b.inbox.froms[1])
}

func TestMessageReceived_UnknownHeader(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b := n.node("10.0.0.2:1", 1)
	bad := &unexpectedData{}
	b.layer.SetErrorHandler(bad)

	require.NoError(t, n.send(a, b.layer.LocalIdentifier(), "bind", transportif.Options{}))
	a.raw.SendMessage(b.raw.LocalIdentifier(), []byte{9, 9, 9}, nil, transportif.Options{})
	a.raw.SendMessage(b.raw.LocalIdentifier(), []byte{hdrNormal, 200}, nil, transportif.Options{})
	n.r.Sync()

	assert.Len(t, b.inbox.messages, 1)
	assert.Equal(t, []handle{a.layer.LocalIdentifier(), a.layer.LocalIdentifier()}, bad.froms)
}

func TestSendMessage_NodeHandleIndex(t *testing.T) {
	n := newTestNet(t)
	raw, err := n.nw.NewTransport(netip.MustParseAddrPort("10.0.0.1:1"))
	require.NoError(t, err)
	rec := &optsRecorder{Transport: raw}
	a := n.nodeOn(raw, types.NewNodeHandle(raw.LocalIdentifier(), 1), rec)
	b := n.node("10.0.0.2:1", 1)

	require.NoError(t, n.send(a, b.layer.LocalIdentifier(), "x", transportif.Options{}))
	idx := rec.last.NodeHandleIndex
	require.NotZero(t, idx)

	got, ok := a.layer.HandleAt(idx)
	require.True(t, ok)
	assert.Equal(t, b.layer.LocalIdentifier(), got)
}

// ============================================================================
//                              Socket 握手
// ============================================================================

func TestOpenSocket_Handshake(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b := n.node("10.0.0.2:1", 1)

	s, err := n.open(a, b.layer.LocalIdentifier())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, b.layer.LocalIdentifier(), s.Identifier())

	require.Len(t, b.inbox.sockets, 1)
	in := b.inbox.sockets[0]
	assert.Equal(t, a.layer.LocalIdentifier(), in.Identifier())

	// 握手之后是透明字节流
	var wrote bool
	transport.WriteFully(s, []byte("ping"), func(transportif.Socket[handle]) { wrote = true },
		func(transportif.Socket[handle], error) {})
	n.r.Sync()
	require.True(t, wrote)

	var got []byte
	transport.ReadExactly(in, 4, func(_ transportif.Socket[handle], b []byte) { got = b },
		func(transportif.Socket[handle], error) {})
	n.r.Sync()
	assert.Equal(t, "ping", string(got))
}

func TestOpenSocket_StaleIdentityRejected(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b1 := n.node("10.0.0.2:1", 1)
	old := b1.layer.LocalIdentifier()
	b2 := n.restart(b1)

	s, err := n.open(a, old)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, transport.ErrNodeIsFaulty)
	assert.Empty(t, b2.inbox.sockets)

	assert.True(t, a.layer.IsDeadForever(old))
	assert.Equal(t, []handle{old}, a.marks.deadForever)

	// 永久死亡后立即失败，不再触达网络
	_, err = n.open(a, old)
	assert.ErrorIs(t, err, transport.ErrNodeIsFaulty)
	assert.ErrorIs(t, n.send(a, old, "x", transportif.Options{}), transport.ErrNodeIsFaulty)
}

// ============================================================================
//                              身份恢复
// ============================================================================

func TestIncorrectIdentity_Recovery(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b1 := n.node("10.0.0.2:1", 1)
	old := b1.layer.LocalIdentifier()

	require.NoError(t, n.send(a, old, "before", transportif.Options{}))
	require.Len(t, b1.inbox.messages, 1)

	b2 := n.restart(b1)
	cur := b2.layer.LocalIdentifier()

	// 发往旧身份的消息被新节点拒收并回复 INCORRECT_IDENTITY
	require.NoError(t, n.send(a, old, "stale", transportif.Options{}))
	assert.Empty(t, b2.inbox.messages)

	assert.True(t, a.layer.IsDeadForever(old))
	assert.Equal(t, []handle{old}, a.marks.deadForever)
	assert.Equal(t, []handle{cur}, a.marks.alive)

	bound, ok := a.layer.Bindings().Lookup(cur.Addr)
	require.True(t, ok)
	assert.Equal(t, cur, bound)

	assert.ErrorIs(t, n.send(a, old, "again", transportif.Options{}), transport.ErrNodeIsFaulty)
	require.NoError(t, n.send(a, cur, "after", transportif.Options{}))
	require.Len(t, b2.inbox.messages, 1)
	assert.Equal(t, "after", string(b2.inbox.messages[0]))
}

func TestIncorrectIdentity_CancelsPending(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b1 := n.node("10.0.0.2:1", 1)
	old := b1.layer.LocalIdentifier()

	// 分区时打开 socket 既不成功也不失败
	n.nw.Partition(a.raw.LocalIdentifier(), old.Addr)
	var (
		called  bool
		openErr error
	)
	a.layer.OpenSocket(old, func(_ transportif.SocketRequest[handle], _ transportif.Socket[handle], err error) {
		called, openErr = true, err
	}, transportif.Options{})
	n.r.Sync()
	require.False(t, called)
	require.Equal(t, 1, a.layer.pendingCount(old))

	b2 := n.restart(b1)
	n.nw.Heal(a.raw.LocalIdentifier(), old.Addr)
	b2.layer.replyIncorrect(a.raw.LocalIdentifier(), old)
	n.r.Sync()

	require.True(t, called)
	assert.ErrorIs(t, openErr, transport.ErrNodeIsFaulty)
	assert.Zero(t, a.layer.pendingCount(old))
}

func TestIncorrectIdentity_DuplicateIgnored(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b1 := n.node("10.0.0.2:1", 1)
	old := b1.layer.LocalIdentifier()
	b2 := n.restart(b1)

	b2.layer.replyIncorrect(a.raw.LocalIdentifier(), old)
	b2.layer.replyIncorrect(a.raw.LocalIdentifier(), old)
	n.r.Sync()

	assert.Equal(t, []handle{old}, a.marks.deadForever)
	assert.Equal(t, []handle{b2.layer.LocalIdentifier()}, a.marks.alive)
}

func TestIncorrectIdentity_PolicyDenied(t *testing.T) {
	n := newTestNet(t)
	raw, err := n.nw.NewTransport(netip.MustParseAddrPort("10.0.0.1:1"))
	require.NoError(t, err)
	l, err := New[handle, netip.AddrPort](n.r, raw, types.NewNodeHandle(raw.LocalIdentifier(), 1),
		NodeHandleSerializer{}, DenyChange[handle](), config.DefaultIdentityConfig(), nil)
	require.NoError(t, err)
	m := &marks{}
	l.SetLivenessMarker(m)
	l.SetCallback(&inbox{})

	b1 := n.node("10.0.0.2:1", 1)
	old := b1.layer.LocalIdentifier()
	b2 := n.restart(b1)
	b2.layer.replyIncorrect(raw.LocalIdentifier(), old)
	n.r.Sync()

	cur := b2.layer.LocalIdentifier()
	assert.True(t, l.IsDeadForever(old))
	assert.True(t, l.IsDeadForever(cur))
	assert.Equal(t, []handle{cur, old}, m.deadForever)
	assert.Empty(t, m.alive)
	_, bound := l.Bindings().Lookup(b2.raw.LocalIdentifier())
	assert.False(t, bound)
}

func TestInboundRebinding_PolicyDenied(t *testing.T) {
	n := newTestNet(t)
	raw, err := n.nw.NewTransport(netip.MustParseAddrPort("10.0.0.1:1"))
	require.NoError(t, err)
	l, err := New[handle, netip.AddrPort](n.r, raw, types.NewNodeHandle(raw.LocalIdentifier(), 1),
		NodeHandleSerializer{}, DenyChange[handle](), config.DefaultIdentityConfig(), nil)
	require.NoError(t, err)
	m := &marks{}
	l.SetLivenessMarker(m)
	in := &inbox{}
	l.SetCallback(in)

	b1 := n.node("10.0.0.2:1", 1)
	old := b1.layer.LocalIdentifier()
	require.NoError(t, n.send(b1, l.LocalIdentifier(), "one", transportif.Options{}))

	b2 := n.restart(b1)
	cur := b2.layer.LocalIdentifier()
	require.NoError(t, n.send(b2, l.LocalIdentifier(), "two", transportif.Options{}))

	// 新身份被拒绝：消息丢弃，旧绑定保留
	assert.Equal(t, [][]byte{[]byte("one")}, in.messages)
	assert.True(t, l.IsDeadForever(cur))
	assert.False(t, l.IsDeadForever(old))
	bound, ok := l.Bindings().Lookup(b2.raw.LocalIdentifier())
	require.True(t, ok)
	assert.Equal(t, old, bound)
	assert.Equal(t, []handle{cur}, m.deadForever)
	assert.Empty(t, m.alive)
}

func TestInboundRebinding_MarksOldDeadForever(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b1 := n.node("10.0.0.2:1", 1)
	old := b1.layer.LocalIdentifier()

	require.NoError(t, n.send(b1, a.layer.LocalIdentifier(), "one", transportif.Options{}))
	b2 := n.restart(b1)
	require.NoError(t, n.send(b2, a.layer.LocalIdentifier(), "two", transportif.Options{}))

	require.Len(t, a.inbox.messages, 2)
	assert.Equal(t, b2.layer.LocalIdentifier(), a.inbox.froms[1])
	assert.True(t, a.layer.IsDeadForever(old))
	assert.Equal(t, []handle{b2.layer.LocalIdentifier()}, a.marks.alive)
}

// ============================================================================
//                              取消与销毁
// ============================================================================

func TestOpenSocket_Cancel(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b := n.node("10.0.0.2:1", 1)
	n.nw.Partition(a.raw.LocalIdentifier(), b.raw.LocalIdentifier())

	called := false
	req := a.layer.OpenSocket(b.layer.LocalIdentifier(), func(transportif.SocketRequest[handle], transportif.Socket[handle], error) {
		called = true
	}, transportif.Options{})
	n.r.Sync()

	assert.True(t, req.Cancel())
	assert.False(t, req.Cancel())
	assert.Zero(t, a.layer.pendingCount(b.layer.LocalIdentifier()))

	n.nw.Heal(a.raw.LocalIdentifier(), b.raw.LocalIdentifier())
	n.r.Sync()
	assert.False(t, called)
}

func TestDestroy_FailsPending(t *testing.T) {
	n := newTestNet(t)
	a := n.node("10.0.0.1:1", 1)
	b := n.node("10.0.0.2:1", 1)
	n.nw.Partition(a.raw.LocalIdentifier(), b.raw.LocalIdentifier())

	var openErr error
	a.layer.OpenSocket(b.layer.LocalIdentifier(), func(_ transportif.SocketRequest[handle], _ transportif.Socket[handle], err error) {
		openErr = err
	}, transportif.Options{})
	n.r.Sync()

	require.NoError(t, a.layer.Destroy())
	require.NoError(t, a.layer.Destroy())
	assert.ErrorIs(t, openErr, transport.ErrClosed)
}

func TestNew_RejectsOversizedLocalIdentity(t *testing.T) {
	n := newTestNet(t)
	raw, err := n.nw.NewTransport(netip.MustParseAddrPort("10.0.0.1:1"))
	require.NoError(t, err)

	cfg := config.DefaultIdentityConfig()
	cfg.MaxIdentitySize = 8
	_, err = New[handle, netip.AddrPort](n.r, raw, types.NewNodeHandle(raw.LocalIdentifier(), 1),
		NodeHandleSerializer{}, nil, cfg, nil)
	assert.Error(t, err)
}
