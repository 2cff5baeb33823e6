package socket

import (
	"errors"
	"io"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matllubos/FreePastry-sub010/internal/core/reactor"
	"github.com/matllubos/FreePastry-sub010/internal/core/transport"
	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

type recorder struct {
	reads  int
	writes int
	errs   []error
	onSel  func(s transportif.Socket[string], canRead, canWrite bool) error
}

func (r *recorder) ReceiveSelectResult(s transportif.Socket[string], canRead, canWrite bool) error {
	if canRead {
		r.reads++
	}
	if canWrite {
		r.writes++
	}
	if r.onSel != nil {
		return r.onSel(s, canRead, canWrite)
	}
	return nil
}

func (r *recorder) ReceiveException(_ transportif.Socket[string], err error) {
	r.errs = append(r.errs, err)
}

func newStream(t *testing.T, size int) (*Stream[string], *reactor.Reactor) {
	t.Helper()
	r := reactor.New(reactor.WithClock(clock.NewMock()))
	r.Start()
	t.Cleanup(func() { _ = r.Close() })
	return New(r, "peer", transportif.Options{}, size), r
}

func TestStream_ReadEmptyReturnsZero(t *testing.T) {
	s, _ := newStream(t, 16)

	n, err := s.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStream_FeedThenRead(t *testing.T) {
	s, r := newStream(t, 16)
	rec := &recorder{}
	s.Register(true, false, rec)
	r.Sync()
	assert.Equal(t, 0, rec.reads)

	assert.Equal(t, 5, s.Feed([]byte("hello")))
	r.Sync()
	assert.Equal(t, 1, rec.reads)

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf[:n]))

	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(buf[:n]))
}

func TestStream_FeedRespectsCapacity(t *testing.T) {
	s, _ := newStream(t, 4)

	assert.Equal(t, 4, s.Feed([]byte("abcdef")))
	assert.Equal(t, 0, s.InboundSpace())

	drained := 0
	s.SetHooks(Hooks{OnDrained: func() { drained++ }})
	_, err := s.Read(make([]byte, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	assert.Equal(t, 2, s.InboundSpace())
}

func TestStream_PartialWrite(t *testing.T) {
	s, _ := newStream(t, 4)
	outbound := 0
	s.SetHooks(Hooks{OnOutbound: func() { outbound++ }})

	n, err := s.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 1, outbound)

	n, err = s.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []byte("abc"), s.TakeOutbound(3))
	assert.Equal(t, 1, s.OutboundLen())
}

func TestStream_WritableAfterTake(t *testing.T) {
	s, r := newStream(t, 2)
	_, _ = s.Write([]byte("ab"))

	rec := &recorder{}
	s.Register(false, true, rec)
	r.Sync()
	assert.Equal(t, 0, rec.writes)

	s.TakeOutbound(1)
	r.Sync()
	assert.Equal(t, 1, rec.writes)
}

func TestStream_RegistrationIsOneShot(t *testing.T) {
	s, r := newStream(t, 16)
	rec := &recorder{}
	s.Register(true, false, rec)

	s.Feed([]byte("a"))
	r.Sync()
	s.Feed([]byte("b"))
	r.Sync()
	assert.Equal(t, 1, rec.reads)
}

func TestStream_EOF(t *testing.T) {
	s, r := newStream(t, 16)
	s.Feed([]byte("x"))
	s.FeedEOF()

	rec := &recorder{}
	s.Register(true, false, rec)
	r.Sync()
	assert.Equal(t, 1, rec.reads)

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_FailDeliversException(t *testing.T) {
	s, r := newStream(t, 16)
	rec := &recorder{}
	s.Register(true, true, rec)
	boom := errors.New("boom")
	s.Fail(boom)
	r.Sync()

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], boom)

	_, err := s.Write([]byte("a"))
	assert.ErrorIs(t, err, boom)
}

func TestStream_ReceiverErrorBecomesException(t *testing.T) {
	s, r := newStream(t, 16)
	boom := errors.New("handler failed")
	rec := &recorder{onSel: func(transportif.Socket[string], bool, bool) error { return boom }}
	s.Register(false, true, rec)
	r.Sync()

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], boom)
}

func TestStream_CloseAndShutdown(t *testing.T) {
	s, _ := newStream(t, 16)
	_, _ = s.Write([]byte("ab"))
	s.ShutdownOutput()
	assert.False(t, s.OutputDone())

	_, err := s.Write([]byte("c"))
	assert.ErrorIs(t, err, transport.ErrClosed)

	s.TakeOutbound(16)
	assert.True(t, s.OutputDone())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, transport.ErrClosed)
}
