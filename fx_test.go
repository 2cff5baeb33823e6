package pastry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transportif "github.com/matllubos/FreePastry-sub010/pkg/interfaces/transport"
)

func startTestStack(t *testing.T, opts ...Option) *Stack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Start(ctx, append([]Option{WithPreset(PresetTest)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStart_WireStacksExchangeMessages(t *testing.T) {
	a := startTestStack(t, WithRegistry(prometheus.NewRegistry()))
	b := startTestStack(t)
	in := &inbox{}
	b.Transport().SetCallback(in)

	require.True(t, a.LocalAddr().IsValid())
	assert.Equal(t, a.LocalAddr(), a.LocalHandle().Addr)

	o := &outcome{}
	a.Transport().SendMessage(b.LocalHandle(), []byte("over tcp"), o.cb, transportif.Options{})

	require.Eventually(t, func() bool {
		done, _ := o.get()
		_, msgs := in.snapshot()
		return done && len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := o.get()
	require.NoError(t, err)
	froms, msgs := in.snapshot()
	assert.Equal(t, []string{"over tcp"}, msgs)
	assert.Equal(t, a.LocalHandle(), froms[0])

	require.NotNil(t, a.Gatherer())
	_, err = a.Gatherer().Gather()
	require.NoError(t, err)
}

func TestStart_Datagram(t *testing.T) {
	a := startTestStack(t)
	b := startTestStack(t)
	in := &inbox{}
	b.Transport().SetCallback(in)

	a.Transport().SendMessage(b.LocalHandle(), []byte("over udp"), nil, transportif.Options{}.WithDatagram())

	require.Eventually(t, func() bool {
		_, msgs := in.snapshot()
		return len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	froms, _ := in.snapshot()
	assert.Equal(t, a.LocalHandle(), froms[0])
}

func TestStart_CloseIsIdempotent(t *testing.T) {
	s := startTestStack(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Reactor().Invoke(func() {}))
}

func TestStart_InvalidOptions(t *testing.T) {
	_, err := Start(context.Background(), WithListenAddr("not an address"))
	assert.Error(t, err)

	_, err = Start(context.Background(), WithPing(0, 3))
	assert.Error(t, err)

	_, err = Start(context.Background(), WithRawTransport(nil))
	assert.ErrorIs(t, err, ErrNoRawTransport)
}
