package identity

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matllubos/FreePastry-sub010/pkg/types"
)

func TestBindingTable_BindAndLookup(t *testing.T) {
	bt := NewBindingTable[string, int]()

	_, replaced := bt.Bind("a", 1)
	assert.False(t, replaced)
	_, replaced = bt.Bind("a", 2)
	assert.False(t, replaced)

	u, ok := bt.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "a", u)
	assert.ElementsMatch(t, []int{1, 2}, bt.Addresses("a"))
	assert.Equal(t, 1, bt.Len())
}

func TestBindingTable_Rebind(t *testing.T) {
	bt := NewBindingTable[string, int]()
	bt.Bind("a", 1)
	bt.Bind("a", 2)

	prev, replaced := bt.Bind("b", 1)
	require.True(t, replaced)
	assert.Equal(t, "a", prev)
	assert.Equal(t, []int{2}, bt.Addresses("a"))

	u, _ := bt.Lookup(1)
	assert.Equal(t, "b", u)

	_, replaced = bt.Bind("b", 1)
	assert.False(t, replaced)
}

func TestBindingTable_DeleteRemovesBothDirections(t *testing.T) {
	bt := NewBindingTable[string, int]()
	bt.Bind("a", 1)
	bt.Bind("a", 2)
	bt.Bind("b", 3)

	bt.Delete("a")

	_, ok := bt.Lookup(1)
	assert.False(t, ok)
	_, ok = bt.Lookup(2)
	assert.False(t, ok)
	assert.Empty(t, bt.Addresses("a"))
	assert.Equal(t, 1, bt.Len())

	u, ok := bt.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "b", u)
}

func TestHandleIndex(t *testing.T) {
	x := newHandleIndex[string]()
	i := x.indexOf("a")
	assert.Equal(t, 1, i)
	assert.Equal(t, i, x.indexOf("a"))
	assert.Equal(t, 2, x.indexOf("b"))

	u, ok := x.lookup(i)
	require.True(t, ok)
	assert.Equal(t, "a", u)

	x.forget("a")
	_, ok = x.lookup(i)
	assert.False(t, ok)
	assert.Equal(t, 3, x.indexOf("a"))
}

func TestNodeHandleSerializer(t *testing.T) {
	h := types.NodeHandle{
		Addr:  netip.MustParseAddrPort("[2001:db8::1]:443"),
		ID:    uuid.New(),
		Epoch: 1234567,
	}
	var ser NodeHandleSerializer

	b, err := ser.Serialize(h)
	require.NoError(t, err)
	got, err := ser.Deserialize(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, h.Addr, ser.Address(h))

	_, err = ser.Deserialize(b[:len(b)-3])
	assert.ErrorIs(t, err, types.ErrInvalidNodeHandle)
}

func TestNodeHandlePolicy(t *testing.T) {
	old := types.NewNodeHandle(netip.MustParseAddrPort("10.0.0.1:1"), 5)

	assert.True(t, NodeHandlePolicy(old, old.WithEpoch(6)))
	assert.True(t, NodeHandlePolicy(old, types.NewNodeHandle(old.Addr, 6)))
	assert.False(t, NodeHandlePolicy(old, old.WithEpoch(4)))
	assert.False(t, NodeHandlePolicy(old, types.NewNodeHandle(netip.MustParseAddrPort("10.0.0.2:1"), 6)))

	assert.True(t, AllowChange[int]()(1, 2))
	assert.False(t, DenyChange[int]()(1, 2))
}
