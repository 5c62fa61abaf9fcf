package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btc-vision/opnet-engine/types"
)

func addr(b byte) types.Address {
	var h types.Address
	h[31] = b
	return h
}

type fakeBackend struct {
	values map[[2]types.Address]types.Value
}

func (f *fakeBackend) Get(contract types.Address, pointer types.Pointer, height uint64) (types.Value, []types.Address, bool, error) {
	v, ok := f.values[[2]types.Address{contract, pointer}]
	return v, nil, ok, nil
}

func TestGetDefaultsToZeroValue(t *testing.T) {
	o := New(nil, 1, 1<<20)
	v, err := o.Get(addr(1), addr(2))
	require.NoError(t, err)
	require.Equal(t, types.ZeroValue, v)
}

func TestSetThenGetReturnsBufferedWrite(t *testing.T) {
	o := New(nil, 1, 1<<20)
	var val types.Value
	val[31] = 0x42
	o.Set(addr(1), addr(2), val)

	got, err := o.Get(addr(1), addr(2))
	require.NoError(t, err)
	require.Equal(t, val, got)
}

func TestChildSeesParentWrites(t *testing.T) {
	parent := New(nil, 1, 1<<20)
	var val types.Value
	val[31] = 9
	parent.Set(addr(1), addr(2), val)

	child := parent.Child()
	got, err := child.Get(addr(1), addr(2))
	require.NoError(t, err)
	require.Equal(t, val, got)
}

func TestMergeIntoFlowsWritesToParent(t *testing.T) {
	parent := New(nil, 1, 1<<20)
	child := parent.Child()

	var val types.Value
	val[31] = 7
	child.Set(addr(1), addr(2), val)
	child.MergeInto(parent)

	got, err := parent.Get(addr(1), addr(2))
	require.NoError(t, err)
	require.Equal(t, val, got)
}

func TestDiscardDropsLocalWrites(t *testing.T) {
	o := New(nil, 1, 1<<20)
	var val types.Value
	val[31] = 3
	o.Set(addr(1), addr(2), val)
	o.Discard()

	require.Empty(t, o.DirtyKeys())
}

func TestGetFallsThroughToBackendAndCaches(t *testing.T) {
	var stored types.Value
	stored[31] = 0x55
	backend := &fakeBackend{values: map[[2]types.Address]types.Value{
		{addr(1), addr(2)}: stored,
	}}
	o := New(backend, 1, 1<<20)

	got, err := o.Get(addr(1), addr(2))
	require.NoError(t, err)
	require.Equal(t, stored, got)

	// Second read should hit the cache, not the backend — zero out the
	// backend's map to prove it's not consulted again.
	backend.values = nil
	got2, err := o.Get(addr(1), addr(2))
	require.NoError(t, err)
	require.Equal(t, stored, got2)
}

func TestDirtyKeysOnlyLocal(t *testing.T) {
	parent := New(nil, 1, 1<<20)
	parent.Set(addr(1), addr(2), addr(9))

	child := parent.Child()
	require.Empty(t, child.DirtyKeys())
}
