package receipttrie

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func addr(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func TestUpdateChangesRoot(t *testing.T) {
	tr := New()
	empty := tr.Root()

	require.NoError(t, tr.Update(addr(1), addr(0xa1), []byte("ok")))
	require.NotEqual(t, empty, tr.Root())
}

func TestRevertedTransactionUsesMarker(t *testing.T) {
	a := New()
	require.NoError(t, a.Update(addr(1), addr(0xa1), RevertMarker))

	b := New()
	require.NoError(t, b.Update(addr(1), addr(0xa1), []byte{0x00}))

	require.Equal(t, a.Root(), b.Root())
}

func TestSentinelsAffectRoot(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Update(addr(1), addr(0xa1), []byte("ok")))
	before := tr.Root()

	var prevChecksum common.Hash
	prevChecksum[31] = 0x42
	require.NoError(t, tr.SetPreviousChecksum(prevChecksum))
	require.NotEqual(t, before, tr.Root())

	afterChecksum := tr.Root()
	require.NoError(t, tr.SetVersion(1))
	require.NotEqual(t, afterChecksum, tr.Root())
}

func TestFreezeRejectsFurtherUpdates(t *testing.T) {
	tr := New()
	tr.Freeze()
	require.True(t, tr.Frozen())

	err := tr.Update(addr(1), addr(2), []byte("x"))
	require.ErrorIs(t, err, ErrAlreadyFrozen)
}

func TestRootIsDeterministicRegardlessOfInsertOrder(t *testing.T) {
	a := New()
	require.NoError(t, a.Update(addr(1), addr(0xa1), []byte("a")))
	require.NoError(t, a.Update(addr(2), addr(0xa2), []byte("b")))

	b := New()
	require.NoError(t, b.Update(addr(2), addr(0xa2), []byte("b")))
	require.NoError(t, b.Update(addr(1), addr(0xa1), []byte("a")))

	require.Equal(t, a.Root(), b.Root())
}

func TestSizeCountsSentinels(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Update(addr(1), addr(0xa1), []byte("a")))
	require.Equal(t, 1, tr.Size())

	require.NoError(t, tr.SetVersion(1))
	require.Equal(t, 2, tr.Size())
}
