package merkle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func key(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func TestUpdateAndGet(t *testing.T) {
	tr := New()
	tr.Update(key(1), []byte{0xaa})
	tr.Update(key(2), []byte{0xbb})

	v, ok := tr.Get(key(1))
	require.True(t, ok)
	require.Equal(t, []byte{0xaa}, v)

	v, ok = tr.Get(key(2))
	require.True(t, ok)
	require.Equal(t, []byte{0xbb}, v)

	_, ok = tr.Get(key(3))
	require.False(t, ok)
}

func TestRootIsOrderIndependent(t *testing.T) {
	a := New()
	a.Update(key(1), []byte{1})
	a.Update(key(2), []byte{2})
	a.Update(key(3), []byte{3})

	b := New()
	b.Update(key(3), []byte{3})
	b.Update(key(1), []byte{1})
	b.Update(key(2), []byte{2})

	require.Equal(t, a.Root(), b.Root())
}

func TestLastWriteWins(t *testing.T) {
	tr := New()
	tr.Update(key(1), []byte{1})
	tr.Update(key(1), []byte{2})

	v, ok := tr.Get(key(1))
	require.True(t, ok)
	require.Equal(t, []byte{2}, v)
}

func TestProveAndVerify(t *testing.T) {
	tr := New()
	for i := byte(0); i < 20; i++ {
		tr.Update(key(i), []byte{i, i})
	}

	root := tr.Root()
	for i := byte(0); i < 20; i++ {
		proof, err := tr.Prove(key(i))
		require.NoError(t, err)
		require.True(t, Verify(root, key(i), proof.Value, proof.Siblings))
	}
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	tr := New()
	tr.Update(key(1), []byte{1})
	tr.Update(key(2), []byte{2})

	root := tr.Root()
	proof, err := tr.Prove(key(1))
	require.NoError(t, err)

	require.False(t, Verify(root, key(1), []byte{99}, proof.Siblings))
}

func TestDeleteRemovesLeaf(t *testing.T) {
	tr := New()
	tr.Update(key(1), []byte{1})
	tr.Update(key(2), []byte{2})
	tr.Update(key(1), nil)

	_, ok := tr.Get(key(1))
	require.False(t, ok)
	require.Equal(t, 1, tr.Len())
}

func TestFreezePanicsOnUpdate(t *testing.T) {
	tr := New()
	tr.Update(key(1), []byte{1})
	tr.Freeze()

	require.Panics(t, func() {
		tr.Update(key(2), []byte{2})
	})
}

func TestEmptyTreeRootIsZero(t *testing.T) {
	tr := New()
	require.Equal(t, common.Hash{}, tr.Root())
}
