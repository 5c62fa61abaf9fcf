package statetrie

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

func TestUpdateAndProve(t *testing.T) {
	tr := New()
	c := addr(0x11)
	p := addr(0x01)
	var v common.Hash
	v[31] = 0x02

	tr.Update(c, p, v)
	require.NoError(t, tr.GenerateTree())

	proof, err := tr.Prove(c, p)
	require.NoError(t, err)
	require.True(t, Verify(tr.Root(), LeafKey(c, p), v[:], proof.Siblings))
}

func TestLastWriteWinsWithinBlock(t *testing.T) {
	tr := New()
	c := addr(0x11)
	p := addr(0x01)
	var v1, v2 common.Hash
	v1[31] = 1
	v2[31] = 2

	tr.Update(c, p, v1)
	tr.Update(c, p, v2)

	got, ok := tr.Get(c, p)
	require.True(t, ok)
	require.Equal(t, common.Hash(v2), got)
}

func TestFreezeThenUpdatePanics(t *testing.T) {
	tr := New()
	tr.Freeze()
	require.Panics(t, func() {
		tr.Update(addr(1), addr(2), common.Hash{})
	})
}

func TestEverythingWithProofsAfterGenerateTree(t *testing.T) {
	tr := New()
	c := addr(0x11)
	for i := byte(0); i < 5; i++ {
		tr.Update(c, addr(i), addr(i+100))
	}
	require.NoError(t, tr.GenerateTree())

	leaves := tr.EverythingWithProofs()
	require.Len(t, leaves, 5)
	root := tr.Root()
	for _, leaf := range leaves {
		require.True(t, Verify(root, leaf.Key, leaf.Value, leaf.Proofs))
	}
}
