package header

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/btc-vision/opnet-engine/merkle"
	"github.com/btc-vision/opnet-engine/types"
)

// buildHeader constructs a self-consistent header at height for the six
// fixed leaf values, computing a real checksum root and per-leaf proofs so
// tests exercise the same path Validate does.
func buildHeader(height uint64, prevChecksum common.Hash, fields [6]common.Hash) types.BlockHeader {
	tree := merkle.New()
	for i, f := range fields {
		tree.Update(leafPositionKey(i), f[:])
	}
	root := tree.Root()

	var proofs [6][]common.Hash
	for i := range fields {
		proof, err := tree.Prove(leafPositionKey(i))
		if err != nil {
			panic(err)
		}
		proofs[i] = proof.Siblings
	}

	return types.BlockHeader{
		Height:            height,
		PrevBlockHash:      fields[0],
		PrevBlockChecksum:  fields[1],
		BlockHash:          fields[2],
		MerkleRoot:         fields[3],
		StorageRoot:        fields[4],
		ReceiptRoot:        fields[5],
		ChecksumRoot:       root,
		ChecksumProofs:     proofs,
	}
}

type fakeSource struct {
	headers map[uint64]types.BlockHeader
}

func (f *fakeSource) GetBlockHeader(height uint64) (types.BlockHeader, bool, error) {
	h, ok := f.headers[height]
	return h, ok, nil
}

func h(b byte) common.Hash {
	var out common.Hash
	out[31] = b
	return out
}

func TestValidateGenesisRequiresZeroPrevChecksum(t *testing.T) {
	fields := [6]common.Hash{h(1), {}, h(3), h(4), h(5), h(6)}
	header := buildHeader(0, common.Hash{}, fields)

	v := NewValidator(nil)
	ok, err := v.Validate(header)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestValidateGenesisRejectsNonZeroPrevChecksum(t *testing.T) {
	fields := [6]common.Hash{h(1), h(2), h(3), h(4), h(5), h(6)}
	header := buildHeader(0, common.Hash{}, fields)

	v := NewValidator(nil)
	ok, err := v.Validate(header)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidateChecksChainAgainstPredecessor(t *testing.T) {
	genesisFields := [6]common.Hash{h(1), {}, h(3), h(4), h(5), h(6)}
	genesis := buildHeader(0, common.Hash{}, genesisFields)

	nextFields := [6]common.Hash{h(7), genesis.ChecksumRoot, h(9), h(10), h(11), h(12)}
	next := buildHeader(1, genesis.ChecksumRoot, nextFields)

	src := &fakeSource{headers: map[uint64]types.BlockHeader{0: genesis}}
	v := NewValidator(src)

	ok, err := v.Validate(next)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestValidateRejectsWrongPredecessorChecksum(t *testing.T) {
	genesisFields := [6]common.Hash{h(1), {}, h(3), h(4), h(5), h(6)}
	genesis := buildHeader(0, common.Hash{}, genesisFields)

	nextFields := [6]common.Hash{h(7), h(99), h(9), h(10), h(11), h(12)}
	next := buildHeader(1, h(99), nextFields)

	src := &fakeSource{headers: map[uint64]types.BlockHeader{0: genesis}}
	v := NewValidator(src)

	ok, err := v.Validate(next)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidateMissingPredecessorErrors(t *testing.T) {
	fields := [6]common.Hash{h(1), h(2), h(3), h(4), h(5), h(6)}
	header := buildHeader(5, h(2), fields)

	v := NewValidator(&fakeSource{headers: map[uint64]types.BlockHeader{}})
	_, err := v.Validate(header)
	require.ErrorIs(t, err, ErrMissingPredecessor)
}

func TestBuildProducesAHeaderValidateAccepts(t *testing.T) {
	genesis, err := Build(0, Leaves{BlockHash: h(3), StorageRoot: h(5), ReceiptRoot: h(6)})
	require.NoError(t, err)

	v := NewValidator(nil)
	ok, err := v.Validate(genesis)
	require.NoError(t, err)
	require.True(t, ok)

	next, err := Build(1, Leaves{
		PrevBlockHash:     h(7),
		PrevBlockChecksum: genesis.ChecksumRoot,
		BlockHash:         h(9),
		StorageRoot:       h(11),
		ReceiptRoot:       h(12),
	})
	require.NoError(t, err)

	src := &fakeSource{headers: map[uint64]types.BlockHeader{0: genesis}}
	ok, err = NewValidator(src).Validate(next)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestValidateResultIsMemoized(t *testing.T) {
	fields := [6]common.Hash{h(1), {}, h(3), h(4), h(5), h(6)}
	header := buildHeader(0, common.Hash{}, fields)

	v := NewValidator(nil)
	ok1, err := v.Validate(header)
	require.NoError(t, err)

	// Mutate a proof so a fresh (non-memoized) check would fail; the
	// memoized path must not recompute.
	header.ChecksumProofs[0] = nil
	ok2, err := v.Validate(header)
	require.NoError(t, err)
	require.Equal(t, ok1, ok2)
}
