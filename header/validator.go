// Package header implements the Block Header Validator (spec component
// 4.H): the fixed six-leaf checksum tree every block header carries, and
// the prev-block checksum chain linking each header to its predecessor.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/btc-vision/opnet-engine/merkle"
	"github.com/btc-vision/opnet-engine/types"
)

// ErrMissingPredecessor is returned when a header's predecessor (required
// to check the checksum chain) cannot be found.
var ErrMissingPredecessor = errors.New("header: predecessor not found")

// Source looks up a previously-saved header by height, as needed to verify
// the checksum chain.
type Source interface {
	GetBlockHeader(height uint64) (types.BlockHeader, bool, error)
}

// leafCount is the number of fixed-position leaves in the checksum tree:
// prev_block_hash, prev_block_checksum, block_hash, merkle_root,
// storage_root, receipt_root.
const leafCount = 6

// Validator checks block headers against their own checksum tree and
// against the checksum of their predecessor, memoizing the result per
// height so a repeatedly-referenced historical header is only verified
// once.
type Validator struct {
	source Source

	mu    sync.Mutex
	cache *fastcache.Cache
}

// NewValidator builds a Validator. source may be nil if the caller never
// validates a non-genesis header (Validate then fails fast instead of
// panicking).
func NewValidator(source Source) *Validator {
	return &Validator{
		source: source,
		cache:  fastcache.New(1 << 16),
	}
}

// Validate verifies header's checksum_proofs against its checksum_root and
// confirms prev_block_checksum matches the checksum of the header at
// height-1 (or the zero hash at height 0).
func (v *Validator) Validate(h types.BlockHeader) (bool, error) {
	if cached, ok := v.memoGet(h.Height); ok {
		return cached, nil
	}

	ok, err := v.validateUncached(h)
	if err != nil {
		return false, err
	}
	v.memoSet(h.Height, ok)
	return ok, nil
}

func (v *Validator) validateUncached(h types.BlockHeader) (bool, error) {
	leaves := [leafCount]common.Hash{
		h.PrevBlockHash,
		h.PrevBlockChecksum,
		h.BlockHash,
		h.MerkleRoot,
		h.StorageRoot,
		h.ReceiptRoot,
	}
	for i, leaf := range leaves {
		if !merkle.Verify(h.ChecksumRoot, leafPositionKey(i), leaf[:], h.ChecksumProofs[i]) {
			return false, nil
		}
	}

	if h.Height == 0 {
		return h.PrevBlockChecksum == (common.Hash{}), nil
	}

	if v.source == nil {
		return false, ErrMissingPredecessor
	}
	prev, found, err := v.source.GetBlockHeader(h.Height - 1)
	if err != nil {
		return false, fmt.Errorf("header: load predecessor: %w", err)
	}
	if !found {
		return false, ErrMissingPredecessor
	}
	return prev.ChecksumRoot == h.PrevBlockChecksum, nil
}

// Leaves is the six fixed checksum-tree inputs a header is built from, in
// the same order Validate checks them against ChecksumProofs.
type Leaves struct {
	PrevBlockHash     types.Address
	PrevBlockChecksum types.Address
	BlockHash         types.Address
	MerkleRoot        types.Address
	StorageRoot       types.Address
	ReceiptRoot       types.Address
}

// Build assembles a BlockHeader from its six checksum-tree leaves,
// generating ChecksumRoot and the per-leaf ChecksumProofs a later Validate
// call needs. It is the constructor half of this package — a host
// assembling a block (the CLI, or eventually a real indexer) calls Build
// once the state and receipt roots for the block are known.
func Build(height uint64, l Leaves) (types.BlockHeader, error) {
	values := [leafCount]common.Hash{
		l.PrevBlockHash,
		l.PrevBlockChecksum,
		l.BlockHash,
		l.MerkleRoot,
		l.StorageRoot,
		l.ReceiptRoot,
	}

	tree := merkle.New()
	for i, v := range values {
		tree.Update(leafPositionKey(i), v[:])
	}
	tree.Freeze()

	h := types.BlockHeader{
		Height:            height,
		PrevBlockHash:     l.PrevBlockHash,
		PrevBlockChecksum: l.PrevBlockChecksum,
		BlockHash:         l.BlockHash,
		MerkleRoot:        l.MerkleRoot,
		StorageRoot:       l.StorageRoot,
		ReceiptRoot:       l.ReceiptRoot,
		ChecksumRoot:      tree.Root(),
	}
	for i := range values {
		proof, err := tree.Prove(leafPositionKey(i))
		if err != nil {
			return types.BlockHeader{}, fmt.Errorf("header: prove leaf %d: %w", i, err)
		}
		h.ChecksumProofs[i] = proof.Addresses()
	}
	return h, nil
}

// leafPositionKey derives the fixed key for checksum leaf position i
// (0..5). Domain-separated from every other keccak256 use in the engine so
// a checksum leaf can never collide with a state or receipt tree key.
func leafPositionKey(i int) common.Hash {
	d := sha3.NewLegacyKeccak256()
	d.Write([]byte("opnet-checksum-leaf"))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(i))
	d.Write(idx[:])
	var out common.Hash
	d.Sum(out[:0])
	return out
}

func (v *Validator) memoGet(height uint64) (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	buf, ok := v.cache.HasGet(nil, heightKeyBytes(height))
	if !ok {
		return false, false
	}
	return buf[0] == 1, true
}

func (v *Validator) memoSet(height uint64, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value := byte(0)
	if ok {
		value = 1
	}
	v.cache.Set(heightKeyBytes(height), []byte{value})
}

func heightKeyBytes(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return buf[:]
}
