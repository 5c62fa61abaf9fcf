// Package receipttrie implements the per-block receipt Merkle tree (spec
// component 4.D): one entry per transaction, keyed by (contract, txID),
// plus two trailing sentinel leaves that bind the block to its predecessor
// and to the wire format version.
package receipttrie

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/btc-vision/opnet-engine/types"
)

// RevertMarker is the single-byte value written to the receipt tree for a
// reverted transaction.
var RevertMarker = []byte{0x00}

// MaxHash and MaxHashMinusOne are the two sentinel keys reserved for the
// previous-block-checksum and wire-format-version entries.
var (
	MaxHash         = fillHash(0xff)
	MaxHashMinusOne = decrementedMaxHash()
)

func fillHash(b byte) common.Hash {
	var h common.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func decrementedMaxHash() common.Hash {
	h := fillHash(0xff)
	h[31] = 0xfe
	return h
}

// ErrAlreadyFrozen is returned by Update once Freeze has been called.
var ErrAlreadyFrozen = errors.New("receipttrie: update after freeze")

// entry is one leaf awaiting inclusion in the tree.
type entry struct {
	key     common.Hash
	encoded []byte
}

// Tree accumulates one entry per transaction for a single block, plus the
// two trailing sentinels. It must be frozen before the state tree's root is
// finalized (spec invariant 6).
type Tree struct {
	mu      sync.Mutex
	entries map[common.Hash]*entry
	order   []common.Hash
	frozen  bool
}

// New creates an empty receipt tree for a fresh block.
func New() *Tree {
	return &Tree{entries: make(map[common.Hash]*entry)}
}

// leafKey hashes (contract, txID) into the tree's key space.
func leafKey(contract, txID types.Address) common.Hash {
	d := sha3.NewLegacyKeccak256()
	d.Write(contract[:])
	d.Write(txID[:])
	var out common.Hash
	d.Sum(out[:0])
	return out
}

// Update records the result for one (contract, txID) pair. result should
// be RevertMarker for a reverted transaction, or the raw result bytes
// otherwise. Values are hashed before insertion so leaf size stays fixed
// regardless of result length.
func (t *Tree) Update(contract, txID types.Address, result []byte) error {
	return t.updateKey(leafKey(contract, txID), result)
}

// updateSentinel writes directly under a fixed sentinel key, bypassing the
// (contract, txID) hash — used for the two trailing block-linkage leaves.
func (t *Tree) updateSentinel(key common.Hash, value []byte) error {
	return t.updateKey(key, value)
}

func (t *Tree) updateKey(key common.Hash, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return ErrAlreadyFrozen
	}
	if _, exists := t.entries[key]; !exists {
		t.order = append(t.order, key)
	}
	t.entries[key] = &entry{key: key, encoded: hashLeafValue(value)}
	return nil
}

// SetPreviousChecksum writes the (MAX_HASH, MAX_HASH) -> previous_block
// checksum sentinel. Per spec invariant 6, this must be written before the
// state tree root is finalized.
func (t *Tree) SetPreviousChecksum(checksum types.Address) error {
	return t.updateSentinel(MaxHash, checksum[:])
}

// SetVersion writes the (MAX_HASH-1, MAX_HASH-1) -> version sentinel.
func (t *Tree) SetVersion(version uint32) error {
	buf := make([]byte, 4)
	buf[0] = byte(version >> 24)
	buf[1] = byte(version >> 16)
	buf[2] = byte(version >> 8)
	buf[3] = byte(version)
	return t.updateSentinel(MaxHashMinusOne, buf)
}

func hashLeafValue(value []byte) []byte {
	d := sha3.NewLegacyKeccak256()
	d.Write(value)
	return d.Sum(nil)
}

// Freeze locks the tree against further updates. Must be called before the
// corresponding state tree's Freeze, per spec invariant 6.
func (t *Tree) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// Frozen reports whether Freeze has been called.
func (t *Tree) Frozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen
}

// Root computes the Merkle root over all entries in sorted key order,
// including the sentinels once set. Empty trees return the zero hash.
func (t *Tree) Root() common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return common.Hash{}
	}

	keys := make([]common.Hash, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	leaves := make([][]byte, len(keys))
	for i, k := range keys {
		leaves[i] = t.entries[k].encoded
	}

	var out common.Hash
	copy(out[:], merkleRoot(leaves))
	return out
}

// merkleRoot combines leaf hashes pairwise, promoting an odd leaf to the
// next level unchanged.
func merkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return make([]byte, 32)
	}
	if len(leaves) == 1 {
		return leaves[0]
	}
	for len(leaves) > 1 {
		var next [][]byte
		for i := 0; i < len(leaves); i += 2 {
			if i+1 < len(leaves) {
				d := sha3.NewLegacyKeccak256()
				d.Write(leaves[i])
				d.Write(leaves[i+1])
				next = append(next, d.Sum(nil))
			} else {
				next = append(next, leaves[i])
			}
		}
		leaves = next
	}
	return leaves[0]
}

// Size returns the number of entries, sentinels included once set.
func (t *Tree) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
