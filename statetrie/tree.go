// Package statetrie implements the per-block state Merkle tree (spec
// component 4.C): a sparse Merkle tree keyed by H(contract||pointer),
// supporting incremental updates during block execution and proof
// generation once the block's writes are final.
package statetrie

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/btc-vision/opnet-engine/merkle"
	"github.com/btc-vision/opnet-engine/types"
)

// Tree accumulates every write from every transaction in one block.
// Safe for concurrent reads once frozen; writes are expected to come from
// the single-threaded VM Manager only.
type Tree struct {
	mu   sync.RWMutex
	tree *merkle.Tree

	// proofs caches the proof generated for each touched leaf by
	// GenerateTree, so EverythingWithProofs doesn't recompute them.
	proofs map[common.Hash]*merkle.Proof
	dirty  map[common.Hash]struct{}
}

// New creates an empty state tree for a fresh block.
func New() *Tree {
	return &Tree{
		tree:   merkle.New(),
		proofs: make(map[common.Hash]*merkle.Proof),
		dirty:  make(map[common.Hash]struct{}),
	}
}

// LeafKey computes H(contract || pointer), the key under which a storage
// slot is stored in the tree.
func LeafKey(contract types.Address, pointer types.Pointer) common.Hash {
	d := sha3.NewLegacyKeccak256()
	d.Write(contract[:])
	d.Write(pointer[:])
	var out common.Hash
	d.Sum(out[:0])
	return out
}

// Update records a write. Last write to the same (contract, pointer) wins
// within the block; the underlying trie already enforces that since it's
// keyed by LeafKey. Panics if the tree has already been frozen.
func (t *Tree) Update(contract types.Address, pointer types.Pointer, value types.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := LeafKey(contract, pointer)
	t.tree.Update(key, value[:])
	t.dirty[key] = struct{}{}
	// Proofs are stale the moment any leaf changes; GenerateTree must be
	// re-run before reading EverythingWithProofs again.
	delete(t.proofs, key)
}

// Root returns the current Merkle root. Valid at any point, frozen or not.
func (t *Tree) Root() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Root()
}

// Freeze locks the tree against further Update calls. Required before
// GenerateTree can be considered final for block close-out.
func (t *Tree) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Freeze()
}

// GenerateTree recomputes proofs for every leaf touched in this block:
// the leaves updated since the last call and every leaf proved by an
// earlier call, since any update changes their siblings. It is normally
// called once, at block close, after Freeze.
func (t *Tree) GenerateTree() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.proofs {
		t.dirty[key] = struct{}{}
	}
	for key := range t.dirty {
		proof, err := t.tree.Prove(key)
		if err != nil {
			return err
		}
		t.proofs[key] = proof
	}
	t.dirty = make(map[common.Hash]struct{})
	return nil
}

// Verify checks a (key, value, proofs) tuple against root. It does not
// require a live Tree: the VM Manager calls this both against the
// in-memory root (current block) and against historical roots loaded from
// a block header.
func Verify(root common.Hash, encodedPointer common.Hash, value []byte, proofs []common.Hash) bool {
	return merkle.Verify(root, encodedPointer, value, proofs)
}

// ProvenLeaf is one (contract, pointer) -> (value, proofs) entry, as
// produced by EverythingWithProofs for persistence.
type ProvenLeaf struct {
	Key    common.Hash
	Value  []byte
	Proofs []common.Hash
}

// EverythingWithProofs returns every leaf touched in this block together
// with its proof against the final root. GenerateTree must have been
// called after the last Update, or this returns proofs only for leaves
// that were proved before later writes happened to land as no-ops (in
// practice the VM Manager always calls GenerateTree once, at freeze time).
func (t *Tree) EverythingWithProofs() []ProvenLeaf {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ProvenLeaf, 0, len(t.proofs))
	for key, proof := range t.proofs {
		out = append(out, ProvenLeaf{Key: key, Value: proof.Value, Proofs: proof.Siblings})
	}
	return out
}

// Prove returns the proof for a single (contract, pointer) pair without
// requiring a prior GenerateTree call across the whole tree.
func (t *Tree) Prove(contract types.Address, pointer types.Pointer) (*merkle.Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Prove(LeafKey(contract, pointer))
}

// Get returns the current in-memory value at (contract, pointer), if any
// write has touched it in this block.
func (t *Tree) Get(contract types.Address, pointer types.Pointer) (types.Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	raw, ok := t.tree.Get(LeafKey(contract, pointer))
	if !ok {
		return types.Value{}, false
	}
	var v types.Value
	copy(v[:], raw)
	return v, true
}
