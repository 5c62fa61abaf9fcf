package merkle

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned when a key has no entry in the tree.
var ErrNotFound = errors.New("merkle: key not found")

// ErrInvalidProof is returned when a proof fails to reconstruct the
// expected root.
var ErrInvalidProof = errors.New("merkle: invalid proof")

// Proof is an inclusion proof: the sibling hash at every level from the
// root down to the leaf for a given key.
type Proof struct {
	Siblings []common.Hash
	Key      common.Hash
	Value    []byte
}

// Prove generates an inclusion proof for key. The tree's hashes are
// recomputed first so every sibling hash used in the proof is current.
func (t *Tree) Prove(key common.Hash) (*Proof, error) {
	t.Root() // force hash memoization bottom-up before walking

	var siblings []common.Hash
	n := t.root
	for depth := 0; n != nil; depth++ {
		if n.isLeaf {
			if n.key != key {
				return nil, ErrNotFound
			}
			return &Proof{Siblings: siblings, Key: key, Value: cloneBytes(n.value)}, nil
		}
		if getBit(key, depth) == 0 {
			siblings = append(siblings, hashNode(n.right))
			n = n.left
		} else {
			siblings = append(siblings, hashNode(n.left))
			n = n.right
		}
	}
	return nil, ErrNotFound
}

// Verify reconstructs the root from (key, value, siblings) and compares it
// against root. It does not require a live Tree — this is the function the
// VM Manager calls against a historical block header's stored root.
func Verify(root common.Hash, key common.Hash, value []byte, siblings []common.Hash) bool {
	current := leafHash(key, value)
	for i := len(siblings) - 1; i >= 0; i-- {
		depth := i
		sibling := siblings[i]
		if getBit(key, depth) == 0 {
			current = branchHash(current, sibling)
		} else {
			current = branchHash(sibling, current)
		}
	}
	return current == root
}

// Addresses returns a proof's sibling list in the []common.Hash
// form used by types.ProvenValue, which is already common.Hash — this
// helper exists purely so call sites read naturally (`p.Addresses()`)
// instead of reaching into Proof.Siblings directly.
func (p *Proof) Addresses() []common.Hash {
	return p.Siblings
}
