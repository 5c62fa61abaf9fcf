// Package types defines the data model shared by every engine component:
// addresses, storage pointers and values, contract records, call frames,
// and the evaluation result that flows back out of the evaluator.
package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// Address is the 32-byte canonical or virtual identifier of a contract.
// Addresses, storage pointers, and storage values all share the same
// 32-byte shape, so all three reuse common.Hash rather than three
// hand-rolled [32]byte types.
type Address = common.Hash

// Pointer is a 32-byte storage key within a contract's namespace.
type Pointer = common.Hash

// Value is a 32-byte storage value. Shorter user payloads are zero-padded
// by the caller before reaching the overlay.
type Value = common.Hash

// Selector is the 4-byte big-endian function identifier taken from the
// first four bytes of calldata.
type Selector uint32

// ZeroValue is the default value of any pointer that has never been written.
var ZeroValue Value

// ParseSelector extracts the selector from calldata. Returns
// ErrInvalidCalldata if calldata is shorter than 4 bytes.
func ParseSelector(calldata []byte) (Selector, error) {
	if len(calldata) < 4 {
		return 0, ErrInvalidCalldata
	}
	return Selector(uint32(calldata[0])<<24 | uint32(calldata[1])<<16 | uint32(calldata[2])<<8 | uint32(calldata[3])), nil
}

// IsVirtual reports whether raw was presented in its 0x-prefixed virtual
// form. The VM Manager resolves virtual addresses to canonical ones and
// caches the resolved record for the rest of the block.
func IsVirtual(raw string) bool {
	return len(raw) > 1 && raw[0] == '0' && raw[1] == 'x'
}
