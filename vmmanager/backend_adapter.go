package vmmanager

import (
	"github.com/btc-vision/opnet-engine/header"
	"github.com/btc-vision/opnet-engine/statetrie"
	"github.com/btc-vision/opnet-engine/types"
)

// backendAdapter adapts a StorageBackend (the full persistence interface,
// spec §6) into the narrow storage.Backend the copy-on-write overlay
// consumes, performing the historical proof verification spec's
// verify_proofs describes: validate the header the value was last seen at,
// then verify the storage proof against that header's storage root. A
// mismatch anywhere in that chain is fatal, never a plain miss:
// ErrCorruptedHeader for a header that fails validation, ErrDataCorrupted
// for a missing header or a proof that does not verify.
type backendAdapter struct {
	backend   StorageBackend
	validator *header.Validator
}

func (a *backendAdapter) Get(contract types.Address, pointer types.Pointer, height uint64) (types.Value, []types.Address, bool, error) {
	pv, found, err := a.backend.GetStorage(contract, pointer)
	if err != nil {
		return types.Value{}, nil, false, err
	}
	if !found {
		return types.ZeroValue, nil, false, nil
	}

	h, found, err := a.backend.GetBlockHeader(pv.LastSeenHeight)
	if err != nil {
		return types.Value{}, nil, false, err
	}
	if !found {
		return types.Value{}, nil, false, types.ErrDataCorrupted
	}

	valid, err := a.validator.Validate(h)
	if err != nil {
		return types.Value{}, nil, false, err
	}
	if !valid {
		return types.Value{}, nil, false, types.ErrCorruptedHeader
	}

	leafKey := statetrie.LeafKey(contract, pointer)
	if !statetrie.Verify(h.StorageRoot, leafKey, pv.Value[:], pv.Proofs) {
		return types.Value{}, nil, false, types.ErrDataCorrupted
	}

	return pv.Value, pv.Proofs, true, nil
}
