package main

import (
	"context"
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/btc-vision/opnet-engine/header"
	"github.com/btc-vision/opnet-engine/types"
)

// nextHeight returns the height to prepare next (0 if no block has been
// saved yet) along with the predecessor header, if any.
func nextHeight(e *env) (uint64, types.BlockHeader, bool, error) {
	latest, ok, err := e.backend.GetLatestBlock()
	if err != nil {
		return 0, types.BlockHeader{}, false, err
	}
	if !ok {
		return 0, types.BlockHeader{}, false, nil
	}
	return latest.Height + 1, latest, true, nil
}

// placeholderBlockHash derives a deterministic stand-in for the real chain
// block hash a live indexer would supply — this CLI has no actual Bitcoin
// block to point at.
func placeholderBlockHash(height uint64) types.Address {
	d := sha3.NewLegacyKeccak256()
	d.Write([]byte("enginectl-block"))
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	d.Write(h[:])
	var out types.Address
	d.Sum(out[:0])
	return out
}

// closeBlock runs UpdateEvaluatedStates, assembles and validates the
// resulting header, and saves it — the shared tail end of every
// state-mutating subcommand.
func closeBlock(ctx context.Context, e *env, height uint64, prev types.BlockHeader, havePrev bool) (types.BlockHeader, error) {
	storageRoot, receiptRoot, err := e.manager.UpdateEvaluatedStates(ctx, prev.ChecksumRoot, 1)
	if err != nil {
		return types.BlockHeader{}, err
	}

	leaves := header.Leaves{
		BlockHash:   placeholderBlockHash(height),
		StorageRoot: storageRoot,
		ReceiptRoot: receiptRoot,
	}
	if havePrev {
		leaves.PrevBlockHash = prev.BlockHash
		leaves.PrevBlockChecksum = prev.ChecksumRoot
	}

	h, err := header.Build(height, leaves)
	if err != nil {
		return types.BlockHeader{}, err
	}
	if err := e.manager.SaveBlock(h); err != nil {
		return types.BlockHeader{}, err
	}
	return h, nil
}
