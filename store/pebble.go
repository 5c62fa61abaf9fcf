package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/btc-vision/opnet-engine/types"
	"github.com/btc-vision/opnet-engine/vmmanager"
)

// Key prefixes partition the single pebble keyspace into the four record
// kinds the interface needs, the way go-ethereum's freezer/leveldb schemas
// prefix every table's keys.
const (
	prefixContract byte = 'c'
	prefixVirtual  byte = 'v'
	prefixStorage  byte = 's'
	prefixHeader   byte = 'h'
)

var keyLatestHeader = []byte{'l'}

// Pebble is a github.com/cockroachdb/pebble-backed ContractStore and
// StorageBackend, for the CLI and for integration tests that want
// persistence across process restarts. Records are RLP-encoded, the same
// codec go-ethereum itself persists its own trie nodes and headers with.
type Pebble struct {
	db *pebble.DB
}

var (
	_ vmmanager.ContractStore  = (*Pebble)(nil)
	_ vmmanager.StorageBackend = (*Pebble)(nil)
)

// OpenPebble opens (creating if absent) a pebble database at dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble at %s: %w", dir, err)
	}
	return &Pebble{db: db}, nil
}

// Close releases the underlying pebble handle.
func (p *Pebble) Close() error {
	return p.db.Close()
}

func contractKey(address types.Address) []byte {
	return append([]byte{prefixContract}, address[:]...)
}

func virtualKey(address types.Address) []byte {
	return append([]byte{prefixVirtual}, address[:]...)
}

func storageKeyBytes(contract types.Address, pointer types.Pointer) []byte {
	k := make([]byte, 0, 1+32+32)
	k = append(k, prefixStorage)
	k = append(k, contract[:]...)
	k = append(k, pointer[:]...)
	return k
}

func headerKey(height uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixHeader
	binary.BigEndian.PutUint64(k[1:], height)
	return k
}

func (p *Pebble) get(key []byte, out interface{}) (bool, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := rlp.DecodeBytes(value, out); err != nil {
		return false, fmt.Errorf("store: decode %x: %w", key, err)
	}
	return true, nil
}

func (p *Pebble) set(key []byte, in interface{}) error {
	encoded, err := rlp.EncodeToBytes(in)
	if err != nil {
		return fmt.Errorf("store: encode %x: %w", key, err)
	}
	return p.db.Set(key, encoded, pebble.Sync)
}

// GetContractAt returns the contract record for a canonical address,
// provided it was deployed at or before height.
func (p *Pebble) GetContractAt(address types.Address, height uint64) (types.ContractRecord, bool, error) {
	var record types.ContractRecord
	ok, err := p.get(contractKey(address), &record)
	if err != nil || !ok || record.DeployedAtHeight > height {
		return types.ContractRecord{}, false, err
	}
	return record, true, nil
}

// GetContractAddressAt resolves a virtual address to its canonical address.
func (p *Pebble) GetContractAddressAt(address types.Address, height uint64) (types.Address, bool, error) {
	var canonical types.Address
	ok, err := p.get(virtualKey(address), &canonical)
	if err != nil || !ok {
		return types.Address{}, false, err
	}
	var record types.ContractRecord
	recOK, err := p.get(contractKey(canonical), &record)
	if err != nil || !recOK || record.DeployedAtHeight > height {
		return types.Address{}, false, err
	}
	return canonical, true, nil
}

// SetContractAt persists a contract's deployment record and, if its
// virtual address differs from its canonical one, the resolution mapping.
func (p *Pebble) SetContractAt(record types.ContractRecord) error {
	if err := p.set(contractKey(record.CanonicalAddress), &record); err != nil {
		return err
	}
	if record.VirtualAddress != (types.Address{}) && record.VirtualAddress != record.CanonicalAddress {
		if err := p.set(virtualKey(record.VirtualAddress), &record.CanonicalAddress); err != nil {
			return err
		}
	}
	return nil
}

// GetStorage returns the proven value last committed for (contract,
// pointer).
func (p *Pebble) GetStorage(contract types.Address, pointer types.Pointer) (types.ProvenValue, bool, error) {
	var pv types.ProvenValue
	ok, err := p.get(storageKeyBytes(contract, pointer), &pv)
	return pv, ok, err
}

// GetStorageMultiple batches reads for a single contract's pointers.
func (p *Pebble) GetStorageMultiple(contract types.Address, pointers []types.Pointer) ([]types.ProvenValue, error) {
	out := make([]types.ProvenValue, len(pointers))
	for i, ptr := range pointers {
		pv, _, err := p.GetStorage(contract, ptr)
		if err != nil {
			return nil, err
		}
		out[i] = pv
	}
	return out, nil
}

// SetStoragePointers commits a block's dirty pointers in a single pebble
// batch, so a crash mid-commit never leaves a half-written block visible.
func (p *Pebble) SetStoragePointers(height uint64, commits []vmmanager.StorageCommit) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	for _, c := range commits {
		pv := types.ProvenValue{Value: c.Value, Proofs: c.Proofs, LastSeenHeight: height}
		encoded, err := rlp.EncodeToBytes(&pv)
		if err != nil {
			return fmt.Errorf("store: encode storage commit: %w", err)
		}
		if err := batch.Set(storageKeyBytes(c.Contract, c.Pointer), encoded, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// SaveBlockHeader persists a block header and advances the latest pointer.
func (p *Pebble) SaveBlockHeader(h types.BlockHeader) error {
	if err := p.set(headerKey(h.Height), &h); err != nil {
		return err
	}

	var latest uint64
	hasLatest, err := p.get(keyLatestHeader, &latest)
	if err != nil {
		return err
	}
	if !hasLatest || h.Height >= latest {
		return p.set(keyLatestHeader, h.Height)
	}
	return nil
}

// GetBlockHeader returns the header saved at height, if any.
func (p *Pebble) GetBlockHeader(height uint64) (types.BlockHeader, bool, error) {
	var h types.BlockHeader
	ok, err := p.get(headerKey(height), &h)
	return h, ok, err
}

// GetLatestBlock returns the highest-height header saved so far.
func (p *Pebble) GetLatestBlock() (types.BlockHeader, bool, error) {
	var latest uint64
	ok, err := p.get(keyLatestHeader, &latest)
	if err != nil || !ok {
		return types.BlockHeader{}, false, err
	}
	return p.GetBlockHeader(latest)
}
