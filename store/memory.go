// Package store provides reference implementations of the VM Manager's
// storage interface (spec component 4.L): a map-backed store for unit
// tests and a pebble-backed store for the CLI and integration tests. The
// engine itself only ever depends on vmmanager.ContractStore and
// vmmanager.StorageBackend — neither implementation here is load-bearing
// for correctness, only for running the engine without a real indexer
// attached.
package store

import (
	"sync"

	"github.com/btc-vision/opnet-engine/types"
	"github.com/btc-vision/opnet-engine/vmmanager"
)

type memoryKey struct {
	contract types.Address
	pointer  types.Pointer
}

// Memory is a map-backed ContractStore and StorageBackend, guarded by a
// single mutex. It keeps every contract record and storage write it has
// ever seen in memory, with no eviction — suitable for unit tests and
// short-lived CLI sessions, not for a long-running node.
type Memory struct {
	mu sync.RWMutex

	records            map[types.Address]types.ContractRecord
	virtualToCanonical map[types.Address]types.Address

	storage map[memoryKey]types.ProvenValue
	headers map[uint64]types.BlockHeader
	latest  uint64
	haveAny bool
}

var (
	_ vmmanager.ContractStore   = (*Memory)(nil)
	_ vmmanager.StorageBackend  = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:            make(map[types.Address]types.ContractRecord),
		virtualToCanonical: make(map[types.Address]types.Address),
		storage:            make(map[memoryKey]types.ProvenValue),
		headers:            make(map[uint64]types.BlockHeader),
	}
}

// GetContractAt returns the contract record registered under the given
// canonical address, provided it was deployed at or before height.
func (m *Memory) GetContractAt(address types.Address, height uint64) (types.ContractRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[address]
	if !ok || record.DeployedAtHeight > height {
		return types.ContractRecord{}, false, nil
	}
	return record, true, nil
}

// GetContractAddressAt resolves a virtual address to the canonical address
// it was mapped to at deployment, as of height. A miss is not an error —
// the caller treats the input address as already canonical.
func (m *Memory) GetContractAddressAt(address types.Address, height uint64) (types.Address, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	canonical, ok := m.virtualToCanonical[address]
	if !ok {
		return types.Address{}, false, nil
	}
	if record, ok := m.records[canonical]; !ok || record.DeployedAtHeight > height {
		return types.Address{}, false, nil
	}
	return canonical, true, nil
}

// SetContractAt registers a contract's deployment record under both its
// canonical and (if distinct) virtual address.
func (m *Memory) SetContractAt(record types.ContractRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[record.CanonicalAddress] = record
	if record.VirtualAddress != (types.Address{}) && record.VirtualAddress != record.CanonicalAddress {
		m.virtualToCanonical[record.VirtualAddress] = record.CanonicalAddress
	}
	return nil
}

// GetStorage returns the proven value last committed for (contract,
// pointer), or the zero value if the pointer has never been written.
func (m *Memory) GetStorage(contract types.Address, pointer types.Pointer) (types.ProvenValue, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pv, ok := m.storage[memoryKey{contract, pointer}]
	return pv, ok, nil
}

// GetStorageMultiple batches GetStorage for a single contract. A pointer
// that has never been written is returned as its zero ProvenValue, matching
// the single-pointer behavior rather than erroring.
func (m *Memory) GetStorageMultiple(contract types.Address, pointers []types.Pointer) ([]types.ProvenValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ProvenValue, len(pointers))
	for i, p := range pointers {
		out[i] = m.storage[memoryKey{contract, p}]
	}
	return out, nil
}

// SetStoragePointers commits a block's dirty pointers in one batch,
// stamping each with the block height they became visible at.
func (m *Memory) SetStoragePointers(height uint64, commits []vmmanager.StorageCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range commits {
		m.storage[memoryKey{c.Contract, c.Pointer}] = types.ProvenValue{
			Value:          c.Value,
			Proofs:         c.Proofs,
			LastSeenHeight: height,
		}
	}
	return nil
}

// SaveBlockHeader persists a block header and advances the latest pointer.
func (m *Memory) SaveBlockHeader(h types.BlockHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.headers[h.Height] = h
	if !m.haveAny || h.Height >= m.latest {
		m.latest = h.Height
		m.haveAny = true
	}
	return nil
}

// GetBlockHeader returns the header previously saved at height, if any.
func (m *Memory) GetBlockHeader(height uint64) (types.BlockHeader, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.headers[height]
	return h, ok, nil
}

// GetLatestBlock returns the highest-height header saved so far.
func (m *Memory) GetLatestBlock() (types.BlockHeader, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.haveAny {
		return types.BlockHeader{}, false, nil
	}
	return m.headers[m.latest], true, nil
}
