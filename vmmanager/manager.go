// Package vmmanager implements the VM Manager (spec component 4.G): block
// lifecycle (prepare/execute/update/save/revert), a per-block
// contract-record cache (every invocation builds a fresh contract instance
// and evaluator), external-call dispatch, and proof verification against
// historical block headers.
package vmmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btc-vision/opnet-engine/evaluator"
	"github.com/btc-vision/opnet-engine/gas"
	"github.com/btc-vision/opnet-engine/header"
	"github.com/btc-vision/opnet-engine/isolator"
	"github.com/btc-vision/opnet-engine/log"
	"github.com/btc-vision/opnet-engine/metrics"
	"github.com/btc-vision/opnet-engine/receipttrie"
	"github.com/btc-vision/opnet-engine/statetrie"
	"github.com/btc-vision/opnet-engine/storage"
	"github.com/btc-vision/opnet-engine/types"
)

// Default wall-clock deadlines for the per-instance timeout spec 4.E
// requires. Read-only simulation gets a flat 2s; mutating frames get a
// floor plus a budget proportional to the fee actually burned for them, so
// a transaction paying for more gas also buys more wall-clock time to spend
// it in.
const (
	defaultSimulationTimeout  = 2 * time.Second
	defaultMinFrameTimeout    = 2 * time.Second
	defaultFrameTimeoutPerSat = time.Microsecond
)

// State is one node of the manager's block-lifecycle state machine. It
// replaces a mutable busy flag: PrepareBlock, ExecuteTransaction,
// DeployContract, UpdateEvaluatedStates, SaveBlock and RevertBlock check it
// and fail with types.ErrConcurrencyDetected when called in the wrong
// lifecycle state. Execute and ExecuteCall do not check it.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateExecuting
	StateFrozen
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePreparing:
		return "PREPARING"
	case StateExecuting:
		return "EXECUTING"
	case StateFrozen:
		return "FROZEN"
	default:
		return "UNKNOWN"
	}
}

// ContractStore is the contract-identity half of the storage interface
// (spec §6): deployment records and virtual-to-canonical address
// resolution.
type ContractStore interface {
	GetContractAt(address types.Address, height uint64) (types.ContractRecord, bool, error)
	GetContractAddressAt(address types.Address, height uint64) (types.Address, bool, error)
	SetContractAt(record types.ContractRecord) error
}

// StorageBackend is the persistent-storage half of the storage interface
// (spec §6): proven point reads, batched commit of a block's dirty
// pointers, and block header persistence/retrieval.
type StorageBackend interface {
	GetStorage(contract types.Address, pointer types.Pointer) (types.ProvenValue, bool, error)
	GetStorageMultiple(contract types.Address, pointers []types.Pointer) ([]types.ProvenValue, error)
	SetStoragePointers(height uint64, commits []StorageCommit) error
	SaveBlockHeader(h types.BlockHeader) error
	GetBlockHeader(height uint64) (types.BlockHeader, bool, error)
	GetLatestBlock() (types.BlockHeader, bool, error)
}

// StorageCommit is one (contract, pointer) -> (value, proofs) tuple handed
// to the backend at block close, per spec's set_storage_pointers.
type StorageCommit struct {
	Contract types.Address
	Pointer  types.Pointer
	Value    types.Value
	Proofs   []types.Address
}

// ContractRunner instantiates a fresh, ready-to-run contract instance from
// bytecode. Declared narrow and injected so tests can fake it without
// standing up a real wazero runtime; the production implementation wraps
// an *isolator.Isolator.
type ContractRunner interface {
	Load(ctx context.Context, bytecode []byte) (evaluator.ContractInstance, error)
}

// Transaction is one mutating invocation within a block.
type Transaction struct {
	ID              types.Address // used as the receipt tree's txID leaf component
	ContractAddress types.Address
	Calldata        []byte
	Caller          types.Address
	TxOrigin        types.Address
	BurnedFee       uint64 // satoshis; converted to a gas budget via the configured ratio
}

// DeployTransaction is a constructor invocation that, on success, registers
// a new contract record.
type DeployTransaction struct {
	Transaction
	Bytecode []byte
	Deployer types.Address
	Salt     [32]byte
}

// Config wires a Manager's dependencies and tunables.
type Config struct {
	Contracts ContractStore
	Backend   StorageBackend
	Runner    ContractRunner
	Logger    *log.Logger

	// SatToGasRatio is the fixed-point sat->gas conversion ratio consumed
	// by gas.ConvertSatToGas (scaled by gas.Base).
	SatToGasRatio uint64

	// MaxGasPerTransaction caps the gas budget a block transaction can be
	// converted up to, regardless of burned fee.
	MaxGasPerTransaction uint64

	// EmulationMaxGas is the relaxed ceiling used by the read-only
	// Execute path (spec: EMULATION_MAX_GAS).
	EmulationMaxGas uint64

	// StorageCacheSizeBytes sizes the per-block fastcache proof cache
	// layered in front of the storage backend.
	StorageCacheSizeBytes int

	// MaxCallDepth bounds inter-contract call recursion. Zero uses
	// evaluator.MaxCallDepth.
	MaxCallDepth int

	// SimulationTimeout bounds Execute's read-only wall-clock budget. Zero
	// uses defaultSimulationTimeout (2s).
	SimulationTimeout time.Duration

	// MinFrameTimeout is the wall-clock floor every mutating frame gets
	// regardless of burned fee. Zero uses defaultMinFrameTimeout (2s).
	MinFrameTimeout time.Duration

	// FrameTimeoutPerSat scales a mutating frame's wall-clock deadline by
	// its burned fee, on top of MinFrameTimeout. Zero uses
	// defaultFrameTimeoutPerSat.
	FrameTimeoutPerSat time.Duration
}

// Manager drives one block-range's worth of execution. It is
// single-threaded cooperative: exactly one public operation runs at a time.
// mu serializes callers, so a concurrent caller waits for the running
// operation to return instead of failing; the typed state check rejects
// operations called out of lifecycle order.
type Manager struct {
	mu sync.Mutex

	contracts ContractStore
	backend   StorageBackend
	runner    ContractRunner
	log       *log.Logger

	satToGasRatio        uint64
	maxGasPerTransaction uint64
	emulationMaxGas      uint64
	cacheSizeBytes       int
	maxCallDepth         int

	simulationTimeout  time.Duration
	minFrameTimeout    time.Duration
	frameTimeoutPerSat time.Duration

	state  State
	height uint64

	stateTree   *statetrie.Tree
	receiptTree *receipttrie.Tree
	overlay     *storage.Overlay
	headerCache *header.Validator

	contractCache  map[types.Address]types.ContractRecord
	touchedPointers map[types.Address]map[types.Pointer]struct{}
	blockDirty      map[dirtyKey]StorageCommit

	currentHeight uint64
	currentMedian uint64
	currentOrigin types.Address

	callsTotal    *metrics.Counter
	revertsTotal  *metrics.Counter
	gasUsedBlock  *metrics.Histogram
}

type dirtyKey struct {
	contract types.Address
	pointer  types.Pointer
}

// frameDeadline computes a mutating frame's wall-clock budget: a fixed
// floor plus an amount proportional to the fee it burned, so the deadline
// tracks the gas budget's own sat-derived sizing instead of being a single
// global constant.
func (m *Manager) frameDeadline(burnedFee uint64) time.Duration {
	return m.minFrameTimeout + time.Duration(burnedFee)*m.frameTimeoutPerSat
}

// New builds an idle Manager. One Manager instance owns one disjoint range
// of block heights; run multiple instances for parallelism across ranges.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxDepth := cfg.MaxCallDepth
	if maxDepth == 0 {
		maxDepth = evaluator.MaxCallDepth
	}
	simulationTimeout := cfg.SimulationTimeout
	if simulationTimeout == 0 {
		simulationTimeout = defaultSimulationTimeout
	}
	minFrameTimeout := cfg.MinFrameTimeout
	if minFrameTimeout == 0 {
		minFrameTimeout = defaultMinFrameTimeout
	}
	frameTimeoutPerSat := cfg.FrameTimeoutPerSat
	if frameTimeoutPerSat == 0 {
		frameTimeoutPerSat = defaultFrameTimeoutPerSat
	}
	return &Manager{
		contracts:            cfg.Contracts,
		backend:              cfg.Backend,
		runner:               cfg.Runner,
		log:                  logger.Module("vmmanager"),
		satToGasRatio:        cfg.SatToGasRatio,
		maxGasPerTransaction: cfg.MaxGasPerTransaction,
		emulationMaxGas:      cfg.EmulationMaxGas,
		cacheSizeBytes:       cfg.StorageCacheSizeBytes,
		maxCallDepth:         maxDepth,
		simulationTimeout:    simulationTimeout,
		minFrameTimeout:      minFrameTimeout,
		frameTimeoutPerSat:   frameTimeoutPerSat,
		state:                StateIdle,
		headerCache:          header.NewValidator(cfg.Backend),
		callsTotal:           metrics.Default.Counter("engine_vmmanager_calls_total"),
		revertsTotal:         metrics.Default.Counter("engine_vmmanager_reverts_total"),
		gasUsedBlock:         metrics.Default.Histogram("engine_vmmanager_block_gas_used"),
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State { return m.state }

// PrepareBlock allocates fresh state and receipt trees for height and
// clears the per-block contract-record and touched-pointer caches. Legal
// only from Idle.
func (m *Manager) PrepareBlock(height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return fmt.Errorf("vmmanager: prepare_block in state %s: %w", m.state, types.ErrConcurrencyDetected)
	}
	m.state = StatePreparing
	m.height = height
	m.stateTree = statetrie.New()
	m.receiptTree = receipttrie.New()
	m.overlay = storage.New(&backendAdapter{backend: m.backend, validator: m.headerCache}, height, m.cacheSizeBytes)
	m.contractCache = make(map[types.Address]types.ContractRecord)
	m.touchedPointers = make(map[types.Address]map[types.Pointer]struct{})
	m.blockDirty = make(map[dirtyKey]StorageCommit)
	m.state = StateExecuting

	m.log.Info("block prepared", "height", height)
	return nil
}

func (m *Manager) requireExecuting(height uint64) error {
	if m.state != StateExecuting {
		return fmt.Errorf("vmmanager: operation in state %s: %w", m.state, types.ErrConcurrencyDetected)
	}
	if height != m.height {
		return fmt.Errorf("vmmanager: operation for height %d while preparing %d: %w", height, m.height, types.ErrConcurrencyDetected)
	}
	return nil
}

// ExecuteTransaction resolves tx.ContractAddress, converts its burned fee
// into a gas budget, runs the root frame, and on success folds the
// resulting writes into the block's state tree and the receipt tree.
// Reverted and contract-not-found transactions still produce a receipt
// entry; neither writes any state.
func (m *Manager) ExecuteTransaction(ctx context.Context, height, median, baseGas uint64, tx Transaction) (*types.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireExecuting(height); err != nil {
		return nil, err
	}
	m.currentHeight, m.currentMedian, m.currentOrigin = height, median, tx.TxOrigin
	m.callsTotal.Inc()

	record, found, err := m.resolveContractLocked(tx.ContractAddress, height)
	if err != nil {
		return nil, err
	}
	if !found {
		m.revertsTotal.Inc()
		m.receiptTree.Update(tx.ContractAddress, tx.ID, receipttrie.RevertMarker)
		return &types.Evaluation{Reverted: true, RevertReason: types.ErrContractNotFound.Error()}, nil
	}

	maxGas, err := gas.ConvertSatToGas(tx.BurnedFee, m.maxGasPerTransaction, m.satToGasRatio)
	if err != nil {
		return nil, err
	}
	execGas := gas.Scale(maxGas, baseGas)

	params := types.ExecutionParams{
		ContractAddress: tx.ContractAddress,
		Calldata:        tx.Calldata,
		Caller:          tx.Caller,
		TxOrigin:        tx.TxOrigin,
		MsgSender:       tx.Caller,
		BlockHeight:     height,
		BlockMedianTime: median,
		MaxGas:          execGas,
	}
	if params.Selector, err = types.ParseSelector(tx.Calldata); err != nil {
		m.revertsTotal.Inc()
		m.receiptTree.Update(tx.ContractAddress, tx.ID, receipttrie.RevertMarker)
		return &types.Evaluation{Reverted: true, RevertReason: err.Error(), GasUsed: 0}, nil
	}

	frameCtx, cancel := isolator.WithDeadline(ctx, m.frameDeadline(tx.BurnedFee))
	defer cancel()

	meter := gas.NewMeter(execGas)
	eval, err := m.invokeLocked(frameCtx, record, params, meter, m.overlay, 0)
	if err != nil {
		return nil, err
	}
	m.gasUsedBlock.Observe(float64(eval.GasUsed))

	if eval.Reverted {
		m.revertsTotal.Inc()
		m.receiptTree.Update(tx.ContractAddress, tx.ID, receipttrie.RevertMarker)
		return eval, nil
	}

	m.receiptTree.Update(tx.ContractAddress, tx.ID, eval.Result)
	m.applyDirty(eval.DirtyStorage)
	return eval, nil
}

// DeployContract invokes record's constructor frame (is_constructor=true)
// and persists the contract record only if the constructor frame succeeds.
func (m *Manager) DeployContract(ctx context.Context, height, median, baseGas uint64, deploy DeployTransaction) (*types.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireExecuting(height); err != nil {
		return nil, err
	}
	m.currentHeight, m.currentMedian, m.currentOrigin = height, median, deploy.TxOrigin

	record := types.ContractRecord{
		CanonicalAddress: deploy.ContractAddress,
		VirtualAddress:   deploy.ContractAddress,
		Deployer:         deploy.Deployer,
		Bytecode:         deploy.Bytecode,
		Salt:             deploy.Salt,
		DeployedAtHeight: height,
		DeployedTxID:     deploy.ID,
	}

	maxGas, err := gas.ConvertSatToGas(deploy.BurnedFee, m.maxGasPerTransaction, m.satToGasRatio)
	if err != nil {
		return nil, err
	}
	execGas := gas.Scale(maxGas, baseGas)

	params := types.ExecutionParams{
		ContractAddress: deploy.ContractAddress,
		Calldata:        deploy.Calldata,
		Caller:          deploy.Deployer,
		TxOrigin:        deploy.TxOrigin,
		MsgSender:       deploy.Deployer,
		BlockHeight:     height,
		BlockMedianTime: median,
		IsConstructor:   true,
		MaxGas:          execGas,
	}

	frameCtx, cancel := isolator.WithDeadline(ctx, m.frameDeadline(deploy.BurnedFee))
	defer cancel()

	meter := gas.NewMeter(execGas)
	eval, err := m.invokeLocked(frameCtx, record, params, meter, m.overlay, 0)
	if err != nil {
		return nil, err
	}

	if eval.Reverted {
		m.revertsTotal.Inc()
		m.receiptTree.Update(deploy.ContractAddress, deploy.ID, receipttrie.RevertMarker)
		return eval, nil
	}

	if err := m.contracts.SetContractAt(record); err != nil {
		return nil, fmt.Errorf("vmmanager: persist contract record: %w", err)
	}
	m.contractCache[record.CanonicalAddress] = record

	m.receiptTree.Update(deploy.ContractAddress, deploy.ID, eval.Result)
	m.applyDirty(eval.DirtyStorage)
	return eval, nil
}

// Execute runs a read-only call against the current (or a historical)
// height without mutating persistent state. The height selects which
// contract record is resolved and the block height the frame sees; storage
// reads return the latest committed values whatever the height. Writes
// produced by the frame are discarded once the call returns.
func (m *Manager) Execute(ctx context.Context, to, from types.Address, calldata []byte, height *uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queryHeight := m.height
	if height != nil {
		queryHeight = *height
	}

	record, found, err := m.resolveContractLocked(to, queryHeight)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrContractNotFound
	}

	selector, err := types.ParseSelector(calldata)
	if err != nil {
		return nil, err
	}

	overlay := m.overlay
	if overlay == nil {
		overlay = storage.New(&backendAdapter{backend: m.backend, validator: m.headerCache}, queryHeight, m.cacheSizeBytes)
	}
	scratch := overlay.Child()

	params := types.ExecutionParams{
		ContractAddress: to,
		Selector:        selector,
		Calldata:        calldata,
		Caller:          from,
		MsgSender:       from,
		BlockHeight:     queryHeight,
		MaxGas:          m.emulationMaxGas,
		ReadOnly:        true,
	}
	simCtx, cancel := isolator.WithDeadline(ctx, m.simulationTimeout)
	defer cancel()

	meter := gas.NewMeter(m.emulationMaxGas)
	eval, err := m.invokeLocked(simCtx, record, params, meter, scratch, 0)
	if err != nil {
		return nil, err
	}
	scratch.Discard()
	if eval.Reverted {
		return nil, types.NewExecutionReverted(eval.RevertReason)
	}
	return eval.Result, nil
}

// ExecuteCall implements evaluator.Host: it runs a nested frame on behalf
// of the contract currently occupying depth-1, forwarding all of the
// caller's remaining gas (gas.ForwardGas with the remaining amount as the
// request, since an external call carries no gas budget of its own) and
// refunding whatever the child frame doesn't spend back to the caller's
// meter, regardless of whether the child reverted.
func (m *Manager) ExecuteCall(ctx context.Context, call types.ExternalCall, caller types.Address, overlay *storage.Overlay, meter *gas.Meter, depth int) ([]byte, error) {
	if depth >= m.maxCallDepth {
		return nil, types.ErrCallDepthExceeded
	}

	record, found, err := m.resolveContractLocked(call.To, m.currentHeight)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrContractNotFound
	}

	selector, err := types.ParseSelector(call.Calldata)
	if err != nil {
		return nil, err
	}

	childGas, deduction := gas.ForwardGas(meter.Remaining(), meter.Remaining())
	if err := meter.Consume(deduction); err != nil {
		return nil, err
	}
	childMeter := gas.NewMeter(childGas)

	params := types.ExecutionParams{
		ContractAddress: call.To,
		Selector:        selector,
		Calldata:        call.Calldata,
		Caller:          caller,
		TxOrigin:        m.currentOrigin,
		MsgSender:       caller,
		BlockHeight:     m.currentHeight,
		BlockMedianTime: m.currentMedian,
		MaxGas:          childGas,
	}

	childCtx, cancel := isolator.WithDeadline(ctx, m.minFrameTimeout)
	defer cancel()

	eval, err := m.invokeLocked(childCtx, record, params, childMeter, overlay, depth)
	meter.Refund(childMeter) // parent absorbs the child's leftover gas unconditionally
	if err != nil {
		return nil, err
	}
	if eval.Reverted {
		if eval.RevertReason == types.ErrExecutionTimeout.Error() {
			return nil, &types.SubCallTimeout{ChildDepth: depth}
		}
		return nil, types.NewExecutionReverted(eval.RevertReason)
	}
	return eval.Result, nil
}

// PreReadKeys implements evaluator.Host. It returns every pointer this
// block has already touched for contract, the reference approximation of
// "every pointer resident in the block overlay" documented for this
// open question.
func (m *Manager) PreReadKeys(contract types.Address) []types.Pointer {
	set := m.touchedPointers[contract]
	keys := make([]types.Pointer, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// invokeLocked builds a fresh contract instance + evaluator for record and
// runs one invocation, layering a child overlay on top of the caller's.
// Must be called with m.mu held.
func (m *Manager) invokeLocked(ctx context.Context, record types.ContractRecord, params types.ExecutionParams, meter *gas.Meter, overlay *storage.Overlay, depth int) (*types.Evaluation, error) {
	instance, err := m.runner.Load(ctx, record.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("vmmanager: load contract: %w", err)
	}

	ev := evaluator.New(instance, m, record.CanonicalAddress, depth, m.log)
	if err := ev.Setup(ctx, record.Deployer, record.CanonicalAddress); err != nil {
		return &types.Evaluation{Reverted: true, RevertReason: err.Error()}, nil
	}

	child := overlay.Child()
	eval, err := ev.Execute(ctx, params, meter, child)
	if err != nil {
		return nil, err
	}
	if !eval.Reverted {
		// child holds record's own declared writes plus those of every
		// nested frame that succeeded, since each nested invokeLocked call
		// merged its own child into this one; DirtyStorage therefore
		// reports the whole subtree's writes, not just this frame's.
		child.MergeInto(overlay)
		eval.DirtyStorage = dirtyWrites(child.DirtyKeys())
	}
	return eval, nil
}

// dirtyWrites adapts storage.DirtyEntry to the types.StorageWrite shape an
// Evaluation reports.
func dirtyWrites(entries []storage.DirtyEntry) []types.StorageWrite {
	out := make([]types.StorageWrite, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.StorageWrite{Contract: e.Contract, Pointer: e.Pointer, Value: e.Value})
	}
	return out
}

// applyDirty folds a completed frame's writes into the block's state tree
// and the manager's per-contract touched-pointer index. Must be called
// with m.mu held.
func (m *Manager) applyDirty(writes []types.StorageWrite) {
	for _, w := range writes {
		m.stateTree.Update(w.Contract, w.Pointer, w.Value)

		set, ok := m.touchedPointers[w.Contract]
		if !ok {
			set = make(map[types.Pointer]struct{})
			m.touchedPointers[w.Contract] = set
		}
		set[w.Pointer] = struct{}{}

		m.blockDirty[dirtyKey{contract: w.Contract, pointer: w.Pointer}] = StorageCommit{
			Contract: w.Contract,
			Pointer:  w.Pointer,
			Value:    w.Value,
		}
	}
}

// resolveContractLocked resolves address (virtual or canonical) to its
// contract record, consulting the per-block cache before the contract
// store. Must be called with m.mu held.
func (m *Manager) resolveContractLocked(address types.Address, height uint64) (types.ContractRecord, bool, error) {
	if record, ok := m.contractCache[address]; ok {
		return record, true, nil
	}

	canonical, ok, err := m.contracts.GetContractAddressAt(address, height)
	if err != nil {
		return types.ContractRecord{}, false, fmt.Errorf("vmmanager: resolve address: %w", err)
	}
	if !ok {
		canonical = address
	}

	record, ok, err := m.contracts.GetContractAt(canonical, height)
	if err != nil {
		return types.ContractRecord{}, false, fmt.Errorf("vmmanager: load contract record: %w", err)
	}
	if !ok {
		return types.ContractRecord{}, false, nil
	}

	m.contractCache[address] = record
	m.contractCache[canonical] = record
	return record, true, nil
}

// UpdateEvaluatedStates freezes the receipt tree (stamping the
// previous-block checksum sentinel) and the state tree, generates proofs
// for every touched leaf, persists the block's dirty pointers, and returns
// the resulting roots.
func (m *Manager) UpdateEvaluatedStates(ctx context.Context, previousChecksum types.Address, version uint32) (storageRoot, receiptRoot types.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateExecuting {
		return types.Address{}, types.Address{}, fmt.Errorf("vmmanager: update_evaluated_states in state %s: %w", m.state, types.ErrConcurrencyDetected)
	}

	if err := m.receiptTree.SetPreviousChecksum(previousChecksum); err != nil {
		return types.Address{}, types.Address{}, err
	}
	if err := m.receiptTree.SetVersion(version); err != nil {
		return types.Address{}, types.Address{}, err
	}
	m.receiptTree.Freeze()
	m.stateTree.Freeze()

	if err := m.stateTree.GenerateTree(); err != nil {
		return types.Address{}, types.Address{}, err
	}

	commits := make([]StorageCommit, 0, len(m.blockDirty))
	for key, commit := range m.blockDirty {
		proof, err := m.stateTree.Prove(key.contract, key.pointer)
		if err != nil {
			return types.Address{}, types.Address{}, fmt.Errorf("vmmanager: prove %x/%x: %w", key.contract, key.pointer, err)
		}
		commit.Proofs = proof.Siblings
		commits = append(commits, commit)
	}
	if len(commits) > 0 {
		if err := m.backend.SetStoragePointers(m.height, commits); err != nil {
			return types.Address{}, types.Address{}, fmt.Errorf("vmmanager: persist storage: %w", err)
		}
	}

	m.state = StateFrozen
	return m.stateTree.Root(), m.receiptTree.Root(), nil
}

// SaveBlock writes the finished block's header to the storage interface
// and returns the manager to Idle, ready for the next PrepareBlock.
func (m *Manager) SaveBlock(h types.BlockHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateFrozen {
		return fmt.Errorf("vmmanager: save_block in state %s: %w", m.state, types.ErrConcurrencyDetected)
	}
	if err := m.backend.SaveBlockHeader(h); err != nil {
		return fmt.Errorf("vmmanager: save block header: %w", err)
	}
	m.state = StateIdle
	return nil
}

// RevertBlock discards the in-memory trees and overlay for the block in
// progress. Persistent storage is untouched: writes only reach the backend
// at UpdateEvaluatedStates, never before.
func (m *Manager) RevertBlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return fmt.Errorf("vmmanager: revert_block in state %s: %w", m.state, types.ErrConcurrencyDetected)
	}
	m.stateTree = nil
	m.receiptTree = nil
	m.overlay = nil
	m.contractCache = nil
	m.touchedPointers = nil
	m.blockDirty = nil
	m.state = StateIdle
	return nil
}
