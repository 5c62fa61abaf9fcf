// Package evaluator implements the per-invocation Contract Evaluator state
// machine (spec component 4.F): setup, environment/gas/storage wiring,
// execution, nested call dispatch, and harvest-on-completion.
package evaluator

import (
	"context"
	"fmt"

	"github.com/btc-vision/opnet-engine/gas"
	"github.com/btc-vision/opnet-engine/isolator"
	"github.com/btc-vision/opnet-engine/log"
	"github.com/btc-vision/opnet-engine/storage"
	"github.com/btc-vision/opnet-engine/types"
)

// State is one node of the evaluator's per-invocation state machine.
type State int

const (
	StateLoaded State = iota
	StateEnvSet
	StateGasSet
	StateStorageLoaded
	StateRunning
	StateCallRequested
	StateDone
	StateReverted
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "LOADED"
	case StateEnvSet:
		return "ENV_SET"
	case StateGasSet:
		return "GAS_SET"
	case StateStorageLoaded:
		return "STORAGE_LOADED"
	case StateRunning:
		return "RUNNING"
	case StateCallRequested:
		return "CALL_REQUESTED"
	case StateDone:
		return "DONE"
	case StateReverted:
		return "REVERTED"
	default:
		return "UNKNOWN"
	}
}

// ContractInstance is the subset of isolator.Instance the evaluator drives.
// Declared here, narrow, so tests can supply a fake without standing up a
// real wazero module.
type ContractInstance interface {
	Init(ctx context.Context, deployer, self types.Address) error
	SetEnvironment(ctx context.Context, env []byte) error
	SetMaxGas(ctx context.Context, maxGas, used uint64) error
	LoadStorage(ctx context.Context, snapshot []byte) error
	ReadMethod(ctx context.Context, selector types.Selector, calldata []byte, caller types.Address) ([]byte, error)
	ReadView(ctx context.Context, selector types.Selector) ([]byte, error)
	GetCalls(ctx context.Context) ([]byte, error)
	LoadCallsResponse(ctx context.Context, response []byte) error
	GetModifiedStorage(ctx context.Context) ([]byte, error)
	GetEvents(ctx context.Context) ([]byte, error)
}

// Host is the capability interface the evaluator uses to resolve and run
// nested external calls. It is handed in at construction — never a
// package-level global — so a test can supply a fake without reaching
// into any engine singleton.
type Host interface {
	// ExecuteCall runs to(calldata) as a nested frame layered on the
	// current overlay and returns its raw result bytes. caller is this
	// frame's own contract address, meter is this frame's gas meter (the
	// Host forwards all of its remaining gas to the child and refunds
	// whatever the child doesn't spend). The Host (the VM
	// Manager) is responsible for call-depth enforcement across the
	// whole tree; this package only tracks its own frame's local depth.
	ExecuteCall(ctx context.Context, call types.ExternalCall, caller types.Address, overlay *storage.Overlay, meter *gas.Meter, depth int) ([]byte, error)

	// PreReadKeys returns the storage pointers to pre-load for contract
	// before execution starts. The reference VM Manager supplies every
	// pointer already resident in the block's overlay for that contract;
	// a production host may instead consult a declared read-set from the
	// contract's ABI metadata.
	PreReadKeys(contract types.Address) []types.Pointer
}

// MaxCallDepth bounds inter-contract call recursion (spec invariant on
// call depth). MaxDeployDepth is declared for constructor-triggered
// deployments but is not consulted anywhere: no code path lets a running
// frame deploy a contract.
const (
	MaxCallDepth   = 1024
	MaxDeployDepth = 16
)

// Evaluator drives one contract instance through the state machine for one
// top-level invocation, including any nested calls it triggers.
type Evaluator struct {
	instance ContractInstance
	host     Host
	log      *log.Logger

	state    State
	contract types.Address
	depth    int

	meter   *gas.Meter
	overlay *storage.Overlay
	events  []types.Event
}

// New creates an Evaluator bound to an already-instantiated contract
// module. One Evaluator is used for exactly one invocation (including any
// sub-calls it drives); the VM Manager creates a fresh one per root frame.
func New(instance ContractInstance, host Host, contract types.Address, depth int, logger *log.Logger) *Evaluator {
	return &Evaluator{
		instance: instance,
		host:     host,
		log:      logger.Module("evaluator"),
		state:    StateLoaded,
		contract: contract,
		depth:    depth,
	}
}

// State returns the evaluator's current state machine node.
func (e *Evaluator) State() State { return e.state }

// Setup calls the contract's INIT export and moves LOADED -> ENV_SET.
func (e *Evaluator) Setup(ctx context.Context, deployer, self types.Address) error {
	if e.state != StateLoaded {
		return fmt.Errorf("evaluator: setup called in state %s", e.state)
	}
	if err := e.instance.Init(ctx, deployer, self); err != nil {
		return fmt.Errorf("evaluator: init: %w", err)
	}
	e.state = StateEnvSet
	return nil
}

// Execute runs params through ENV_SET -> GAS_SET -> STORAGE_LOADED ->
// RUNNING, resolving any nested calls the contract requests along the way,
// and returns the harvested Evaluation once the invocation settles into
// DONE or REVERTED.
func (e *Evaluator) Execute(ctx context.Context, params types.ExecutionParams, meter *gas.Meter, overlay *storage.Overlay) (*types.Evaluation, error) {
	if e.state != StateEnvSet {
		return nil, fmt.Errorf("evaluator: execute called in state %s", e.state)
	}
	e.meter = meter
	e.overlay = overlay

	if err := e.instance.SetEnvironment(ctx, isolator.EncodeEnvironment(params)); err != nil {
		return e.revert(ctx, err)
	}
	e.state = StateGasSet

	if err := e.instance.SetMaxGas(ctx, meter.Limit(), meter.Used()); err != nil {
		return e.revert(ctx, err)
	}

	snapshot, err := e.loadStorageSnapshot(ctx, params.ContractAddress)
	if err != nil {
		return e.revert(ctx, err)
	}
	e.state = StateStorageLoaded

	if err := e.instance.LoadStorage(ctx, snapshot); err != nil {
		return e.revert(ctx, err)
	}
	e.state = StateRunning

	result, err := e.invokeEntry(ctx, params)
	if err != nil {
		return e.revert(ctx, err)
	}

	result, err = e.drainCalls(ctx, params, result)
	if err != nil {
		return e.revert(ctx, err)
	}

	return e.harvest(ctx, result)
}

// invokeEntry calls the contract's mutating or read-only entrypoint,
// whichever params selects.
func (e *Evaluator) invokeEntry(ctx context.Context, params types.ExecutionParams) ([]byte, error) {
	if params.IsConstructor || !params.ReadOnly {
		return e.instance.ReadMethod(ctx, params.Selector, params.Calldata, params.Caller)
	}
	return e.instance.ReadView(ctx, params.Selector)
}

// loadStorageSnapshot asks the Host which pointers to pre-load for
// contract and reads their current overlay values into the wire format
// the isolator expects.
func (e *Evaluator) loadStorageSnapshot(ctx context.Context, contract types.Address) ([]byte, error) {
	keys := e.host.PreReadKeys(contract)
	entries := make([]isolator.StorageEntry, 0, len(keys))
	for _, k := range keys {
		v, err := e.overlay.Get(contract, k)
		if err != nil {
			return nil, err
		}
		entries = append(entries, isolator.StorageEntry{Pointer: k, Value: v})
	}
	return isolator.EncodeStorageSnapshot(entries), nil
}

// drainCalls repeatedly pulls the contract's pending call batch, executes
// each request through the Host, feeds results back, and re-invokes the
// entrypoint so the contract can continue past the point it requested the
// calls — the guest has no synchronous call import, so its own result may
// depend on what a nested call returned. latest is updated to each
// re-invocation's return value; the RUNNING frame never advances to DONE
// while a call batch is pending.
func (e *Evaluator) drainCalls(ctx context.Context, params types.ExecutionParams, latest []byte) ([]byte, error) {
	for {
		batch, err := e.instance.GetCalls(ctx)
		if err != nil {
			return nil, err
		}
		calls, err := isolator.DecodeCallsBatch(batch)
		if err != nil {
			return nil, err
		}
		if len(calls) == 0 {
			return latest, nil
		}

		e.state = StateCallRequested

		results := make([][]byte, 0, len(calls))
		for _, call := range calls {
			res, err := e.host.ExecuteCall(ctx, call, e.contract, e.overlay, e.meter, e.depth+1)
			if err != nil {
				// A failed sub-call still reports back to the contract
				// rather than aborting the whole frame; the contract
				// decides how to react to an empty/error result.
				res = nil
			}
			results = append(results, res)
		}

		if err := e.instance.LoadCallsResponse(ctx, isolator.EncodeCallsResponse(results)); err != nil {
			return nil, err
		}
		e.state = StateRunning

		latest, err = e.invokeEntry(ctx, params)
		if err != nil {
			return nil, err
		}
	}
}

// harvest pulls dirty storage and events out of the contract and
// transitions to DONE.
func (e *Evaluator) harvest(ctx context.Context, result []byte) (*types.Evaluation, error) {
	modified, err := e.instance.GetModifiedStorage(ctx)
	if err != nil {
		return e.revert(ctx, err)
	}
	entries, err := isolator.DecodeModifiedStorage(modified)
	if err != nil {
		return e.revert(ctx, err)
	}
	for _, entry := range entries {
		e.overlay.Set(e.contract, entry.Pointer, entry.Value)
	}

	rawEvents, err := e.instance.GetEvents(ctx)
	if err != nil {
		return e.revert(ctx, err)
	}
	events, err := isolator.DecodeEvents(e.contract, rawEvents)
	if err != nil {
		return e.revert(ctx, err)
	}
	e.events = events

	e.state = StateDone

	dirty := make([]types.StorageWrite, 0, len(entries))
	for _, entry := range entries {
		dirty = append(dirty, types.StorageWrite{Contract: e.contract, Pointer: entry.Pointer, Value: entry.Value})
	}

	return &types.Evaluation{
		Result:       result,
		GasUsed:      e.meter.Used(),
		DirtyStorage: dirty,
		Events:       e.events,
	}, nil
}

// revert transitions to REVERTED, discards buffered storage writes, and
// returns an Evaluation carrying the revert reason and the gas already
// spent (spec invariant 5: a revert discards writes but preserves gas
// accounting).
func (e *Evaluator) revert(ctx context.Context, cause error) (*types.Evaluation, error) {
	e.state = StateReverted
	e.log.Warn("frame reverted", "contract", e.contract, "cause", cause)
	if e.overlay != nil {
		e.overlay.Discard()
	}

	reason := cause.Error()
	gasUsed := uint64(0)
	if e.meter != nil {
		gasUsed = e.meter.Used()
	}

	return &types.Evaluation{
		Reverted:     true,
		RevertReason: reason,
		GasUsed:      gasUsed,
	}, nil
}
