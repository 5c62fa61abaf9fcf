// Package isolator implements the WASM sandbox (spec component 4.E): it
// compiles contract bytecode, instantiates one module per contract with a
// minimal host import surface (abort, log), and exposes the ABI the
// Contract Evaluator drives a contract through.
package isolator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/crypto/sha3"

	"github.com/btc-vision/opnet-engine/log"
	"github.com/btc-vision/opnet-engine/types"
)

// ErrNotInitialized is returned when an ABI call is made before setup's
// INIT call has run.
var ErrNotInitialized = errors.New("isolator: module not initialized")

// ErrMissingExport is returned when bytecode doesn't export a required ABI
// function.
var ErrMissingExport = errors.New("isolator: missing required export")

// Isolator owns a wazero runtime and a content-hash-keyed compiled-module
// cache shared across every contract instantiation in the process.
type Isolator struct {
	runtime wazero.Runtime
	env     api.Module

	mu    sync.Mutex
	cache map[[32]byte]wazero.CompiledModule

	log *log.Logger
}

// New creates an Isolator with a fresh wazero runtime and its host import
// module ("env": abort, log) instantiated.
func New(ctx context.Context, logger *log.Logger) (*Isolator, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true))

	iso := &Isolator{
		runtime: runtime,
		cache:   make(map[[32]byte]wazero.CompiledModule),
		log:     logger,
	}

	env, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(iso.hostAbort).Export("abort").
		NewFunctionBuilder().WithFunc(iso.hostLog).Export("log").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("isolator: instantiate host module: %w", err)
	}
	iso.env = env
	return iso, nil
}

// Close releases the underlying wazero runtime and every compiled module.
func (iso *Isolator) Close(ctx context.Context) error {
	return iso.runtime.Close(ctx)
}

func (iso *Isolator) hostAbort(ctx context.Context, mod api.Module, codePtr, lenVal uint32) {
	msg, _ := readGuestBytes(mod, codePtr, lenVal)
	iso.log.Warn("contract aborted", "message", string(msg))
}

func (iso *Isolator) hostLog(ctx context.Context, mod api.Module, ptr, length uint32) {
	msg, _ := readGuestBytes(mod, ptr, length)
	iso.log.Debug("contract log", "message", string(msg))
}

// contentHash returns the Keccak-256 hash of bytecode, used both as the
// module cache key and as the deterministic "module hash" spec 4.E
// requires (same bytecode compiles to the same module identity).
func contentHash(bytecode []byte) [32]byte {
	d := sha3.NewLegacyKeccak256()
	d.Write(bytecode)
	var out [32]byte
	d.Sum(out[:0])
	return out
}

// Compile compiles bytecode, returning a cached CompiledModule if this
// exact bytecode has been compiled before in this process.
func (iso *Isolator) Compile(ctx context.Context, bytecode []byte) (wazero.CompiledModule, error) {
	hash := contentHash(bytecode)

	iso.mu.Lock()
	if cm, ok := iso.cache[hash]; ok {
		iso.mu.Unlock()
		return cm, nil
	}
	iso.mu.Unlock()

	cm, err := iso.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, fmt.Errorf("isolator: compile: %w", err)
	}

	iso.mu.Lock()
	iso.cache[hash] = cm
	iso.mu.Unlock()
	return cm, nil
}

// Instance wraps one instantiated contract module, bound to a single
// execution.
type Instance struct {
	module        api.Module
	memory        api.Memory
	initialized   bool
	allocExport   api.Function
}

// Instantiate creates a fresh module instance from compiled bytecode. Each
// invocation gets its own Instance — contract state does not persist
// across calls; everything the contract needs back is pulled out through
// the ABI before the instance is discarded.
func (iso *Isolator) Instantiate(ctx context.Context, compiled wazero.CompiledModule, instanceName string) (*Instance, error) {
	config := wazero.NewModuleConfig().WithName(instanceName).WithStartFunctions()

	mod, err := iso.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return nil, fmt.Errorf("isolator: instantiate: %w", err)
	}

	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return nil, fmt.Errorf("%w: alloc", ErrMissingExport)
	}

	return &Instance{module: mod, memory: mod.Memory(), allocExport: alloc}, nil
}

// Close releases this instance's linear memory and module handle.
func (in *Instance) Close(ctx context.Context) error {
	return in.module.Close(ctx)
}

// Init calls the contract's INIT(deployer, self_address) export.
func (in *Instance) Init(ctx context.Context, deployer, self types.Address) error {
	payload := append(append([]byte{}, deployer[:]...), self[:]...)
	if err := in.callVoidWithBytes(ctx, "init", payload); err != nil {
		return err
	}
	in.initialized = true
	return nil
}

// IsInitialized reports whether Init has completed successfully.
func (in *Instance) IsInitialized() bool {
	return in.initialized
}

// ReadMethod invokes a mutating entry point.
func (in *Instance) ReadMethod(ctx context.Context, selector types.Selector, calldata []byte, caller types.Address) ([]byte, error) {
	if !in.initialized {
		return nil, ErrNotInitialized
	}
	payload := make([]byte, 0, 4+len(calldata)+32)
	var selBytes [4]byte
	binary.BigEndian.PutUint32(selBytes[:], uint32(selector))
	payload = append(payload, selBytes[:]...)
	payload = append(payload, calldata...)
	payload = append(payload, caller[:]...)
	return in.callBytesWithBytes(ctx, "readMethod", payload)
}

// ReadView invokes a non-mutating entry point. Neither the isolator nor
// the evaluator rejects storage writes made during a view call: the
// evaluator still collects them through getModifiedStorage into the
// frame's overlay, and the VM Manager's read-only Execute runs the call on
// a scratch overlay that it discards afterwards, so they never persist.
func (in *Instance) ReadView(ctx context.Context, selector types.Selector) ([]byte, error) {
	if !in.initialized {
		return nil, ErrNotInitialized
	}
	var selBytes [4]byte
	binary.BigEndian.PutUint32(selBytes[:], uint32(selector))
	return in.callBytesWithBytes(ctx, "readView", selBytes[:])
}

// GetMethodABI, GetViewABI, GetEvents, GetWriteMethods are introspection
// calls with no input.
func (in *Instance) GetMethodABI(ctx context.Context) ([]byte, error)   { return in.callBytes(ctx, "getMethodABI") }
func (in *Instance) GetViewABI(ctx context.Context) ([]byte, error)     { return in.callBytes(ctx, "getViewABI") }
func (in *Instance) GetEvents(ctx context.Context) ([]byte, error)      { return in.callBytes(ctx, "getEvents") }
func (in *Instance) GetWriteMethods(ctx context.Context) ([]byte, error) {
	return in.callBytes(ctx, "getWriteMethods")
}

// SetEnvironment pushes the encoded environment block into the contract.
func (in *Instance) SetEnvironment(ctx context.Context, env []byte) error {
	return in.callVoidWithBytes(ctx, "setEnvironment", env)
}

// SetMaxGas informs the contract of its gas budget and gas already used.
func (in *Instance) SetMaxGas(ctx context.Context, maxGas, used uint64) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], maxGas)
	binary.LittleEndian.PutUint64(buf[8:16], used)
	return in.callVoidWithBytes(ctx, "setMaxGas", buf)
}

// LoadStorage pushes the encoded pre-read storage snapshot.
func (in *Instance) LoadStorage(ctx context.Context, snapshot []byte) error {
	return in.callVoidWithBytes(ctx, "loadStorage", snapshot)
}

// GetModifiedStorage retrieves the contract's dirty-storage report.
func (in *Instance) GetModifiedStorage(ctx context.Context) ([]byte, error) {
	return in.callBytes(ctx, "getModifiedStorage")
}

// GetCalls retrieves the contract's pending outbound call batch.
func (in *Instance) GetCalls(ctx context.Context) ([]byte, error) {
	return in.callBytes(ctx, "getCalls")
}

// LoadCallsResponse pushes executed call results back into the contract.
func (in *Instance) LoadCallsResponse(ctx context.Context, response []byte) error {
	return in.callVoidWithBytes(ctx, "loadCallsResponse", response)
}

// PurgeMemory releases any contract-side scratch buffers between calls
// within the same instance's lifetime.
func (in *Instance) PurgeMemory(ctx context.Context) error {
	fn := in.module.ExportedFunction("purgeMemory")
	if fn == nil {
		return nil
	}
	_, err := fn.Call(ctx)
	return wrapTimeout(err)
}

func (in *Instance) callBytes(ctx context.Context, export string) ([]byte, error) {
	fn := in.module.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, export)
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	ptr, length := unpackPointerLength(results[0])
	return readGuestBytes(in.module, ptr, length)
}

func (in *Instance) callVoidWithBytes(ctx context.Context, export string, payload []byte) error {
	fn := in.module.ExportedFunction(export)
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrMissingExport, export)
	}
	ptr, err := in.writeGuestBytes(ctx, payload)
	if err != nil {
		return err
	}
	_, err = fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	return wrapTimeout(err)
}

func (in *Instance) callBytesWithBytes(ctx context.Context, export string, payload []byte) ([]byte, error) {
	fn := in.module.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, export)
	}
	ptr, err := in.writeGuestBytes(ctx, payload)
	if err != nil {
		return nil, err
	}
	results, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, wrapTimeout(err)
	}
	outPtr, outLen := unpackPointerLength(results[0])
	return readGuestBytes(in.module, outPtr, outLen)
}

func (in *Instance) writeGuestBytes(ctx context.Context, payload []byte) (uint32, error) {
	results, err := in.allocExport.Call(ctx, uint64(len(payload)))
	if err != nil {
		return 0, wrapTimeout(err)
	}
	ptr := uint32(results[0])
	if !in.memory.Write(ptr, payload) {
		return 0, fmt.Errorf("isolator: guest memory write out of bounds at %d", ptr)
	}
	return ptr, nil
}

func readGuestBytes(mod api.Module, ptr, length uint32) ([]byte, error) {
	mem := mod.Memory()
	raw, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("isolator: guest memory read out of bounds at %d (len %d)", ptr, length)
	}
	return append([]byte(nil), raw...), nil
}

// unpackPointerLength splits a packed i64 return value into a (pointer,
// length) pair: high 32 bits are the pointer, low 32 bits are the length.
// Contracts compiled against this ABI must return results this way from
// every byte-returning export.
func unpackPointerLength(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// wrapTimeout turns a context-deadline error surfaced by wazero's
// CloseOnContextDone into the engine's own timeout error, which the
// evaluator treats as a revert collapsing every frame above it (spec
// 4.E: "A timeout is reported as EXECUTION_TIMEOUT and treated as
// revert").
func wrapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrExecutionTimeout
	}
	return err
}

// WithDeadline returns a context bounded by the per-instance wall-clock
// timeout spec 4.E requires (2s for simulation calls, longer for block
// processing — callers choose the duration; the isolator enforces
// whatever it's handed).
func WithDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
