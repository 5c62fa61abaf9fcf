// Package storage implements the per-execution copy-on-write storage
// overlay (spec component 4.B): a write buffer layered over a parent
// overlay, a block-wide proven-read cache, and the persistent backend.
package storage

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/btc-vision/opnet-engine/types"
)

// Backend is the narrow persistence interface the engine consumes from its
// host (spec §6). The engine never opens a database itself; it is handed
// one of these at construction.
type Backend interface {
	// Get returns the proven value for (contract, pointer), or ok=false if
	// the slot has never been written. height is the block of the reading
	// overlay; the VM Manager's implementation does not consult it and
	// returns the latest committed value.
	Get(contract types.Address, pointer types.Pointer, height uint64) (value types.Value, proofs []types.Address, ok bool, err error)
}

// ProofCacheKey is the key a proven read is cached under: one block's
// overlay tree caches every first-seen read so repeat reads within the
// same block skip the backend round trip.
type ProofCacheKey struct {
	Contract types.Address
	Pointer  types.Pointer
}

// Overlay is a frame-scoped copy-on-write view over storage. Nested calls
// create a child Overlay via Child; writes accumulate in the
// child's local map and only become visible to siblings once MergeInto is
// called by the frame that owns them.
type Overlay struct {
	mu     sync.RWMutex
	parent *Overlay
	local  map[ProofCacheKey]types.Value

	// blockCache is shared by every overlay in a block's call tree: the
	// outermost overlay owns it, children just hold a reference. Only the
	// outermost overlay's proof cache actually gets populated per spec
	// 4.B ("cached in the outermost block overlay").
	blockCache *fastcache.Cache
	backend    Backend
	height     uint64
}

// New creates a root overlay for a block, backed by persistent storage and
// a fresh proof cache of the given size in bytes.
func New(backend Backend, height uint64, cacheSizeBytes int) *Overlay {
	return &Overlay{
		local:      make(map[ProofCacheKey]types.Value),
		blockCache: fastcache.New(cacheSizeBytes),
		backend:    backend,
		height:     height,
	}
}

// Child creates a nested overlay for a sub-call frame, sharing this
// overlay's proof cache and backend but starting with an empty local write
// buffer.
func (o *Overlay) Child() *Overlay {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return &Overlay{
		parent:     o,
		local:      make(map[ProofCacheKey]types.Value),
		blockCache: o.blockCache,
		backend:    o.backend,
		height:     o.height,
	}
}

// Get resolves a read through the lookup chain: this overlay's local
// writes, then each ancestor overlay, then the block-wide proof cache,
// then the persistent backend, defaulting to the zero value on a total
// miss (spec 4.B: "a pointer that has not been written defaults to the
// zero value").
func (o *Overlay) Get(contract types.Address, pointer types.Pointer) (types.Value, error) {
	key := ProofCacheKey{Contract: contract, Pointer: pointer}

	for cur := o; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.local[key]
		cur.mu.RUnlock()
		if ok {
			return v, nil
		}
	}

	if cached, ok := o.readCache(key); ok {
		return cached, nil
	}

	if o.backend == nil {
		return types.ZeroValue, nil
	}

	value, proofs, ok, err := o.backend.Get(contract, pointer, o.height)
	if err != nil {
		return types.Value{}, err
	}
	if !ok {
		return types.ZeroValue, nil
	}

	o.writeCache(key, value, proofs)
	return value, nil
}

// Set buffers a write in this overlay's local map. It never touches the
// parent until MergeInto is called.
func (o *Overlay) Set(contract types.Address, pointer types.Pointer, value types.Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.local[ProofCacheKey{Contract: contract, Pointer: pointer}] = value
}

// DirtyEntry is one buffered write, as returned by DirtyKeys.
type DirtyEntry struct {
	Contract types.Address
	Pointer  types.Pointer
	Value    types.Value
}

// DirtyKeys returns every write buffered in this overlay's local map (not
// its ancestors' — those are not yet this frame's concern).
func (o *Overlay) DirtyKeys() []DirtyEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]DirtyEntry, 0, len(o.local))
	for k, v := range o.local {
		out = append(out, DirtyEntry{Contract: k.Contract, Pointer: k.Pointer, Value: v})
	}
	return out
}

// MergeInto flows this overlay's writes up into a parent overlay. Called
// on frame commit; never called on revert, per spec 4.B ("on frame revert
// they are discarded").
func (o *Overlay) MergeInto(parent *Overlay) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	parent.mu.Lock()
	defer parent.mu.Unlock()
	for k, v := range o.local {
		parent.local[k] = v
	}
}

// Discard drops this overlay's buffered writes without merging them
// anywhere. Safe to call on an overlay whose frame reverted; a no-op
// beyond letting the overlay become garbage, since nothing ever read from
// it once discarded.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.local = make(map[ProofCacheKey]types.Value)
}

func (o *Overlay) readCache(key ProofCacheKey) (types.Value, bool) {
	raw, ok := o.blockCache.HasGet(nil, cacheKeyBytes(key))
	if !ok {
		return types.Value{}, false
	}
	var v types.Value
	if len(raw) >= len(v) {
		copy(v[:], raw[:len(v)])
	}
	return v, true
}

func (o *Overlay) writeCache(key ProofCacheKey, value types.Value, proofs []types.Address) {
	// The cache stores the value only, discarding proofs. This is safe not
	// because proofs are generally re-derivable for a cached value — a
	// historical backend read has no live tree to re-prove against later —
	// but because the only caller, Get's backend-miss path, already ran
	// this exact value through o.backend.Get's own proof verification
	// (backendAdapter.Get checks it against the historical header before
	// the value ever reaches here) before it was ever handed to writeCache.
	// The verification already happened once; caching the proof again
	// would have nothing left to check it against.
	_ = proofs
	o.blockCache.Set(cacheKeyBytes(key), value[:])
}

func cacheKeyBytes(key ProofCacheKey) []byte {
	buf := make([]byte, 0, len(key.Contract)+len(key.Pointer))
	buf = append(buf, key.Contract[:]...)
	buf = append(buf, key.Pointer[:]...)
	return buf
}
