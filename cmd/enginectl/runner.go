package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/btc-vision/opnet-engine/evaluator"
	"github.com/btc-vision/opnet-engine/isolator"
)

// wazeroRunner adapts an isolator.Isolator to vmmanager.ContractRunner: one
// compile (cached by content hash inside the isolator) plus one
// instantiation per Load call, handing back the fresh isolator.Instance as
// an evaluator.ContractInstance.
type wazeroRunner struct {
	iso     *isolator.Isolator
	counter atomic.Uint64
}

func newWazeroRunner(iso *isolator.Isolator) *wazeroRunner {
	return &wazeroRunner{iso: iso}
}

func (r *wazeroRunner) Load(ctx context.Context, bytecode []byte) (evaluator.ContractInstance, error) {
	compiled, err := r.iso.Compile(ctx, bytecode)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("instance-%d", r.counter.Add(1))
	return r.iso.Instantiate(ctx, compiled, name)
}
