package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/btc-vision/opnet-engine/gas"
	"github.com/btc-vision/opnet-engine/isolator"
	"github.com/btc-vision/opnet-engine/log"
	"github.com/btc-vision/opnet-engine/store"
	"github.com/btc-vision/opnet-engine/vmmanager"
)

// env bundles everything a subcommand needs: the storage backend (closed
// on exit if it owns an on-disk handle), the isolator (closed on exit),
// and a ready-to-use Manager.
type env struct {
	manager *vmmanager.Manager
	backend vmmanager.StorageBackend
	closers []func() error
}

func (e *env) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openEnv wires a Manager against either an on-disk pebble store (when
// datadir is non-empty) or an in-memory one, backed by a fresh wazero
// isolator.
func openEnv(ctx context.Context, datadir string) (*env, error) {
	e := &env{}

	var contracts vmmanager.ContractStore
	var backend vmmanager.StorageBackend
	if datadir != "" {
		p, err := store.OpenPebble(filepath.Join(datadir, "engine.db"))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, p.Close)
		contracts, backend = p, p
	} else {
		m := store.NewMemory()
		contracts, backend = m, m
	}

	iso, err := isolator.New(ctx, log.Default())
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("enginectl: start isolator: %w", err)
	}
	e.closers = append(e.closers, func() error { return iso.Close(ctx) })

	e.manager = vmmanager.New(vmmanager.Config{
		Contracts:             contracts,
		Backend:               backend,
		Runner:                newWazeroRunner(iso),
		Logger:                log.Default(),
		SatToGasRatio:         gas.Base,
		MaxGasPerTransaction:  1_000_000_000,
		EmulationMaxGas:       10_000_000,
		StorageCacheSizeBytes: 1 << 24,
	})
	e.backend = backend
	return e, nil
}
