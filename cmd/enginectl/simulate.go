package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

func runSimulate(ctx context.Context, args []string) error {
	fs := newFlagSet("simulate")
	datadir := fs.String("datadir", "", "on-disk pebble directory (empty: in-memory)")
	contract := fs.String("contract", "", "contract address to query (0x-prefixed, virtual or canonical)")
	caller := fs.String("caller", "", "caller address (0x-prefixed, 32 bytes)")
	calldataHex := fs.String("calldata", "", "method calldata, selector first 4 bytes (0x-prefixed hex)")
	atHeight := fs.Int64("height", -1, "historical height to query (default: chain tip)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *contract == "" || *caller == "" || *calldataHex == "" {
		return fmt.Errorf("simulate: -contract, -caller, and -calldata are required")
	}

	calldata, err := decodeHex(*calldataHex)
	if err != nil {
		return fmt.Errorf("simulate: calldata: %w", err)
	}

	e, err := openEnv(ctx, *datadir)
	if err != nil {
		return err
	}
	defer e.Close()

	var height *uint64
	if *atHeight >= 0 {
		h := uint64(*atHeight)
		height = &h
	} else if latest, ok, err := e.backend.GetLatestBlock(); err != nil {
		return err
	} else if ok {
		height = &latest.Height
	}

	result, err := e.manager.Execute(ctx, common.HexToHash(*contract), common.HexToHash(*caller), calldata, height)
	if err != nil {
		return err
	}
	fmt.Printf("result=%x\n", result)
	return nil
}
