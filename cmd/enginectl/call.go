package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/btc-vision/opnet-engine/types"
	"github.com/btc-vision/opnet-engine/vmmanager"
)

func runCall(ctx context.Context, args []string) error {
	fs := newFlagSet("call")
	datadir := fs.String("datadir", "", "on-disk pebble directory (empty: in-memory)")
	contract := fs.String("contract", "", "contract address to invoke (0x-prefixed, virtual or canonical)")
	caller := fs.String("caller", "", "caller address (0x-prefixed, 32 bytes)")
	calldataHex := fs.String("calldata", "", "method calldata, selector first 4 bytes (0x-prefixed hex)")
	burnedFee := fs.Uint64("burned-fee", 100_000, "satoshis burned, converted to the gas budget")
	median := fs.Uint64("median-time", 0, "block median time")
	baseGas := fs.Uint64("base-gas", 0, "block's base-gas-per-unit scaling factor applied to the converted max-gas budget (0: no scaling)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *contract == "" || *caller == "" || *calldataHex == "" {
		return fmt.Errorf("call: -contract, -caller, and -calldata are required")
	}

	calldata, err := decodeHex(*calldataHex)
	if err != nil {
		return fmt.Errorf("call: calldata: %w", err)
	}

	e, err := openEnv(ctx, *datadir)
	if err != nil {
		return err
	}
	defer e.Close()

	height, prev, havePrev, err := nextHeight(e)
	if err != nil {
		return err
	}
	if err := e.manager.PrepareBlock(height); err != nil {
		return err
	}

	contractAddr := common.HexToHash(*contract)
	callerAddr := common.HexToHash(*caller)
	txID := callTxID(callerAddr, contractAddr, calldata)

	eval, err := e.manager.ExecuteTransaction(ctx, height, *median, *baseGas, vmmanager.Transaction{
		ID:              txID,
		ContractAddress: contractAddr,
		Calldata:        calldata,
		Caller:          callerAddr,
		TxOrigin:        callerAddr,
		BurnedFee:       *burnedFee,
	})
	if err != nil {
		return err
	}
	if eval.Reverted {
		if rbErr := e.manager.RevertBlock(); rbErr != nil {
			return rbErr
		}
		return fmt.Errorf("call reverted: %s", eval.RevertReason)
	}

	h, err := closeBlock(ctx, e, height, prev, havePrev)
	if err != nil {
		return err
	}
	fmt.Printf("call to %s at block %d: gas_used=%d result=%x dirty_writes=%d checksum_root=%x\n",
		contractAddr, h.Height, eval.GasUsed, eval.Result, len(eval.DirtyStorage), h.ChecksumRoot)
	return nil
}

func callTxID(caller, contract types.Address, calldata []byte) types.Address {
	d := sha3.NewLegacyKeccak256()
	d.Write(caller[:])
	d.Write(contract[:])
	d.Write(calldata)
	var out types.Address
	d.Sum(out[:0])
	return out
}
