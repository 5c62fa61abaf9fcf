package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/btc-vision/opnet-engine/types"
	"github.com/btc-vision/opnet-engine/vmmanager"
)

func runDeploy(ctx context.Context, args []string) error {
	fs := newFlagSet("deploy")
	datadir := fs.String("datadir", "", "on-disk pebble directory (empty: in-memory)")
	address := fs.String("address", "", "canonical contract address (0x-prefixed, 32 bytes)")
	deployer := fs.String("deployer", "", "deployer address (0x-prefixed, 32 bytes)")
	bytecodePath := fs.String("bytecode", "", "path to the contract's compiled WASM module")
	calldataHex := fs.String("calldata", "0x", "constructor calldata (0x-prefixed hex)")
	saltHex := fs.String("salt", "", "deployment salt (0x-prefixed, 32 bytes; default zero)")
	burnedFee := fs.Uint64("burned-fee", 100_000, "satoshis burned, converted to the gas budget")
	median := fs.Uint64("median-time", 0, "block median time")
	baseGas := fs.Uint64("base-gas", 0, "block's base-gas-per-unit scaling factor applied to the converted max-gas budget (0: no scaling)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" || *deployer == "" || *bytecodePath == "" {
		return fmt.Errorf("deploy: -address, -deployer, and -bytecode are required")
	}

	bytecode, err := os.ReadFile(*bytecodePath)
	if err != nil {
		return fmt.Errorf("deploy: read bytecode: %w", err)
	}
	calldata, err := decodeHex(*calldataHex)
	if err != nil {
		return fmt.Errorf("deploy: calldata: %w", err)
	}
	var salt [32]byte
	if *saltHex != "" {
		copy(salt[:], common.HexToHash(*saltHex).Bytes())
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

	contractAddr := common.HexToHash(*address)
	deployerAddr := common.HexToHash(*deployer)
	txID := deployTxID(deployerAddr, contractAddr, salt)

	eval, err := e.manager.DeployContract(ctx, height, *median, *baseGas, vmmanager.DeployTransaction{
		Transaction: vmmanager.Transaction{
			ID:              txID,
			ContractAddress: contractAddr,
			Calldata:        calldata,
			Caller:          deployerAddr,
			TxOrigin:        deployerAddr,
			BurnedFee:       *burnedFee,
		},
		Bytecode: bytecode,
		Deployer: deployerAddr,
		Salt:     salt,
	})
	if err != nil {
		return err
	}
	if eval.Reverted {
		if rbErr := e.manager.RevertBlock(); rbErr != nil {
			return rbErr
		}
		return fmt.Errorf("deploy reverted: %s", eval.RevertReason)
	}

	h, err := closeBlock(ctx, e, height, prev, havePrev)
	if err != nil {
		return err
	}
	fmt.Printf("deployed %s at block %d: gas_used=%d result=%x checksum_root=%x\n",
		contractAddr, h.Height, eval.GasUsed, eval.Result, h.ChecksumRoot)
	return nil
}

func deployTxID(deployer, contract types.Address, salt [32]byte) types.Address {
	d := sha3.NewLegacyKeccak256()
	d.Write(deployer[:])
	d.Write(contract[:])
	d.Write(salt[:])
	var out types.Address
	d.Sum(out[:0])
	return out
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
