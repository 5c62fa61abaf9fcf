package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btc-vision/opnet-engine/types"
	"github.com/btc-vision/opnet-engine/vmmanager"
)

func openTestPebble(t *testing.T) *Pebble {
	t.Helper()
	p, err := OpenPebble(filepath.Join(t.TempDir(), "engine"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

func TestPebbleContractRoundTrip(t *testing.T) {
	p := openTestPebble(t)

	canonical := testAddr(1)
	virtual := testAddr(2)
	record := types.ContractRecord{
		CanonicalAddress: canonical,
		VirtualAddress:   virtual,
		Deployer:         testAddr(3),
		Bytecode:         []byte{0x00, 0x61, 0x73, 0x6d},
		DeployedAtHeight: 10,
	}
	require.NoError(t, p.SetContractAt(record))

	got, ok, err := p.GetContractAt(canonical, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.CanonicalAddress, got.CanonicalAddress)
	require.Equal(t, record.Bytecode, got.Bytecode)

	_, ok, err = p.GetContractAt(canonical, 9)
	require.NoError(t, err)
	require.False(t, ok)

	resolved, ok, err := p.GetContractAddressAt(virtual, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, canonical, resolved)
}

func TestPebbleStorageAndHeaderRoundTrip(t *testing.T) {
	p := openTestPebble(t)

	contract := testAddr(1)
	pointer := testAddr(2)
	var value types.Value
	value[31] = 7

	require.NoError(t, p.SetStoragePointers(3, []vmmanager.StorageCommit{
		{Contract: contract, Pointer: pointer, Value: value},
	}))

	pv, ok, err := p.GetStorage(contract, pointer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, pv.Value)
	require.Equal(t, uint64(3), pv.LastSeenHeight)

	require.NoError(t, p.SaveBlockHeader(types.BlockHeader{Height: 0}))
	require.NoError(t, p.SaveBlockHeader(types.BlockHeader{Height: 1, StorageRoot: testAddr(5)}))

	latest, ok, err := p.GetLatestBlock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), latest.Height)
	require.Equal(t, testAddr(5), latest.StorageRoot)
}

func TestPebbleMissingRecordsReturnNotFound(t *testing.T) {
	p := openTestPebble(t)

	_, ok, err := p.GetContractAt(testAddr(1), 0)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = p.GetStorage(testAddr(1), testAddr(2))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = p.GetLatestBlock()
	require.NoError(t, err)
	require.False(t, ok)
}
