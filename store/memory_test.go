package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btc-vision/opnet-engine/types"
	"github.com/btc-vision/opnet-engine/vmmanager"
)

func testAddr(b byte) types.Address {
	var a types.Address
	a[31] = b
	return a
}

func TestMemoryContractRoundTrip(t *testing.T) {
	m := NewMemory()
	canonical := testAddr(1)
	virtual := testAddr(2)

	record := types.ContractRecord{
		CanonicalAddress: canonical,
		VirtualAddress:   virtual,
		Deployer:         testAddr(3),
		Bytecode:         []byte{0x00, 0x61, 0x73, 0x6d},
		DeployedAtHeight: 10,
	}
	require.NoError(t, m.SetContractAt(record))

	_, ok, err := m.GetContractAt(canonical, 9)
	require.NoError(t, err)
	require.False(t, ok, "record must not be visible before its deployment height")

	got, ok, err := m.GetContractAt(canonical, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record, got)

	resolved, ok, err := m.GetContractAddressAt(virtual, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, canonical, resolved)

	_, ok, err = m.GetContractAddressAt(virtual, 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	m := NewMemory()
	contract := testAddr(1)
	pointer := testAddr(2)

	_, ok, err := m.GetStorage(contract, pointer)
	require.NoError(t, err)
	require.False(t, ok)

	var value types.Value
	value[31] = 9
	err = m.SetStoragePointers(5, []vmmanager.StorageCommit{
		{Contract: contract, Pointer: pointer, Value: value},
	})
	require.NoError(t, err)

	pv, ok, err := m.GetStorage(contract, pointer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, pv.Value)
	require.Equal(t, uint64(5), pv.LastSeenHeight)

	multi, err := m.GetStorageMultiple(contract, []types.Pointer{pointer, testAddr(99)})
	require.NoError(t, err)
	require.Len(t, multi, 2)
	require.Equal(t, value, multi[0].Value)
	require.True(t, multi[1].IsZero())
}

func TestMemoryBlockHeaderLatestTracksHighest(t *testing.T) {
	m := NewMemory()

	_, ok, err := m.GetLatestBlock()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.SaveBlockHeader(types.BlockHeader{Height: 0}))
	require.NoError(t, m.SaveBlockHeader(types.BlockHeader{Height: 1}))

	latest, ok, err := m.GetLatestBlock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), latest.Height)

	h, ok, err := m.GetBlockHeader(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0), h.Height)
}
