package isolator

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btc-vision/opnet-engine/types"
)

func ptr(b byte) types.Pointer {
	var h types.Pointer
	h[31] = b
	return h
}

func TestEncodeEnvironmentLength(t *testing.T) {
	p := types.ExecutionParams{
		BlockHeight:       100,
		BlockMedianTime:   200,
		IsConstructor:     true,
		DeployedContracts: []types.Address{ptr(1), ptr(2)},
	}
	encoded := EncodeEnvironment(p)
	// 4 * 32-byte addresses + 8 + 8 + 1 + 4 + 2*32
	require.Equal(t, 4*32+8+8+1+4+2*32, len(encoded))
}

func TestStorageSnapshotRoundTrip(t *testing.T) {
	entries := []StorageEntry{
		{Pointer: ptr(1), Value: ptr(0xaa)},
		{Pointer: ptr(2), Value: ptr(0xbb)},
	}
	encoded := EncodeStorageSnapshot(entries)

	// reuse DecodeModifiedStorage since the wire shape is identical
	decoded, err := DecodeModifiedStorage(encoded)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestDecodeModifiedStorageRejectsTruncated(t *testing.T) {
	_, err := DecodeModifiedStorage([]byte{1, 0, 0, 0})
	require.ErrorIs(t, err, ErrTruncatedBuffer)
}

func TestDecodeCallsBatchRoundTrip(t *testing.T) {
	calls := []types.ExternalCall{
		{To: ptr(3), Value: 7_000, Calldata: []byte{0xaa, 0xbb, 0xcc}},
	}

	buf := EncodeCallsBatch(calls)

	decoded, err := DecodeCallsBatch(buf)
	require.NoError(t, err)
	require.Equal(t, calls, decoded)
}

func TestDecodeCallsBatchRejectsOverflowingLength(t *testing.T) {
	buf := appendUint32(nil, 1)
	buf = append(buf, ptr(1)[:]...)
	buf = appendUint64(buf, 0)
	buf = appendUint32(buf, 0xFFFFFFFF) // claims a huge calldata length
	_, err := DecodeCallsBatch(buf)
	require.ErrorIs(t, err, ErrTruncatedBuffer)
}

func TestEncodeCallsResponseThenManualDecode(t *testing.T) {
	results := [][]byte{{0x01}, {}, {0x02, 0x03}}
	encoded := EncodeCallsResponse(results)
	require.NotEmpty(t, encoded)

	require.Equal(t, uint32(len(results)), binary.LittleEndian.Uint32(encoded[:4]))
	offset := 4
	for i, want := range results {
		got, next, err := readLengthPrefixed(encoded, offset)
		require.NoError(t, err)
		require.Equalf(t, want, got, "result %d", i)
		offset = next
	}
	require.Equal(t, len(encoded), offset)
}

func TestDecodeEventsRoundTrip(t *testing.T) {
	contract := ptr(9)
	buf := appendUint32(nil, 1)
	buf = appendUint32(buf, uint32(len("transfer")))
	buf = append(buf, []byte("transfer")...)
	buf = appendUint32(buf, uint32(len([]byte{1, 2, 3})))
	buf = append(buf, []byte{1, 2, 3}...)

	events, err := DecodeEvents(contract, buf)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "transfer", events[0].Type)
	require.Equal(t, contract, events[0].Contract)
	require.Equal(t, []byte{1, 2, 3}, events[0].Data)
}
