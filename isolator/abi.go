// abi.go implements the wire codecs for the evaluator<->contract ABI:
// the environment block, the pre-read storage snapshot, the outbound call
// batch, and the events batch. Each is a small little-endian format,
// mirroring the teacher's practice of one file per wire format per type
// (core/types/*_rlp.go, *_ssz.go).
package isolator

import (
	"encoding/binary"
	"errors"

	"github.com/btc-vision/opnet-engine/types"
)

// ErrTruncatedBuffer is returned by every decoder here when a length field
// would read past the end of the input.
var ErrTruncatedBuffer = errors.New("isolator: truncated buffer")

// EncodeEnvironment serializes the invocation environment the evaluator
// hands the contract via setEnvironment.
func EncodeEnvironment(p types.ExecutionParams) []byte {
	buf := make([]byte, 0, 32*4+8+8+4+1+4)
	buf = append(buf, p.ContractAddress[:]...)
	buf = append(buf, p.Caller[:]...)
	buf = append(buf, p.TxOrigin[:]...)
	buf = append(buf, p.MsgSender[:]...)
	buf = appendUint64(buf, p.BlockHeight)
	buf = appendUint64(buf, p.BlockMedianTime)
	if p.IsConstructor {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUint32(buf, uint32(len(p.DeployedContracts)))
	for _, addr := range p.DeployedContracts {
		buf = append(buf, addr[:]...)
	}
	return buf
}

// StorageEntry is one (pointer, value) pair in a pre-read snapshot or a
// modified-storage report.
type StorageEntry struct {
	Pointer types.Pointer
	Value   types.Value
}

// EncodeStorageSnapshot serializes a pre-read storage snapshot the
// evaluator hands the contract before execution via loadStorage.
func EncodeStorageSnapshot(entries []StorageEntry) []byte {
	buf := appendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		buf = append(buf, e.Pointer[:]...)
		buf = append(buf, e.Value[:]...)
	}
	return buf
}

// DecodeModifiedStorage decodes the contract's response to
// getModifiedStorage: a count-prefixed list of (pointer, value) pairs.
func DecodeModifiedStorage(data []byte) ([]StorageEntry, error) {
	if len(data) < 4 {
		return nil, ErrTruncatedBuffer
	}
	count := binary.LittleEndian.Uint32(data[:4])
	offset := 4

	entries := make([]StorageEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+64 > len(data) {
			return nil, ErrTruncatedBuffer
		}
		var e StorageEntry
		copy(e.Pointer[:], data[offset:offset+32])
		copy(e.Value[:], data[offset+32:offset+64])
		entries = append(entries, e)
		offset += 64
	}
	return entries, nil
}

// DecodeCallsBatch decodes the contract's response to getCalls: a
// count-prefixed list of (to, value, calldata-length-prefixed) entries.
// value is a little-endian u64 satoshi amount, not a 32-byte hash.
func DecodeCallsBatch(data []byte) ([]types.ExternalCall, error) {
	if len(data) < 4 {
		return nil, ErrTruncatedBuffer
	}
	count := binary.LittleEndian.Uint32(data[:4])
	offset := 4

	calls := make([]types.ExternalCall, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+32+8+4 > len(data) {
			return nil, ErrTruncatedBuffer
		}
		var call types.ExternalCall
		copy(call.To[:], data[offset:offset+32])
		offset += 32
		call.Value = binary.LittleEndian.Uint64(data[offset : offset+8])
		offset += 8

		calldataLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if offset+calldataLen > len(data) {
			return nil, ErrTruncatedBuffer
		}
		call.Calldata = append([]byte(nil), data[offset:offset+calldataLen]...)
		offset += calldataLen

		calls = append(calls, call)
	}
	return calls, nil
}

// EncodeCallsBatch serializes a call batch in the same wire shape
// DecodeCallsBatch expects. Production contracts build this buffer
// themselves inside the guest; this is provided for tests and for any
// host-side code that needs to round-trip a batch.
func EncodeCallsBatch(calls []types.ExternalCall) []byte {
	buf := appendUint32(nil, uint32(len(calls)))
	for _, c := range calls {
		buf = append(buf, c.To[:]...)
		buf = appendUint64(buf, c.Value)
		buf = appendUint32(buf, uint32(len(c.Calldata)))
		buf = append(buf, c.Calldata...)
	}
	return buf
}

// EncodeCallsResponse serializes the results of an executed call batch for
// loadCallsResponse: a count-prefixed list of length-prefixed result byte
// strings, in the same order the calls were requested.
func EncodeCallsResponse(results [][]byte) []byte {
	buf := appendUint32(nil, uint32(len(results)))
	for _, r := range results {
		buf = appendUint32(buf, uint32(len(r)))
		buf = append(buf, r...)
	}
	return buf
}

// DecodeEvents decodes the contract's response to getEvents: a
// count-prefixed list of (type-length-prefixed, data-length-prefixed)
// entries.
func DecodeEvents(contract types.Address, data []byte) ([]types.Event, error) {
	if len(data) < 4 {
		return nil, ErrTruncatedBuffer
	}
	count := binary.LittleEndian.Uint32(data[:4])
	offset := 4

	events := make([]types.Event, 0, count)
	for i := uint32(0); i < count; i++ {
		typ, n, err := readLengthPrefixed(data, offset)
		if err != nil {
			return nil, err
		}
		offset = n

		payload, n, err := readLengthPrefixed(data, offset)
		if err != nil {
			return nil, err
		}
		offset = n

		events = append(events, types.Event{Contract: contract, Type: string(typ), Data: payload})
	}
	return events, nil
}

func readLengthPrefixed(data []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(data) {
		return nil, 0, ErrTruncatedBuffer
	}
	length := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if length < 0 || offset+length > len(data) {
		return nil, 0, ErrTruncatedBuffer
	}
	return data[offset : offset+length], offset + length, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
