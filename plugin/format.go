// Package plugin implements the OPNETPLG plugin file format (spec
// component 4.K): the on-disk container a host loads before ever handing
// bytecode to the isolator. Parsing never trusts a length field past what
// the buffer actually holds, and a plugin whose checksum doesn't match is
// rejected before its code field is looked at.
package plugin

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the fixed 8-byte file signature every plugin file starts with.
var Magic = [8]byte{'O', 'P', 'N', 'E', 'T', 'P', 'L', 'G'}

// Version is the only format version this package accepts.
const Version uint32 = 1

// Size ceilings for the variable-length fields, enforced before a single
// byte of any of them is copied out of the input buffer.
const (
	MaxMetadataSize = 1 << 20       // 1 MiB
	MaxCodeSize     = 16 << 20      // 16 MiB
	MaxProtoSize    = 1 << 20       // 1 MiB
)

var (
	ErrBufferOverflow     = errors.New("plugin: length field exceeds buffer bounds")
	ErrBadMagic           = errors.New("plugin: bad magic")
	ErrUnsupportedVersion = errors.New("plugin: unsupported format version")
	ErrUnsupportedSigLevel = errors.New("plugin: unsupported sig_level")
	ErrFieldTooLarge      = errors.New("plugin: field exceeds size ceiling")
	ErrChecksumMismatch   = errors.New("plugin: checksum mismatch")
)

// sigSizes is the ML-DSA (FIPS 204) pubkey/signature size table, indexed
// by sig_level (NIST security category 2/3/5).
var sigSizes = map[uint8]struct{ PubKey, Sig int }{
	2: {PubKey: 1312, Sig: 2420},
	3: {PubKey: 1952, Sig: 3309},
	5: {PubKey: 2592, Sig: 4627},
}

// Plugin is a fully decoded OPNETPLG file.
type Plugin struct {
	Version   uint32
	SigLevel  uint8
	PubKey    []byte
	Signature []byte
	Metadata  []byte // utf8 JSON
	Code      []byte // raw WASM bytecode
	Proto     []byte // optional
	Checksum  [32]byte
}

// Decode parses an OPNETPLG file. Any length field that would read past
// the end of data is ErrBufferOverflow — decoding never partially
// succeeds past a short buffer. A checksum mismatch is ErrChecksumMismatch
// and Decode returns before the caller can reach Code.
func Decode(data []byte) (*Plugin, error) {
	r := &reader{data: data}

	magic, err := r.take(8)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, Magic[:]) {
		return nil, ErrBadMagic
	}

	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, Version)
	}

	sigLevel, err := r.u8()
	if err != nil {
		return nil, err
	}
	sizes, ok := sigSizes[sigLevel]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSigLevel, sigLevel)
	}

	pubkey, err := r.take(sizes.PubKey)
	if err != nil {
		return nil, err
	}
	signature, err := r.take(sizes.Sig)
	if err != nil {
		return nil, err
	}

	metadata, err := r.lengthPrefixed(MaxMetadataSize)
	if err != nil {
		return nil, err
	}
	code, err := r.lengthPrefixed(MaxCodeSize)
	if err != nil {
		return nil, err
	}
	proto, err := r.lengthPrefixed(MaxProtoSize)
	if err != nil {
		return nil, err
	}

	checksumBytes, err := r.take(32)
	if err != nil {
		return nil, err
	}

	want := checksumOf(metadata, code, proto)
	if !bytes.Equal(checksumBytes, want[:]) {
		return nil, ErrChecksumMismatch
	}

	p := &Plugin{
		Version:   version,
		SigLevel:  sigLevel,
		PubKey:    pubkey,
		Signature: signature,
		Metadata:  metadata,
		Code:      code,
		Proto:     proto,
		Checksum:  want,
	}
	return p, nil
}

// Encode serializes p back into the OPNETPLG wire format, recomputing the
// trailing checksum from its metadata/code/proto fields.
func Encode(p *Plugin) ([]byte, error) {
	sizes, ok := sigSizes[p.SigLevel]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSigLevel, p.SigLevel)
	}
	if len(p.PubKey) != sizes.PubKey {
		return nil, fmt.Errorf("plugin: pubkey size %d, want %d for sig_level %d", len(p.PubKey), sizes.PubKey, p.SigLevel)
	}
	if len(p.Signature) != sizes.Sig {
		return nil, fmt.Errorf("plugin: signature size %d, want %d for sig_level %d", len(p.Signature), sizes.Sig, p.SigLevel)
	}
	if len(p.Metadata) > MaxMetadataSize {
		return nil, fmt.Errorf("%w: metadata", ErrFieldTooLarge)
	}
	if len(p.Code) > MaxCodeSize {
		return nil, fmt.Errorf("%w: code", ErrFieldTooLarge)
	}
	if len(p.Proto) > MaxProtoSize {
		return nil, fmt.Errorf("%w: proto", ErrFieldTooLarge)
	}

	checksum := checksumOf(p.Metadata, p.Code, p.Proto)

	buf := make([]byte, 0, 8+4+1+sizes.PubKey+sizes.Sig+4+len(p.Metadata)+4+len(p.Code)+4+len(p.Proto)+32)
	buf = append(buf, Magic[:]...)
	buf = appendU32(buf, p.Version)
	buf = append(buf, p.SigLevel)
	buf = append(buf, p.PubKey...)
	buf = append(buf, p.Signature...)
	buf = appendU32(buf, uint32(len(p.Metadata)))
	buf = append(buf, p.Metadata...)
	buf = appendU32(buf, uint32(len(p.Code)))
	buf = append(buf, p.Code...)
	buf = appendU32(buf, uint32(len(p.Proto)))
	buf = append(buf, p.Proto...)
	buf = append(buf, checksum[:]...)
	return buf, nil
}

func checksumOf(metadata, code, proto []byte) [32]byte {
	h := sha256.New()
	h.Write(metadata)
	h.Write(code)
	h.Write(proto)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// reader is a bounds-checked cursor over a decode buffer: every read
// verifies the requested span fits before it is taken, so a corrupt or
// truncated file surfaces ErrBufferOverflow instead of a panic or a
// silently truncated field.
type reader struct {
	data   []byte
	offset int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, ErrBufferOverflow
	}
	out := r.data[r.offset : r.offset+n]
	r.offset += n
	return out, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// lengthPrefixed reads a u32 length followed by that many bytes, rejecting
// both a buffer overrun and a declared length over ceiling before copying
// anything out.
func (r *reader) lengthPrefixed(ceiling int) ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.data)-r.offset) {
		return nil, ErrBufferOverflow
	}
	if int(n) > ceiling {
		return nil, ErrFieldTooLarge
	}
	field, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), field...), nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
