package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validPlugin() *Plugin {
	return &Plugin{
		Version:   Version,
		SigLevel:  2,
		PubKey:    make([]byte, sigSizes[2].PubKey),
		Signature: make([]byte, sigSizes[2].Sig),
		Metadata:  []byte(`{"name":"demo"}`),
		Code:      []byte{0x00, 0x61, 0x73, 0x6d},
		Proto:     nil,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := validPlugin()
	buf, err := Encode(p)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, p.Version, decoded.Version)
	require.Equal(t, p.SigLevel, decoded.SigLevel)
	require.Equal(t, p.PubKey, decoded.PubKey)
	require.Equal(t, p.Signature, decoded.Signature)
	require.Equal(t, p.Metadata, decoded.Metadata)
	require.Equal(t, p.Code, decoded.Code)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	p := validPlugin()
	buf, err := Encode(p)
	require.NoError(t, err)
	buf[0] = 'X'

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	p := validPlugin()
	p.Version = 99
	buf, err := Encode(p)
	require.NoError(t, err)

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsUnsupportedSigLevel(t *testing.T) {
	p := validPlugin()
	buf, err := Encode(p)
	require.NoError(t, err)
	buf[12] = 9 // sig_level byte, after magic(8)+version(4)

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrUnsupportedSigLevel)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	p := validPlugin()
	buf, err := Encode(p)
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xff

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	p := validPlugin()
	buf, err := Encode(p)
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-10])
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestDecodeRejectsOverflowingLengthField(t *testing.T) {
	p := validPlugin()
	buf, err := Encode(p)
	require.NoError(t, err)

	// meta_len sits right after magic(8)+version(4)+sig_level(1)+pubkey+sig.
	metaLenOffset := 8 + 4 + 1 + len(p.PubKey) + len(p.Signature)
	buf[metaLenOffset] = 0xff
	buf[metaLenOffset+1] = 0xff
	buf[metaLenOffset+2] = 0xff
	buf[metaLenOffset+3] = 0xff

	_, err = Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsLengthFieldExceedingRemainingBuffer(t *testing.T) {
	p := validPlugin()
	buf, err := Encode(p)
	require.NoError(t, err)

	metaLenOffset := 8 + 4 + 1 + len(p.PubKey) + len(p.Signature)
	// A length under the 1 MiB ceiling but far past what's actually left
	// in the buffer must still surface ErrBufferOverflow, not a partial
	// decode of whatever bytes happen to follow.
	buf[metaLenOffset] = 0x00
	buf[metaLenOffset+1] = 0x00
	buf[metaLenOffset+2] = 0x0f
	buf[metaLenOffset+3] = 0x00

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestEncodeRejectsOversizedCode(t *testing.T) {
	p := validPlugin()
	p.Code = make([]byte, MaxCodeSize+1)

	_, err := Encode(p)
	require.ErrorIs(t, err, ErrFieldTooLarge)
}

func TestEncodeRejectsWrongSignatureSize(t *testing.T) {
	p := validPlugin()
	p.Signature = p.Signature[:len(p.Signature)-1]

	_, err := Encode(p)
	require.Error(t, err)
}
