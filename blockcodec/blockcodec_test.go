package blockcodec

import (
	"bytes"
	"encoding/binary"
	"hash/adler32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openmdict "github.com/openmdict/openmdict"
)

func TestDecodeRaw(t *testing.T) {
	payload := []byte("hello block")
	framed, err := Encode(Raw, 0, payload)
	require.NoError(t, err)

	// Assert frame layout: encoding id LE, adler32 BE, payload.
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(framed[0:4]))
	assert.Equal(t, adler32.Checksum(payload), binary.BigEndian.Uint32(framed[4:8]))
	assert.Equal(t, payload, framed[8:])

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeZstdRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("dictionary record body "), 100)
	framed, err := Encode(Zstd, 10, payload)
	require.NoError(t, err)

	// The zstd payload carries a 4-byte LE uncompressed-size prefix.
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(framed[0:4]))
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(framed[8:12]))

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeZlibRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("zlib "), 50)
	framed, err := Encode(Zlib, 0, payload)
	require.NoError(t, err)

	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, openmdict.ErrInvalidFormat)
}

func TestDecodeBadChecksum(t *testing.T) {
	framed, err := Encode(Raw, 0, []byte("abc"))
	require.NoError(t, err)
	framed[4] ^= 0xFF

	_, err = Decode(framed)
	require.ErrorIs(t, err, openmdict.ErrInvalidFormat)
	assert.Contains(t, err.Error(), "invalid checksum")
}

func TestDecodeUnknownEncoding(t *testing.T) {
	framed := make([]byte, 8)
	binary.LittleEndian.PutUint32(framed[0:4], 9)
	_, err := Decode(framed)
	require.ErrorIs(t, err, openmdict.ErrInvalidFormat)
}

func TestEncodeLZOUnsupported(t *testing.T) {
	_, err := Encode(LZO, 0, []byte("abc"))
	require.ErrorIs(t, err, openmdict.ErrUnsupportedFeature)
}
