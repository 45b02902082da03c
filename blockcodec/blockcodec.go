// Package blockcodec decodes and encodes the framed compressed blocks
// used throughout dictionary containers. Every framed block starts with
// an 8-byte prefix: a 4-byte little-endian encoding id followed by a
// 4-byte big-endian Adler-32 of the decoded payload.
package blockcodec

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"

	openmdict "github.com/openmdict/openmdict"
)

// Encoding identifies the codec of a framed block.
type Encoding uint32

const (
	Raw  Encoding = 0
	LZO  Encoding = 1
	Zlib Encoding = 2
	Zstd Encoding = 4
)

func (e Encoding) String() string {
	switch e {
	case Raw:
		return "raw"
	case LZO:
		return "lzo"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("encoding(%d)", uint32(e))
	}
}

const frameHeaderSize = 8

// Decode decompresses one framed block and verifies its checksum.
func Decode(buf []byte) ([]byte, error) {
	if len(buf) < frameHeaderSize {
		return nil, fmt.Errorf("%w: block shorter than %d bytes", openmdict.ErrInvalidFormat, frameHeaderSize)
	}
	encoding := Encoding(binary.LittleEndian.Uint32(buf[0:4]))
	expected := binary.BigEndian.Uint32(buf[4:8])
	payload := buf[frameHeaderSize:]

	var decoded []byte
	var err error
	switch encoding {
	case Raw:
		decoded = payload
	case LZO:
		decoded, err = lzoDecodeWithFallback(payload)
	case Zlib:
		decoded, err = ZlibDecompress(payload)
	case Zstd:
		size, stream, perr := splitSizePrefix(payload)
		if perr != nil {
			return nil, perr
		}
		decoded, err = ZstdDecompress(stream, size)
	default:
		return nil, fmt.Errorf("%w: unknown block encoding id %d", openmdict.ErrInvalidFormat, uint32(encoding))
	}
	if err != nil {
		return nil, err
	}

	if got := adler32.Checksum(decoded); got != expected {
		return nil, fmt.Errorf("%w: invalid checksum (got %08x, want %08x)", openmdict.ErrInvalidFormat, got, expected)
	}
	return decoded, nil
}

// Encode produces a framed block: encoding id, Adler-32 of data, and the
// compressed payload (with the uncompressed-size prefix for Zstd).
func Encode(encoding Encoding, level int, data []byte) ([]byte, error) {
	var payload []byte
	switch encoding {
	case Raw:
		payload = data
	case Zlib:
		payload = ZlibCompress(data)
	case Zstd:
		compressed, err := ZstdCompress(data, level)
		if err != nil {
			return nil, err
		}
		payload = make([]byte, 4+len(compressed))
		binary.LittleEndian.PutUint32(payload[0:4], uint32(len(data)))
		copy(payload[4:], compressed)
	case LZO:
		return nil, fmt.Errorf("%w: no LZO encoder", openmdict.ErrUnsupportedFeature)
	default:
		return nil, fmt.Errorf("%w: unknown block encoding id %d", openmdict.ErrInvalidFormat, uint32(encoding))
	}

	out := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(encoding))
	binary.BigEndian.PutUint32(out[4:8], adler32.Checksum(data))
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

// splitSizePrefix peels the 4-byte little-endian uncompressed-size prefix
// off a sized payload.
func splitSizePrefix(payload []byte) (int, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("%w: sized payload shorter than 4 bytes", openmdict.ErrInvalidFormat)
	}
	return int(binary.LittleEndian.Uint32(payload[0:4])), payload[4:], nil
}

// lzoDecodeWithFallback expects the 4-byte size prefix, but some
// producers omit it; retry on the whole payload when the sized decode
// fails.
func lzoDecodeWithFallback(payload []byte) ([]byte, error) {
	if size, stream, err := splitSizePrefix(payload); err == nil {
		if decoded, derr := LzoDecompress(stream, size); derr == nil {
			return decoded, nil
		}
	}
	return LzoDecompress(payload, 0)
}
