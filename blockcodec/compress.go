package blockcodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	zstdpool "github.com/mostynb/zstdpool-freelist"
	"github.com/rasky/go-lzo"

	openmdict "github.com/openmdict/openmdict"
)

var zstdDecoderPool = zstdpool.NewDecoderPool()

// ZstdDecompress decodes a bare zstd stream. sizeHint pre-sizes the
// output buffer; pass 0 when unknown.
func ZstdDecompress(data []byte, sizeHint int) ([]byte, error) {
	dec, err := zstdDecoderPool.Get(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get zstd decoder from pool: %w", err)
	}
	defer zstdDecoderPool.Put(dec)

	var dst []byte
	if sizeHint > 0 {
		dst = make([]byte, 0, sizeHint)
	}
	out, err := dec.DecodeAll(data, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %s", openmdict.ErrInvalidFormat, err)
	}
	return out, nil
}

// ZstdCompress encodes data as a bare zstd stream. level follows the
// reference zstd scale and is mapped onto the encoder's speed presets;
// values <= 0 select level 10.
func ZstdCompress(data []byte, level int) ([]byte, error) {
	if level <= 0 {
		level = 10
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// ZlibDecompress decodes a zlib stream with no size hint.
func ZlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %s", openmdict.ErrInvalidFormat, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %s", openmdict.ErrInvalidFormat, err)
	}
	return out, nil
}

// ZlibCompress encodes data as a zlib stream at the default level.
func ZlibCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

// LzoDecompress decodes an LZO1X stream. outLen pre-sizes the output;
// pass 0 when unknown.
func LzoDecompress(data []byte, outLen int) ([]byte, error) {
	out, err := lzo.Decompress1X(bytes.NewReader(data), len(data), outLen)
	if err != nil {
		return nil, fmt.Errorf("%w: lzo: %s", openmdict.ErrInvalidFormat, err)
	}
	return out, nil
}
