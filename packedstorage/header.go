// Package packedstorage implements a generic frame for blockwise
// compressed streams: a self-describing header, a prefix-sum block
// index, and independently decompressible blocks. Offsets handed to
// callers are always uncompressed-stream offsets.
package packedstorage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/blockcodec"
)

var Magic = [8]byte{'P', 'K', 'G', 'S', 'T', 'R', 'G', '1'}

const (
	Version = 1

	fixedHeaderSize = 0x20
	prefixEntrySize = 16
)

// Encoding identifies the codec of the storage blocks. These ids are
// independent of the container frame ids in blockcodec.
type Encoding uint8

const (
	EncodingRaw  Encoding = 0
	EncodingLZO  Encoding = 1
	EncodingZlib Encoding = 2
	EncodingZstd Encoding = 3
	EncodingLZ4  Encoding = 4
)

func encodingFromByte(b uint8) (Encoding, error) {
	if b > uint8(EncodingLZ4) {
		return 0, fmt.Errorf("%w: unsupported packed storage encoding id %d", openmdict.ErrInvalidFormat, b)
	}
	return Encoding(b), nil
}

// BlockPrefixEntry is one row of the prefix-sum index: cumulative
// compressed and uncompressed sizes after the block it closes.
type BlockPrefixEntry struct {
	CompressedEnd   uint64
	UncompressedEnd uint64
}

// Header is the parsed storage header plus the prefix-sum index.
type Header struct {
	Encoding         Encoding
	CompressionLevel uint8
	NumEntries       uint64
	BlockPrefixSum   []BlockPrefixEntry
}

// EncodedLen returns the byte length of the serialized header.
func (h *Header) EncodedLen() int {
	return fixedHeaderSize + len(h.BlockPrefixSum)*prefixEntrySize
}

// MarshalBinary serializes the header, including the prefix-sum table.
func (h *Header) MarshalBinary() ([]byte, error) {
	if err := validatePrefixSum(h.BlockPrefixSum); err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	buf.Grow(h.EncodedLen())
	enc := bin.NewBinEncoder(buf)

	if _, err := enc.Write(Magic[:]); err != nil {
		return nil, err
	}
	for _, b := range []byte{Version, 0} {
		if err := enc.WriteByte(b); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint16(0, binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, b := range []byte{uint8(h.Encoding), h.CompressionLevel} {
		if err := enc.WriteByte(b); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint16(0, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(uint64(len(h.BlockPrefixSum)), binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(h.NumEntries, binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, entry := range h.BlockPrefixSum {
		if err := enc.WriteUint64(entry.CompressedEnd, binary.LittleEndian); err != nil {
			return nil, err
		}
		if err := enc.WriteUint64(entry.UncompressedEnd, binary.LittleEndian); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// parseHeader decodes a header from buf and returns it together with the
// offset of the first compressed block relative to the header start.
func parseHeader(buf []byte) (*Header, int, error) {
	if len(buf) < fixedHeaderSize {
		return nil, 0, fmt.Errorf("%w: packed storage blob too small for fixed header", openmdict.ErrInvalidFormat)
	}
	dec := bin.NewBinDecoder(buf)

	magicBuf, err := dec.ReadNBytes(8)
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(magicBuf, Magic[:]) {
		return nil, 0, fmt.Errorf("%w: bad packed storage magic %q", openmdict.ErrInvalidFormat, magicBuf)
	}
	version, err := dec.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	if version != Version {
		return nil, 0, fmt.Errorf("%w: unsupported packed storage version %d", openmdict.ErrInvalidFormat, version)
	}
	reservedFlags, err := dec.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	reservedFlagsPad, err := dec.ReadUint16(binary.LittleEndian)
	if err != nil {
		return nil, 0, err
	}
	if reservedFlags != 0 || reservedFlagsPad != 0 {
		return nil, 0, fmt.Errorf("%w: reserved header flags are not zero", openmdict.ErrInvalidFormat)
	}
	encodingByte, err := dec.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	encoding, err := encodingFromByte(encodingByte)
	if err != nil {
		return nil, 0, err
	}
	level, err := dec.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	encodingPad, err := dec.ReadUint16(binary.LittleEndian)
	if err != nil {
		return nil, 0, err
	}
	if encodingPad != 0 {
		return nil, 0, fmt.Errorf("%w: reserved header padding is not zero", openmdict.ErrInvalidFormat)
	}
	numBlocks, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, 0, err
	}
	numEntries, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, 0, err
	}
	if numBlocks == 0 {
		return nil, 0, fmt.Errorf("%w: packed storage requires at least one prefix entry", openmdict.ErrInvalidFormat)
	}
	if numBlocks > uint64((len(buf)-fixedHeaderSize)/prefixEntrySize) {
		return nil, 0, fmt.Errorf("%w: prefix table exceeds blob size", openmdict.ErrInvalidFormat)
	}

	prefixSum := make([]BlockPrefixEntry, numBlocks)
	for i := range prefixSum {
		ce, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil, 0, err
		}
		ue, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil, 0, err
		}
		prefixSum[i] = BlockPrefixEntry{CompressedEnd: ce, UncompressedEnd: ue}
	}
	if err := validatePrefixSum(prefixSum); err != nil {
		return nil, 0, err
	}

	header := &Header{
		Encoding:         encoding,
		CompressionLevel: level,
		NumEntries:       numEntries,
		BlockPrefixSum:   prefixSum,
	}
	return header, header.EncodedLen(), nil
}

func validatePrefixSum(prefixSum []BlockPrefixEntry) error {
	if len(prefixSum) == 0 {
		return fmt.Errorf("%w: packed storage requires at least one prefix entry", openmdict.ErrInvalidFormat)
	}
	if prefixSum[0] != (BlockPrefixEntry{}) {
		return fmt.Errorf("%w: first prefix entry must be (0, 0)", openmdict.ErrInvalidFormat)
	}
	for i := 1; i < len(prefixSum); i++ {
		prev, cur := prefixSum[i-1], prefixSum[i]
		if cur.CompressedEnd < prev.CompressedEnd || cur.UncompressedEnd < prev.UncompressedEnd {
			return fmt.Errorf("%w: prefix entries must be monotonic", openmdict.ErrInvalidFormat)
		}
	}
	return nil
}

func compressBlock(encoding Encoding, level uint8, data []byte) ([]byte, error) {
	switch encoding {
	case EncodingRaw:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case EncodingZlib:
		return blockcodec.ZlibCompress(data), nil
	case EncodingZstd:
		return blockcodec.ZstdCompress(data, int(level))
	default:
		return nil, fmt.Errorf("%w: no encoder for packed storage encoding %d", openmdict.ErrUnsupportedFeature, encoding)
	}
}

func decompressBlock(encoding Encoding, compressed []byte, expectedSize int) ([]byte, error) {
	switch encoding {
	case EncodingRaw:
		out := make([]byte, len(compressed))
		copy(out, compressed)
		return out, nil
	case EncodingZlib:
		return blockcodec.ZlibDecompress(compressed)
	case EncodingZstd:
		return blockcodec.ZstdDecompress(compressed, expectedSize)
	case EncodingLZO:
		return blockcodec.LzoDecompress(compressed, expectedSize)
	default:
		return nil, fmt.Errorf("%w: no decoder for packed storage encoding %d", openmdict.ErrUnsupportedFeature, encoding)
	}
}
