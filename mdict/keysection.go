package mdict

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/blockcodec"
	"github.com/openmdict/openmdict/bytesource"
)

// KeyBlockSummary routes searches to one key block without decompressing
// it: first/last key, sizes, and entry count.
type KeyBlockSummary struct {
	NumEntries       uint64
	First            string
	Last             string
	CompressedSize   uint64
	DecompressedSize uint64
}

// KeySection is the parsed two-level key index: per-block summaries plus
// cumulative offsets into the key-blocks area.
type KeySection struct {
	NumBlocks  uint64
	NumEntries uint64
	Checksum   uint32

	Summaries []KeyBlockSummary

	// compressedPrefixSum[i] is the byte offset of block i within the
	// key-blocks area; the final element is the total area size.
	compressedPrefixSum []uint64
	// entriesPrefixSum[i] is the global index of block i's first entry.
	entriesPrefixSum []uint64

	keyBlocksStart    int64
	nextSectionOffset int64
}

// ReadKeySection parses the key section that follows the header.
func ReadKeySection(src bytesource.Source, header *Header) (*KeySection, error) {
	version := header.Version()
	width := version.IndexWidth()

	headerLen := 4 * width
	if version.hasCompressedKeyInfo() {
		headerLen += width
	}
	headerLen += 4 // trailing Adler-32

	buf := make([]byte, headerLen)
	if err := bytesource.ReadExactAt(src, buf, header.Size()); err != nil {
		return nil, fmt.Errorf("failed to read key section header: %w", err)
	}
	dec := bin.NewBinDecoder(buf)

	numBlocks, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}
	numEntries, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}
	var uncompressedKeyInfoSize uint64
	if version.hasCompressedKeyInfo() {
		uncompressedKeyInfoSize, err = readSized(dec, width)
		if err != nil {
			return nil, err
		}
	}
	keyInfoBlockSize, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}
	keyBlocksSize, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}
	checksum, err := dec.ReadUint32(bin.BE)
	if err != nil {
		return nil, err
	}

	keyInfoOffset := header.Size() + int64(headerLen)
	if keyInfoOffset+int64(keyInfoBlockSize)+int64(keyBlocksSize) > src.Size() {
		return nil, fmt.Errorf("%w: key section exceeds file size", openmdict.ErrInvalidFormat)
	}

	keyInfo := make([]byte, keyInfoBlockSize)
	if err := bytesource.ReadExactAt(src, keyInfo, keyInfoOffset); err != nil {
		return nil, fmt.Errorf("failed to read key-info area: %w", err)
	}
	if version.hasCompressedKeyInfo() {
		keyInfo, err = blockcodec.Decode(keyInfo)
		if err != nil {
			return nil, err
		}
		if uint64(len(keyInfo)) != uncompressedKeyInfoSize {
			return nil, fmt.Errorf("%w: key-info decoded to %d bytes, want %d",
				openmdict.ErrInvalidFormat, len(keyInfo), uncompressedKeyInfoSize)
		}
	}

	summaries, err := parseKeySummaries(keyInfo, version, header.Encoding())
	if err != nil {
		return nil, err
	}
	if uint64(len(summaries)) != numBlocks {
		return nil, fmt.Errorf("%w: key-info declares %d blocks but contains %d",
			openmdict.ErrInvalidFormat, numBlocks, len(summaries))
	}

	compressedPrefixSum := make([]uint64, len(summaries)+1)
	entriesPrefixSum := make([]uint64, len(summaries)+1)
	for i, summary := range summaries {
		compressedPrefixSum[i+1] = compressedPrefixSum[i] + summary.CompressedSize
		entriesPrefixSum[i+1] = entriesPrefixSum[i] + summary.NumEntries
	}
	if entriesPrefixSum[len(summaries)] != numEntries {
		return nil, fmt.Errorf("%w: block entry counts sum to %d, header says %d",
			openmdict.ErrInvalidFormat, entriesPrefixSum[len(summaries)], numEntries)
	}
	if compressedPrefixSum[len(summaries)] != keyBlocksSize {
		return nil, fmt.Errorf("%w: block sizes sum to %d, header says %d",
			openmdict.ErrInvalidFormat, compressedPrefixSum[len(summaries)], keyBlocksSize)
	}

	nextSectionOffset := keyInfoOffset + int64(keyInfoBlockSize) + int64(keyBlocksSize)
	return &KeySection{
		NumBlocks:           numBlocks,
		NumEntries:          numEntries,
		Checksum:            checksum,
		Summaries:           summaries,
		compressedPrefixSum: compressedPrefixSum,
		entriesPrefixSum:    entriesPrefixSum,
		keyBlocksStart:      nextSectionOffset - int64(keyBlocksSize),
		nextSectionOffset:   nextSectionOffset,
	}, nil
}

// NextSectionOffset is the byte offset of the record section.
func (ks *KeySection) NextSectionOffset() int64 { return ks.nextSectionOffset }

func parseKeySummaries(buf []byte, version Version, encoding Encoding) ([]KeyBlockSummary, error) {
	lengthWidth := version.LengthPrefixWidth()
	nullWidth := version.NullWidth()
	charWidth := encoding.CharWidth()

	var summaries []KeyBlockSummary
	pos := 0
	for pos < len(buf) {
		if pos+8 > len(buf) {
			return nil, fmt.Errorf("%w: truncated key-info record", openmdict.ErrInvalidFormat)
		}
		numEntries := binary.BigEndian.Uint64(buf[pos:])
		pos += 8

		first, next, err := readSizedKeyText(buf, pos, lengthWidth, nullWidth, charWidth, encoding)
		if err != nil {
			return nil, err
		}
		pos = next
		last, next, err := readSizedKeyText(buf, pos, lengthWidth, nullWidth, charWidth, encoding)
		if err != nil {
			return nil, err
		}
		pos = next

		if pos+16 > len(buf) {
			return nil, fmt.Errorf("%w: truncated key-info sizes", openmdict.ErrInvalidFormat)
		}
		compressedSize := binary.BigEndian.Uint64(buf[pos:])
		decompressedSize := binary.BigEndian.Uint64(buf[pos+8:])
		pos += 16

		summaries = append(summaries, KeyBlockSummary{
			NumEntries:       numEntries,
			First:            first,
			Last:             last,
			CompressedSize:   compressedSize,
			DecompressedSize: decompressedSize,
		})
	}
	return summaries, nil
}

// readSizedKeyText reads one length-prefixed key text followed by a null
// unit, returning the decoded text and the next cursor position.
func readSizedKeyText(buf []byte, pos, lengthWidth, nullWidth, charWidth int, encoding Encoding) (string, int, error) {
	if pos+lengthWidth > len(buf) {
		return "", 0, fmt.Errorf("%w: truncated key length prefix", openmdict.ErrInvalidFormat)
	}
	var units int
	if lengthWidth == 1 {
		units = int(buf[pos])
	} else {
		units = int(binary.BigEndian.Uint16(buf[pos:]))
	}
	pos += lengthWidth

	byteLen := units * charWidth
	if pos+byteLen+nullWidth > len(buf) {
		return "", 0, fmt.Errorf("%w: truncated key text", openmdict.ErrInvalidFormat)
	}
	text, err := encoding.DecodeText(buf[pos : pos+byteLen])
	if err != nil {
		return "", 0, err
	}
	return text, pos + byteLen + nullWidth, nil
}

// blockRange returns [start, end) of block i's entries in global index
// space.
func (ks *KeySection) blockRange(i int) (uint64, uint64) {
	return ks.entriesPrefixSum[i], ks.entriesPrefixSum[i+1]
}

// blockForGlobalIndex finds the block owning global entry index g.
func (ks *KeySection) blockForGlobalIndex(g uint64) (int, bool) {
	if g >= ks.NumEntries {
		return 0, false
	}
	n := len(ks.Summaries)
	block := sort.Search(n, func(i int) bool {
		return ks.entriesPrefixSum[i+1] > g
	})
	return block, block < n
}

// findBlockForPrefix returns the partition-point bounds over block
// summaries: the first block whose last key is >= prefix, and the first
// block whose last key is >= the prefix successor.
func (ks *KeySection) findBlockForPrefix(prefix string) (int, int) {
	n := len(ks.Summaries)
	lower := sort.Search(n, func(i int) bool {
		return ks.Summaries[i].Last >= prefix
	})
	upper := n
	if successor, ok := nextPrefix(prefix); ok {
		upper = sort.Search(n, func(i int) bool {
			return ks.Summaries[i].Last >= successor
		})
	}
	return lower, upper
}

// findBlockForExact returns the single block that may contain key.
func (ks *KeySection) findBlockForExact(key string) (int, bool) {
	n := len(ks.Summaries)
	block := sort.Search(n, func(i int) bool {
		return ks.Summaries[i].Last >= key
	})
	if block >= n || ks.Summaries[block].First > key {
		return 0, false
	}
	return block, true
}

// nextPrefix returns the lexicographic successor of prefix: the shortest
// string greater than every string starting with prefix. The last code
// point is incremented to the next scalar value; maximal code points are
// dropped and the increment retried on the new last code point. Returns
// false when no successor exists (empty or all-maximal prefix).
func nextPrefix(prefix string) (string, bool) {
	runes := []rune(prefix)
	for i := len(runes) - 1; i >= 0; i-- {
		r := runes[i]
		if r >= utf8.MaxRune {
			continue
		}
		next := r + 1
		// Skip the surrogate range, which holds no scalar values.
		if next >= 0xD800 && next <= 0xDFFF {
			next = 0xE000
		}
		return string(runes[:i]) + string(next), true
	}
	return "", false
}
