package packedstorage

import (
	"bytes"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/bytesource"
)

// blockCacheSize bounds the decoded-block LRU of an Index.
const blockCacheSize = 8

// Index reads a packed storage blob embedded at baseOffset of src.
// Decoded blocks are served through a strict LRU of fixed capacity.
type Index struct {
	header     *Header
	src        bytesource.Source
	baseOffset int64
	dataOffset int64
	cache      *lru.Cache[int, []byte]
}

// DecodedBlock is one decompressed run with its position in the logical
// uncompressed stream.
type DecodedBlock struct {
	BlockPos          int
	UncompressedStart uint64
	UncompressedEnd   uint64
	Bytes             []byte
}

// Open parses the storage header at baseOffset of src. The source stays
// borrowed by the index for its whole lifetime.
func Open(src bytesource.Source, baseOffset int64) (*Index, error) {
	headerBuf := make([]byte, fixedHeaderSize)
	if err := bytesource.ReadExactAt(src, headerBuf, baseOffset); err != nil {
		return nil, fmt.Errorf("failed to read packed storage header: %w", err)
	}
	// Re-read once the prefix table length is known.
	probe, _, err := parseFixedHeaderProbe(headerBuf)
	if err != nil {
		return nil, err
	}
	full := make([]byte, fixedHeaderSize+int(probe)*prefixEntrySize)
	if err := bytesource.ReadExactAt(src, full, baseOffset); err != nil {
		return nil, fmt.Errorf("failed to read packed storage prefix table: %w", err)
	}
	header, dataOffset, err := parseHeader(full)
	if err != nil {
		return nil, err
	}
	// The prefix table was read in full, so the space left after it is
	// non-negative; compare in uint64 so huge ends cannot wrap negative.
	compressedEnd := header.BlockPrefixSum[len(header.BlockPrefixSum)-1].CompressedEnd
	if compressedEnd > uint64(src.Size()-baseOffset-int64(dataOffset)) {
		return nil, fmt.Errorf("%w: compressed blocks exceed source size", openmdict.ErrInvalidFormat)
	}
	cache, err := lru.New[int, []byte](blockCacheSize)
	if err != nil {
		return nil, err
	}
	return &Index{
		header:     header,
		src:        src,
		baseOffset: baseOffset,
		dataOffset: int64(dataOffset),
		cache:      cache,
	}, nil
}

// parseFixedHeaderProbe extracts just num_blocks from the fixed header so
// Open knows how much prefix table to fetch.
func parseFixedHeaderProbe(buf []byte) (uint64, uint64, error) {
	if len(buf) < fixedHeaderSize {
		return 0, 0, fmt.Errorf("%w: packed storage blob too small for fixed header", openmdict.ErrInvalidFormat)
	}
	if !bytes.Equal(buf[0:8], Magic[:]) {
		return 0, 0, fmt.Errorf("%w: bad packed storage magic %q", openmdict.ErrInvalidFormat, buf[0:8])
	}
	numBlocks := leUint64(buf[16:24])
	numEntries := leUint64(buf[24:32])
	return numBlocks, numEntries, nil
}

func leUint64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// Header exposes the parsed storage header.
func (ix *Index) Header() *Header { return ix.header }

// NumEntries returns the entry count recorded by the writer.
func (ix *Index) NumEntries() uint64 { return ix.header.NumEntries }

// TotalUncompressedSize is the length of the logical stream.
func (ix *Index) TotalUncompressedSize() uint64 {
	return ix.header.BlockPrefixSum[len(ix.header.BlockPrefixSum)-1].UncompressedEnd
}

// findBlockPos locates the prefix-sum row whose block contains the
// uncompressed offset, or false when the offset is past the end.
func (ix *Index) findBlockPos(uncompressedOffset uint64) (int, bool) {
	prefixSum := ix.header.BlockPrefixSum
	if len(prefixSum) < 2 {
		return 0, false
	}
	pos := sort.Search(len(prefixSum), func(i int) bool {
		return prefixSum[i].UncompressedEnd > uncompressedOffset
	})
	if pos == 0 || pos >= len(prefixSum) {
		return 0, false
	}
	return pos, true
}

// DecodeBlock decompresses the block closed by prefix-sum row blockPos
// (1-based over the prefix table), serving repeats from the LRU.
func (ix *Index) DecodeBlock(blockPos int) (DecodedBlock, error) {
	if blockPos <= 0 || blockPos >= len(ix.header.BlockPrefixSum) {
		return DecodedBlock{}, fmt.Errorf("%w: invalid block position %d", openmdict.ErrInvalidArgument, blockPos)
	}
	prev := ix.header.BlockPrefixSum[blockPos-1]
	cur := ix.header.BlockPrefixSum[blockPos]

	if decoded, ok := ix.cache.Get(blockPos); ok {
		return DecodedBlock{
			BlockPos:          blockPos,
			UncompressedStart: prev.UncompressedEnd,
			UncompressedEnd:   cur.UncompressedEnd,
			Bytes:             decoded,
		}, nil
	}

	compressed := make([]byte, cur.CompressedEnd-prev.CompressedEnd)
	fileStart := ix.baseOffset + ix.dataOffset + int64(prev.CompressedEnd)
	if err := bytesource.ReadExactAt(ix.src, compressed, fileStart); err != nil {
		return DecodedBlock{}, fmt.Errorf("failed to read packed storage block %d: %w", blockPos, err)
	}
	expected := int(cur.UncompressedEnd - prev.UncompressedEnd)
	decoded, err := decompressBlock(ix.header.Encoding, compressed, expected)
	if err != nil {
		return DecodedBlock{}, err
	}
	if len(decoded) != expected {
		return DecodedBlock{}, fmt.Errorf("%w: block %d decoded to %d bytes, want %d", openmdict.ErrInvalidFormat, blockPos, len(decoded), expected)
	}
	ix.cache.Add(blockPos, decoded)

	return DecodedBlock{
		BlockPos:          blockPos,
		UncompressedStart: prev.UncompressedEnd,
		UncompressedEnd:   cur.UncompressedEnd,
		Bytes:             decoded,
	}, nil
}

// Read returns logical bytes starting at offset: up to recordSize bytes
// (recordSize < 0 means unbounded), or until terminator first appears,
// or both, whichever comes first. At least one bound must be given.
func (ix *Index) Read(offset uint64, terminator []byte, recordSize int64) ([]byte, error) {
	if terminator == nil && recordSize < 0 {
		return nil, fmt.Errorf("%w: either terminator or record size must be provided", openmdict.ErrInvalidArgument)
	}
	if terminator != nil && len(terminator) == 0 {
		return nil, fmt.Errorf("%w: terminator must not be empty", openmdict.ErrInvalidArgument)
	}
	total := ix.TotalUncompressedSize()
	if offset >= total {
		return nil, fmt.Errorf("%w: offset %d is out of bounds for stream size %d", openmdict.ErrInvalidArgument, offset, total)
	}

	var out []byte
	current := offset
	remaining := recordSize

	for current < total {
		if remaining == 0 {
			break
		}
		pos, ok := ix.findBlockPos(current)
		if !ok {
			break
		}
		decoded, err := ix.DecodeBlock(pos)
		if err != nil {
			return nil, err
		}
		chunk := decoded.Bytes[current-decoded.UncompressedStart:]
		if len(chunk) == 0 {
			current = decoded.UncompressedEnd
			continue
		}

		take := len(chunk)
		if remaining >= 0 && int64(take) > remaining {
			take = int(remaining)
		}
		prevLen := len(out)
		out = append(out, chunk[:take]...)
		current += uint64(take)
		if remaining > 0 {
			remaining -= int64(take)
		}

		if terminator != nil {
			searchFrom := prevLen - (len(terminator) - 1)
			if searchFrom < 0 {
				searchFrom = 0
			}
			if rel := bytes.Index(out[searchFrom:], terminator); rel >= 0 {
				return out[:searchFrom+rel], nil
			}
		}
	}
	return out, nil
}
