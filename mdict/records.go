package mdict

import (
	"fmt"
	"sort"

	bin "github.com/gagliardetto/binary"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/bytesource"
	"github.com/openmdict/openmdict/blockcodec"
)

// recordTerminator is stripped from the tail of text records.
var recordTerminator = []byte{0x0A, 0x00}

// RecordSection is the parsed record index: prefix sums of per-block
// compressed and uncompressed sizes, plus the record-data offset.
type RecordSection struct {
	NumBlocks  uint64
	NumEntries uint64

	// compressedEnd[i] / uncompressedEnd[i] are cumulative sizes after
	// block i-1; entry 0 is (0, 0).
	compressedEnd   []uint64
	uncompressedEnd []uint64

	recordDataOffset int64
}

// ReadRecordSection parses the record section at the key section's next
// offset.
func ReadRecordSection(src bytesource.Source, header *Header, keys *KeySection) (*RecordSection, error) {
	width := header.Version().IndexWidth()
	offset := keys.NextSectionOffset()

	headerBuf := make([]byte, 4*width)
	if err := bytesource.ReadExactAt(src, headerBuf, offset); err != nil {
		return nil, fmt.Errorf("failed to read record section header: %w", err)
	}
	dec := bin.NewBinDecoder(headerBuf)
	numBlocks, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}
	numEntries, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}
	byteSizeRecordIndex, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}
	byteSizeRecordData, err := readSized(dec, width)
	if err != nil {
		return nil, err
	}

	if byteSizeRecordIndex != numBlocks*uint64(2*width) {
		return nil, fmt.Errorf("%w: record index size %d does not match %d blocks",
			openmdict.ErrInvalidFormat, byteSizeRecordIndex, numBlocks)
	}
	indexOffset := offset + int64(4*width)
	if indexOffset+int64(byteSizeRecordIndex) > src.Size() {
		return nil, fmt.Errorf("%w: record index exceeds file size", openmdict.ErrInvalidFormat)
	}
	indexBuf := make([]byte, byteSizeRecordIndex)
	if err := bytesource.ReadExactAt(src, indexBuf, indexOffset); err != nil {
		return nil, fmt.Errorf("failed to read record index: %w", err)
	}

	compressedEnd := make([]uint64, 1, numBlocks+1)
	uncompressedEnd := make([]uint64, 1, numBlocks+1)
	idxDec := bin.NewBinDecoder(indexBuf)
	for i := uint64(0); i < numBlocks; i++ {
		compressedSize, err := readSized(idxDec, width)
		if err != nil {
			return nil, err
		}
		uncompressedSize, err := readSized(idxDec, width)
		if err != nil {
			return nil, err
		}
		compressedEnd = append(compressedEnd, compressedEnd[len(compressedEnd)-1]+compressedSize)
		uncompressedEnd = append(uncompressedEnd, uncompressedEnd[len(uncompressedEnd)-1]+uncompressedSize)
	}

	recordDataOffset := indexOffset + int64(byteSizeRecordIndex)
	if totalCompressed := compressedEnd[len(compressedEnd)-1]; totalCompressed != byteSizeRecordData {
		return nil, fmt.Errorf("%w: record blocks sum to %d bytes, header says %d",
			openmdict.ErrInvalidFormat, totalCompressed, byteSizeRecordData)
	}
	if recordDataOffset+int64(byteSizeRecordData) > src.Size() {
		return nil, fmt.Errorf("%w: record data exceeds file size", openmdict.ErrInvalidFormat)
	}

	return &RecordSection{
		NumBlocks:        numBlocks,
		NumEntries:       numEntries,
		compressedEnd:    compressedEnd,
		uncompressedEnd:  uncompressedEnd,
		recordDataOffset: recordDataOffset,
	}, nil
}

// TotalUncompressedSize is the length of the logical record stream.
func (rs *RecordSection) TotalUncompressedSize() uint64 {
	return rs.uncompressedEnd[len(rs.uncompressedEnd)-1]
}

// LocateRecordBlock returns the greatest block i whose stream start is
// <= u, i.e. the block whose decoded bytes contain offset u.
func (rs *RecordSection) LocateRecordBlock(u uint64) (int, bool) {
	pos := sort.Search(len(rs.uncompressedEnd), func(i int) bool {
		return rs.uncompressedEnd[i] > u
	})
	if pos == 0 || pos >= len(rs.uncompressedEnd) {
		return 0, false
	}
	return pos - 1, true
}

// CompressedBlockSize returns the on-disk size of record block i.
func (rs *RecordSection) CompressedBlockSize(i int) uint64 {
	if i < 0 || i+1 >= len(rs.compressedEnd) {
		return 0
	}
	return rs.compressedEnd[i+1] - rs.compressedEnd[i]
}

// recordBlockCache holds decoded record blocks up to a fixed capacity.
// Capacity 0 disables caching. Eviction picks an arbitrary resident
// block (map iteration order); the packed-storage reader is the one with
// the strict LRU discipline.
type recordBlockCache struct {
	capacity int
	blocks   map[int][]byte
}

func newRecordBlockCache(capacity int) *recordBlockCache {
	return &recordBlockCache{capacity: capacity, blocks: make(map[int][]byte)}
}

func (c *recordBlockCache) get(idx int) ([]byte, bool) {
	b, ok := c.blocks[idx]
	return b, ok
}

func (c *recordBlockCache) put(idx int, decoded []byte) {
	if c.capacity <= 0 {
		return
	}
	if len(c.blocks) >= c.capacity {
		for victim := range c.blocks {
			delete(c.blocks, victim)
			break
		}
	}
	c.blocks[idx] = decoded
}

// loadRecordBlock decodes record block idx, consulting the cache.
func (r *Reader) loadRecordBlock(idx int) ([]byte, error) {
	if decoded, ok := r.recordCache.get(idx); ok {
		return decoded, nil
	}
	if idx < 0 || idx+1 >= len(r.records.uncompressedEnd) {
		return nil, fmt.Errorf("%w: record block index %d out of range", openmdict.ErrInvalidArgument, idx)
	}
	compressedStart := r.records.compressedEnd[idx]
	compressedSize := r.records.compressedEnd[idx+1] - compressedStart
	buf := make([]byte, compressedSize)
	if err := bytesource.ReadExactAt(r.src, buf, r.records.recordDataOffset+int64(compressedStart)); err != nil {
		return nil, fmt.Errorf("failed to read record block %d: %w", idx, err)
	}
	decoded, err := blockcodec.Decode(buf)
	if err != nil {
		return nil, err
	}
	if want := r.records.uncompressedEnd[idx+1] - r.records.uncompressedEnd[idx]; uint64(len(decoded)) != want {
		return nil, fmt.Errorf("%w: record block %d decoded to %d bytes, want %d",
			openmdict.ErrInvalidFormat, idx, len(decoded), want)
	}
	r.recordCache.put(idx, decoded)
	return decoded, nil
}

// readSized reads one big-endian integer of the version's index width.
func readSized(dec *bin.Decoder, width int) (uint64, error) {
	if width == 4 {
		v, err := dec.ReadUint32(bin.BE)
		return uint64(v), err
	}
	return dec.ReadUint64(bin.BE)
}
