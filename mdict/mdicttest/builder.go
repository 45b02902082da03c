// Package mdicttest builds small, valid dictionary containers in memory
// for tests: sorted keys, framed compressed blocks, and both on-disk
// layout variants.
package mdicttest

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"sort"
	"strings"

	"github.com/openmdict/openmdict/blockcodec"
	"github.com/openmdict/openmdict/mdict"
)

// Entry is one key/record pair to place in the container.
type Entry struct {
	Key    string
	Record []byte
}

// Builder assembles a container byte-for-byte.
type Builder struct {
	version  mdict.Version
	encoding mdict.Encoding
	codec    blockcodec.Encoding

	entriesPerKeyBlock int
	recordBlockTarget  int
	extraAttrs         []mdict.Attribute

	entries []Entry
}

// NewBuilder returns a builder for the given layout variant and text
// encoding. Defaults: zlib blocks, 4 entries per key block, 128-byte
// record blocks (small on purpose, to exercise block boundaries).
func NewBuilder(version mdict.Version, encoding mdict.Encoding) *Builder {
	return &Builder{
		version:            version,
		encoding:           encoding,
		codec:              blockcodec.Zlib,
		entriesPerKeyBlock: 4,
		recordBlockTarget:  128,
	}
}

// WithCodec sets the block codec for key and record blocks.
func (b *Builder) WithCodec(codec blockcodec.Encoding) *Builder {
	b.codec = codec
	return b
}

// WithEntriesPerKeyBlock sets how many keys go into one key block.
func (b *Builder) WithEntriesPerKeyBlock(n int) *Builder {
	b.entriesPerKeyBlock = n
	return b
}

// WithRecordBlockTarget sets the uncompressed record block cut size.
func (b *Builder) WithRecordBlockTarget(n int) *Builder {
	b.recordBlockTarget = n
	return b
}

// WithAttribute adds an extra header attribute.
func (b *Builder) WithAttribute(key, value string) *Builder {
	b.extraAttrs = append(b.extraAttrs, mdict.Attribute{Key: key, Value: value})
	return b
}

// Add appends one key/record pair. Keys are sorted at build time.
func (b *Builder) Add(key string, record []byte) *Builder {
	b.entries = append(b.entries, Entry{Key: key, Record: record})
	return b
}

// AddText appends a key with a string record.
func (b *Builder) AddText(key, record string) *Builder {
	return b.Add(key, []byte(record))
}

func (b *Builder) isResource() bool { return b.version == mdict.VResource }

// Bytes assembles the container.
func (b *Builder) Bytes() ([]byte, error) {
	if len(b.entries) == 0 {
		return nil, fmt.Errorf("mdicttest: no entries")
	}
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	// Logical record stream: records in key order, text records carry the
	// 0x0A 0x00 terminator. Blocks are cut at record boundaries so no
	// record straddles two blocks.
	locators := make([]uint64, len(entries))
	segments := make([][]byte, len(entries))
	streamLen := uint64(0)
	for i, entry := range entries {
		locators[i] = streamLen
		segment := entry.Record
		if !b.isResource() {
			segment = append(append([]byte{}, entry.Record...), 0x0A, 0x00)
		}
		segments[i] = segment
		streamLen += uint64(len(segment))
	}

	recordBlocks, recordSizes, err := b.buildRecordBlocks(segments)
	if err != nil {
		return nil, err
	}
	keyBlocks, summaries, err := b.buildKeyBlocks(entries, locators)
	if err != nil {
		return nil, err
	}
	keyInfo, err := b.buildKeyInfo(summaries)
	if err != nil {
		return nil, err
	}

	out := b.buildHeader()
	out = b.appendKeySection(out, entries, keyInfo, keyBlocks)
	out = b.appendRecordSection(out, recordBlocks, recordSizes, len(entries))
	return out, nil
}

func (b *Builder) buildHeader() []byte {
	attrs := []mdict.Attribute{}
	if b.version != mdict.VResource {
		version := "2.0"
		if b.version == mdict.V1 {
			version = "1.0"
		}
		attrs = append(attrs, mdict.Attribute{Key: "GeneratedByEngineVersion", Value: version})
	}
	if b.encoding == mdict.Utf8 {
		attrs = append(attrs, mdict.Attribute{Key: "Encoding", Value: "UTF-8"})
	}
	attrs = append(attrs, b.extraAttrs...)

	var doc strings.Builder
	doc.WriteString("<Dictionary")
	for _, attr := range attrs {
		doc.WriteString(" ")
		doc.WriteString(attr.Key)
		doc.WriteString(`="`)
		doc.WriteString(escapeEntities(attr.Value))
		doc.WriteString(`"`)
	}
	doc.WriteString("/>")

	docBytes, _ := mdict.Utf16LE.EncodeText(doc.String())
	out := binary.BigEndian.AppendUint32(nil, uint32(len(docBytes)))
	out = append(out, docBytes...)
	out = binary.BigEndian.AppendUint32(out, adler32.Checksum(docBytes))
	return out
}

func escapeEntities(value string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		`"`, "&quot;",
		"'", "&apos;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}

type blockSize struct {
	compressed   uint64
	uncompressed uint64
}

func (b *Builder) buildRecordBlocks(segments [][]byte) ([][]byte, []blockSize, error) {
	var blocks [][]byte
	var sizes []blockSize
	var pending []byte
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		framed, err := blockcodec.Encode(b.codec, 3, pending)
		if err != nil {
			return err
		}
		blocks = append(blocks, framed)
		sizes = append(sizes, blockSize{
			compressed:   uint64(len(framed)),
			uncompressed: uint64(len(pending)),
		})
		pending = nil
		return nil
	}
	for _, segment := range segments {
		if len(pending) > 0 && len(pending)+len(segment) > b.recordBlockTarget {
			if err := flush(); err != nil {
				return nil, nil, err
			}
		}
		pending = append(pending, segment...)
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	return blocks, sizes, nil
}

type keyBlockSummary struct {
	numEntries uint64
	first      string
	last       string
	compressed uint64
	decoded    uint64
}

func (b *Builder) buildKeyBlocks(entries []Entry, locators []uint64) ([][]byte, []keyBlockSummary, error) {
	nullWidth := b.encoding.CharWidth()
	var blocks [][]byte
	var summaries []keyBlockSummary
	for start := 0; start < len(entries); start += b.entriesPerKeyBlock {
		end := start + b.entriesPerKeyBlock
		if end > len(entries) {
			end = len(entries)
		}
		var payload []byte
		for i := start; i < end; i++ {
			payload = binary.BigEndian.AppendUint64(payload, locators[i])
			keyBytes, err := b.encoding.EncodeText(entries[i].Key)
			if err != nil {
				return nil, nil, err
			}
			payload = append(payload, keyBytes...)
			payload = append(payload, make([]byte, nullWidth)...)
		}
		framed, err := blockcodec.Encode(b.codec, 3, payload)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, framed)
		summaries = append(summaries, keyBlockSummary{
			numEntries: uint64(end - start),
			first:      entries[start].Key,
			last:       entries[end-1].Key,
			compressed: uint64(len(framed)),
			decoded:    uint64(len(payload)),
		})
	}
	return blocks, summaries, nil
}

func (b *Builder) buildKeyInfo(summaries []keyBlockSummary) ([]byte, error) {
	lengthWidth := b.version.LengthPrefixWidth()
	nullWidth := b.version.NullWidth()
	charWidth := b.encoding.CharWidth()

	var raw []byte
	appendKey := func(text string) error {
		keyBytes, err := b.encoding.EncodeText(text)
		if err != nil {
			return err
		}
		units := len(keyBytes) / charWidth
		if lengthWidth == 1 {
			raw = append(raw, byte(units))
		} else {
			raw = binary.BigEndian.AppendUint16(raw, uint16(units))
		}
		raw = append(raw, keyBytes...)
		raw = append(raw, make([]byte, nullWidth)...)
		return nil
	}
	for _, summary := range summaries {
		raw = binary.BigEndian.AppendUint64(raw, summary.numEntries)
		if err := appendKey(summary.first); err != nil {
			return nil, err
		}
		if err := appendKey(summary.last); err != nil {
			return nil, err
		}
		raw = binary.BigEndian.AppendUint64(raw, summary.compressed)
		raw = binary.BigEndian.AppendUint64(raw, summary.decoded)
	}

	if b.version == mdict.V1 {
		return raw, nil
	}
	framed, err := blockcodec.Encode(b.codec, 3, raw)
	if err != nil {
		return nil, err
	}
	// Callers also need the uncompressed size; stash it in front and let
	// appendKeySection peel it off.
	out := binary.BigEndian.AppendUint64(nil, uint64(len(raw)))
	return append(out, framed...), nil
}

func (b *Builder) appendSized(out []byte, v uint64) []byte {
	if b.version.IndexWidth() == 4 {
		return binary.BigEndian.AppendUint32(out, uint32(v))
	}
	return binary.BigEndian.AppendUint64(out, v)
}

func (b *Builder) appendKeySection(out []byte, entries []Entry, keyInfo []byte, keyBlocks [][]byte) []byte {
	var uncompressedKeyInfoSize uint64
	if b.version != mdict.V1 {
		uncompressedKeyInfoSize = binary.BigEndian.Uint64(keyInfo[:8])
		keyInfo = keyInfo[8:]
	}
	var keyBlocksSize uint64
	for _, block := range keyBlocks {
		keyBlocksSize += uint64(len(block))
	}

	out = b.appendSized(out, uint64(len(keyBlocks)))
	out = b.appendSized(out, uint64(len(entries)))
	if b.version != mdict.V1 {
		out = b.appendSized(out, uncompressedKeyInfoSize)
	}
	out = b.appendSized(out, uint64(len(keyInfo)))
	out = b.appendSized(out, keyBlocksSize)
	out = binary.BigEndian.AppendUint32(out, adler32.Checksum(keyInfo))
	out = append(out, keyInfo...)
	for _, block := range keyBlocks {
		out = append(out, block...)
	}
	return out
}

func (b *Builder) appendRecordSection(out []byte, blocks [][]byte, sizes []blockSize, numEntries int) []byte {
	width := b.version.IndexWidth()
	var dataSize uint64
	for _, size := range sizes {
		dataSize += size.compressed
	}
	out = b.appendSized(out, uint64(len(blocks)))
	out = b.appendSized(out, uint64(numEntries))
	out = b.appendSized(out, uint64(len(sizes)*2*width))
	out = b.appendSized(out, dataSize)
	for _, size := range sizes {
		out = b.appendSized(out, size.compressed)
		out = b.appendSized(out, size.uncompressed)
	}
	for _, block := range blocks {
		out = append(out, block...)
	}
	return out
}
