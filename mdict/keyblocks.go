package mdict

import (
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/blockcodec"
	"github.com/openmdict/openmdict/bytesource"
)

// KeyEntry is one key with its 64-bit record locator: an offset into the
// logical decompressed record stream.
type KeyEntry struct {
	Locator uint64
	Text    string
}

// keyBlockCache keeps the entries of the single most recently decoded
// key block. A request for a different block replaces it.
type keyBlockCache struct {
	valid   bool
	idx     int
	entries []KeyEntry
}

// loadKeyBlock returns the parsed entries of key block idx, reusing the
// cache when it already holds that block.
func (r *Reader) loadKeyBlock(idx int) ([]KeyEntry, error) {
	if r.keyCache.valid && r.keyCache.idx == idx {
		return r.keyCache.entries, nil
	}
	if idx < 0 || idx >= len(r.keys.Summaries) {
		return nil, fmt.Errorf("%w: key block index %d out of range", openmdict.ErrInvalidArgument, idx)
	}
	summary := r.keys.Summaries[idx]
	compressed := make([]byte, summary.CompressedSize)
	offset := r.keys.keyBlocksStart + int64(r.keys.compressedPrefixSum[idx])
	if err := bytesource.ReadExactAt(r.src, compressed, offset); err != nil {
		return nil, fmt.Errorf("failed to read key block %d: %w", idx, err)
	}
	decoded, err := blockcodec.Decode(compressed)
	if err != nil {
		return nil, err
	}
	encoding := r.header.Encoding()
	entries, err := parseKeyBlock(decoded, encoding, encoding.CharWidth())
	if err != nil {
		return nil, err
	}
	if uint64(len(entries)) != summary.NumEntries {
		return nil, fmt.Errorf("%w: key block %d parsed %d entries, summary says %d",
			openmdict.ErrInvalidFormat, idx, len(entries), summary.NumEntries)
	}
	r.keyCache = keyBlockCache{valid: true, idx: idx, entries: entries}
	return entries, nil
}

// parseKeyBlock parses a decoded key block payload: each entry is a
// big-endian 64-bit locator followed by key text terminated by one null
// unit of the encoding's width.
func parseKeyBlock(decoded []byte, encoding Encoding, nullWidth int) ([]KeyEntry, error) {
	var entries []KeyEntry
	dec := bin.NewBinDecoder(decoded)
	for dec.HasRemaining() {
		locator, err := dec.ReadUint64(bin.BE)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated key entry locator", openmdict.ErrInvalidFormat)
		}
		pos := int(dec.Position())
		end, next, err := findNullUnit(decoded, pos, nullWidth)
		if err != nil {
			return nil, err
		}
		text, err := encoding.DecodeText(decoded[pos:end])
		if err != nil {
			return nil, err
		}
		if err := dec.SkipBytes(uint(next - pos)); err != nil {
			return nil, err
		}
		entries = append(entries, KeyEntry{Locator: locator, Text: text})
	}
	return entries, nil
}

// findNullUnit locates the first null unit at or after pos, returning
// the text end and the position just past the terminator.
func findNullUnit(buf []byte, pos, nullWidth int) (end, next int, err error) {
	if nullWidth == 1 {
		for i := pos; i < len(buf); i++ {
			if buf[i] == 0 {
				return i, i + 1, nil
			}
		}
	} else {
		for i := pos; i+1 < len(buf); i += 2 {
			if binary.LittleEndian.Uint16(buf[i:]) == 0 {
				return i, i + 2, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("%w: unterminated key text", openmdict.ErrInvalidFormat)
}
