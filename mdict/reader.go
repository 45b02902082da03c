// Package mdict reads offline dictionary containers: a metadata header,
// a two-level key index, and a record area of independently compressed
// blocks whose concatenated decompressed contents form a logical byte
// stream addressed by 64-bit locators.
package mdict

import (
	"bytes"
	"fmt"
	"sort"

	logging "github.com/ipfs/go-log/v2"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/bytesource"
)

var log = logging.Logger("mdict")

// Reader answers exact-lookup, lower-bound and prefix-range queries over
// one container, and reads records by global entry index. A Reader is
// not safe for concurrent use; it owns its caches and borrows the byte
// source for its whole lifetime.
type Reader struct {
	src     bytesource.Source
	ownsSrc bool

	header  *Header
	keys    *KeySection
	records *RecordSection

	keyCache    keyBlockCache
	recordCache *recordBlockCache

	prefixSession *PrefixIterator
}

// Option configures a Reader at open time.
type Option func(*readerConfig)

type readerConfig struct {
	recordCacheSize int
}

// WithRecordCacheSize bounds the decoded record-block cache. The default
// of 0 disables caching.
func WithRecordCacheSize(n int) Option {
	return func(cfg *readerConfig) { cfg.recordCacheSize = n }
}

// Open opens a container through a plain file handle.
func Open(path string, opts ...Option) (*Reader, error) {
	src, err := bytesource.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(src, opts...)
	if err != nil {
		src.Close()
		return nil, err
	}
	r.ownsSrc = true
	return r, nil
}

// OpenMMAP opens a container through a read-only memory map.
func OpenMMAP(path string, opts ...Option) (*Reader, error) {
	src, err := bytesource.OpenMMAP(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(src, opts...)
	if err != nil {
		src.Close()
		return nil, err
	}
	r.ownsSrc = true
	return r, nil
}

// NewReader parses the header, key section and record section of src.
// The source stays owned by the caller.
func NewReader(src bytesource.Source, opts ...Option) (*Reader, error) {
	cfg := readerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	header, err := ReadHeader(src)
	if err != nil {
		return nil, err
	}
	keys, err := ReadKeySection(src, header)
	if err != nil {
		return nil, err
	}
	records, err := ReadRecordSection(src, header, keys)
	if err != nil {
		return nil, err
	}
	log.Debugf("opened %s container: %d entries in %d key blocks, %d record blocks",
		header.Version(), keys.NumEntries, keys.NumBlocks, records.NumBlocks)
	return &Reader{
		src:         src,
		header:      header,
		keys:        keys,
		records:     records,
		recordCache: newRecordBlockCache(cfg.recordCacheSize),
	}, nil
}

// Close releases the byte source if the reader opened it.
func (r *Reader) Close() error {
	if r.ownsSrc {
		return r.src.Close()
	}
	return nil
}

// Header exposes the parsed container header.
func (r *Reader) Header() *Header { return r.header }

// KeySection exposes the parsed key index.
func (r *Reader) KeySection() *KeySection { return r.keys }

// RecordSection exposes the parsed record index.
func (r *Reader) RecordSection() *RecordSection { return r.records }

// NumEntries is the total number of key entries in the container.
func (r *Reader) NumEntries() uint64 { return r.keys.NumEntries }

// EntryAt returns the key entry at global index g.
func (r *Reader) EntryAt(g uint64) (KeyEntry, error) {
	block, ok := r.keys.blockForGlobalIndex(g)
	if !ok {
		return KeyEntry{}, fmt.Errorf("%w: entry index %d out of range (%d entries)",
			openmdict.ErrInvalidArgument, g, r.keys.NumEntries)
	}
	entries, err := r.loadKeyBlock(block)
	if err != nil {
		return KeyEntry{}, err
	}
	blockStart, _ := r.keys.blockRange(block)
	return entries[g-blockStart], nil
}

// IndexForKey returns the global index of the entry whose text equals
// key, or false when no entry matches exactly.
func (r *Reader) IndexForKey(key string) (uint64, bool, error) {
	block, ok := r.keys.findBlockForExact(key)
	if !ok {
		return 0, false, nil
	}
	entries, err := r.loadKeyBlock(block)
	if err != nil {
		return 0, false, err
	}
	local := sort.Search(len(entries), func(i int) bool {
		return entries[i].Text >= key
	})
	if local >= len(entries) || entries[local].Text != key {
		return 0, false, nil
	}
	blockStart, _ := r.keys.blockRange(block)
	return blockStart + uint64(local), true, nil
}

// LookupKey returns the entry whose text equals key.
func (r *Reader) LookupKey(key string) (KeyEntry, error) {
	g, ok, err := r.IndexForKey(key)
	if err != nil {
		return KeyEntry{}, err
	}
	if !ok {
		return KeyEntry{}, fmt.Errorf("%w: %q", openmdict.ErrKeyNotFound, key)
	}
	return r.EntryAt(g)
}

// PrefixRangeBounds returns the global half-open range [lo, hi) of
// entries whose text starts with prefix. The empty prefix matches every
// entry. lo == hi means no matches.
func (r *Reader) PrefixRangeBounds(prefix string) (uint64, uint64, error) {
	if prefix == "" {
		return 0, r.keys.NumEntries, nil
	}
	lowerBlock, upperBlock := r.keys.findBlockForPrefix(prefix)
	n := len(r.keys.Summaries)
	if lowerBlock >= n {
		return 0, 0, nil
	}

	entries, err := r.loadKeyBlock(lowerBlock)
	if err != nil {
		return 0, 0, err
	}
	localLo := sort.Search(len(entries), func(i int) bool {
		return entries[i].Text >= prefix
	})
	blockStart, _ := r.keys.blockRange(lowerBlock)
	lo := blockStart + uint64(localLo)

	hi := r.keys.NumEntries
	if successor, ok := nextPrefix(prefix); ok {
		if upperBlock >= n {
			hi = r.keys.NumEntries
		} else {
			upperEntries, err := r.loadKeyBlock(upperBlock)
			if err != nil {
				return 0, 0, err
			}
			localHi := sort.Search(len(upperEntries), func(i int) bool {
				return upperEntries[i].Text >= successor
			})
			upperStart, _ := r.keys.blockRange(upperBlock)
			hi = upperStart + uint64(localHi)
		}
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi, nil
}

// SearchPrefix returns an iterator over all entries whose text starts
// with prefix, in key order.
func (r *Reader) SearchPrefix(prefix string) (*PrefixIterator, error) {
	lo, hi, err := r.PrefixRangeBounds(prefix)
	if err != nil {
		return nil, err
	}
	return &PrefixIterator{reader: r, prefix: prefix, lo: lo, hi: hi, cursor: lo}, nil
}

// RecordAtIndex reads and decodes the record of the entry at global
// index g. For text containers the trailing 0x0A 0x00 terminator is
// stripped.
func (r *Reader) RecordAtIndex(g uint64) ([]byte, error) {
	entry, err := r.EntryAt(g)
	if err != nil {
		return nil, err
	}
	next := r.records.TotalUncompressedSize()
	if g+1 < r.keys.NumEntries {
		nextEntry, err := r.EntryAt(g + 1)
		if err != nil {
			return nil, err
		}
		next = nextEntry.Locator
	}
	return r.readRecordSlice(entry.Locator, next)
}

// RecordAt reads the record addressed by a key entry. When the entry's
// text resolves to a global index the record length comes from the next
// entry's locator; otherwise the slice extends to the end of its block.
func (r *Reader) RecordAt(entry KeyEntry) ([]byte, error) {
	if g, ok, err := r.IndexForKey(entry.Text); err != nil {
		return nil, err
	} else if ok {
		return r.RecordAtIndex(g)
	}
	return r.readRecordSlice(entry.Locator, r.records.TotalUncompressedSize())
}

// readRecordSlice cuts [locator, next) out of the logical record stream,
// bounded by the containing block, and applies the terminator rule.
func (r *Reader) readRecordSlice(locator, next uint64) ([]byte, error) {
	if next < locator {
		return nil, fmt.Errorf("%w: record bounds [%d, %d) are inverted", openmdict.ErrInvalidFormat, locator, next)
	}
	block, ok := r.records.LocateRecordBlock(locator)
	if !ok {
		return nil, fmt.Errorf("%w: locator %d is outside the record stream", openmdict.ErrInvalidArgument, locator)
	}
	decoded, err := r.loadRecordBlock(block)
	if err != nil {
		return nil, err
	}
	start := locator - r.records.uncompressedEnd[block]
	length := uint64(len(decoded)) - start
	if want := next - locator; want < length {
		length = want
	}
	slice := decoded[start : start+length]

	if !r.header.IsResource() && bytes.HasSuffix(slice, recordTerminator) {
		slice = slice[:len(slice)-len(recordTerminator)]
	}
	out := make([]byte, len(slice))
	copy(out, slice)
	return out, nil
}

// PrefixIterator walks a prefix match range by global index. It borrows
// its Reader; advancing it takes exclusive access to the reader's caches.
type PrefixIterator struct {
	reader *Reader
	prefix string
	lo, hi uint64
	cursor uint64
}

// Len is the number of matching entries.
func (it *PrefixIterator) Len() uint64 { return it.hi - it.lo }

// Bounds returns the global half-open range [lo, hi).
func (it *PrefixIterator) Bounds() (uint64, uint64) { return it.lo, it.hi }

// Prefix returns the prefix this iterator was built for.
func (it *PrefixIterator) Prefix() string { return it.prefix }

// At returns the i-th match without moving the cursor.
func (it *PrefixIterator) At(i uint64) (KeyEntry, error) {
	if it.lo+i >= it.hi {
		return KeyEntry{}, fmt.Errorf("%w: result index %d out of range (%d matches)",
			openmdict.ErrInvalidArgument, i, it.Len())
	}
	return it.reader.EntryAt(it.lo + i)
}

// Next returns the next match; ok is false once the range is exhausted.
func (it *PrefixIterator) Next() (entry KeyEntry, ok bool, err error) {
	if it.cursor >= it.hi {
		return KeyEntry{}, false, nil
	}
	entry, err = it.reader.EntryAt(it.cursor)
	if err != nil {
		return KeyEntry{}, false, err
	}
	it.cursor++
	return entry, true, nil
}

// Reset rewinds the cursor to the first match.
func (it *PrefixIterator) Reset() { it.cursor = it.lo }

// Take returns up to n further matches.
func (it *PrefixIterator) Take(n int) ([]KeyEntry, error) {
	out := make([]KeyEntry, 0, n)
	for len(out) < n {
		entry, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, entry)
	}
	return out, nil
}

// SetSearchPrefix starts a stateful prefix session on the reader,
// mirroring the paged session of the optimized reader.
func (r *Reader) SetSearchPrefix(prefix string) error {
	it, err := r.SearchPrefix(prefix)
	if err != nil {
		return err
	}
	r.prefixSession = it
	return nil
}

// PrefixResultLen is the match count of the current session.
func (r *Reader) PrefixResultLen() uint64 {
	if r.prefixSession == nil {
		return 0
	}
	return r.prefixSession.Len()
}

// PrefixResultAt returns the i-th match of the current session.
func (r *Reader) PrefixResultAt(i uint64) (KeyEntry, error) {
	if r.prefixSession == nil {
		return KeyEntry{}, fmt.Errorf("%w: search prefix not set", openmdict.ErrInvalidArgument)
	}
	return r.prefixSession.At(i)
}
