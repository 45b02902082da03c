// Package optimized serves prefix searches and record fetches from the
// three re-index artifacts: the key→offset automaton, the readings
// stream, and the compacted record file.
package optimized

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/blevesearch/vellum"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/bytesource"
	"github.com/openmdict/openmdict/packedstorage"
	"github.com/openmdict/openmdict/reindex"
)

// KeyBlock is one search hit: the readings-stream offset of its entry
// and the reading text that matched.
type KeyBlock struct {
	Locator uint64
	Text    string
}

// Cursor resumes a paged search after the last key emitted.
type Cursor struct {
	AfterKey string
}

// Page is one page of prefix search results.
type Page struct {
	Results []KeyBlock
	Next    *Cursor
}

// Reader owns memory-mapped views of the three artifacts for its whole
// lifetime. Public methods serialize on an internal mutex, so a Reader
// may be shared across goroutines; only one query progresses at a time.
type Reader struct {
	mu sync.Mutex

	fst         *vellum.FST
	readings    readingsView
	readingsSrc bytesource.Source
	records     *packedstorage.Index
	recordsSrc  bytesource.Source

	prefix   string
	pageSize int
	seen     map[uint64]struct{}
}

// Open maps the three artifact files.
func Open(fstPath, readingsPath, recordsPath string) (*Reader, error) {
	fst, err := vellum.Open(fstPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open key automaton: %w", err)
	}
	readingsSrc, err := bytesource.OpenMMAP(readingsPath)
	if err != nil {
		fst.Close()
		return nil, err
	}
	readings, err := openReadingsView(readingsSrc)
	if err != nil {
		readingsSrc.Close()
		fst.Close()
		return nil, err
	}
	recordsSrc, err := bytesource.OpenMMAP(recordsPath)
	if err != nil {
		readingsSrc.Close()
		fst.Close()
		return nil, err
	}
	records, err := packedstorage.Open(recordsSrc, 0)
	if err != nil {
		recordsSrc.Close()
		readingsSrc.Close()
		fst.Close()
		return nil, err
	}
	return &Reader{
		fst:         fst,
		readings:    readings,
		readingsSrc: readingsSrc,
		records:     records,
		recordsSrc:  recordsSrc,
	}, nil
}

// Close releases the mapped artifacts.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.fst.Close()
	if cerr := r.readingsSrc.Close(); err == nil {
		err = cerr
	}
	if cerr := r.recordsSrc.Close(); err == nil {
		err = cerr
	}
	return err
}

// SetSearchPrefixPaged starts a paged prefix search session and returns
// the first page. pageSize must be greater than zero.
func (r *Reader) SetSearchPrefixPaged(prefix string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("%w: page size must be greater than 0", openmdict.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = prefix
	r.pageSize = pageSize
	r.seen = make(map[uint64]struct{})
	return r.buildPage("")
}

// NextPage continues the current session after cursor.
func (r *Reader) NextPage(cursor Cursor) (Page, error) {
	if cursor.AfterKey == "" {
		return Page{}, fmt.Errorf("%w: cursor key must not be empty", openmdict.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pageSize == 0 {
		return Page{}, fmt.Errorf("%w: search prefix not set", openmdict.ErrInvalidArgument)
	}
	return r.buildPage(cursor.AfterKey)
}

// buildPage walks the FST range stream from the cursor, skipping offsets
// already emitted in this session, until the page is full.
func (r *Reader) buildPage(afterKey string) (Page, error) {
	start := []byte(r.prefix)
	if afterKey != "" {
		// The byte successor of the last emitted key resumes strictly
		// after it.
		start = append([]byte(afterKey), 0)
	}
	var end []byte
	if successor, ok := byteSuccessor([]byte(r.prefix)); ok {
		end = successor
	}

	itr, err := r.fst.Iterator(start, end)
	if err != nil {
		if errors.Is(err, vellum.ErrIteratorDone) {
			return Page{}, nil
		}
		return Page{}, err
	}

	page := Page{}
	for {
		key, offset := itr.Current()
		if _, dup := r.seen[offset]; !dup {
			r.seen[offset] = struct{}{}
			page.Results = append(page.Results, KeyBlock{Locator: offset, Text: string(key)})
			if len(page.Results) == r.pageSize {
				page.Next = &Cursor{AfterKey: string(key)}
				return page, nil
			}
		}
		if err := itr.Next(); err != nil {
			if errors.Is(err, vellum.ErrIteratorDone) {
				return page, nil
			}
			return Page{}, err
		}
	}
}

// Len counts the distinct records matching the current prefix.
func (r *Reader) Len() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pageSize == 0 {
		return 0, fmt.Errorf("%w: search prefix not set", openmdict.ErrInvalidArgument)
	}
	var end []byte
	if successor, ok := byteSuccessor([]byte(r.prefix)); ok {
		end = successor
	}
	itr, err := r.fst.Iterator([]byte(r.prefix), end)
	if err != nil {
		if errors.Is(err, vellum.ErrIteratorDone) {
			return 0, nil
		}
		return 0, err
	}
	distinct := make(map[uint64]struct{})
	for {
		_, offset := itr.Current()
		distinct[offset] = struct{}{}
		if err := itr.Next(); err != nil {
			if errors.Is(err, vellum.ErrIteratorDone) {
				return uint64(len(distinct)), nil
			}
			return 0, err
		}
	}
}

// Lookup returns the readings-stream offset of an exact reading.
func (r *Reader) Lookup(key string) (uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	offset, exists, err := r.fst.Get([]byte(key))
	if err != nil {
		return 0, false, err
	}
	return offset, exists, nil
}

// Readings returns the reading list of a hit's readings entry.
func (r *Reader) Readings(kb KeyBlock) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, payload, err := r.readEntry(kb.Locator)
	if err != nil {
		return nil, err
	}
	return reindex.ParsePayload(payload), nil
}

// RecordAt reads the compacted record a hit resolves to. The record size
// is inferred from the next readings entry's remapped locator, or runs
// to the end of the compacted stream for the final entry.
func (r *Reader) RecordAt(kb KeyBlock) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	header, _, err := r.readEntry(kb.Locator)
	if err != nil {
		return nil, err
	}
	size := int64(r.records.TotalUncompressedSize() - header.Locator)
	nextOffset := kb.Locator + reindex.EntryHeaderSize + uint64(header.Length)
	if nextOffset+reindex.EntryHeaderSize <= r.readings.size() {
		next, err := r.parseHeaderAt(nextOffset)
		if err != nil {
			return nil, err
		}
		if next.Locator < header.Locator {
			return nil, fmt.Errorf("%w: readings locators are not increasing at offset %d", openmdict.ErrInvalidFormat, nextOffset)
		}
		size = int64(next.Locator - header.Locator)
	}
	if size == 0 {
		return []byte{}, nil
	}
	return r.records.Read(header.Locator, nil, size)
}

func (r *Reader) parseHeaderAt(offset uint64) (reindex.EntryHeader, error) {
	buf, err := r.readings.read(offset, reindex.EntryHeaderSize)
	if err != nil {
		return reindex.EntryHeader{}, err
	}
	return reindex.ParseEntryHeader(buf, 0)
}

func (r *Reader) readEntry(offset uint64) (reindex.EntryHeader, []byte, error) {
	header, err := r.parseHeaderAt(offset)
	if err != nil {
		return reindex.EntryHeader{}, nil, err
	}
	payload, err := r.readings.read(offset+reindex.EntryHeaderSize, uint64(header.Length))
	if err != nil {
		return reindex.EntryHeader{}, nil, err
	}
	return header, payload, nil
}

// byteSuccessor is the exclusive upper bound of the byte-prefix range:
// increment the last non-0xFF byte and truncate. false means the range
// is unbounded above.
func byteSuccessor(prefix []byte) ([]byte, bool) {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			out := make([]byte, i+1)
			copy(out, prefix[:i+1])
			out[i]++
			return out, true
		}
	}
	return nil, false
}

// readingsView abstracts the readings stream, which is either a flat
// entry sequence or the same stream wrapped in packed storage.
type readingsView interface {
	read(offset, n uint64) ([]byte, error)
	size() uint64
}

func openReadingsView(src bytesource.Source) (readingsView, error) {
	magic := make([]byte, len(packedstorage.Magic))
	if err := bytesource.ReadExactAt(src, magic, 0); err == nil && bytes.Equal(magic, packedstorage.Magic[:]) {
		index, err := packedstorage.Open(src, 0)
		if err != nil {
			return nil, err
		}
		return &packedReadings{index: index}, nil
	}
	return &flatReadings{src: src}, nil
}

type flatReadings struct {
	src bytesource.Source
}

func (v *flatReadings) read(offset, n uint64) ([]byte, error) {
	if offset+n > uint64(v.src.Size()) {
		return nil, fmt.Errorf("%w: readings entry out of bounds at offset %d", openmdict.ErrInvalidFormat, offset)
	}
	buf := make([]byte, n)
	if err := bytesource.ReadExactAt(v.src, buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *flatReadings) size() uint64 { return uint64(v.src.Size()) }

type packedReadings struct {
	index *packedstorage.Index
}

func (v *packedReadings) read(offset, n uint64) ([]byte, error) {
	out, err := v.index.Read(offset, nil, int64(n))
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != n {
		return nil, fmt.Errorf("%w: truncated readings entry at offset %d", openmdict.ErrInvalidFormat, offset)
	}
	return out, nil
}

func (v *packedReadings) size() uint64 { return v.index.TotalUncompressedSize() }
