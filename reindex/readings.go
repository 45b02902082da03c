package reindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"unicode"

	openmdict "github.com/openmdict/openmdict"
)

// linkPrefix marks a record whose body is a cross-reference to another
// key instead of real content.
const linkPrefix = "@@@LINK="

// EntryHeaderSize is the fixed prefix of one readings-stream entry:
// payload length (u32 LE) followed by the remapped locator (u64 LE).
const EntryHeaderSize = 12

// EntryHeader is the fixed header of one readings-stream entry.
type EntryHeader struct {
	Length  uint32
	Locator uint64
}

// ReadingsSet is a deduplicated set of reading strings.
type ReadingsSet map[string]struct{}

// ReadingsMap groups reading strings by the locator of the record they
// resolve to. Multiple key texts may point at one record, directly or
// through cross-reference links.
type ReadingsMap map[uint64]ReadingsSet

func (m ReadingsMap) add(locator uint64, reading string) {
	set, ok := m[locator]
	if !ok {
		set = make(ReadingsSet)
		m[locator] = set
	}
	set[reading] = struct{}{}
}

// Sorted returns the readings of one set in lexicographic order.
func (s ReadingsSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for reading := range s {
		out = append(out, reading)
	}
	sort.Strings(out)
	return out
}

// extractLink returns the target key of a @@@LINK= record: the
// non-whitespace run following the prefix. ok is false for records that
// are not links.
func extractLink(record string) (string, bool) {
	remainder, found := strings.CutPrefix(record, linkPrefix)
	if !found {
		return "", false
	}
	end := strings.IndexFunc(remainder, unicode.IsSpace)
	if end < 0 {
		end = len(remainder)
	}
	if end == 0 {
		return "", false
	}
	return remainder[:end], true
}

// readingsForKey derives one or two readings from a key text. A text of
// the form A【B】 yields A and B; when both halves are equal only one
// reading is produced.
func readingsForKey(keyText string) (string, string, bool) {
	open := strings.Index(keyText, "【")
	if open >= 0 {
		rest := keyText[open+len("【"):]
		if close := strings.Index(rest, "】"); close >= 0 {
			before := keyText[:open]
			inside := rest[:close]
			if before == inside {
				return before, "", false
			}
			return before, inside, true
		}
	}
	return keyText, "", false
}

// AppendEntry serializes one readings-stream entry: header plus the
// readings joined by single null bytes in the order given.
func AppendEntry(dst []byte, remappedLocator uint64, readings []string) []byte {
	payloadLen := 0
	for _, reading := range readings {
		payloadLen += len(reading)
	}
	if len(readings) > 1 {
		payloadLen += len(readings) - 1
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(payloadLen))
	dst = binary.LittleEndian.AppendUint64(dst, remappedLocator)
	for i, reading := range readings {
		if i > 0 {
			dst = append(dst, 0)
		}
		dst = append(dst, reading...)
	}
	return dst
}

// ParseEntryHeader decodes the entry header at offset of buf.
func ParseEntryHeader(buf []byte, offset uint64) (EntryHeader, error) {
	if offset+EntryHeaderSize > uint64(len(buf)) {
		return EntryHeader{}, fmt.Errorf("%w: readings header out of bounds at offset %d", openmdict.ErrInvalidFormat, offset)
	}
	return EntryHeader{
		Length:  binary.LittleEndian.Uint32(buf[offset:]),
		Locator: binary.LittleEndian.Uint64(buf[offset+4:]),
	}, nil
}

// ParsePayload splits a null-separated readings payload.
func ParsePayload(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	parts := bytes.Split(payload, []byte{0})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if len(part) > 0 {
			out = append(out, string(part))
		}
	}
	return out
}
