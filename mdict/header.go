package mdict

import (
	"encoding/binary"
	"fmt"
	"strings"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/bytesource"
)

// Attribute is one key/value pair of the header document, in document
// order.
type Attribute struct {
	Key   string
	Value string
}

// Header is the fixed container header: a big-endian size, a UTF-16LE
// attribute document, and an Adler-32 of the document bytes.
type Header struct {
	DictInfoSize uint32
	Attributes   []Attribute
	Checksum     uint32

	version  Version
	encoding Encoding
}

// ReadHeader parses the header at the start of src and resolves the
// version and encoding attributes. Encrypted containers and engine
// version 3.0 are rejected.
func ReadHeader(src bytesource.Source) (*Header, error) {
	var sizeBuf [4]byte
	if err := bytesource.ReadExactAt(src, sizeBuf[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	dictInfoSize := binary.BigEndian.Uint32(sizeBuf[:])
	if int64(dictInfoSize)+8 > src.Size() {
		return nil, fmt.Errorf("%w: header document exceeds file size", openmdict.ErrInvalidFormat)
	}

	docBuf := make([]byte, dictInfoSize)
	if err := bytesource.ReadExactAt(src, docBuf, 4); err != nil {
		return nil, fmt.Errorf("failed to read header document: %w", err)
	}
	if err := bytesource.ReadExactAt(src, sizeBuf[:], 4+int64(dictInfoSize)); err != nil {
		return nil, fmt.Errorf("failed to read header checksum: %w", err)
	}
	checksum := binary.BigEndian.Uint32(sizeBuf[:])

	doc, err := Utf16LE.DecodeText(docBuf)
	if err != nil {
		return nil, err
	}
	attrs := parseAttributeDocument(doc)

	h := &Header{
		DictInfoSize: dictInfoSize,
		Attributes:   attrs,
		Checksum:     checksum,
	}

	versionValue, versionPresent := h.Get("GeneratedByEngineVersion")
	h.version, err = versionFromAttribute(versionValue, versionPresent)
	if err != nil {
		return nil, err
	}
	encodingValue, encodingPresent := h.Get("Encoding")
	h.encoding = encodingFromAttribute(encodingValue, encodingPresent)

	if encrypted, ok := h.Get("Encrypted"); ok && encrypted != "" && encrypted != "0" && !strings.EqualFold(encrypted, "No") {
		return nil, fmt.Errorf("%w: encrypted container (Encrypted=%q)", openmdict.ErrUnsupportedFeature, encrypted)
	}
	return h, nil
}

// Get returns the first value of an attribute.
func (h *Header) Get(key string) (string, bool) {
	for _, attr := range h.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Version returns the resolved layout variant.
func (h *Header) Version() Version { return h.version }

// Encoding returns the resolved key/record text encoding.
func (h *Header) Encoding() Encoding { return h.encoding }

// IsResource reports whether this is a resource container (binary
// records, two-byte key units, no terminator strip).
func (h *Header) IsResource() bool { return h.version == VResource }

// Size is the byte offset of the section that follows the header.
func (h *Header) Size() int64 { return 4 + int64(h.DictInfoSize) + 4 }

// parseAttributeDocument scans an attribute-only single-tag document and
// collects its key="value" pairs. The document dialect allows exactly
// the five canonical entity references in values.
func parseAttributeDocument(doc string) []Attribute {
	var attrs []Attribute
	i := strings.IndexByte(doc, '<')
	if i < 0 {
		return attrs
	}
	i++
	// Skip the tag name.
	for i < len(doc) && !isDocSpace(doc[i]) && doc[i] != '>' {
		i++
	}
	for i < len(doc) {
		for i < len(doc) && isDocSpace(doc[i]) {
			i++
		}
		if i >= len(doc) || doc[i] == '>' || doc[i] == '/' || doc[i] == '?' {
			break
		}
		nameStart := i
		for i < len(doc) && doc[i] != '=' && !isDocSpace(doc[i]) && doc[i] != '>' {
			i++
		}
		name := doc[nameStart:i]
		for i < len(doc) && isDocSpace(doc[i]) {
			i++
		}
		if i >= len(doc) || doc[i] != '=' {
			continue
		}
		i++
		for i < len(doc) && isDocSpace(doc[i]) {
			i++
		}
		if i >= len(doc) || (doc[i] != '"' && doc[i] != '\'') {
			continue
		}
		quote := doc[i]
		i++
		valueStart := i
		for i < len(doc) && doc[i] != quote {
			i++
		}
		if i >= len(doc) {
			break
		}
		attrs = append(attrs, Attribute{Key: name, Value: unescapeEntities(doc[valueStart:i])})
		i++
	}
	return attrs
}

func isDocSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

var entityReplacer = strings.NewReplacer(
	"&quot;", `"`,
	"&apos;", "'",
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
)

func unescapeEntities(value string) string {
	if !strings.Contains(value, "&") {
		return value
	}
	return entityReplacer.Replace(value)
}
