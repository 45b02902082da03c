package mdict

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"

	openmdict "github.com/openmdict/openmdict"
)

// Version is the on-disk layout variant of a container. Text containers
// declare 1.0 or 2.0 in the header; resource containers carry no version
// attribute and follow the 64-bit layout with two-byte key units.
type Version uint8

const (
	V1 Version = iota + 1
	V2
	V3
	VResource
)

func (v Version) String() string {
	switch v {
	case V1:
		return "1.0"
	case V2:
		return "2.0"
	case V3:
		return "3.0"
	case VResource:
		return "resource"
	default:
		return fmt.Sprintf("version(%d)", uint8(v))
	}
}

// IndexWidth is the byte width of counts and sizes in section headers.
func (v Version) IndexWidth() int {
	if v == V1 {
		return 4
	}
	return 8
}

// LengthPrefixWidth is the byte width of the first/last key length
// fields in key-info records.
func (v Version) LengthPrefixWidth() int {
	if v == V1 {
		return 1
	}
	return 2
}

// NullWidth is the byte width of the null units in key-info records.
// Key-block entry text is instead terminated by one null code unit of
// the encoding's width.
func (v Version) NullWidth() int {
	if v == VResource {
		return 2
	}
	return 1
}

// hasCompressedKeyInfo reports whether the key-info payload is a framed
// compressed block preceded by a declared uncompressed size.
func (v Version) hasCompressedKeyInfo() bool {
	return v != V1
}

func versionFromAttribute(value string, present bool) (Version, error) {
	if !present {
		return VResource, nil
	}
	switch value {
	case "1.0":
		return V1, nil
	case "2.0":
		return V2, nil
	case "3.0":
		return V3, fmt.Errorf("%w: engine version 3.0", openmdict.ErrUnsupportedFeature)
	default:
		return 0, fmt.Errorf("%w: unknown engine version %q", openmdict.ErrInvalidFormat, value)
	}
}

// Encoding is the key/record text encoding declared by the header.
type Encoding uint8

const (
	Utf8 Encoding = iota + 1
	Utf16LE
)

func (e Encoding) String() string {
	if e == Utf8 {
		return "UTF-8"
	}
	return "UTF-16LE"
}

// CharWidth is the byte width of one code unit.
func (e Encoding) CharWidth() int {
	if e == Utf8 {
		return 1
	}
	return 2
}

func encodingFromAttribute(value string, present bool) Encoding {
	if present && strings.EqualFold(value, "UTF-8") {
		return Utf8
	}
	return Utf16LE
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeText decodes raw key bytes according to the container encoding.
func (e Encoding) DecodeText(raw []byte) (string, error) {
	if e == Utf8 {
		return string(raw), nil
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: utf-16 key text: %s", openmdict.ErrInvalidFormat, err)
	}
	return string(out), nil
}

// EncodeText encodes text into the container encoding. Used by tests and
// fixture writers.
func (e Encoding) EncodeText(text string) ([]byte, error) {
	if e == Utf8 {
		return []byte(text), nil
	}
	out, err := utf16le.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, err
	}
	return out, nil
}
