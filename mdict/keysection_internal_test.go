package mdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextPrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a", "b", true},
		{"abc", "abd", true},
		{"辞", "辟", true},
		{"z\U0010FFFF", "{", true},
		{"\U0010FFFF\U0010FFFF", "", false},
		{"", "", false},
		// Incrementing just below the surrogate range jumps over it.
		{"\uD7FF", "\uE000", true},
	}
	for _, tc := range cases {
		got, ok := nextPrefix(tc.in)
		assert.Equal(t, tc.ok, ok, "nextPrefix(%q)", tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, "nextPrefix(%q)", tc.in)
		}
	}
}

func TestParseAttributeDocument(t *testing.T) {
	attrs := parseAttributeDocument(`<Dictionary GeneratedByEngineVersion="2.0" Encoding="UTF-8" Title="a&amp;b"/>`)
	assert.Equal(t, []Attribute{
		{Key: "GeneratedByEngineVersion", Value: "2.0"},
		{Key: "Encoding", Value: "UTF-8"},
		{Key: "Title", Value: "a&b"},
	}, attrs)
}

func TestVersionWidths(t *testing.T) {
	assert.Equal(t, 4, V1.IndexWidth())
	assert.Equal(t, 8, V2.IndexWidth())
	assert.Equal(t, 8, VResource.IndexWidth())
	assert.Equal(t, 1, V1.LengthPrefixWidth())
	assert.Equal(t, 2, V2.LengthPrefixWidth())
	assert.Equal(t, 1, V2.NullWidth())
	assert.Equal(t, 2, VResource.NullWidth())
}
