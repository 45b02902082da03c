package mdict_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/blockcodec"
	"github.com/openmdict/openmdict/bytesource"
	"github.com/openmdict/openmdict/mdict"
	"github.com/openmdict/openmdict/mdict/mdicttest"
)

func writeTempFile(t *testing.T, name string, blob []byte) string {
	t.Helper()
	path := t.TempDir() + "/" + name
	require.NoError(t, os.WriteFile(path, blob, 0o644))
	return path
}

func openBuilt(t *testing.T, builder *mdicttest.Builder, opts ...mdict.Option) *mdict.Reader {
	t.Helper()
	blob, err := builder.Bytes()
	require.NoError(t, err)
	reader, err := mdict.NewReader(bytesource.FromBytes(blob), opts...)
	require.NoError(t, err)
	return reader
}

func japaneseBuilder() *mdicttest.Builder {
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8).
		WithEntriesPerKeyBlock(3).
		WithRecordBlockTarget(64)
	b.AddText("あう", "to meet")
	b.AddText("たべる【食べる】", "to eat")
	b.AddText("のむ【飲む】", "to drink")
	b.AddText("辞書", "dictionary")
	b.AddText("辞典", "lexicon")
	b.AddText("辞任", "resignation")
	b.AddText("運動", "exercise")
	b.AddText("運命", "fate")
	return b
}

func TestOpenAndHeader(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	header := reader.Header()
	assert.Equal(t, mdict.V2, header.Version())
	assert.Equal(t, mdict.Utf8, header.Encoding())
	assert.False(t, header.IsResource())
	assert.Equal(t, uint64(8), reader.NumEntries())
}

func TestExactLookup(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	g, ok, err := reader.IndexForKey("辞書")
	require.NoError(t, err)
	require.True(t, ok)

	entry, err := reader.EntryAt(g)
	require.NoError(t, err)
	assert.Equal(t, "辞書", entry.Text)

	record, err := reader.RecordAtIndex(g)
	require.NoError(t, err)
	assert.Equal(t, []byte("dictionary"), record)

	// The prefix range for 辞 must include the exact hit.
	lo, hi, err := reader.PrefixRangeBounds("辞")
	require.NoError(t, err)
	assert.Less(t, lo, hi)
	assert.GreaterOrEqual(t, g, lo)
	assert.Less(t, g, hi)
	assert.Equal(t, uint64(3), hi-lo)
}

func TestExactLookupMiss(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	_, ok, err := reader.IndexForKey("not-present")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = reader.LookupKey("not-present")
	require.ErrorIs(t, err, openmdict.ErrKeyNotFound)
}

func TestRoundTripAllEntries(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	for g := uint64(0); g < reader.NumEntries(); g++ {
		entry, err := reader.EntryAt(g)
		require.NoError(t, err)
		got, ok, err := reader.IndexForKey(entry.Text)
		require.NoError(t, err)
		require.True(t, ok, "key %q", entry.Text)
		assert.Equal(t, g, got)
	}
}

func TestKeysAreSortedAndWithinSummaries(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	summaries := reader.KeySection().Summaries
	block, blockEnd := 0, summaries[0].NumEntries
	var prev string
	for g := uint64(0); g < reader.NumEntries(); g++ {
		entry, err := reader.EntryAt(g)
		require.NoError(t, err)
		assert.LessOrEqual(t, prev, entry.Text)
		prev = entry.Text
		for g >= blockEnd {
			block++
			blockEnd += summaries[block].NumEntries
		}
		assert.LessOrEqual(t, summaries[block].First, entry.Text)
		assert.LessOrEqual(t, entry.Text, summaries[block].Last)
	}
}

func TestEmptyPrefixMatchesEverything(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	it, err := reader.SearchPrefix("")
	require.NoError(t, err)
	assert.Equal(t, reader.NumEntries(), it.Len())

	seen := uint64(0)
	for {
		_, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen++
	}
	assert.Equal(t, reader.NumEntries(), seen)
}

func TestNonexistentPrefix(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	it, err := reader.SearchPrefix("zzz-not-here")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), it.Len())

	_, ok, err := it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrefixRangeContainsOnlyMatches(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	it, err := reader.SearchPrefix("辞")
	require.NoError(t, err)
	matches, err := it.Take(int(it.Len()))
	require.NoError(t, err)
	require.Len(t, matches, 3)
	for _, entry := range matches {
		assert.Equal(t, "辞", string([]rune(entry.Text)[:1]))
	}
}

func TestPrefixSuccessorMaxScalar(t *testing.T) {
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8).WithEntriesPerKeyBlock(2)
	b.AddText("z", "plain z")
	b.AddText("z\U0010FFFFa", "max one")
	b.AddText("z\U0010FFFFb", "max two")
	b.AddText("za", "za")
	b.AddText("{open", "brace")
	reader := openBuilt(t, b)
	defer reader.Close()

	it, err := reader.SearchPrefix("z\U0010FFFF")
	require.NoError(t, err)
	matches, err := it.Take(int(it.Len()))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "z\U0010FFFFa", matches[0].Text)
	assert.Equal(t, "z\U0010FFFFb", matches[1].Text)
}

func TestRecordTerminatorStripped(t *testing.T) {
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8)
	b.AddText("key", "record body")
	reader := openBuilt(t, b)
	defer reader.Close()

	record, err := reader.RecordAtIndex(0)
	require.NoError(t, err)
	// The on-disk record ends with 0x0A 0x00; the reader must strip it.
	assert.Equal(t, []byte("record body"), record)
}

func TestRecordsAcrossBlocks(t *testing.T) {
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8).
		WithRecordBlockTarget(32).
		WithEntriesPerKeyBlock(2)
	expected := map[string]string{}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%02d", i)
		record := fmt.Sprintf("record body number %d with some padding", i)
		expected[key] = record
		b.AddText(key, record)
	}
	reader := openBuilt(t, b, mdict.WithRecordCacheSize(2))
	defer reader.Close()

	for g := uint64(0); g < reader.NumEntries(); g++ {
		entry, err := reader.EntryAt(g)
		require.NoError(t, err)
		record, err := reader.RecordAtIndex(g)
		require.NoError(t, err)
		assert.Equal(t, expected[entry.Text], string(record))
	}
}

func TestV1Container(t *testing.T) {
	b := mdicttest.NewBuilder(mdict.V1, mdict.Utf8).WithEntriesPerKeyBlock(2)
	b.AddText("alpha", "first")
	b.AddText("beta", "second")
	b.AddText("gamma", "third")
	reader := openBuilt(t, b)
	defer reader.Close()

	assert.Equal(t, mdict.V1, reader.Header().Version())
	entry, err := reader.LookupKey("beta")
	require.NoError(t, err)
	record, err := reader.RecordAt(entry)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), record)
}

func TestUtf16TextContainer(t *testing.T) {
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf16LE).WithEntriesPerKeyBlock(2)
	b.AddText("犬", "dog")
	b.AddText("猫", "cat")
	b.AddText("鳥", "bird")
	reader := openBuilt(t, b)
	defer reader.Close()

	assert.Equal(t, mdict.Utf16LE, reader.Header().Encoding())
	entry, err := reader.LookupKey("猫")
	require.NoError(t, err)
	record, err := reader.RecordAt(entry)
	require.NoError(t, err)
	assert.Equal(t, []byte("cat"), record)
}

func TestResourceContainer(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4E, 0x47, 0x0A, 0x00, 0x01}
	b := mdicttest.NewBuilder(mdict.VResource, mdict.Utf16LE)
	b.Add(`\image\icon.png`, payload)
	b.Add(`\sound\a.spx`, []byte{0x01, 0x02})
	reader := openBuilt(t, b)
	defer reader.Close()

	require.True(t, reader.Header().IsResource())
	entry, err := reader.LookupKey(`\image\icon.png`)
	require.NoError(t, err)
	record, err := reader.RecordAt(entry)
	require.NoError(t, err)
	// Resource records keep their bytes verbatim, including an embedded
	// 0x0A 0x00 pair.
	assert.Equal(t, payload, record)
}

func TestZstdContainer(t *testing.T) {
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8).WithCodec(blockcodec.Zstd)
	b.AddText("one", "first record")
	b.AddText("two", "second record")
	reader := openBuilt(t, b)
	defer reader.Close()

	record, err := reader.RecordAtIndex(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("second record"), record)
}

func TestPrefixSession(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	require.NoError(t, reader.SetSearchPrefix("辞"))
	assert.Equal(t, uint64(3), reader.PrefixResultLen())

	entry, err := reader.PrefixResultAt(0)
	require.NoError(t, err)
	assert.Equal(t, "辞任", entry.Text)

	_, err = reader.PrefixResultAt(5)
	require.ErrorIs(t, err, openmdict.ErrInvalidArgument)
}

func TestEntryIndexOutOfRange(t *testing.T) {
	reader := openBuilt(t, japaneseBuilder())
	defer reader.Close()

	_, err := reader.EntryAt(reader.NumEntries())
	require.ErrorIs(t, err, openmdict.ErrInvalidArgument)
	_, err = reader.RecordAtIndex(reader.NumEntries() + 10)
	require.ErrorIs(t, err, openmdict.ErrInvalidArgument)
}

func TestEncryptedContainerRejected(t *testing.T) {
	b := japaneseBuilder().WithAttribute("Encrypted", "2")
	blob, err := b.Bytes()
	require.NoError(t, err)
	_, err = mdict.NewReader(bytesource.FromBytes(blob))
	require.ErrorIs(t, err, openmdict.ErrUnsupportedFeature)
}

func TestHeaderEntityUnescape(t *testing.T) {
	// The builder escapes the value into entity references; the reader
	// must turn them back into the original characters.
	b := japaneseBuilder().WithAttribute("Title", `A "quoted" & bracketed <title>`)
	reader := openBuilt(t, b)
	defer reader.Close()

	title, ok := reader.Header().Get("Title")
	require.True(t, ok)
	assert.Equal(t, `A "quoted" & bracketed <title>`, title)
}

func TestBundleResourceLookup(t *testing.T) {
	textBlob, err := japaneseBuilder().Bytes()
	require.NoError(t, err)
	textPath := writeTempFile(t, "bundle.mdx", textBlob)

	rb := mdicttest.NewBuilder(mdict.VResource, mdict.Utf16LE)
	rb.Add(`\icon.png`, []byte{1, 2, 3})
	resourceBlob, err := rb.Bytes()
	require.NoError(t, err)
	resourcePath := writeTempFile(t, "bundle.mdd", resourceBlob)

	bundle, err := mdict.OpenBundle(textPath, resourcePath)
	require.NoError(t, err)
	defer bundle.Close()

	record, err := bundle.ResourceRecord(`\icon.png`)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, record)

	_, err = bundle.ResourceRecord(`\missing.png`)
	require.ErrorIs(t, err, openmdict.ErrKeyNotFound)
}
