package optimized_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/bytesource"
	"github.com/openmdict/openmdict/mdict"
	"github.com/openmdict/openmdict/mdict/mdicttest"
	"github.com/openmdict/openmdict/optimized"
	"github.com/openmdict/openmdict/packedstorage"
	"github.com/openmdict/openmdict/reindex"
)

type fixture struct {
	reader  *mdict.Reader
	opt     *optimized.Reader
	dir     string
	records map[string]string // key text -> expected record after link resolution
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8).
		WithEntriesPerKeyBlock(3).
		WithRecordBlockTarget(48)
	b.AddText("@jitendex-2799140", "to drink; Japanese dictionary entry")
	b.AddText("たべる【食べる】", "to eat; to live on")
	b.AddText("のむ【飲む】", "to drink; to swallow")
	b.AddText("辞書", "dictionary; lexicon")
	b.AddText("辞典", "encyclopedia")
	b.AddText("飲", "@@@LINK=@jitendex-2799140\n")
	b.AddText("食う", "@@@LINK=たべる【食べる】\n")
	blob, err := b.Bytes()
	require.NoError(t, err)
	reader, err := mdict.NewReader(bytesource.FromBytes(blob), mdict.WithRecordCacheSize(4))
	require.NoError(t, err)

	dir := t.TempDir()
	opts := reindex.Options{
		FSTPath:      filepath.Join(dir, "keys.fst"),
		ReadingsPath: filepath.Join(dir, "readings.dat"),
		RecordsPath:  filepath.Join(dir, "records.pkg"),
	}
	require.NoError(t, reindex.Build(reader, opts))

	opt, err := optimized.Open(opts.FSTPath, opts.ReadingsPath, opts.RecordsPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		opt.Close()
		reader.Close()
	})

	return &fixture{
		reader: reader,
		opt:    opt,
		dir:    dir,
		records: map[string]string{
			"たべる":               "to eat; to live on",
			"食べる":               "to eat; to live on",
			"食う":                "to eat; to live on",
			"のむ":                "to drink; to swallow",
			"飲む":                "to drink; to swallow",
			"辞書":                "dictionary; lexicon",
			"辞典":                "encyclopedia",
			"飲":                 "to drink; Japanese dictionary entry",
			"@jitendex-2799140": "to drink; Japanese dictionary entry",
		},
	}
}

func (f *fixture) lookup(t *testing.T, reading string) optimized.KeyBlock {
	t.Helper()
	offset, ok, err := f.opt.Lookup(reading)
	require.NoError(t, err)
	require.True(t, ok, "reading %q missing from automaton", reading)
	return optimized.KeyBlock{Locator: offset, Text: reading}
}

func TestCompactionEquivalence(t *testing.T) {
	f := buildFixture(t)
	for reading, expected := range f.records {
		record, err := f.opt.RecordAt(f.lookup(t, reading))
		require.NoError(t, err, "reading %q", reading)
		assert.Equal(t, expected, string(record), "reading %q", reading)
	}
}

func TestLinkFollowsCrossReference(t *testing.T) {
	f := buildFixture(t)
	record, err := f.opt.RecordAt(f.lookup(t, "飲"))
	require.NoError(t, err)

	target, err := f.reader.LookupKey("@jitendex-2799140")
	require.NoError(t, err)
	original, err := f.reader.RecordAt(target)
	require.NoError(t, err)
	assert.Equal(t, original, record)
}

func TestPagedSearchDedup(t *testing.T) {
	f := buildFixture(t)

	// 食う and 食べる resolve to the same record; the page must carry it
	// once.
	page, err := f.opt.SetSearchPrefixPaged("食", 10)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Nil(t, page.Next)

	count, err := f.opt.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestPagedSearchPagination(t *testing.T) {
	f := buildFixture(t)

	page, err := f.opt.SetSearchPrefixPaged("", 3)
	require.NoError(t, err)

	var offsets []uint64
	var texts []string
	for {
		assert.LessOrEqual(t, len(page.Results), 3)
		for _, kb := range page.Results {
			offsets = append(offsets, kb.Locator)
			texts = append(texts, kb.Text)
		}
		if page.Next == nil {
			break
		}
		page, err = f.opt.NextPage(*page.Next)
		require.NoError(t, err)
	}

	// One result per distinct record, with strictly increasing offsets.
	assert.Len(t, offsets, 5)
	for i := 1; i < len(offsets); i++ {
		assert.Greater(t, offsets[i], offsets[i-1])
	}
	// Emitted in key order, keeping the first reading of each record.
	assert.IsNonDecreasing(t, texts)
}

func TestPagedSearchValidation(t *testing.T) {
	f := buildFixture(t)

	_, err := f.opt.SetSearchPrefixPaged("x", 0)
	require.ErrorIs(t, err, openmdict.ErrInvalidArgument)

	_, err = f.opt.NextPage(optimized.Cursor{})
	require.ErrorIs(t, err, openmdict.ErrInvalidArgument)
}

func TestReadings(t *testing.T) {
	f := buildFixture(t)
	readings, err := f.opt.Readings(f.lookup(t, "たべる"))
	require.NoError(t, err)
	assert.Equal(t, []string{"たべる", "食う", "食べる"}, readings)
}

func TestNonexistentPrefix(t *testing.T) {
	f := buildFixture(t)
	page, err := f.opt.SetSearchPrefixPaged("zzz", 5)
	require.NoError(t, err)
	assert.Empty(t, page.Results)
	assert.Nil(t, page.Next)
}

func TestPackedReadingsStream(t *testing.T) {
	f := buildFixture(t)

	// Re-wrap the flat readings stream in packed storage; uncompressed
	// offsets are unchanged, so the automaton still addresses it.
	flat, err := os.ReadFile(filepath.Join(f.dir, "readings.dat"))
	require.NoError(t, err)
	writer, err := packedstorage.NewWriter(packedstorage.EncodingZstd, 10, 4096)
	require.NoError(t, err)
	_, err = writer.PushEntry(flat)
	require.NoError(t, err)
	packedPath := filepath.Join(f.dir, "readings.pkg")
	packed, err := writer.Bytes()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(packedPath, packed, 0o644))

	opt, err := optimized.Open(
		filepath.Join(f.dir, "keys.fst"),
		packedPath,
		filepath.Join(f.dir, "records.pkg"),
	)
	require.NoError(t, err)
	defer opt.Close()

	offset, ok, err := opt.Lookup("辞書")
	require.NoError(t, err)
	require.True(t, ok)
	record, err := opt.RecordAt(optimized.KeyBlock{Locator: offset, Text: "辞書"})
	require.NoError(t, err)
	assert.Equal(t, "dictionary; lexicon", string(record))
}
