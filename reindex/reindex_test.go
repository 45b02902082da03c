package reindex_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmdict/openmdict/bytesource"
	"github.com/openmdict/openmdict/mdict"
	"github.com/openmdict/openmdict/mdict/mdicttest"
	"github.com/openmdict/openmdict/reindex"
)

func fixtureReader(t *testing.T) *mdict.Reader {
	t.Helper()
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8).
		WithEntriesPerKeyBlock(3).
		WithRecordBlockTarget(48)
	b.AddText("@jitendex-2799140", "to drink; Japanese dictionary entry")
	b.AddText("たべる【食べる】", "to eat; to live on")
	b.AddText("のむ【飲む】", "to drink; to swallow")
	b.AddText("辞書", "dictionary; lexicon")
	b.AddText("飲", "@@@LINK=@jitendex-2799140\n")
	b.AddText("食う", "@@@LINK=たべる【食べる】\n")
	blob, err := b.Bytes()
	require.NoError(t, err)
	reader, err := mdict.NewReader(bytesource.FromBytes(blob), mdict.WithRecordCacheSize(4))
	require.NoError(t, err)
	return reader
}

func TestBuildReadingsMap(t *testing.T) {
	reader := fixtureReader(t)
	defer reader.Close()

	readings, err := reindex.BuildReadingsMap(reader, nil)
	require.NoError(t, err)

	byReading := map[string]uint64{}
	for locator, set := range readings {
		for reading := range set {
			byReading[reading] = locator
		}
	}

	// Bracketed keys split into two readings on the same record.
	require.Contains(t, byReading, "たべる")
	require.Contains(t, byReading, "食べる")
	assert.Equal(t, byReading["たべる"], byReading["食べる"])

	// Link targets collapse onto the target record.
	require.Contains(t, byReading, "飲")
	require.Contains(t, byReading, "@jitendex-2799140")
	assert.Equal(t, byReading["@jitendex-2799140"], byReading["飲"])

	require.Contains(t, byReading, "食う")
	assert.Equal(t, byReading["たべる"], byReading["食う"])

	// The linking entries' own records hold no readings.
	linkEntry, err := reader.LookupKey("飲")
	require.NoError(t, err)
	assert.NotContains(t, readings, linkEntry.Locator)
}

func TestBuildArtifacts(t *testing.T) {
	reader := fixtureReader(t)
	defer reader.Close()

	dir := t.TempDir()
	var stages []reindex.Stage
	opts := reindex.Options{
		FSTPath:      filepath.Join(dir, "keys.fst"),
		ReadingsPath: filepath.Join(dir, "readings.dat"),
		RecordsPath:  filepath.Join(dir, "records.pkg"),
		Progress: func(stage reindex.Stage, completed, total uint64) {
			if len(stages) == 0 || stages[len(stages)-1] != stage {
				stages = append(stages, stage)
			}
		},
	}
	require.NoError(t, reindex.Build(reader, opts))

	assert.Equal(t, []reindex.Stage{
		reindex.StageStart,
		reindex.StageBuildReadings,
		reindex.StageBuildFST,
		reindex.StageDone,
	}, stages)

	for _, path := range []string{opts.FSTPath, opts.ReadingsPath, opts.RecordsPath} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Positive(t, info.Size(), path)
		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err), "temporary %s must be renamed away", path)
	}
}

func TestBuildRequiresPaths(t *testing.T) {
	reader := fixtureReader(t)
	defer reader.Close()

	err := reindex.Build(reader, reindex.Options{FSTPath: "only-one"})
	require.Error(t, err)
}

func TestReadingsDumpRoundTrip(t *testing.T) {
	reader := fixtureReader(t)
	defer reader.Close()

	readings, err := reindex.BuildReadingsMap(reader, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "readings.txt")
	require.NoError(t, reindex.WriteReadingsDump(readings, path))

	loaded, err := reindex.ReadReadingsDump(path)
	require.NoError(t, err)
	assert.Equal(t, readings, loaded)
}

func TestEstimateUnreferencedBytes(t *testing.T) {
	// One record per block, so the blocks of pure-link records are never
	// referenced by any reading.
	b := mdicttest.NewBuilder(mdict.V2, mdict.Utf8).
		WithEntriesPerKeyBlock(2).
		WithRecordBlockTarget(1)
	b.AddText("target", "the only real record in this fixture")
	b.AddText("alias-one", "@@@LINK=target\n")
	b.AddText("alias-two", "@@@LINK=target\n")
	blob, err := b.Bytes()
	require.NoError(t, err)
	reader, err := mdict.NewReader(bytesource.FromBytes(blob))
	require.NoError(t, err)
	defer reader.Close()

	readings, err := reindex.BuildReadingsMap(reader, nil)
	require.NoError(t, err)

	saved := reindex.EstimateUnreferencedBytes(reader, readings)
	assert.Positive(t, saved)
}
