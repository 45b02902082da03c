// Package reindex walks every entry of an opened container and emits
// three artifacts: a sorted key→offset automaton, a flat readings
// stream, and a compacted record file holding only referenced records
// with remapped locators.
package reindex

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/blevesearch/vellum"
	logging "github.com/ipfs/go-log/v2"
	"github.com/valyala/bytebufferpool"

	openmdict "github.com/openmdict/openmdict"
	"github.com/openmdict/openmdict/mdict"
	"github.com/openmdict/openmdict/packedstorage"
)

var log = logging.Logger("reindex")

// Stage identifies a milestone of the build pipeline.
type Stage uint8

const (
	StageStart Stage = iota
	StageBuildReadings
	StageBuildFST
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageBuildReadings:
		return "build-readings"
	case StageBuildFST:
		return "build-fst"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// ProgressFunc receives pipeline milestones. It is called synchronously
// and must not mutate pipeline state.
type ProgressFunc func(stage Stage, completed, total uint64)

// progressEvery bounds callback frequency during the per-entry passes.
const progressEvery = 4096

// Options configures a Build run.
type Options struct {
	FSTPath      string
	ReadingsPath string
	RecordsPath  string

	// RecordBlockSize is the uncompressed cut size of compacted record
	// blocks. Defaults to 64 KiB.
	RecordBlockSize int
	// ZstdLevel is the compacted-record compression level. Defaults to 10.
	ZstdLevel uint8

	Progress ProgressFunc
}

func (o *Options) setDefaults() error {
	if o.FSTPath == "" || o.ReadingsPath == "" || o.RecordsPath == "" {
		return fmt.Errorf("%w: all three artifact paths are required", openmdict.ErrInvalidArgument)
	}
	if o.RecordBlockSize <= 0 {
		o.RecordBlockSize = 64 * 1024
	}
	if o.ZstdLevel == 0 {
		o.ZstdLevel = 10
	}
	return nil
}

func (o *Options) report(stage Stage, completed, total uint64) {
	if o.Progress != nil {
		o.Progress(stage, completed, total)
	}
}

// entryInfo is one container entry as seen by pass 1.
type entryInfo struct {
	locator uint64
	keyText string
	link    string
	hasLink bool
}

// Build runs the full pipeline against reader and commits the three
// artifacts. Artifacts are written to temporary paths and renamed on
// success; a failure never replaces a previous good artifact.
func Build(reader *mdict.Reader, opts Options) error {
	if err := opts.setDefaults(); err != nil {
		return err
	}
	total := reader.NumEntries()
	opts.report(StageStart, 0, total)

	entries, locatorIndex, err := collectEntries(reader, &opts)
	if err != nil {
		return err
	}
	readings := aggregateReadings(reader, entries)

	order := canonicalOrder(readings)
	log.Infof("collected %d entries, %d referenced records", len(entries), len(order))

	remap, err := writeCompactedRecords(reader, locatorIndex, order, &opts)
	if err != nil {
		return err
	}
	keyOffsets, err := writeReadingsStream(readings, order, remap, &opts)
	if err != nil {
		return err
	}
	if err := writeFST(keyOffsets, &opts); err != nil {
		return err
	}

	// All temporaries are complete; move them into place.
	for _, path := range []string{opts.RecordsPath, opts.ReadingsPath, opts.FSTPath} {
		if err := os.Rename(path+".tmp", path); err != nil {
			return err
		}
	}
	opts.report(StageDone, total, total)
	return nil
}

// collectEntries is pass 1: every entry with its link target, plus the
// global index of each locator's first entry.
func collectEntries(reader *mdict.Reader, opts *Options) ([]entryInfo, map[uint64]uint64, error) {
	total := reader.NumEntries()
	entries := make([]entryInfo, 0, total)
	locatorIndex := make(map[uint64]uint64, total)

	for g := uint64(0); g < total; g++ {
		entry, err := reader.EntryAt(g)
		if err != nil {
			return nil, nil, err
		}
		record, err := reader.RecordAtIndex(g)
		if err != nil {
			return nil, nil, err
		}
		text, err := reader.Header().Encoding().DecodeText(record)
		if err != nil {
			return nil, nil, err
		}
		link, hasLink := extractLink(text)
		entries = append(entries, entryInfo{
			locator: entry.Locator,
			keyText: entry.Text,
			link:    link,
			hasLink: hasLink,
		})
		if _, seen := locatorIndex[entry.Locator]; !seen {
			locatorIndex[entry.Locator] = g
		}
		if g%progressEvery == 0 {
			opts.report(StageBuildReadings, g, total)
		}
	}
	opts.report(StageBuildReadings, total, total)
	return entries, locatorIndex, nil
}

// aggregateReadings resolves link targets and groups readings by the
// resolved record locator. A link that cannot be resolved falls back to
// the entry's own record.
func aggregateReadings(reader *mdict.Reader, entries []entryInfo) ReadingsMap {
	direct := make(map[string]uint64, len(entries))
	for _, entry := range entries {
		if _, seen := direct[entry.keyText]; !seen {
			direct[entry.keyText] = entry.locator
		}
	}

	resolved := make(map[string]uint64)
	for _, entry := range entries {
		if !entry.hasLink {
			continue
		}
		if _, ok := direct[entry.link]; ok {
			continue
		}
		if _, ok := resolved[entry.link]; ok {
			continue
		}
		if locator, ok := resolveLink(reader, entry.link); ok {
			resolved[entry.link] = locator
		} else {
			log.Warnf("unresolvable link target %q", entry.link)
		}
	}

	readings := make(ReadingsMap, len(entries))
	for _, entry := range entries {
		target := entry.locator
		if entry.hasLink {
			if locator, ok := direct[entry.link]; ok {
				target = locator
			} else if locator, ok := resolved[entry.link]; ok {
				target = locator
			}
		}
		first, second, hasSecond := readingsForKey(entry.keyText)
		readings.add(target, first)
		if hasSecond {
			readings.add(target, second)
		}
	}
	return readings
}

// resolveLink looks a link target up through the key store: the first
// prefix hit, which subsumes an exact match.
func resolveLink(reader *mdict.Reader, target string) (uint64, bool) {
	it, err := reader.SearchPrefix(target)
	if err != nil {
		return 0, false
	}
	entry, ok, err := it.Next()
	if err != nil || !ok {
		return 0, false
	}
	return entry.Locator, true
}

// canonicalOrder sorts (reading, locator) pairs by reading text and
// emits each locator the first time it appears. The result is the write
// order of both the compacted record file and the readings stream.
func canonicalOrder(readings ReadingsMap) []uint64 {
	type pair struct {
		reading string
		locator uint64
	}
	pairs := make([]pair, 0, len(readings))
	for locator, set := range readings {
		for reading := range set {
			pairs = append(pairs, pair{reading: reading, locator: locator})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].reading != pairs[j].reading {
			return pairs[i].reading < pairs[j].reading
		}
		return pairs[i].locator < pairs[j].locator
	})

	seen := make(map[uint64]struct{}, len(readings))
	order := make([]uint64, 0, len(readings))
	for _, p := range pairs {
		if _, ok := seen[p.locator]; ok {
			continue
		}
		seen[p.locator] = struct{}{}
		order = append(order, p.locator)
	}
	return order
}

// writeCompactedRecords packs the referenced records into a packed
// storage file in canonical order, returning old→new locator remapping.
func writeCompactedRecords(reader *mdict.Reader, locatorIndex map[uint64]uint64, order []uint64, opts *Options) (map[uint64]uint64, error) {
	writer, err := packedstorage.NewWriter(packedstorage.EncodingZstd, opts.ZstdLevel, opts.RecordBlockSize)
	if err != nil {
		return nil, err
	}
	remap := make(map[uint64]uint64, len(order))
	for _, locator := range order {
		g, ok := locatorIndex[locator]
		if !ok {
			return nil, fmt.Errorf("%w: locator %d has no owning entry", openmdict.ErrInvalidFormat, locator)
		}
		record, err := reader.RecordAtIndex(g)
		if err != nil {
			return nil, err
		}
		offset, err := writer.PushEntry(record)
		if err != nil {
			return nil, err
		}
		remap[locator] = offset
	}

	file, err := os.Create(opts.RecordsPath + ".tmp")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := writer.Finish(file); err != nil {
		return nil, err
	}
	return remap, file.Sync()
}

// writeReadingsStream emits the readings entries in canonical order and
// collects the stream offset of each reading's first entry.
func writeReadingsStream(readings ReadingsMap, order []uint64, remap map[uint64]uint64, opts *Options) (map[string]uint64, error) {
	file, err := os.Create(opts.ReadingsPath + ".tmp")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	keyOffsets := make(map[string]uint64)
	offset := uint64(0)
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, locator := range order {
		set, ok := readings[locator]
		if !ok {
			continue
		}
		newLocator, ok := remap[locator]
		if !ok {
			return nil, fmt.Errorf("%w: missing remapped locator for %d", openmdict.ErrInvalidArgument, locator)
		}
		sorted := set.Sorted()
		buf.Reset()
		buf.B = AppendEntry(buf.B, newLocator, sorted)
		if _, err := w.Write(buf.B); err != nil {
			return nil, err
		}
		for _, reading := range sorted {
			if _, seen := keyOffsets[reading]; !seen {
				keyOffsets[reading] = offset
			}
		}
		offset += uint64(len(buf.B))
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return keyOffsets, file.Sync()
}

// writeFST streams the sorted reading→offset pairs into a minimal
// acyclic FST.
func writeFST(keyOffsets map[string]uint64, opts *Options) error {
	keys := make([]string, 0, len(keyOffsets))
	for key := range keyOffsets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	file, err := os.Create(opts.FSTPath + ".tmp")
	if err != nil {
		return err
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	builder, err := vellum.New(w, nil)
	if err != nil {
		return err
	}
	total := uint64(len(keys))
	for i, key := range keys {
		if err := builder.Insert([]byte(key), keyOffsets[key]); err != nil {
			return err
		}
		if uint64(i)%progressEvery == 0 {
			opts.report(StageBuildFST, uint64(i), total)
		}
	}
	if err := builder.Close(); err != nil {
		return err
	}
	opts.report(StageBuildFST, total, total)
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Sync()
}

// BuildReadingsMap runs passes 1 and 2 only. Exposed for inspection
// tooling and waste estimation.
func BuildReadingsMap(reader *mdict.Reader, progress ProgressFunc) (ReadingsMap, error) {
	opts := Options{Progress: progress}
	entries, _, err := collectEntries(reader, &opts)
	if err != nil {
		return nil, err
	}
	return aggregateReadings(reader, entries), nil
}

// EstimateUnreferencedBytes reports the compressed bytes of record
// blocks no reading references: what compaction will reclaim.
func EstimateUnreferencedBytes(reader *mdict.Reader, readings ReadingsMap) uint64 {
	section := reader.RecordSection()
	used := make(map[int]struct{}, len(readings))
	for locator := range readings {
		if block, ok := section.LocateRecordBlock(locator); ok {
			used[block] = struct{}{}
		}
	}
	var saved uint64
	for block := 0; block < int(section.NumBlocks); block++ {
		if _, ok := used[block]; !ok {
			saved += section.CompressedBlockSize(block)
		}
	}
	return saved
}
