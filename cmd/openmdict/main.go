package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/openmdict/openmdict/mdict"
	"github.com/openmdict/openmdict/optimized"
	"github.com/openmdict/openmdict/reindex"
)

var log = logging.Logger("openmdict")

func main() {
	app := &cli.App{
		Name:  "openmdict",
		Usage: "read and re-index offline dictionary containers",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "mmap",
				Usage: "open containers through memory maps",
				Value: true,
			},
		},
		Commands: []*cli.Command{
			newCmdInspect(),
			newCmdSearch(),
			newCmdLookup(),
			newCmdBuildOptimized(),
			newCmdOptimizedSearch(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func openContainer(c *cli.Context, path string) (*mdict.Reader, error) {
	opts := []mdict.Option{mdict.WithRecordCacheSize(16)}
	if c.Bool("mmap") {
		return mdict.OpenMMAP(path, opts...)
	}
	return mdict.Open(path, opts...)
}

func newCmdInspect() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print container metadata and section statistics",
		ArgsUsage: "<container>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one container path", 1)
			}
			reader, err := openContainer(c, c.Args().First())
			if err != nil {
				return err
			}
			defer reader.Close()

			header := reader.Header()
			fmt.Printf("version:   %s\n", header.Version())
			fmt.Printf("encoding:  %s\n", header.Encoding())
			fmt.Printf("entries:   %d\n", reader.NumEntries())
			fmt.Printf("key blocks:    %d\n", reader.KeySection().NumBlocks)
			fmt.Printf("record blocks: %d (%s decoded)\n",
				reader.RecordSection().NumBlocks,
				humanize.Bytes(reader.RecordSection().TotalUncompressedSize()))
			for _, attr := range header.Attributes {
				fmt.Printf("  %s = %s\n", attr.Key, attr.Value)
			}
			return nil
		},
	}
}

func newCmdSearch() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "list keys matching a prefix",
		ArgsUsage: "<container> <prefix>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("expected a container path and a prefix", 1)
			}
			reader, err := openContainer(c, c.Args().First())
			if err != nil {
				return err
			}
			defer reader.Close()

			it, err := reader.SearchPrefix(c.Args().Get(1))
			if err != nil {
				return err
			}
			fmt.Printf("%d matches\n", it.Len())
			matches, err := it.Take(c.Int("limit"))
			if err != nil {
				return err
			}
			for _, entry := range matches {
				fmt.Printf("%12d  %s\n", entry.Locator, entry.Text)
			}
			return nil
		},
	}
}

func newCmdLookup() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "print the record of an exact key",
		ArgsUsage: "<container> <key>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("expected a container path and a key", 1)
			}
			reader, err := openContainer(c, c.Args().First())
			if err != nil {
				return err
			}
			defer reader.Close()

			entry, err := reader.LookupKey(c.Args().Get(1))
			if err != nil {
				return err
			}
			record, err := reader.RecordAt(entry)
			if err != nil {
				return err
			}
			os.Stdout.Write(record)
			fmt.Println()
			return nil
		},
	}
}

func newCmdBuildOptimized() *cli.Command {
	return &cli.Command{
		Name:      "build-optimized",
		Usage:     "build the optimized artifacts (automaton, readings, compacted records)",
		ArgsUsage: "<container>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: ".", Usage: "output directory"},
			&cli.IntFlag{Name: "block-size", Value: 64 * 1024, Usage: "compacted record block size"},
			&cli.IntFlag{Name: "zstd-level", Value: 10},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one container path", 1)
			}
			containerPath := c.Args().First()
			reader, err := openContainer(c, containerPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			outDir := c.String("out")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			base := filepath.Base(containerPath)

			var bar *progressbar.ProgressBar
			var barStage reindex.Stage
			opts := reindex.Options{
				FSTPath:         filepath.Join(outDir, base+".fst"),
				ReadingsPath:    filepath.Join(outDir, base+".readings"),
				RecordsPath:     filepath.Join(outDir, base+".records"),
				RecordBlockSize: c.Int("block-size"),
				ZstdLevel:       uint8(c.Int("zstd-level")),
				Progress: func(stage reindex.Stage, completed, total uint64) {
					if stage == reindex.StageStart || stage == reindex.StageDone {
						return
					}
					if bar == nil || barStage != stage {
						bar = progressbar.Default(int64(total), stage.String())
						barStage = stage
					}
					bar.Set64(int64(completed))
				},
			}
			if err := reindex.Build(reader, opts); err != nil {
				return err
			}
			for _, path := range []string{opts.FSTPath, opts.ReadingsPath, opts.RecordsPath} {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", humanize.Bytes(uint64(info.Size())), path)
			}
			return nil
		},
	}
}

func newCmdOptimizedSearch() *cli.Command {
	return &cli.Command{
		Name:      "osearch",
		Usage:     "paged prefix search over optimized artifacts",
		ArgsUsage: "<artifact-base> <prefix>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "page-size", Value: 10},
			&cli.BoolFlag{Name: "records", Usage: "print each hit's record"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("expected an artifact base path and a prefix", 1)
			}
			base := c.Args().First()
			reader, err := optimized.Open(base+".fst", base+".readings", base+".records")
			if err != nil {
				return err
			}
			defer reader.Close()

			page, err := reader.SetSearchPrefixPaged(c.Args().Get(1), c.Int("page-size"))
			if err != nil {
				return err
			}
			for _, kb := range page.Results {
				fmt.Printf("%12d  %s\n", kb.Locator, kb.Text)
				if c.Bool("records") {
					record, err := reader.RecordAt(kb)
					if err != nil {
						return err
					}
					fmt.Printf("              %s\n", record)
				}
			}
			if page.Next != nil {
				fmt.Printf("more results after %q\n", page.Next.AfterKey)
			}
			return nil
		},
	}
}
