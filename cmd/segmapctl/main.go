// Command segmapctl opens a segmap file and prints diagnostics: per-segment
// entry/deleted counts, hash table capacity, and chunk occupancy. It
// exercises the same segmap/segment public surface a library consumer
// would, rather than reaching into internal packages.
//
// Grounded on calvinalkan-agent-task's internal/cli command-table
// convention (Command{Usage, Short, Exec} dispatched from a static table),
// trimmed to this tool's two subcommands.
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/offheapdb/segmap/segmap"
)

// command is a single segmapctl subcommand.
type command struct {
	name  string
	usage string
	short string
	exec  func(ctx context.Context, args []string) error
}

var commands []*command

func init() {
	commands = []*command{
		{
			name:  "stats",
			usage: "stats <path> [flags]",
			short: "print per-segment occupancy for a segmap file",
			exec:  runStats,
		},
		{
			name:  "dump-segment",
			usage: "dump-segment <path> <index> [flags]",
			short: "print detailed occupancy for one segment",
			exec:  runDumpSegment,
		},
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 1
	}
	for _, c := range commands {
		if c.name == args[0] {
			if err := c.exec(context.Background(), args[1:]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				return 1
			}
			return 0
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
	printHelp()
	return 1
}

func printHelp() {
	fmt.Fprintln(os.Stderr, "Usage: segmapctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", c.usage, c.short)
	}
}

// tunableFlags are the geometry knobs segmapctl exposes so a file can be
// reopened with the same layout it was created with; the map façade does
// not persist Tunables into the file header, so the caller must supply
// them again (see DESIGN.md's Open Questions).
type tunableFlags struct {
	chunkSize         int
	chunksPerSegment  int
	entriesPerSegment int
	segments          int
}

func bindTunableFlags(fs *flag.FlagSet) *tunableFlags {
	t := &tunableFlags{}
	fs.IntVar(&t.chunkSize, "chunk-size", 64, "chunk size in bytes")
	fs.IntVar(&t.chunksPerSegment, "chunks-per-segment", 1<<16, "chunks per segment")
	fs.IntVar(&t.entriesPerSegment, "entries-per-segment", 1<<14, "hash table sizing hint per segment")
	fs.IntVar(&t.segments, "segments", 16, "number of segments")
	return t
}

func (t *tunableFlags) options() []segmap.Option {
	return []segmap.Option{
		segmap.WithChunkSize(t.chunkSize),
		segmap.WithChunksPerSegment(t.chunksPerSegment),
		segmap.WithEntriesPerSegment(t.entriesPerSegment),
		segmap.WithActualSegments(t.segments),
	}
}

func openForInspection(path string, t *tunableFlags) (*segmap.Map[string, []byte], error) {
	return segmap.Open[string, []byte](path, segmap.StringCodec{}, segmap.BytesCodec{}, t.options()...)
}

func runStats(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	t := bindTunableFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("stats: missing <path>")
	}

	m, err := openForInspection(fs.Arg(0), t)
	if err != nil {
		return err
	}
	defer m.Close()

	fmt.Printf("segments: %d  total entries: %d\n", m.Segments(), m.Size())
	fmt.Printf("%6s %10s %10s %12s %14s %8s %12s\n", "seg", "entries", "deleted", "hash-cap", "chunks-total", "used%", "contended")
	for i := 0; i < m.Segments(); i++ {
		s := m.StatsFor(i)
		pct := 0.0
		if s.ChunksTotal > 0 {
			pct = 100 * float64(s.ChunksOccupied) / float64(s.ChunksTotal)
		}
		fmt.Printf("%6d %10d %10d %12d %14d %7.1f%% %12d\n", s.Index, s.Entries, s.Deleted, s.HashCapacity, s.ChunksTotal, pct, s.Contended)
	}
	return nil
}

func runDumpSegment(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("dump-segment", flag.ContinueOnError)
	t := bindTunableFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("dump-segment: usage: dump-segment <path> <index>")
	}

	var index int
	if _, err := fmt.Sscanf(fs.Arg(1), "%d", &index); err != nil {
		return fmt.Errorf("dump-segment: invalid index %q: %w", fs.Arg(1), err)
	}

	m, err := openForInspection(fs.Arg(0), t)
	if err != nil {
		return err
	}
	defer m.Close()

	if index < 0 || index >= m.Segments() {
		return fmt.Errorf("dump-segment: index %d out of range [0,%d)", index, m.Segments())
	}

	s := m.StatsFor(index)
	fmt.Printf("segment %d\n", s.Index)
	fmt.Printf("  entries:        %d\n", s.Entries)
	fmt.Printf("  deleted:        %d\n", s.Deleted)
	fmt.Printf("  hash capacity:  %d\n", s.HashCapacity)
	fmt.Printf("  chunks total:   %d\n", s.ChunksTotal)
	fmt.Printf("  chunks used:    %d\n", s.ChunksOccupied)
	fmt.Printf("  contended:      %d\n", s.Contended)
	return nil
}
