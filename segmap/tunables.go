// Package segmap is the top-level façade: it opens a memory-mapped file,
// carves it into segments per internal/layout's geometry, and dispatches
// Put/Get/Remove/etc to the segment responsible for a key's hash.
//
// Configuration follows the teacher's functional-options pattern
// (map_config.go's MapConfig/With*): a Tunables struct holds every knob
// named in the component design, and Open takes zero or more Option
// values that mutate a default Tunables before it is used to size the
// file.
package segmap

import "github.com/offheapdb/segmap/internal/entrycodec"

// Tunables collects every configurable parameter of the storage layout and
// lock protocol. Its fields are unexported, like the teacher's MapConfig;
// callers only set them through Option functions.
type Tunables struct {
	chunkSize         int
	chunksPerSegment  int
	maxChunksPerEntry int
	metaDataBytes     int
	alignment         int
	constantlySized   bool
	worstAlignment    int

	actualSegments   int
	entriesPerSegment int

	lockTimeoutNanos int64

	sizeMarshal SizeMarshallerKind

	hasher Hasher

	lockTimeoutListener func(level string)
}

// SizeMarshallerKind selects which entrycodec.SizeMarshaller backs key/
// value length encoding.
type SizeMarshallerKind int

const (
	// SizeMarshalUint32 is a fixed 4-byte length field, the right choice
	// when ConstantlySized is set so entrySize never depends on the
	// encoded width of a length itself.
	SizeMarshalUint32 SizeMarshallerKind = iota
	// SizeMarshalVarint shrinks small entries at the cost of a
	// WorstAlignment reservation for variable-sized entries.
	SizeMarshalVarint
)

func (k SizeMarshallerKind) marshaller() entrycodec.SizeMarshaller {
	if k == SizeMarshalVarint {
		return entrycodec.VarintMarshaller{}
	}
	return entrycodec.Uint32Marshaller{}
}

// defaultTunables mirrors the teacher's zero-value-is-usable MapConfig
// philosophy: every field has a workable default so Open(path, keyCodec,
// valCodec) with no options is a valid call.
func defaultTunables() Tunables {
	return Tunables{
		chunkSize:         64,
		chunksPerSegment:  1 << 16,
		maxChunksPerEntry: 1 << 10,
		metaDataBytes:     0,
		alignment:         8,
		constantlySized:   false,
		worstAlignment:    8,
		actualSegments:    16,
		entriesPerSegment: 1 << 14,
		lockTimeoutNanos:  int64(2 * 1e9), // 2s
		sizeMarshal:       SizeMarshalVarint,
	}
}

// Option configures a Tunables value before Open sizes the backing file.
type Option func(*Tunables)

// WithChunkSize sets the fixed byte width of one allocation chunk.
func WithChunkSize(n int) Option { return func(t *Tunables) { t.chunkSize = n } }

// WithChunksPerSegment sets the number of chunks in each segment's entry
// space (and so the width of its free-chunk bitset).
func WithChunksPerSegment(n int) Option { return func(t *Tunables) { t.chunksPerSegment = n } }

// WithMaxChunksPerEntry caps how many chunks a single entry's value may
// grow to occupy; Put/ReplaceValue fail with ErrEntryTooLarge past it.
func WithMaxChunksPerEntry(n int) Option { return func(t *Tunables) { t.maxChunksPerEntry = n } }

// WithMetaDataBytes reserves n bytes ahead of the key in every entry, for
// map-façade-defined use (unused by this façade; callers building a custom
// KeyCodec/ValueCodec may repurpose it).
func WithMetaDataBytes(n int) Option { return func(t *Tunables) { t.metaDataBytes = n } }

// WithAlignment sets the power-of-two byte alignment of the value offset
// within an entry.
func WithAlignment(n int) Option { return func(t *Tunables) { t.alignment = n } }

// WithConstantlySizedEntry declares that every entry in the map has the
// same key and value size, letting the codec compute entrySize exactly
// instead of reserving WorstAlignment slack.
func WithConstantlySizedEntry() Option { return func(t *Tunables) { t.constantlySized = true } }

// WithWorstAlignment sets the slack reserved per variable-sized entry to
// absorb the alignment padding before its value.
func WithWorstAlignment(n int) Option { return func(t *Tunables) { t.worstAlignment = n } }

// WithActualSegments sets the number of segments the file is partitioned
// into. Higher segment counts reduce lock contention between unrelated
// keys at the cost of more wasted headroom per segment.
func WithActualSegments(n int) Option { return func(t *Tunables) { t.actualSegments = n } }

// WithEntriesPerSegment sizes each segment's hash table to comfortably
// hold n entries (the table capacity is rounded up to the next power of
// two with headroom for open-addressing).
func WithEntriesPerSegment(n int) Option { return func(t *Tunables) { t.entriesPerSegment = n } }

// WithLockTimeout sets how long a lock acquire spins/parks before it resets
// the segment's lock word and retries once, matching spec's single-retry
// lock-timeout policy.
func WithLockTimeout(nanos int64) Option { return func(t *Tunables) { t.lockTimeoutNanos = nanos } }

// WithLockTimeoutListener registers a callback invoked (with "read",
// "update", or "write") whenever a lock acquire times out and is about to
// force a reset, for diagnostics/metrics.
func WithLockTimeoutListener(fn func(level string)) Option {
	return func(t *Tunables) { t.lockTimeoutListener = fn }
}

// WithSizeMarshaller selects the key/value length encoding.
func WithSizeMarshaller(kind SizeMarshallerKind) Option {
	return func(t *Tunables) { t.sizeMarshal = kind }
}

// WithHasher overrides the default xxhash-based Hasher.
func WithHasher(h Hasher) Option { return func(t *Tunables) { t.hasher = h } }

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
