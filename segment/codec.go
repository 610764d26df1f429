package segment

// KeyCodec converts between a typed key and the raw bytes stored in an
// entry. Decode must not retain dst past the call: the slice it is given
// may be a zero-copy view straight into the mapped file, following the
// teacher's unsafeSlice/pointer-view style of touching mapped memory
// without an intermediate copy wherever that is safe.
type KeyCodec[K comparable] interface {
	Encode(k K) []byte
	Decode(raw []byte) K
}

// ValueCodec is the value-side counterpart of KeyCodec.
type ValueCodec[V any] interface {
	Encode(v V) []byte
	Decode(raw []byte) V
}

// EntryOps bundles the callbacks a higher-level Compute-style operation
// needs to customize how an entry already found (or not found) by key is
// handled, matching spec.md §6's entryOperations consumed interface.
type EntryOps[V any] struct {
	// Insert is called when no entry for the key exists yet. A zero V
	// return value with ok=false aborts the operation without inserting.
	Insert func() (V, bool)
	// ReplaceValue is called with the existing value when an entry is
	// found; its result becomes the new value. ok=false leaves the entry
	// untouched.
	ReplaceValue func(old V) (V, bool)
	// Remove, if non-nil and it returns true given the existing value,
	// removes the entry instead of calling ReplaceValue.
	Remove func(old V) bool
	// DefaultValue supplies the value to store when Insert is nil and the
	// key is absent.
	DefaultValue func() V
}
