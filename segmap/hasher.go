package segmap

import "github.com/cespare/xxhash/v2"

// Hasher computes the 64-bit hash a Map uses to pick a key's segment and
// probe home. Following the teacher's HashFunc/WithKeyHasher convention
// (map_config.go), it is pluggable: most callers never need to touch it,
// but keys with a known-bad distribution under the default hash (e.g.
// small sequential integers) can supply their own.
type Hasher interface {
	Hash(key []byte) uint64
}

// xxHasher is the default Hasher, grounded on theflywheel-phash's use of
// cespare/xxhash for its own persistent hash table over bytes.
type xxHasher struct{}

func (xxHasher) Hash(key []byte) uint64 { return xxhash.Sum64(key) }

// IPartialHash is an optional interface a key type may implement to
// supply its own 64-bit hash directly, bypassing KeyCodec.Encode+Hasher
// for types that already carry a cheap hash (e.g. a wrapped integer id).
// Mirrors the teacher's parseKeyInterface opt-in detection in
// map_config.go.
type IPartialHash interface {
	PartialHash() uint64
}

func hashOf[K comparable](hasher Hasher, codec KeyCodec[K], key K) uint64 {
	if ph, ok := any(key).(IPartialHash); ok {
		return ph.PartialHash()
	}
	return hasher.Hash(codec.Encode(key))
}
