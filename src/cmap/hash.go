package cmap

import "github.com/cespare/xxhash/v2"

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// Fnv32 returns a 32-bit FNV-1 hash of a string, suitable as a cmap hasher
// for small keys where allocating an xxhash state would be overkill.
func Fnv32(s string) uint32 {
	hash := uint32(fnvOffset32)
	for i := 0; i < len(s); i++ {
		hash *= fnvPrime32
		hash ^= uint32(s[i])
	}
	return hash
}

// Fnv32s hashes a series of strings as if they were concatenated, without
// actually allocating the concatenation.
func Fnv32s(s ...string) uint32 {
	hash := uint32(fnvOffset32)
	for _, part := range s {
		for i := 0; i < len(part); i++ {
			hash *= fnvPrime32
			hash ^= uint32(part[i])
		}
	}
	return hash
}

// DigestHasher hashes a digest's string form (algorithm:hex) down to a
// shard index using xxhash, which the scheduler's in-flight map is keyed
// by since its keys are action digests rather than short strings.
func DigestHasher(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}
