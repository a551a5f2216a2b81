// Package digest implements the fixed-width cryptographic fingerprint used
// throughout the engine to name blobs, directory trees and action results.
//
// A Digest is a value type: two Digests are equal iff their algorithms and
// hex strings both match. Hashing is pluggable between the canonical
// SHA-256 and an opt-in BLAKE3, selected once for a given CAS root (see
// github.com/anvil-build/anvil/src/config); each algorithm's blobs live
// under their own objects/<algorithm>/ subtree of the root, so digests of
// different algorithms never share a shard path. A root holding blobs of
// both algorithms is not rejected.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"

	"github.com/anvil-build/anvil/src/errkind"
)

// Algorithm identifies which hash function produced a Digest.
type Algorithm string

// Supported algorithms. SHA256 is canonical; BLAKE3 is an opt-in
// alternative for repos that have measured it to be worth the tradeoff.
const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// hexSize is the encoded length of each supported algorithm's digest.
var hexSize = map[Algorithm]int{
	SHA256: sha256.Size * 2,
	BLAKE3: 32 * 2,
}

// Digest is a fixed-width cryptographic fingerprint of a byte sequence.
// The zero Digest is not valid; construct one via FromBytes, FromReader or
// FromHex.
type Digest struct {
	algorithm Algorithm
	hex       string
	size      int64
}

// InvalidDigestError is returned by FromHex when the input is not a
// well-formed digest for the given algorithm.
type InvalidDigestError struct {
	Algorithm Algorithm
	Input     string
	Reason    string
}

func (e *InvalidDigestError) Error() string {
	return fmt.Sprintf("invalid %s digest %q: %s", e.Algorithm, e.Input, e.Reason)
}

// Is lets errors.Is(err, errkind.InvalidDigest) match any InvalidDigestError.
func (e *InvalidDigestError) Is(target error) bool {
	return target == errkind.InvalidDigest
}

func newHasher(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case SHA256, "":
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", algo)
	}
}

// FromBytes computes the Digest of b using algo (SHA256 if algo is empty).
func FromBytes(algo Algorithm, b []byte) (Digest, error) {
	if algo == "" {
		algo = SHA256
	}
	h, err := newHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	h.Write(b)
	return Digest{algorithm: algo, hex: hex.EncodeToString(h.Sum(nil)), size: int64(len(b))}, nil
}

// FromReader computes the Digest of everything read from r without
// buffering its full contents; the number of bytes read becomes the
// returned Digest's SizeBytes.
func FromReader(algo Algorithm, r io.Reader) (Digest, error) {
	if algo == "" {
		algo = SHA256
	}
	h, err := newHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{algorithm: algo, hex: hex.EncodeToString(h.Sum(nil)), size: n}, nil
}

// FromHex validates and constructs a Digest from an already-computed hex
// string. size may be -1 if unknown from context.
func FromHex(algo Algorithm, hexStr string, size int64) (Digest, error) {
	if algo == "" {
		algo = SHA256
	}
	want, ok := hexSize[algo]
	if !ok {
		return Digest{}, &InvalidDigestError{Algorithm: algo, Input: hexStr, Reason: "unknown algorithm"}
	}
	if len(hexStr) != want {
		return Digest{}, &InvalidDigestError{Algorithm: algo, Input: hexStr, Reason: fmt.Sprintf("wrong length: want %d, got %d", want, len(hexStr))}
	}
	for _, r := range hexStr {
		if !isHexDigit(r) {
			return Digest{}, &InvalidDigestError{Algorithm: algo, Input: hexStr, Reason: "not a hex string"}
		}
	}
	return Digest{algorithm: algo, hex: hexStr, size: size}, nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// Hex returns the hex-encoded digest.
func (d Digest) Hex() string { return d.hex }

// Algorithm returns which hash function produced this digest.
func (d Digest) Algorithm() Algorithm { return d.algorithm }

// SizeBytes returns the size of the content this digest names, or -1 if
// unknown.
func (d Digest) SizeBytes() int64 { return d.size }

// IsZero returns true for the zero-value Digest, which names nothing.
func (d Digest) IsZero() bool { return d.hex == "" }

// Equal reports whether two digests name the same content. Digests of
// different algorithms are never equal even if the hex happens to collide.
func (d Digest) Equal(other Digest) bool {
	return d.algorithm == other.algorithm && d.hex == other.hex
}

// ShardPath returns the two-level sharded path used to lay this digest out
// on disk: xx/yy/xxyy…
func (d Digest) ShardPath() string {
	if len(d.hex) < 4 {
		return d.hex
	}
	return d.hex[0:2] + "/" + d.hex[2:4] + "/" + d.hex
}

// String returns a human-readable form, algorithm:hex, for logging.
func (d Digest) String() string {
	if d.IsZero() {
		return "<empty digest>"
	}
	return string(d.algorithm) + ":" + d.hex
}
