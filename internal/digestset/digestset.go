// Package digestset holds the static table of digest algorithms filehash
// supports: CRC-32, MD5, SHA-1, SHA-256, and SHA-512. Every algorithm is
// exposed behind the stdlib hash.Hash interface so callers never branch on
// which one they're holding.
package digestset

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha512"
	"errors"
	"hash"
	"hash/crc32"

	sha256simd "github.com/minio/sha256-simd"
)

// ErrUnknownDigest is returned by Lookup for a name not present in All.
var ErrUnknownDigest = errors.New("digestset: unknown digest name")

// Descriptor describes one digest algorithm: its stable name, its fixed
// output length in bytes, and a constructor for a fresh hash.Hash.
type Descriptor struct {
	Name string
	Size int
	New  func() hash.Hash
}

// All is the fixed, ordered set of digests filehash knows how to compute.
// Order matches spec output length grouping (4, 16, 20, 32, 64 bytes) and is
// stable across versions: callers may range over All to build per-run slot
// tables and rely on index stability within a single process run.
var All = []Descriptor{
	{Name: "crc32", Size: crc32.Size, New: newCRC32},
	{Name: "md5", Size: md5.Size, New: func() hash.Hash { return md5.New() }},
	{Name: "sha1", Size: sha1.Size, New: func() hash.Hash { return sha1.New() }},
	{Name: "sha256", Size: sha256simd.Size, New: func() hash.Hash { return sha256simd.New() }},
	{Name: "sha512", Size: sha512.Size, New: func() hash.Hash { return sha512.New() }},
}

func newCRC32() hash.Hash {
	return crc32.NewIEEE()
}

// Lookup returns the descriptor for name, or ErrUnknownDigest.
func Lookup(name string) (Descriptor, error) {
	for _, d := range All {
		if d.Name == name {
			return d, nil
		}
	}

	return Descriptor{}, ErrUnknownDigest
}

// Names returns the stable name of every known digest, in table order.
func Names() []string {
	names := make([]string, len(All))
	for i, d := range All {
		names[i] = d.Name
	}

	return names
}
