package statcache

import "fmt"

// Fingerprint is the (size, inode, ctim) triple that determines whether a
// previously computed digest still applies to a path. It changes on every
// content-affecting mutation observable through the filesystem, including a
// pure permission change (ctim moves) — re-hashing in that case is
// intentional, not a missed optimization.
type Fingerprint struct {
	Size     int64
	Inode    uint64
	CtimSec  int64
	CtimNsec int64
}

// Key builds the cache key for path under this fingerprint and digest name:
// <abs_path>\0<size>:<inode>:<ctim.sec>.<ctim.nsec zero-padded to 9 digits>:<hash_name>
//
// The NUL separator is deliberate: the path is opaque bytes and may itself
// contain any printable character, so it cannot be the delimiter.
func Key(absPath string, fp Fingerprint, hashName string) []byte {
	s := fmt.Sprintf("%s\x00%d:%d:%d.%09d:%s", absPath, fp.Size, fp.Inode, fp.CtimSec, fp.CtimNsec, hashName)

	return []byte(s)
}
