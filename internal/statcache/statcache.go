// Package statcache implements the stat-keyed digest result cache: a
// lazily-opened, ordered key-value store keyed by (absolute path, size,
// inode, change-time, hash name) so repeated runs over unchanged files skip
// recomputing a digest that's already known.
package statcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	fsutil "github.com/odinmay/filehash/pkg/fsutil"
)

// ErrHomeUnset is returned when the cache is needed but $HOME isn't set.
var ErrHomeUnset = errors.New("statcache: HOME is not set")

// ErrLengthMismatch is the hard error mandated by spec.md §4.4: a
// successful Get that returns a value whose length doesn't match the
// digest's expected output length is cache corruption, never silently
// truncated or ignored.
var ErrLengthMismatch = errors.New("statcache: cached value length mismatch")

// Cache is the stat-keyed digest cache. It performs no I/O until the first
// Get or Put (lazy home-directory and backing-file creation).
type Cache struct {
	appDir   string
	fs       fsutil.FS
	disabled bool

	store orderedStore
	path  string
}

// NewDisabled returns a Cache that never hits and never persists, for the
// -C (disable cache) flag.
func NewDisabled() *Cache { return &Cache{disabled: true} }

// New creates a Cache rooted at ~/.cache/<appDir>/files.db. No file I/O
// happens until the first Get or Put: ensureStore then creates every
// missing ancestor directory with mode 0700 and opens the backing store.
func New(appDir string, fs fsutil.FS) (*Cache, error) {
	return &Cache{appDir: appDir, fs: fs}, nil
}

func (c *Cache) ensureStore() error {
	if c.store != nil {
		return nil
	}

	home := os.Getenv("HOME")
	if home == "" {
		return ErrHomeUnset
	}

	dir := filepath.Join(home, ".cache", c.appDir)
	if err := c.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("statcache: create %q: %w", dir, err)
	}

	path := filepath.Join(dir, "files.db")

	store, err := openFilestore(path, c.fs)
	if err != nil {
		return err
	}

	c.store = store
	c.path = path

	return nil
}

// Get probes the cache for path's digest named hashName under fingerprint
// fp. It returns (nil, false, nil) on a clean miss, (value, true, nil) on a
// hit, and a non-nil error only for a fatal condition (HOME unset, backing
// store I/O failure, or a length mismatch against expectedLen).
func (c *Cache) Get(absPath string, fp Fingerprint, hashName string, expectedLen int) ([]byte, bool, error) {
	if c.disabled {
		return nil, false, nil
	}

	if err := c.ensureStore(); err != nil {
		return nil, false, err
	}

	key := Key(absPath, fp, hashName)

	value, ok, err := c.store.Get(key)
	if err != nil {
		return nil, false, err
	}

	if !ok {
		return nil, false, nil
	}

	if len(value) != expectedLen {
		return nil, false, fmt.Errorf("%w: key %q: got %d bytes, want %d", ErrLengthMismatch, hashName, len(value), expectedLen)
	}

	return value, true, nil
}

// Put stores value for path's digest named hashName under fingerprint fp.
// A no-op on a disabled cache.
func (c *Cache) Put(absPath string, fp Fingerprint, hashName string, value []byte) error {
	if c.disabled {
		return nil
	}

	if err := c.ensureStore(); err != nil {
		return err
	}

	return c.store.Put(Key(absPath, fp, hashName), value)
}

// Flush persists any pending writes. Callers should call this once at the
// end of a run, not per-entry, since Sync rewrites the whole backing file.
func (c *Cache) Flush() error {
	if c.store == nil {
		return nil
	}

	return c.store.Sync()
}

// Close flushes and releases any backing resources (the mmap'd view).
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}

	return c.store.Close()
}

// FingerprintFromStat builds a Fingerprint from a raw stat_t-shaped tuple;
// callers on non-Linux platforms without nanosecond ctim resolution may pass
// 0 for ctimNsec, which only reduces cache hits under rapid edits, per
// spec.md §9.
func FingerprintFromStat(size int64, inode uint64, ctimSec, ctimNsec int64) Fingerprint {
	return Fingerprint{Size: size, Inode: inode, CtimSec: ctimSec, CtimNsec: ctimNsec}
}
