// Package fs is the filesystem seam internal/statcache and its atomic
// writer are built against, so the cache file's create/rename/lock
// sequence can be driven in tests without needing a real disk.
//
// Only the operations the cache path actually drives are exposed:
// opening an existing file (for mmap and for the directory-fsync after a
// rename), opening with explicit flags (exclusive temp-file creation, the
// lock file), creating parent directories, checking existence, removing a
// stale temp file, and renaming the replacement into place.
package fs

import (
	"io"
	"os"
)

// File is an open OS file descriptor. [os.File] satisfies it; Fd must keep
// returning a valid descriptor usable with syscalls such as
// [syscall.Flock] and [syscall.Mmap] until the file is closed.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
	Chmod(mode os.FileMode) error
}

// FS is the set of filesystem operations the cache path needs. Real wraps
// [os] directly; tests can substitute a fake to exercise error paths (a
// full disk on rename, a lock file that can't be created) without
// touching a real filesystem.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens an existing file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens path with explicit flags and permissions. See
	// [os.OpenFile]. Used for O_EXCL temp-file creation and for
	// opening/creating the cross-process lock file.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates a directory and all missing parents. See
	// [os.MkdirAll]. No error if the directory already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Exists reports whether path exists. Returns (false, nil) if not
	// found, (false, err) on any other stat failure.
	Exists(path string) (bool, error)

	// Remove deletes a file. See [os.Remove].
	Remove(path string) error

	// Rename moves oldpath to newpath. See [os.Rename]. Atomic on the
	// same filesystem; this is the commit step of AtomicWriter.Write.
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
