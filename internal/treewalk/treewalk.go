// Package treewalk implements a depth-first, lexicographically ordered
// directory traversal. Every directory is kept open as a file descriptor
// for the duration it is being descended into, and children are opened via
// openat(2) relative to their parent, so renames of ancestor directories
// during the walk cannot redirect the walker onto the wrong subtree.
package treewalk

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	"golang.org/x/sys/unix"
)

const (
	maxDepth = 64
	maxPath  = 4095
)

// EntryType mirrors the one-character type tags used throughout filehash's
// result model.
type EntryType byte

const (
	TypeRegular   EntryType = 'F'
	TypeDirectory EntryType = 'D'
	TypeSymlink   EntryType = 'L'
	TypeBlockDev  EntryType = 'b'
	TypeCharDev   EntryType = 'c'
	TypeFIFO      EntryType = 'p'
	TypeSocket    EntryType = 's'
)

var (
	ErrDepthOverflow = errors.New("treewalk: directory depth exceeds 64")
	ErrPathOverflow  = errors.New("treewalk: path exceeds 4095 bytes")
)

// Entry is the walker's current position, overwritten in place on every
// call to Next. Callers that need to retain a field across calls must copy
// it.
type Entry struct {
	Path            string // root-relative, starts with '/'
	Type            EntryType
	Size            int64
	Mode            uint32
	Mtime           int64
	Target          string // only set when Type == TypeSymlink
	Fd              *os.File // only set for TypeRegular; caller must Close
	SubtreeSkipped  bool
}

type frame struct {
	fd      int
	path    string
	names   []string
	cursor  int
	skipped bool
}

// Walker performs the traversal. Create with New, configure with
// SetFollow/SetExclude, then repeatedly call Next.
type Walker struct {
	follow  bool
	exclude map[string]struct{}

	stack []*frame
	root  string

	cur       Entry
	rootDone  bool
	started   bool
}

// New creates a Walker rooted at root. The root itself is opened lazily, on
// the first call to Next.
func New(root string) *Walker {
	return &Walker{root: root, exclude: map[string]struct{}{}}
}

// SetFollow enables or disables symlink following. Must be called before
// the first Next.
func (w *Walker) SetFollow(follow bool) { w.follow = follow }

// SetExclude installs the set of root-relative paths (e.g. "/sub") whose
// subtree should be skipped. Must be called before the first Next.
func (w *Walker) SetExclude(paths []string) {
	w.exclude = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		w.exclude[p] = struct{}{}
	}
}

// Current returns the entry most recently produced by Next.
func (w *Walker) Current() *Entry { return &w.cur }

// Next advances the walker. It returns (true, nil) when cur has been
// positioned on a new entry, (false, nil) when the walk is complete, and
// (false, err) on a fatal error.
func (w *Walker) Next() (bool, error) {
	if !w.started {
		w.started = true

		return w.openRoot()
	}

	return w.advance()
}

func (w *Walker) openRoot() (bool, error) {
	fi, err := w.statNoFollowThenMaybeFollow(unix.AT_FDCWD, w.root, true)
	if err != nil {
		return false, fmt.Errorf("stat %q: %w", w.root, err)
	}

	w.cur = Entry{Path: "/", Mtime: fi.mtime, Mode: fi.mode}
	w.fillType(&w.cur, fi, unix.AT_FDCWD, w.root)

	switch {
	case fi.isDir:
		fd, err := unix.Openat(unix.AT_FDCWD, w.root, openFlags(w.follow)|unix.O_DIRECTORY, 0)
		if err != nil {
			return false, fmt.Errorf("openat %q: %w", w.root, err)
		}

		if err := w.pushDir(fd, "/"); err != nil {
			return false, err
		}
	case fi.isRegular:
		fd, err := unix.Openat(unix.AT_FDCWD, w.root, unix.O_RDONLY|openFlags(w.follow), 0)
		if err != nil {
			return false, fmt.Errorf("openat %q: %w", w.root, err)
		}

		w.cur.Fd = os.NewFile(uintptr(fd), w.root)
	}

	return true, nil
}

func (w *Walker) pushDir(fd int, relPath string) error {
	if len(w.stack) >= maxDepth {
		unix.Close(fd)

		return ErrDepthOverflow
	}

	names, err := readdirnames(fd)
	if err != nil {
		unix.Close(fd)

		return fmt.Errorf("readdir %q: %w", relPath, err)
	}

	sort.Strings(names)

	w.stack = append(w.stack, &frame{fd: fd, path: relPath, names: names})

	return nil
}

func (w *Walker) advance() (bool, error) {
	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]

		if top.cursor >= len(top.names) {
			unix.Close(top.fd)
			w.stack = w.stack[:len(w.stack)-1]

			continue
		}

		name := top.names[top.cursor]
		top.cursor++

		childPath := path.Join(top.path, name)
		if len(childPath) > maxPath {
			return false, ErrPathOverflow
		}

		excluded := false
		if _, ok := w.exclude[childPath]; ok {
			excluded = true
		}

		fi, err := w.statNoFollowThenMaybeFollow(top.fd, name, false)
		if err != nil {
			return false, fmt.Errorf("stat %q: %w", childPath, err)
		}

		w.cur = Entry{Path: childPath, Mtime: fi.mtime, Mode: fi.mode, SubtreeSkipped: excluded}
		w.fillType(&w.cur, fi, top.fd, name)

		if fi.isDir {
			if excluded {
				return true, nil
			}

			fd, err := unix.Openat(top.fd, name, openFlags(w.follow)|unix.O_DIRECTORY, 0)
			if err != nil {
				return false, fmt.Errorf("openat %q: %w", childPath, err)
			}

			if err := w.pushDir(fd, childPath); err != nil {
				return false, err
			}

			return true, nil
		}

		if fi.isRegular && !excluded {
			fd, err := unix.Openat(top.fd, name, unix.O_RDONLY|openFlags(w.follow), 0)
			if err != nil {
				return false, fmt.Errorf("openat %q: %w", childPath, err)
			}

			w.cur.Fd = os.NewFile(uintptr(fd), childPath)
		}

		return true, nil
	}

	return false, nil
}

func (w *Walker) fillType(e *Entry, fi statResult, dirfd int, name string) {
	switch {
	case fi.isDir:
		e.Type = TypeDirectory
	case fi.isSymlink:
		e.Type = TypeSymlink

		target, err := readlinkat(dirfd, name)
		if err == nil {
			e.Target = target
		}
	case fi.isRegular:
		e.Type = TypeRegular
		e.Size = fi.size
	case fi.isBlockDev:
		e.Type = TypeBlockDev
	case fi.isCharDev:
		e.Type = TypeCharDev
	case fi.isFIFO:
		e.Type = TypeFIFO
	default:
		e.Type = TypeSocket
	}
}

func openFlags(follow bool) int {
	if follow {
		return 0
	}

	return unix.O_NOFOLLOW
}

type statResult struct {
	mtime                                                     int64
	mode                                                       uint32
	size                                                       int64
	isDir, isSymlink, isRegular, isBlockDev, isCharDev, isFIFO bool
}

// statNoFollowThenMaybeFollow issues AT_SYMLINK_NOFOLLOW stat first. When
// follow is enabled and the entry is a symlink, it then stats with follow
// semantics; if that fails with ENOENT (the common signature of a dangling
// symlink target), it falls back to the no-follow result so the entry still
// appears rather than aborting the walk, and logs that fallback per
// spec.md's open question about masking a potential race.
func (w *Walker) statNoFollowThenMaybeFollow(dirfd int, name string, isAbs bool) (statResult, error) {
	st, err := statAt(dirfd, name, true, isAbs)
	if err == nil {
		if st.isSymlink && w.follow {
			followed, ferr := statAt(dirfd, name, false, isAbs)
			if ferr == nil {
				return followed, nil
			}

			if errors.Is(ferr, unix.ENOENT) {
				fmt.Fprintf(os.Stderr, "treewalk: dangling symlink fallback for %q\n", name)

				return st, nil
			}

			return statResult{}, ferr
		}

		return st, nil
	}

	return statResult{}, err
}

func statAt(dirfd int, name string, noFollow bool, isAbs bool) (statResult, error) {
	var st unix.Stat_t

	flags := 0
	if noFollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}

	fd := dirfd
	if isAbs {
		fd = unix.AT_FDCWD
	}

	if err := unix.Fstatat(fd, name, &st, flags); err != nil {
		return statResult{}, err
	}

	return statResult{
		mtime:      st.Mtim.Sec,
		mode:       uint32(st.Mode & 0o7777),
		size:       st.Size,
		isDir:      st.Mode&unix.S_IFMT == unix.S_IFDIR,
		isSymlink:  st.Mode&unix.S_IFMT == unix.S_IFLNK,
		isRegular:  st.Mode&unix.S_IFMT == unix.S_IFREG,
		isBlockDev: st.Mode&unix.S_IFMT == unix.S_IFBLK,
		isCharDev:  st.Mode&unix.S_IFMT == unix.S_IFCHR,
		isFIFO:     st.Mode&unix.S_IFMT == unix.S_IFIFO,
	}, nil
}

func readlinkat(dirfd int, name string) (string, error) {
	buf := make([]byte, 4096)

	n, err := unix.Readlinkat(dirfd, name, buf)
	if err != nil {
		return "", err
	}

	return string(buf[:n]), nil
}

// readdirnames lists fd's directory entries without taking ownership of fd:
// it operates on a dup'd descriptor wrapped in an *os.File (so Close, via
// the file's finalizer or otherwise, never touches the frame's own fd).
func readdirnames(fd int) ([]string, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}

	df := os.NewFile(uintptr(dup), "")
	defer df.Close()

	names, err := df.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	out := names[:0]

	for _, n := range names {
		if n == "." || n == ".." {
			continue
		}

		out = append(out, n)
	}

	return out, nil
}
