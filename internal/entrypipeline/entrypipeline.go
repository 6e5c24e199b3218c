// Package entrypipeline wires one source entry (a single file, one
// TreeWalk position, or one tar member) through StatCache and
// ParallelHasher and produces the record the result sink renders.
package entrypipeline

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/odinmay/filehash/internal/digestset"
	"github.com/odinmay/filehash/internal/parhash"
	"github.com/odinmay/filehash/internal/resultsink"
	"github.com/odinmay/filehash/internal/statcache"
	"github.com/odinmay/filehash/internal/tarstream"
)

// Identity carries everything EntryPipeline needs about one entry besides
// its byte source: enough to build the result record (Path/Type/Size/
// Target/Mtime/Mode) and, when available, enough to probe the cache
// (CanonicalPath + CacheStat).
type Identity struct {
	Path      string
	Type      byte
	HasSize   bool
	Size      int64
	HasTarget bool
	Target    string
	Mtime     int64
	Mode      uint32

	// CanonicalPath is the absolute path used as the cache key. Left empty,
	// Path is used instead.
	CanonicalPath string

	// CacheStat is the stability fingerprint used to probe/populate
	// StatCache. nil means this entry is not cacheable (tar members have no
	// durable inode identity, so the tar-mode caller leaves this nil).
	CacheStat *statcache.Fingerprint
}

// source is the closed byteSource sum type: exactly one of fd or tar is
// set. Its Read method is the only place that needs to know which.
type source struct {
	fd  *os.File
	tar *tarstream.Reader
}

// FDSource wraps an already-opened regular-file descriptor as a byte
// source.
func FDSource(f *os.File) io.Reader { return source{fd: f} }

// TarSource wraps the current member of a tar reader as a byte source.
func TarSource(r *tarstream.Reader) io.Reader { return source{tar: r} }

// Read implements io.Reader. tarstream.Reader.Read signals the end of a
// member's payload with (0, nil), not io.EOF (its caller already knows the
// member's size up front); this adapter translates that into io.EOF so the
// generic wait_buffer/get_buffer/fill/advance loop in parhash.Drive, which
// expects ordinary io.Reader semantics, terminates instead of spinning.
func (s source) Read(p []byte) (int, error) {
	if s.fd != nil {
		return s.fd.Read(p)
	}

	n, err := s.tar.Read(p)
	if err == nil && n == 0 {
		return 0, io.EOF
	}

	return n, err
}

// Result is the outcome of processing one entry.
type Result struct {
	Identity Identity
	Hashes   []parhash.Result
	Err      error
}

// Process runs the cache-probe / hash / cache-write-back sequence for one
// entry. src is nil for entries with no byte stream (directories and other
// special files); such entries are emitted with no hash object and never
// touch the cache.
func Process(cache *statcache.Cache, digests []digestset.Descriptor, ident Identity, src io.Reader) Result {
	if src == nil {
		return Result{Identity: ident}
	}

	canon := ident.CanonicalPath
	if canon == "" {
		canon = ident.Path
	}

	cacheable := ident.CacheStat != nil

	h := parhash.New(digests)

	for i, d := range digests {
		if !cacheable {
			h.Enable(i)

			continue
		}

		sum, ok, err := cache.Get(canon, *ident.CacheStat, d.Name, d.Size)
		if err != nil {
			return Result{Identity: ident, Err: fmt.Errorf("entrypipeline: cache get %q: %w", canon, err)}
		}

		if ok {
			h.SetCached(i, sum)

			continue
		}

		h.Enable(i)
	}

	if h.AnyEnabled() {
		if err := h.Start(); err != nil {
			return Result{Identity: ident, Err: fmt.Errorf("entrypipeline: start %q: %w", canon, err)}
		}

		driveErr := parhash.Drive(h, src)
		h.Finish()

		if driveErr != nil {
			return Result{Identity: ident, Err: fmt.Errorf("entrypipeline: read %q: %w", canon, driveErr)}
		}
	}

	results := h.Results()

	if cacheable {
		for i, d := range digests {
			if h.Enabled(i) {
				if err := cache.Put(canon, *ident.CacheStat, d.Name, results[i].Sum); err != nil {
					return Result{Identity: ident, Err: fmt.Errorf("entrypipeline: cache put %q: %w", canon, err)}
				}
			}
		}
	}

	return Result{Identity: ident, Hashes: results}
}

// ToEntry converts a processed result's identity and hashes into the
// result sink's record shape.
func ToEntry(ident Identity, results []parhash.Result) resultsink.Entry {
	hash := make([]resultsink.HashValue, 0, len(results))

	for _, r := range results {
		hash = append(hash, resultsink.HashValue{Name: r.Name, Hex: hex.EncodeToString(r.Sum)})
	}

	return resultsink.Entry{
		Path:      ident.Path,
		Type:      ident.Type,
		HasSize:   ident.HasSize,
		Size:      ident.Size,
		HasTarget: ident.HasTarget,
		Target:    ident.Target,
		Mtime:     ident.Mtime,
		Mode:      ident.Mode,
		Hash:      hash,
	}
}

// FingerprintFromFile derives a StatCache stability fingerprint from an
// already-open regular-file descriptor, avoiding a second stat-by-path
// (and the TOCTOU window that would reopen) now that TreeWalk or the
// single-file opener has already given us the fd.
func FingerprintFromFile(f *os.File) (statcache.Fingerprint, error) {
	fi, err := f.Stat()
	if err != nil {
		return statcache.Fingerprint{}, fmt.Errorf("entrypipeline: stat fd: %w", err)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return statcache.Fingerprint{}, fmt.Errorf("entrypipeline: unsupported stat_t shape")
	}

	return statcache.FingerprintFromStat(fi.Size(), st.Ino, int64(st.Ctim.Sec), int64(st.Ctim.Nsec)), nil
}
