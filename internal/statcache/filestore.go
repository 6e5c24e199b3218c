package statcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"
	"time"

	fsutil "github.com/odinmay/filehash/pkg/fsutil"
)

// ErrCorrupt signals the on-disk cache file failed a structural check
// (truncated index, an offset/length pair reaching past EOF, bad magic).
// filestore never silently truncates or ignores a corrupt record.
var ErrCorrupt = errors.New("statcache: corrupt cache file")

const (
	magic       = "FHCACHE1"
	formatVer   = uint32(1)
	headerSize  = 16 // magic(8) + version(4) + count(4)
	recordSize  = 24 // keyOffset(8) keyLen(4) valueOffset(8) valueLen(4)
)

type record struct {
	keyOffset, valueOffset uint64
	keyLen, valueLen       uint32
}

// filestore is the mmap + sorted-index + binary-search cache file, grounded
// on the teacher's cache_binary.go: lookups read straight out of an mmap'd
// read-only view, and every Put is buffered in memory until Sync, which
// rewrites the whole file atomically through pkg/fsutil.
type filestore struct {
	path string
	fs   fsutil.FS
	aw   *fsutil.AtomicWriter

	data    []byte // mmap'd view of the file as it was at open time, nil if file didn't exist yet
	records []record

	pending map[string][]byte // keys not yet flushed to disk, including tombstone-free overwrites
	dirty   bool
}

func openFilestore(path string, fs fsutil.FS) (*filestore, error) {
	fstore := &filestore{
		path:    path,
		fs:      fs,
		aw:      fsutil.NewAtomicWriter(fs),
		pending: map[string][]byte{},
	}

	exists, err := fs.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("statcache: stat %q: %w", path, err)
	}

	if !exists {
		return fstore, nil
	}

	if err := fstore.mapExisting(); err != nil {
		return nil, err
	}

	return fstore, nil
}

// mapExisting opens the cache file through s.fs, then mmaps the kernel fd
// behind it (syscall.Mmap needs a real int fd, which File.Fd provides).
func (s *filestore) mapExisting() error {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return fmt.Errorf("statcache: open %q: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("statcache: stat %q: %w", s.path, err)
	}

	if info.Size() == 0 {
		return nil
	}

	if info.Size() < headerSize {
		return fmt.Errorf("%w: %q: file shorter than header", ErrCorrupt, s.path)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("statcache: mmap %q: %w", s.path, err)
	}

	if err := validateAndIndex(data); err != nil {
		syscall.Munmap(data)

		return err
	}

	s.data = data
	s.records = parseIndex(data)

	return nil
}

func validateAndIndex(data []byte) error {
	if !bytes.Equal(data[0:8], []byte(magic)) {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	ver := binary.LittleEndian.Uint32(data[8:12])
	if ver != formatVer {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, ver)
	}

	count := binary.LittleEndian.Uint32(data[12:16])

	indexEnd := headerSize + int(count)*recordSize
	if indexEnd > len(data) {
		return fmt.Errorf("%w: index overruns file", ErrCorrupt)
	}

	for i := 0; i < int(count); i++ {
		off := headerSize + i*recordSize
		rec := decodeRecord(data[off : off+recordSize])

		if rec.keyOffset+uint64(rec.keyLen) > uint64(len(data)) {
			return fmt.Errorf("%w: key record %d overruns file", ErrCorrupt, i)
		}

		if rec.valueOffset+uint64(rec.valueLen) > uint64(len(data)) {
			return fmt.Errorf("%w: value record %d overruns file", ErrCorrupt, i)
		}
	}

	return nil
}

func decodeRecord(b []byte) record {
	return record{
		keyOffset:   binary.LittleEndian.Uint64(b[0:8]),
		keyLen:      binary.LittleEndian.Uint32(b[8:12]),
		valueOffset: binary.LittleEndian.Uint64(b[12:20]),
		valueLen:    binary.LittleEndian.Uint32(b[20:24]),
	}
}

func parseIndex(data []byte) []record {
	count := binary.LittleEndian.Uint32(data[12:16])
	out := make([]record, count)

	for i := range out {
		off := headerSize + i*recordSize
		out[i] = decodeRecord(data[off : off+recordSize])
	}

	return out
}

// Get implements orderedStore. Pending (not yet flushed) writes take
// precedence over the mmap'd on-disk index.
func (s *filestore) Get(key []byte) ([]byte, bool, error) {
	if v, ok := s.pending[string(key)]; ok {
		if v == nil {
			return nil, false, nil
		}

		out := make([]byte, len(v))
		copy(out, v)

		return out, true, nil
	}

	if s.data == nil {
		return nil, false, nil
	}

	i := sort.Search(len(s.records), func(i int) bool {
		return bytes.Compare(s.keyBytes(s.records[i]), key) >= 0
	})

	if i >= len(s.records) || !bytes.Equal(s.keyBytes(s.records[i]), key) {
		return nil, false, nil
	}

	rec := s.records[i]
	value := s.data[rec.valueOffset : rec.valueOffset+uint64(rec.valueLen)]
	out := make([]byte, len(value))
	copy(out, value)

	return out, true, nil
}

func (s *filestore) keyBytes(r record) []byte {
	return s.data[r.keyOffset : r.keyOffset+uint64(r.keyLen)]
}

// Put implements orderedStore. The write is buffered; nothing touches disk
// until Sync.
func (s *filestore) Put(key, value []byte) error {
	k := make([]byte, len(key))
	copy(k, key)

	v := make([]byte, len(value))
	copy(v, value)

	s.pending[string(k)] = v
	s.dirty = true

	return nil
}

// Sync rewrites the whole cache file atomically if there are pending
// writes, then remaps it so subsequent Gets see a consistent view.
//
// The whole read-merge-write sequence runs under an exclusive cross-process
// lock (acquireLock) so two filehash processes flushing concurrently can't
// each overwrite the other's entries: the lock is taken first, the on-disk
// index is then reloaded so this process's merge starts from whatever the
// last lock holder actually wrote, not a stale view from this process's own
// last Sync.
func (s *filestore) Sync() error {
	if !s.dirty {
		return nil
	}

	lock, err := acquireLock(s.fs, s.path)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := s.reload(); err != nil {
		return err
	}

	merged := s.mergedEntries()

	buf, err := encodeFile(merged)
	if err != nil {
		return err
	}

	if err := s.aw.WriteWithDefaults(s.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("statcache: write %q: %w", s.path, err)
	}

	if s.data != nil {
		syscall.Munmap(s.data)
		s.data = nil
	}

	s.pending = map[string][]byte{}
	s.dirty = false

	return s.mapExisting()
}

// reload drops the current mmap'd view (if any) and remaps the file fresh
// from disk, picking up writes made by another process since this one last
// mapped it. A no-op if the file doesn't exist yet (nothing to pick up).
func (s *filestore) reload() error {
	if s.data != nil {
		syscall.Munmap(s.data)
		s.data = nil
		s.records = nil
	}

	exists, err := s.fs.Exists(s.path)
	if err != nil {
		return fmt.Errorf("statcache: stat %q: %w", s.path, err)
	}

	if !exists {
		return nil
	}

	return s.mapExisting()
}

func (s *filestore) mergedEntries() map[string][]byte {
	merged := map[string][]byte{}

	for _, rec := range s.records {
		merged[string(s.keyBytes(rec))] = append([]byte(nil), s.data[rec.valueOffset:rec.valueOffset+uint64(rec.valueLen)]...)
	}

	for k, v := range s.pending {
		merged[k] = v
	}

	return merged
}

// Close syncs any pending writes and releases the mmap.
func (s *filestore) Close() error {
	err := s.Sync()

	if s.data != nil {
		syscall.Munmap(s.data)
		s.data = nil
	}

	return err
}

func encodeFile(entries map[string][]byte) ([]byte, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var blob bytes.Buffer

	records := make([]record, len(keys))

	blobBase := uint64(headerSize + len(keys)*recordSize)

	for i, k := range keys {
		v := entries[k]

		records[i] = record{
			keyOffset: blobBase + uint64(blob.Len()),
			keyLen:    uint32(len(k)),
		}

		blob.WriteString(k)

		records[i].valueOffset = blobBase + uint64(blob.Len())
		records[i].valueLen = uint32(len(v))

		blob.Write(v)
	}

	var out bytes.Buffer

	out.WriteString(magic)

	if err := binary.Write(&out, binary.LittleEndian, formatVer); err != nil {
		return nil, err
	}

	if err := binary.Write(&out, binary.LittleEndian, uint32(len(keys))); err != nil {
		return nil, err
	}

	for _, r := range records {
		if err := writeRecord(&out, r); err != nil {
			return nil, err
		}
	}

	if _, err := io.Copy(&out, &blob); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// lockTimeout bounds how long Sync waits for another process's flush to
// finish before giving up.
const lockTimeout = 5 * time.Second

const lockRetryInterval = 10 * time.Millisecond

var errLockTimeout = errors.New("statcache: lock timeout")

// fileLock is an exclusive cross-process lock on the cache file, taken via
// flock(2) on a sibling ".lock" file so the lock and the cache file's own
// atomic-rewrite-by-rename never contend for the same fd.
type fileLock struct {
	file fsutil.File
}

// acquireLock opens (creating if necessary) path+".lock" and blocks, up to
// lockTimeout, until it can take an exclusive, non-blocking flock on it.
func acquireLock(fs fsutil.FS, path string) (*fileLock, error) {
	lockPath := path + ".lock"

	file, err := fs.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("statcache: open lock file %q: %w", lockPath, err)
	}

	deadline := time.Now().Add(lockTimeout)

	for {
		flockErr := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if flockErr == nil {
			return &fileLock{file: file}, nil
		}

		if time.Now().After(deadline) {
			file.Close()

			return nil, fmt.Errorf("%w: %q", errLockTimeout, lockPath)
		}

		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) release() {
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
}

func writeRecord(w io.Writer, r record) error {
	var buf [recordSize]byte

	binary.LittleEndian.PutUint64(buf[0:8], r.keyOffset)
	binary.LittleEndian.PutUint32(buf[8:12], r.keyLen)
	binary.LittleEndian.PutUint64(buf[12:20], r.valueOffset)
	binary.LittleEndian.PutUint32(buf[20:24], r.valueLen)

	_, err := w.Write(buf[:])

	return err
}
