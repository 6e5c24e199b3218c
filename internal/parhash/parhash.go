// Package parhash implements the parallel multi-digest pipeline: a single
// producer fills a shared ring buffer once, and one worker goroutine per
// enabled digest drains it at its own pace, each accumulating its own
// running hash over the exact byte stream the producer published.
//
// The ring buffer is not protected by a global lock. Producer-owned fields
// (pos, avail) are only ever touched by the caller goroutine; each worker
// owns a private local_pos and only ever touches its own slot's buf_fill
// under that slot's mutex. The mutex+condvar pair on each slot is the
// release/acquire barrier between producer writes and worker reads.
package parhash

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/odinmay/filehash/internal/digestset"
)

// BufferSize is B, the ring buffer length in bytes. Must stay a power of
// two: wraparound is implemented by masking, not modulo.
const BufferSize = 1 << 22 // 4 MiB

// MaxFillPerCall caps how many bytes the producer may admit in one
// wait_buffer/get_buffer/advance cycle, regardless of how much room is
// free. Without this cap a fast source can fill the whole buffer before any
// worker goroutine is scheduled, starving slower digests of CPU and
// defeating the point of running them in parallel.
const MaxFillPerCall = BufferSize / 4

// ErrStartFailed is returned by Start if a worker goroutine could not be
// launched. Go goroutines essentially never fail to start, but the contract
// is kept explicit because spec parity requires start() to be fallible.
var ErrStartFailed = errors.New("parhash: failed to start worker")

// Result is one enabled digest's final output, readable after Finish.
type Result struct {
	Name    string
	Sum     []byte
	CPUTime time.Duration
}

type slot struct {
	mu       sync.Mutex
	cond     *sync.Cond
	desc     digestset.Descriptor
	enabled  bool
	disabled bool // value came from cache; no worker is spawned
	started  bool
	buf_fill int
	eof      bool
	out      []byte
	cpuTime  time.Duration
	err      error
}

// Hasher owns the shared ring buffer and drives one worker per enabled
// digest from Start to Finish. A Hasher is used for exactly one byte
// stream; create a new one per file, per spec.md §9 ("worker lifecycle
// coupled to file lifecycle").
type Hasher struct {
	buf   []byte
	slots []*slot

	pos   int
	avail int

	wg sync.WaitGroup
}

// New creates a Hasher with one slot per descriptor in digests, all
// disabled until Enable is called. Descriptors order is preserved for
// Results().
func New(digests []digestset.Descriptor) *Hasher {
	h := &Hasher{
		buf:   make([]byte, BufferSize),
		slots: make([]*slot, len(digests)),
	}

	for i, d := range digests {
		s := &slot{desc: d, out: make([]byte, 0, d.Size)}
		s.cond = sync.NewCond(&s.mu)
		h.slots[i] = s
	}

	return h
}

// Enable marks slot i to be computed by Start. Disable marks it as already
// satisfied by an external source (e.g. the cache); Start will not spawn a
// worker for it and its Result will be whatever was set via SetCached.
func (h *Hasher) Enable(i int)  { h.slots[i].enabled = true }
func (h *Hasher) Disable(i int) { h.slots[i].enabled = false; h.slots[i].disabled = true }

// SetCached supplies a precomputed digest value for a disabled slot, so
// Results() reports it alongside freshly computed ones.
func (h *Hasher) SetCached(i int, sum []byte) {
	h.slots[i].disabled = true
	h.slots[i].out = append(h.slots[i].out[:0], sum...)
}

// Enabled reports whether slot i will be computed by Start.
func (h *Hasher) Enabled(i int) bool { return h.slots[i].enabled }

// AnyEnabled reports whether at least one slot is enabled.
func (h *Hasher) AnyEnabled() bool {
	for _, s := range h.slots {
		if s.enabled {
			return true
		}
	}

	return false
}

// Start resets producer and slot state and spawns one worker goroutine per
// enabled slot.
func (h *Hasher) Start() error {
	h.pos = 0
	h.avail = BufferSize

	for _, s := range h.slots {
		if !s.enabled {
			continue
		}

		s.buf_fill = 0
		s.eof = false
		s.started = true
		s.err = nil

		h.wg.Add(1)

		go h.runWorker(s)
	}

	return nil
}

func (h *Hasher) runWorker(s *slot) {
	defer h.wg.Done()

	start := time.Now()
	hasher := s.desc.New()
	localPos := 0

	for {
		s.mu.Lock()

		for s.buf_fill == 0 && !s.eof {
			s.cond.Wait()
		}

		if s.buf_fill == 0 && s.eof {
			s.mu.Unlock()

			break
		}

		chunk := s.buf_fill
		if room := BufferSize - localPos; chunk > room {
			chunk = room
		}

		s.mu.Unlock()

		hasher.Write(h.buf[localPos : localPos+chunk])
		localPos = (localPos + chunk) % BufferSize

		s.mu.Lock()
		s.buf_fill -= chunk
		s.cond.Signal()
		s.mu.Unlock()
	}

	s.out = hasher.Sum(s.out[:0])
	s.cpuTime = time.Since(start)
}

// WaitBuffer is the producer's back-pressure primitive. It blocks until at
// least min bytes are free in the ring buffer (accounting for the slowest
// enabled worker), then returns. If avail already satisfies min, it returns
// immediately without touching any slot lock.
func (h *Hasher) WaitBuffer(min int) {
	if h.avail >= min {
		return
	}

	maxFill := 0

	for _, s := range h.slots {
		if !s.enabled {
			continue
		}

		s.mu.Lock()
		for s.buf_fill > BufferSize-min {
			s.cond.Wait()
		}

		if s.buf_fill > maxFill {
			maxFill = s.buf_fill
		}

		s.mu.Unlock()
	}

	h.avail = BufferSize - maxFill
}

// GetBuffer returns up to min(avail, max) bytes of free ring-buffer space
// as one or two slices (two if the free window wraps past the end of the
// backing array). It does not mutate producer or slot state; call Advance
// once the returned region has been filled.
func (h *Hasher) GetBuffer(max int) (first, second []byte) {
	n := h.avail
	if max < n {
		n = max
	}

	if n == 0 {
		return nil, nil
	}

	end := h.pos + n
	if end <= BufferSize {
		return h.buf[h.pos:end], nil
	}

	return h.buf[h.pos:BufferSize], h.buf[0 : end-BufferSize]
}

// Advance records that n bytes have been written into the region returned
// by the most recent GetBuffer call, advances the producer cursor, and
// wakes every enabled worker so it can observe the newly published bytes.
func (h *Hasher) Advance(n int) {
	h.pos = (h.pos + n) % BufferSize
	h.avail -= n

	for _, s := range h.slots {
		if !s.enabled {
			continue
		}

		s.mu.Lock()
		s.buf_fill += n
		s.cond.Signal()
		s.mu.Unlock()
	}
}

// Buffer exposes the backing ring buffer array so a caller's byte source
// can fill GetBuffer's returned slices directly (the producer and the
// Hasher share the same memory; there is exactly one copy of each byte).
func (h *Hasher) Buffer() []byte { return h.buf }

// Finish signals EOF to every started slot and joins its worker. Safe to
// call when no slot was ever started.
func (h *Hasher) Finish() {
	for _, s := range h.slots {
		if !s.started {
			continue
		}

		s.mu.Lock()
		s.eof = true
		s.cond.Signal()
		s.mu.Unlock()
	}

	h.wg.Wait()
}

// MinRead and MaxRead bound each fill step of Drive: never request less
// than MinRead bytes of free space before reading, never read more than
// MaxRead bytes from the source in one call, and never exceed
// MaxFillPerCall regardless of either.
const (
	MinRead = 64 * 1024
	MaxRead = 1024 * 1024
)

// Drive reads all of src through the Hasher's ring buffer using the
// wait_buffer/get_buffer/fill/advance protocol, respecting the producer
// pacing cap. Start must have been called already; Drive does not call
// Finish, so the caller can still inspect in-flight state or drive more
// than one source into the same buffer window.
func Drive(h *Hasher, src io.Reader) error {
	maxPerCall := MaxRead
	if maxPerCall > MaxFillPerCall {
		maxPerCall = MaxFillPerCall
	}

	for {
		want := MinRead
		if want > MaxFillPerCall {
			want = MaxFillPerCall
		}

		h.WaitBuffer(want)

		first, second := h.GetBuffer(maxPerCall)
		if len(first)+len(second) == 0 {
			continue
		}

		n, err := readFill(src, first, second)
		if n > 0 {
			h.Advance(n)
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}

			return err
		}
	}
}

// readFill fills first then second (if first is exhausted) from src,
// returning the total bytes read. A short read of first alone is reported
// without touching second so the caller's buf_fill accounting stays exact.
func readFill(src io.Reader, first, second []byte) (int, error) {
	n, err := io.ReadFull(src, first)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, translateShortRead(err, n, len(first))
	}

	if n < len(first) {
		return n, nil
	}

	if len(second) == 0 {
		return n, nil
	}

	n2, err2 := io.ReadFull(src, second)

	return n + n2, translateShortRead(err2, n2, len(second))
}

func translateShortRead(err error, n, want int) error {
	if err == nil {
		return nil
	}

	if err == io.ErrUnexpectedEOF || err == io.EOF {
		if n == 0 {
			return io.EOF
		}

		return nil
	}

	return err
}

// Results returns one Result per enabled-or-disabled slot, in descriptor
// table order, valid after Finish (for computed slots) or SetCached (for
// cache-satisfied slots).
func (h *Hasher) Results() []Result {
	out := make([]Result, 0, len(h.slots))

	for _, s := range h.slots {
		if !s.enabled && !s.disabled {
			continue
		}

		out = append(out, Result{Name: s.desc.Name, Sum: s.out, CPUTime: s.cpuTime})
	}

	return out
}
