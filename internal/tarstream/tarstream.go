// Package tarstream implements a POSIX ustar archive reader with the GNU
// long-name ('L') and long-link ('K') extensions, streaming one member at a
// time from an underlying io.Reader without buffering the whole archive.
package tarstream

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

const blockSize = 512

// Type is a tar member's type tag, translated from the raw typeflag byte
// into the small closed set filehash's result model understands.
type Type byte

const (
	TypeRegular   Type = 'F'
	TypeSymlink   Type = 'L'
	TypeCharDev   Type = 'c'
	TypeBlockDev  Type = 'b'
	TypeDirectory Type = 'D'
	TypeFIFO      Type = 'p'
)

// Sentinel errors for the fatal conditions a caller may want to match with
// errors.Is. All are wrapped with positional context before being returned
// from Next/Read.
var (
	ErrHardLinkUnsupported = errors.New("tarstream: hard links are not supported")
	ErrUnknownTypeflag     = errors.New("tarstream: unknown typeflag")
	ErrBadMagic            = errors.New("tarstream: bad ustar magic")
	ErrLongNameTooLarge    = errors.New("tarstream: long-name record size >= 65536")
	ErrStrangeZeroBlock    = errors.New("tarstream: single zero block followed by a header")
	ErrTruncated           = errors.New("tarstream: truncated record")
)

const maxLongNameSize = 65536

// Member describes the tar entry most recently returned by Next. Its
// contents are overwritten in place by the next call to Next; callers that
// need to retain a field past that call must copy it.
type Member struct {
	Name   string
	Target string // only meaningful when Type == TypeSymlink
	Type   Type
	Size   int64
	Mode   uint32
	Mtime  int64

	toread int64 // payload bytes not yet consumed, regular files only
}

// Reader streams ustar members out of r.
type Reader struct {
	r      io.Reader
	offset int64

	cur Member

	pendingName string
	pendingLink string

	// padN is the number of zero-fill bytes remaining after the current
	// member's payload that must be consumed before the next header read.
	padN int64
}

// New creates a Reader over r. r is consumed starting at its current
// position; offsets reported in errors are relative to that position.
func New(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next advances to the next member. It returns io.EOF once two consecutive
// zero blocks have been consumed (normal end of archive).
func (t *Reader) Next() (*Member, error) {
	if err := t.skipRemainingPayload(); err != nil {
		return nil, err
	}

	t.pendingName = ""
	t.pendingLink = ""

	for {
		hdr, zero, err := t.readHeaderBlock()
		if err != nil {
			return nil, err
		}

		if zero {
			_, zero2, err := t.readHeaderBlock()
			if err != nil {
				return nil, err
			}

			if zero2 {
				return nil, io.EOF
			}

			return nil, t.wrapOffset(t.offset-blockSize, ErrStrangeZeroBlock)
		}

		typeflag := hdr[0x09c]

		if typeflag == 'L' || typeflag == 'K' {
			if string(hdr[0x000:0x000+len(longLinkMagic)]) != longLinkMagic {
				return nil, t.wrapOffset(t.offset-blockSize, fmt.Errorf("long-name record missing %q magic path", longLinkMagic))
			}

			size, err := parseOctal(hdr[0x07c : 0x07c+12])
			if err != nil {
				return nil, t.wrapOffset(t.offset-blockSize, err)
			}

			if size >= maxLongNameSize {
				return nil, t.wrapOffset(t.offset-blockSize, ErrLongNameTooLarge)
			}

			name, err := t.readLongPayload(size)
			if err != nil {
				return nil, err
			}

			if typeflag == 'L' {
				t.pendingName = name
			} else {
				t.pendingLink = name
			}

			continue
		}

		return t.decodeHeader(hdr)
	}
}

const longLinkMagic = "././@LongLink"

// readHeaderBlock reads exactly one 512-byte record. zero is true if every
// byte is 0x00.
func (t *Reader) readHeaderBlock() (block []byte, zero bool, err error) {
	buf := make([]byte, blockSize)

	n, err := io.ReadFull(t.r, buf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, false, io.EOF
		}

		return nil, false, t.wrapOffset(t.offset, fmt.Errorf("%w: %v", ErrTruncated, err))
	}

	t.offset += blockSize

	allZero := true

	for _, b := range buf {
		if b != 0 {
			allZero = false

			break
		}
	}

	return buf, allZero, nil
}

func (t *Reader) readLongPayload(size int64) (string, error) {
	padded := (size + (blockSize - 1)) &^ (blockSize - 1)

	buf := make([]byte, padded)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return "", t.wrapOffset(t.offset, fmt.Errorf("%w: long-name payload: %v", ErrTruncated, err))
	}

	t.offset += padded

	name := string(buf[:size])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return name, nil
}

func (t *Reader) decodeHeader(hdr []byte) (*Member, error) {
	path := strings.TrimRight(string(hdr[0x000:0x000+100]), "\x00")
	mode, err := parseOctal(hdr[0x064 : 0x064+8])
	if err != nil {
		return nil, t.wrapOffset(t.offset-blockSize, fmt.Errorf("mode: %w", err))
	}

	size, err := parseOctal(hdr[0x07c : 0x07c+12])
	if err != nil {
		return nil, t.wrapOffset(t.offset-blockSize, fmt.Errorf("size: %w", err))
	}

	mtime, err := parseOctal(hdr[0x088 : 0x088+12])
	if err != nil {
		return nil, t.wrapOffset(t.offset-blockSize, fmt.Errorf("mtime: %w", err))
	}

	typeflag := hdr[0x09c]
	linkname := strings.TrimRight(string(hdr[0x09d:0x09d+100]), "\x00")

	magic := string(hdr[0x101 : 0x101+8])
	if magic != "ustar  \x00" && magic != "ustar\x0000" {
		return nil, t.wrapOffset(t.offset-blockSize, fmt.Errorf("%w: %q", ErrBadMagic, magic))
	}

	if t.pendingName != "" {
		path = t.pendingName
	}

	if t.pendingLink != "" {
		linkname = t.pendingLink
	}

	path = strings.TrimRight(path, "/")

	var typ Type

	switch typeflag {
	case 0, '0', '7':
		typ = TypeRegular
	case '2':
		typ = TypeSymlink
	case '3':
		typ = TypeCharDev
	case '4':
		typ = TypeBlockDev
	case '5':
		typ = TypeDirectory
	case '6':
		typ = TypeFIFO
	case '1':
		return nil, t.wrapOffset(t.offset-blockSize, ErrHardLinkUnsupported)
	default:
		return nil, t.wrapOffset(t.offset-blockSize, fmt.Errorf("%w: %#x", ErrUnknownTypeflag, typeflag))
	}

	toread := int64(0)
	if typ == TypeRegular {
		toread = size
		t.padN = (blockSize - (size % blockSize)) % blockSize
	} else {
		t.padN = 0
	}

	t.cur = Member{
		Name:   path,
		Target: linkname,
		Type:   typ,
		Size:   size,
		Mode:   uint32(mode),
		Mtime:  mtime,
		toread: toread,
	}

	return &t.cur, nil
}

// Read consumes up to len(p) bytes of the current member's payload. It
// returns (0, nil) once the payload (and any trailing padding) has been
// fully consumed; it is an error to call Read after a non-regular member
// or after the payload is exhausted without calling Next again.
func (t *Reader) Read(p []byte) (int, error) {
	if t.cur.toread == 0 {
		return 0, nil
	}

	want := int64(len(p))
	if want > t.cur.toread {
		want = t.cur.toread
	}

	n, err := io.ReadFull(t.r, p[:want])
	if err != nil {
		return n, t.wrapOffset(t.offset, fmt.Errorf("%w: member payload: %v", ErrTruncated, err))
	}

	t.offset += int64(n)
	t.cur.toread -= int64(n)

	if t.cur.toread == 0 {
		if err := t.consumePadding(); err != nil {
			return n, err
		}
	}

	return n, nil
}

func (t *Reader) skipRemainingPayload() error {
	for t.cur.toread > 0 {
		discard := make([]byte, blockSize)

		n := int64(len(discard))
		if n > t.cur.toread {
			n = t.cur.toread
		}

		if _, err := io.ReadFull(t.r, discard[:n]); err != nil {
			return t.wrapOffset(t.offset, fmt.Errorf("%w: skipping payload: %v", ErrTruncated, err))
		}

		t.offset += n
		t.cur.toread -= n
	}

	return t.consumePadding()
}

func (t *Reader) consumePadding() error {
	if t.padN == 0 {
		return nil
	}

	buf := make([]byte, t.padN)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return t.wrapOffset(t.offset, fmt.Errorf("%w: padding: %v", ErrTruncated, err))
	}

	t.offset += t.padN
	t.padN = 0

	return nil
}

func parseOctal(field []byte) (int64, error) {
	var v int64

	for _, c := range field {
		if c == ' ' {
			continue
		}

		if c == 0 {
			break
		}

		if c < '0' || c > '7' {
			return 0, fmt.Errorf("invalid octal byte %#x", c)
		}

		v = (v << 3) | int64(c-'0')
	}

	return v, nil
}

func (t *Reader) wrapOffset(offset int64, err error) error {
	return xerrors.Errorf("tar header at %#x: %w", offset, err)
}
