package tarstream_test

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odinmay/filehash/internal/tarstream"
)

// buildArchive writes a ustar archive using the standard library tar writer
// (format forced to GNU, which emits the GNU long-name 'L' record for any
// name the base header's 100-byte field can't hold) so these tests exercise
// tarstream.Reader against byte-identical archives to what real tar
// producers emit.
func buildArchive(t *testing.T, entries []func(w *tar.Writer)) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := tar.NewWriter(&buf)
	for _, entry := range entries {
		entry(w)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

func writeRegular(t *testing.T, name string, mode int64, contents string) func(w *tar.Writer) {
	return func(w *tar.Writer) {
		t.Helper()

		hdr := &tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     int64(len(contents)),
			Format:   tar.FormatGNU,
		}

		require.NoError(t, w.WriteHeader(hdr))
		_, err := w.Write([]byte(contents))
		require.NoError(t, err)
	}
}

func writeSymlink(t *testing.T, name, target string) func(w *tar.Writer) {
	return func(w *tar.Writer) {
		t.Helper()

		hdr := &tar.Header{
			Name:     name,
			Typeflag: tar.TypeSymlink,
			Linkname: target,
			Format:   tar.FormatGNU,
		}

		require.NoError(t, w.WriteHeader(hdr))
	}
}

func Test_TarRoundTrip_Regular_Symlink_LongName(t *testing.T) {
	t.Parallel()

	longName := strings.Repeat("a", 195) + ".txt" // 199 bytes, forces an 'L' record
	require.Greater(t, len(longName), 100)

	archive := buildArchive(t, []func(w *tar.Writer){
		writeRegular(t, "short.txt", 0o644, "hello\n"),
		writeSymlink(t, "link", "short.txt"),
		writeRegular(t, longName, 0o644, "long"),
	})

	r := tarstream.New(bytes.NewReader(archive))

	m1, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "short.txt", m1.Name)
	require.Equal(t, tarstream.TypeRegular, m1.Type)
	require.EqualValues(t, 0o644, m1.Mode)

	content := readAll(t, r, m1.Size)
	require.Equal(t, "hello\n", string(content))

	sum := sha256.Sum256(content)
	require.Equal(t, "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03", hex.EncodeToString(sum[:]))

	m2, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "link", m2.Name)
	require.Equal(t, tarstream.TypeSymlink, m2.Type)
	require.Equal(t, "short.txt", m2.Target)

	m3, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, longName, m3.Name)
	require.Equal(t, tarstream.TypeRegular, m3.Type)

	longContent := readAll(t, r, m3.Size)
	require.Equal(t, "long", string(longContent))

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func readAll(t *testing.T, r *tarstream.Reader, size int64) []byte {
	t.Helper()

	out := make([]byte, 0, size)
	buf := make([]byte, 4096)

	for int64(len(out)) < size {
		n, err := r.Read(buf)
		require.NoError(t, err)

		if n == 0 {
			break
		}

		out = append(out, buf[:n]...)
	}

	return out
}

func Test_TarReader_HardLink_Is_Unsupported(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, []func(w *tar.Writer){
		func(w *tar.Writer) {
			hdr := &tar.Header{
				Name:     "hard",
				Typeflag: tar.TypeLink,
				Linkname: "short.txt",
				Format:   tar.FormatGNU,
			}
			require.NoError(t, w.WriteHeader(hdr))
		},
	})

	r := tarstream.New(bytes.NewReader(archive))

	_, err := r.Next()
	require.ErrorIs(t, err, tarstream.ErrHardLinkUnsupported)
}

func Test_TarReader_Directory_TrailingSlash_Stripped(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, []func(w *tar.Writer){
		func(w *tar.Writer) {
			hdr := &tar.Header{
				Name:     "sub/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				Format:   tar.FormatGNU,
			}
			require.NoError(t, w.WriteHeader(hdr))
		},
	})

	r := tarstream.New(bytes.NewReader(archive))

	m, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "sub", m.Name)
	require.Equal(t, tarstream.TypeDirectory, m.Type)
}

func Test_TarReader_EOF_On_Empty_Archive(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, nil)

	r := tarstream.New(bytes.NewReader(archive))

	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func Test_TarReader_Truncated_Archive_Is_Error(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, []func(w *tar.Writer){
		writeRegular(t, "short.txt", 0o644, "hello\n"),
	})

	truncated := archive[:512+3] // header plus 3 of the 6 payload bytes

	r := tarstream.New(bytes.NewReader(truncated))

	m, err := r.Next()
	require.NoError(t, err)

	_, err = r.Read(make([]byte, m.Size))
	require.Error(t, err)
	require.ErrorIs(t, err, tarstream.ErrTruncated)
}
