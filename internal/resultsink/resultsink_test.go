package resultsink_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odinmay/filehash/internal/resultsink"
)

func Test_WriteFlatLine_Format(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, resultsink.WriteFlatLine(&buf, "sha256", "abcd", "/tmp/x"))
	require.Equal(t, "sha256:abcd  /tmp/x\n", buf.String())
}

func Test_ScriptIndex_ZeroPadded9Digits(t *testing.T) {
	t.Parallel()

	require.Equal(t, "000000000", resultsink.ScriptIndex(0))
	require.Equal(t, "000000042", resultsink.ScriptIndex(42))
}

func Test_WriteStructured_SingleDirectory_NoHash(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	entries := []resultsink.Entry{
		{Path: "/", Type: 'D', Mtime: 1700000000, Mode: 0o755},
	}

	require.NoError(t, resultsink.WriteStructured(&buf, entries))

	want := "{\n" +
		`   "files": [` + "\n" +
		`      {` + "\n" +
		`         "path": "/",` + "\n" +
		`         "type": "D",` + "\n" +
		`         "mtime": 1700000000,` + "\n" +
		`         "mode": "0755",` + "\n" +
		`         "hash": {}` + "\n" +
		`      }` + "\n" +
		`   ]` + "\n" +
		`}` + "\n"

	require.Equal(t, want, buf.String())
}

func Test_WriteStructured_Scenario_Directory_And_File(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	entries := []resultsink.Entry{
		{Path: "/", Type: 'D', Mtime: 1700000000, Mode: 0o755},
		{
			Path: "/f", Type: 'F', HasSize: true, Size: 1,
			Mtime: 1700000000, Mode: 0o644,
			Hash: []resultsink.HashValue{{Name: "md5", Hex: "9dd4e461268c8034f5c8564e155c67a6"}},
		},
	}

	require.NoError(t, resultsink.WriteStructured(&buf, entries))

	out := buf.String()

	require.Contains(t, out, `"path": "/f"`)
	require.Contains(t, out, `"size": 1`)
	require.Contains(t, out, `"mtime": 1700000000`)
	require.Contains(t, out, `"mode": "0644"`)
	require.Contains(t, out, `"md5": "9dd4e461268c8034f5c8564e155c67a6"`)

	// Exactly two entries in the files array.
	require.Equal(t, 2, strings_CountOccurrences(out, `"path":`))
}

func strings_CountOccurrences(s, substr string) int {
	count := 0

	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}

	return count
}

func Test_WriteStructured_Symlink_Has_Target(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	entries := []resultsink.Entry{
		{Path: "/link", Type: 'L', HasTarget: true, Target: "/real", Mtime: 1, Mode: 0o777},
	}

	require.NoError(t, resultsink.WriteStructured(&buf, entries))

	require.Contains(t, buf.String(), `"target": "/real"`)
}

func Test_EscapeString_Escapes_Control_Characters(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"a\"b\\c\nd\te"`, resultsink.EscapeString("a\"b\\c\nd\te"))
	require.Equal(t, `""`, resultsink.EscapeString("\x01"))
}
