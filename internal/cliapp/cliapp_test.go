package cliapp_test

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odinmay/filehash/internal/cliapp"
)

func runCLI(t *testing.T, in *bytes.Buffer, args []string) (stdout, stderr string, code int) {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	xdg := t.TempDir()

	var out, errOut bytes.Buffer

	sigCh := make(chan os.Signal)

	fullArgs := append([]string{"filehash"}, args...)

	code = cliapp.Run(in, &out, &errOut, fullArgs, []string{"XDG_CONFIG_HOME=" + xdg}, sigCh)

	return out.String(), errOut.String(), code
}

func Test_Run_Help_PrintsUsageAndExitsZero(t *testing.T) {
stdout, _, code := runCLI(t, nil, []string{"-h"})
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Usage: filehash")
}

func Test_Run_Version_PrintsVersionAndExitsZero(t *testing.T) {
stdout, _, code := runCLI(t, nil, []string{"--version"})
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "filehash")
}

func Test_Run_NoArgsNoTarMode_IsUsageError(t *testing.T) {
_, stderr, code := runCLI(t, nil, []string{})
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage: filehash")
}

func Test_Run_FlatMode_SingleFile_ComputesAllDigests(t *testing.T) {
dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	stdout, stderr, code := runCLI(t, nil, []string{"-C", path})
	require.Equal(t, 0, code, "stderr: %s", stderr)

	require.Contains(t, stdout, "md5:9dd4e461268c8034f5c8564e155c67a6  "+path)
	require.Equal(t, 5, strings.Count(stdout, path))
}

func Test_Run_FlatMode_ScriptIndex_UsesZeroPaddedIndex(t *testing.T) {
dir := t.TempDir()
	pathA := filepath.Join(dir, "a")
	pathB := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(pathA, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte("y"), 0o644))

	stdout, stderr, code := runCLI(t, nil, []string{"-C", "-s", pathA, pathB})
	require.Equal(t, 0, code, "stderr: %s", stderr)

	require.Contains(t, stdout, "  000000000\n")
	require.Contains(t, stdout, "  000000001\n")
}

func Test_Run_FlatMode_MissingFile_ExitsOneAndReportsError(t *testing.T) {
_, stderr, code := runCLI(t, nil, []string{"-C", "/no/such/file"})
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "error:")
}

func Test_Run_RecursiveMode_EmitsStructuredDocument(t *testing.T) {
dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))

	stdout, stderr, code := runCLI(t, nil, []string{"-C", "-r", dir})
	require.Equal(t, 0, code, "stderr: %s", stderr)

	require.Contains(t, stdout, `"files": [`)
	require.Contains(t, stdout, `"md5": "9dd4e461268c8034f5c8564e155c67a6"`)
}

func Test_Run_RecursiveMode_RequiresExactlyOnePath(t *testing.T) {
_, stderr, code := runCLI(t, nil, []string{"-r", "a", "b"})
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "exactly one path")
}

func Test_Run_TarMode_StreamsStdinArchive(t *testing.T) {
var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "x", Size: 1, Mode: 0o644, Format: tar.FormatGNU}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	stdout, stderr, code := runCLI(t, &buf, []string{"-C", "-t"})
	require.Equal(t, 0, code, "stderr: %s", stderr)
	require.Contains(t, stdout, `"md5": "9dd4e461268c8034f5c8564e155c67a6"`)
}

func Test_Run_TarMode_RejectsPathArguments(t *testing.T) {
_, stderr, code := runCLI(t, &bytes.Buffer{}, []string{"-t", "somepath"})
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "no path arguments")
}
