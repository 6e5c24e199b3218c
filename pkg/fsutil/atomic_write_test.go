package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odinmay/filehash/pkg/fsutil"
)

const testContentHello = "hello\n"

func TestAtomicWriteFile_ReplacesExistingFileAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	if err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("dir has %d entries after write, want 1 (no leftover temp file)", len(entries))
	}
}

func TestAtomicWriteFile_SetsRequestedPermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(path, strings.NewReader(testContentHello), fs.AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o600,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v, want 0600", info.Mode().Perm())
	}
}
