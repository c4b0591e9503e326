package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryFileSystem_CreateVisibleOnClose(t *testing.T) {
	m := NewMemoryFileSystem()
	w, err := m.Create("/out/a.tif")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got, _ := m.ReadFile("/out/a.tif"); len(got) != 0 {
		t.Errorf("data visible before Close: %q", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := m.ReadFile("/out/../out/a.tif")
	if err != nil || string(got) != "hello" {
		t.Errorf("ReadFile = %q, %v", got, err)
	}
}

func TestMemoryFileSystem_OpenAndStat(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/in/strip.png", []byte("abc"))

	f, err := m.Open("/in/strip.png")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "abc" {
		t.Errorf("read %q", data)
	}
	info, _ := f.Stat()
	if info.Name() != "strip.png" || info.Size() != 3 {
		t.Errorf("stat = %s/%d", info.Name(), info.Size())
	}

	if _, err := m.Open("/in/missing.png"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open missing: %v", err)
	}
}

func TestMemoryFileSystem_ReadDirSorted(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/in/b.tif", nil)
	m.WriteFile("/in/a.tif", nil)
	m.WriteFile("/in/sub/c.tif", nil)

	names, err := m.ReadDir("/in")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(names) != 2 || names[0] != "a.tif" || names[1] != "b.tif" {
		t.Errorf("ReadDir = %v", names)
	}

	if _, err := m.ReadDir("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadDir missing: %v", err)
	}
	if err := m.MkdirAll("/empty/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if names, err := m.ReadDir("/empty/dir"); err != nil || len(names) != 0 {
		t.Errorf("ReadDir empty = %v, %v", names, err)
	}
}

func TestMemoryFileSystem_Exists(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/a/b/c.txt", []byte("x"))
	_ = m.MkdirAll("/d/e", 0o755)

	for name, want := range map[string]bool{
		"/a/b/c.txt": true,
		"/a/b":       true,
		"/a":         true,
		"/d":         true,
		"/d/e":       true,
		"/a/x":       false,
	} {
		if got := m.Exists(name); got != want {
			t.Errorf("Exists(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMemoryFileSystem_ReadFileIsolation(t *testing.T) {
	m := NewMemoryFileSystem()
	src := []byte("abc")
	m.WriteFile("/f", src)
	src[0] = 'z'

	got, _ := m.ReadFile("/f")
	got[1] = 'z'
	again, _ := m.ReadFile("/f")
	if string(again) != "abc" {
		t.Errorf("stored data mutated: %q", again)
	}
}

func TestOSFileSystem_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	var fsys OSFileSystem

	sub := filepath.Join(dir, "out", "run")
	if err := fsys.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := fsys.Create(filepath.Join(sub, "b.tif"))
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte("data"))
	_ = w.Close()
	if err := os.WriteFile(filepath.Join(sub, "a.tif"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(sub, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := fsys.ReadDir(sub)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a.tif" || names[1] != "b.tif" {
		t.Errorf("ReadDir = %v", names)
	}
	data, err := fsys.ReadFile(filepath.Join(sub, "b.tif"))
	if err != nil || string(data) != "data" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
	if !fsys.Exists(sub) || fsys.Exists(filepath.Join(sub, "zz")) {
		t.Error("Exists mismatch")
	}
}
