package storage

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func tempTree(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempTree(t)
	content := []byte("<h1>Hello</h1>")
	if err := s.Write("page.html", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("page.html")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempTree(t)
	if err := s.Write("a/b/c.html", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.html")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempTree(t)
	_ = s.Write("del.html", []byte("bye"))
	if err := s.Delete("del.html"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.html"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestMove(t *testing.T) {
	s := tempTree(t)
	_ = s.Write("old.html", []byte("data"))
	if err := s.Move("old.html", "sub/new.html"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read("sub/new.html")
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := s.Read("old.html"); err == nil {
		t.Error("old path should not exist")
	}
}

func TestFiles(t *testing.T) {
	s := tempTree(t)
	_ = s.Write("a.html", []byte("a"))
	_ = s.Write("sub/b.png", []byte("b"))
	_ = s.Write("sub/deeper/c.txt", []byte("c"))

	items, err := s.Files("")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	sort.Strings(items)
	want := []string{"a.html", "sub/b.png", "sub/deeper/c.txt"}
	if len(items) != len(want) {
		t.Fatalf("items = %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("items[%d] = %q, want %q", i, items[i], want[i])
		}
	}

	sub, err := s.Files("sub")
	if err != nil {
		t.Fatalf("Files(sub): %v", err)
	}
	if len(sub) != 2 {
		t.Errorf("sub items = %v", sub)
	}
}

func TestFilesMissingDir(t *testing.T) {
	s := tempTree(t)
	items, err := s.Files("nope")
	if err != nil {
		t.Fatalf("Files on missing dir: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %v, want empty", items)
	}
}

func TestCopyFrom(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := tempTree(t)
	if err := s.CopyFrom(src, "x/y/dst.bin"); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	got, _ := s.Read("x/y/dst.bin")
	if string(got) != "payload" {
		t.Errorf("copied content = %q", got)
	}
}

func TestClearKeepsNamedEntries(t *testing.T) {
	s := tempTree(t)
	_ = s.Write(".staging/sess/a.html", []byte("staged"))
	_ = s.Write("guide/start.html", []byte("prod"))
	_ = s.Write("_manifest.json", []byte("{}"))

	if err := s.Clear(".staging"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Read(".staging/sess/a.html"); err != nil {
		t.Errorf("staging should survive clear: %v", err)
	}
	items, _ := s.Files("")
	if len(items) != 1 {
		t.Errorf("after clear files = %v, want only staging file", items)
	}
}

func TestRemoveAll(t *testing.T) {
	s := tempTree(t)
	_ = s.Write("dir/a.html", []byte("a"))
	if err := s.RemoveAll("dir"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if err := s.RemoveAll("dir"); err != nil {
		t.Errorf("RemoveAll on missing path: %v", err)
	}
	if err := s.RemoveAll(""); err == nil {
		t.Error("RemoveAll on root should fail")
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempTree(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.html",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteNoLeftovers(t *testing.T) {
	s := tempTree(t)
	_ = s.Write("atomic.html", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("atomic.html", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.html")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.root, tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestMkdirFS_Creates(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	s, err := MkdirFS(root)
	if err != nil {
		t.Fatalf("MkdirFS: %v", err)
	}
	if info, err := os.Stat(s.Root()); err != nil || !info.IsDir() {
		t.Errorf("root not created: %v", err)
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "folio-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
