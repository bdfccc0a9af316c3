package assets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/starford/folio/internal/storage"
)

func tempTree(t *testing.T) *storage.FS {
	t.Helper()
	tree, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return tree
}

func writeFiles(t *testing.T, tree storage.Provider, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		if err := tree.Write(rel, []byte(content)); err != nil {
			t.Fatalf("Write %s: %v", rel, err)
		}
	}
}

func listFiles(t *testing.T, tree storage.Provider) []string {
	t.Helper()
	files, err := tree.Files("")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	sort.Strings(files)
	return files
}

// failingDeletes wraps a Provider and fails Delete for the listed paths.
type failingDeletes struct {
	storage.Provider
	fail map[string]bool
}

func (f failingDeletes) Delete(rel string) error {
	if f.fail[rel] {
		return errors.New("permission denied")
	}
	return f.Provider.Delete(rel)
}

func TestReconcile_NewReusedObsolete(t *testing.T) {
	prod := tempTree(t)
	staged := tempTree(t)
	writeFiles(t, prod, map[string]string{"a.png": "A", "b.jpg": "B", "c.gif": "C"})
	writeFiles(t, staged, map[string]string{"d.webp": "D"})

	r := NewReconciler(prod, []string{".staging"}, nil)
	plan, err := r.Plan(staged, []string{"a.png", "d.webp"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	res, err := r.Apply(context.Background(), staged, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Err() != nil {
		t.Fatalf("unexpected failures: %v", res.Err())
	}

	if got, want := listFiles(t, prod), []string{"a.png", "d.webp"}; !reflect.DeepEqual(got, want) {
		t.Errorf("production = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(res.Succeeded, []string{"b.jpg", "c.gif"}) {
		t.Errorf("deleted = %v", res.Succeeded)
	}
}

func TestReconcile_CopyPreservesStructure(t *testing.T) {
	prod := tempTree(t)
	staged := tempTree(t)
	writeFiles(t, staged, map[string]string{"img/deep/x.png": "X"})

	r := NewReconciler(prod, nil, nil)
	plan, err := r.Plan(staged, []string{"img/deep/x.png"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, err := r.Apply(context.Background(), staged, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err := prod.Read("img/deep/x.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "X" {
		t.Errorf("content = %q", got)
	}
}

func TestReconcile_SkipsStagingSubtree(t *testing.T) {
	prod := tempTree(t)
	staged := tempTree(t)
	writeFiles(t, prod, map[string]string{".staging/other/pending.png": "P"})

	r := NewReconciler(prod, []string{".staging"}, nil)
	plan, err := r.Plan(staged, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, err := r.Apply(context.Background(), staged, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(prod.Root(), ".staging", "other", "pending.png")); err != nil {
		t.Errorf("another session's staged asset was touched: %v", err)
	}
}

func TestReconcile_DeleteFailuresAreBestEffort(t *testing.T) {
	base := tempTree(t)
	staged := tempTree(t)
	writeFiles(t, base, map[string]string{"a.png": "A", "b.png": "B", "c.png": "C"})
	prod := failingDeletes{Provider: base, fail: map[string]bool{"b.png": true}}

	r := NewReconciler(prod, nil, nil)
	plan, err := r.Plan(staged, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	res, err := r.Apply(context.Background(), staged, plan)
	if err != nil {
		t.Fatalf("Apply should not fail on delete errors: %v", err)
	}
	if !reflect.DeepEqual(res.Succeeded, []string{"a.png", "c.png"}) {
		t.Errorf("succeeded = %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0].Path != "b.png" {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if res.Err() == nil {
		t.Error("Err() = nil, want aggregate")
	}
	if got := listFiles(t, base); !reflect.DeepEqual(got, []string{"b.png"}) {
		t.Errorf("production = %v", got)
	}
}

func TestBatchResult_ErrNilWhenClean(t *testing.T) {
	var b BatchResult
	if err := b.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}
