package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/staging"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Site.ContentRoot = filepath.Join(dir, "content")
	cfg.Site.AssetsRoot = filepath.Join(dir, "assets")
	cfg.SQLite.Path = filepath.Join(dir, "folio.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func stageSession(t *testing.T, cfg *Config, id string, routes ...string) {
	t.Helper()
	st := staging.New(cfg.Site.ContentRoot, cfg.Site.AssetsRoot)
	m := models.NewManifest(id, time.Now().UTC())
	for _, r := range routes {
		rel := strings.TrimPrefix(r, "/") + ".html"
		if err := st.WritePage(id, rel, []byte("<p>"+r+"</p>")); err != nil {
			t.Fatal(err)
		}
		m.Pages = append(m.Pages, models.Page{ID: r, Title: r, Route: r, RelativePath: rel, SourceHash: r, Assets: []string{}})
	}
	if err := st.WriteManifest(id, m); err != nil {
		t.Fatal(err)
	}
}

func TestReadRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.txt")
	content := "# vault routes\n/\n\n/notes/a\n  /notes/b  \n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := readRoutes(path)
	if err != nil {
		t.Fatalf("readRoutes: %v", err)
	}
	want := []string{"/", "/notes/a", "/notes/b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("routes = %v, want %v", got, want)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	_ = os.WriteFile(empty, nil, 0o644)
	got, err = readRoutes(empty)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("empty file = %v, %v; want non-nil empty list", got, err)
	}
}

func TestPromoteCommand(t *testing.T) {
	cfg := testConfig(t)
	stageSession(t, cfg, "first", "/a", "/b")

	var out bytes.Buffer
	if err := Promote(context.Background(), PromoteRequest{SessionID: "first"}, WithConfig(cfg), WithOutput(&out)); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	var j jobs.Job
	if err := json.Unmarshal(out.Bytes(), &j); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if j.Status != jobs.StatusSucceeded || j.Summary == nil || j.Summary.Pages != 2 {
		t.Errorf("job = %+v", j)
	}

	// Second run deletes /b through the routes file.
	stageSession(t, cfg, "second", "/a")
	routes := filepath.Join(t.TempDir(), "routes.txt")
	_ = os.WriteFile(routes, []byte("/a\n"), 0o644)
	out.Reset()
	sig := &models.PipelineSignature{Version: "2", RenderSettingsHash: "h"}
	req := PromoteRequest{SessionID: "second", RoutesFile: routes, Signature: sig}
	if err := Promote(context.Background(), req, WithConfig(cfg), WithOutput(&out)); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Site.ContentRoot, "b.html")); !os.IsNotExist(err) {
		t.Errorf("b.html should be deleted, stat err = %v", err)
	}

	db, err := jobs.Open(cfg.SQLite.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	list, err := db.List("", 10)
	if err != nil || len(list) != 2 {
		t.Errorf("ledger = %d jobs, %v", len(list), err)
	}
}

func TestPromoteCommand_FailureReturnsError(t *testing.T) {
	cfg := testConfig(t)
	stageSession(t, cfg, "s1", "/a")
	if err := os.MkdirAll(cfg.Site.ContentRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Site.ContentRoot, models.FileName), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := Promote(context.Background(), PromoteRequest{SessionID: "s1"}, WithConfig(cfg), WithOutput(&out))
	if err == nil {
		t.Fatal("expected error for corrupt production manifest")
	}
	if !strings.Contains(out.String(), `"status": "failed"`) {
		t.Errorf("output = %s", out.String())
	}
}

func TestDiscardCommand(t *testing.T) {
	cfg := testConfig(t)
	stageSession(t, cfg, "s1", "/a")
	if err := Discard(context.Background(), "s1", WithConfig(cfg)); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if staging.New(cfg.Site.ContentRoot, cfg.Site.AssetsRoot).Exists("s1") {
		t.Error("staging still exists")
	}
}

func TestRebuildIndexCommand(t *testing.T) {
	cfg := testConfig(t)
	stageSession(t, cfg, "s1", "/notes/a")
	if err := Promote(context.Background(), PromoteRequest{SessionID: "s1"}, WithConfig(cfg), WithOutput(&bytes.Buffer{})); err != nil {
		t.Fatal(err)
	}
	index := filepath.Join(cfg.Site.ContentRoot, "notes", "index.html")
	if err := os.Remove(index); err != nil {
		t.Fatalf("index should exist after promotion: %v", err)
	}
	if err := RebuildIndex(context.Background(), WithConfig(cfg)); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if _, err := os.Stat(index); err != nil {
		t.Errorf("index not rebuilt: %v", err)
	}
}

func TestCommandsRequireConfig(t *testing.T) {
	if err := RebuildIndex(context.Background()); err == nil {
		t.Error("expected config error")
	}
}
