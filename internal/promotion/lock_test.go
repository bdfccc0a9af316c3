package promotion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockRegistry_SerializesSamePair(t *testing.T) {
	reg := NewLockRegistry()
	dir := t.TempDir()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := reg.Acquire(context.Background(), dir+"/content", dir+"/assets")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
}

func TestLockRegistry_NormalizesPaths(t *testing.T) {
	reg := NewLockRegistry()
	dir := t.TempDir()

	release, err := reg.Acquire(context.Background(), filepath.Join(dir, "content"), filepath.Join(dir, "assets"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, ok, err := reg.tryAcquire(filepath.Join(dir, "x", "..", "content"), filepath.Join(dir, "assets")+"/")
	if err != nil {
		t.Fatalf("tryAcquire: %v", err)
	}
	if ok {
		t.Error("equivalent paths must share a lock")
	}
}

func TestLockRegistry_IndependentSites(t *testing.T) {
	reg := NewLockRegistry()
	dir := t.TempDir()

	release, err := reg.Acquire(context.Background(), dir+"/a/content", dir+"/a/assets")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	other, ok, err := reg.tryAcquire(dir+"/b/content", dir+"/b/assets")
	if err != nil || !ok {
		t.Fatalf("other site blocked (ok=%v err=%v)", ok, err)
	}
	other()
}

func TestLockRegistry_ContextCancel(t *testing.T) {
	reg := NewLockRegistry()
	dir := t.TempDir()

	release, err := reg.Acquire(context.Background(), dir, dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reg.Acquire(ctx, dir, dir); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	release()
	release() // idempotent
	again, err := reg.Acquire(context.Background(), dir, dir)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again()
}

// Concurrent promotions of distinct sessions must leave production equal to
// exactly one session's complete output.
func TestPromote_ConcurrentSessionsDoNotMix(t *testing.T) {
	s := newSite(t)
	const sessions = 4
	const pagesPer = 5

	for i := 0; i < sessions; i++ {
		var pages []stagedPage
		for j := 0; j < pagesPer; j++ {
			route := fmt.Sprintf("/s%d/p%d", i, j)
			pages = append(pages, stagedPage{pageFor(fmt.Sprintf("s%d/p%d.md", i, j), route, "h"), route})
		}
		files := map[string]string{fmt.Sprintf("s%d.png", i): "img"}
		for j := range pages {
			pages[j].page.Assets = []string{fmt.Sprintf("s%d.png", i)}
		}
		s.stage(t, fmt.Sprintf("sess%d", i), pages, files, nil)
	}

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			routes := make([]string, 0, pagesPer)
			for j := 0; j < pagesPer; j++ {
				routes = append(routes, fmt.Sprintf("/s%d/p%d", i, j))
			}
			if _, err := s.coord.Promote(context.Background(), fmt.Sprintf("sess%d", i), routes, nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Promote: %v", err)
	}

	m := s.loadManifest(t)
	if len(m.Pages) != pagesPer {
		t.Fatalf("pages = %d, want %d", len(m.Pages), pagesPer)
	}
	winner := m.SessionID
	var idx int
	if _, err := fmt.Sscanf(winner, "sess%d", &idx); err != nil {
		t.Fatalf("unexpected session id %q", winner)
	}
	prefix := fmt.Sprintf("/s%d/", idx)
	for _, p := range m.Pages {
		if !strings.HasPrefix(p.Route, prefix) {
			t.Errorf("page %s does not belong to winner %s", p.Route, winner)
		}
	}

	var htmlPages []string
	for _, f := range filesUnder(t, s.content) {
		if filepath.Base(f) != "index.html" && f != "_manifest.json" {
			htmlPages = append(htmlPages, f)
		}
	}
	sort.Strings(htmlPages)
	if len(htmlPages) != pagesPer {
		t.Errorf("html files = %v, want %d from %s", htmlPages, pagesPer, winner)
	}
	if got := filesUnder(t, s.assets); len(got) != 1 || got[0] != fmt.Sprintf("s%d.png", idx) {
		t.Errorf("assets = %v", got)
	}
}
