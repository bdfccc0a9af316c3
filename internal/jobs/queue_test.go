package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/merge"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/promotion"
)

type fakePromoter struct {
	mu     sync.Mutex
	calls  []string
	routes [][]string
	err    error
	block  chan struct{}
}

func (f *fakePromoter) Promote(ctx context.Context, sessionID string, routes []string, _ *models.PipelineSignature) (*promotion.Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, sessionID)
	f.routes = append(f.routes, routes)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &promotion.Result{
		SessionID: sessionID,
		Manifest:  &models.Manifest{Pages: []models.Page{{Route: "/a"}}},
		Diff:      merge.Diff{Added: []string{"/a"}, Removed: []string{"/old"}},
	}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Status
}

func (r *recorder) record(j Job) {
	r.mu.Lock()
	r.events = append(r.events, j.Status)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.events...)
}

func eventually(t *testing.T, timeout time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueue_Succeeds(t *testing.T) {
	db := testDB(t)
	p := &fakePromoter{}
	rec := &recorder{}
	q := NewQueue(db, p, WithOnChange(rec.record))
	startQueue(t, q)

	j, err := q.Enqueue(context.Background(), "s1", Payload{Routes: []string{"/a"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		got, err := db.Get(j.ID)
		return err == nil && got.Status == StatusSucceeded
	}, "job should succeed")

	got, _ := db.Get(j.ID)
	if got.Summary == nil || got.Summary.Pages != 1 || len(got.Summary.Removed) != 1 {
		t.Errorf("summary = %+v", got.Summary)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d", got.Attempts)
	}
	eventually(t, time.Second, func() bool { return !q.Active("s1") }, "session should be released")

	want := []Status{StatusQueued, StatusRunning, StatusSucceeded}
	if evs := rec.snapshot(); len(evs) != 3 || evs[0] != want[0] || evs[1] != want[1] || evs[2] != want[2] {
		t.Errorf("events = %v, want %v", evs, want)
	}
	if p.routes[0][0] != "/a" {
		t.Errorf("routes passed = %v", p.routes)
	}
}

func TestQueue_FailureRecorded(t *testing.T) {
	db := testDB(t)
	p := &fakePromoter{err: errors.New("promotion: clear production: permission denied")}
	q := NewQueue(db, p)
	startQueue(t, q)

	j, err := q.Enqueue(context.Background(), "s1", Payload{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		got, err := db.Get(j.ID)
		return err == nil && got.Status == StatusFailed
	}, "job should fail")

	got, _ := db.Get(j.ID)
	if got.Error != "promotion: clear production: permission denied" {
		t.Errorf("error = %q", got.Error)
	}
	p.mu.Lock()
	calls := len(p.calls)
	p.mu.Unlock()
	if calls != 1 {
		t.Errorf("promote called %d times, want 1", calls)
	}
}

func TestQueue_RejectsDuplicateSession(t *testing.T) {
	db := testDB(t)
	p := &fakePromoter{block: make(chan struct{})}
	q := NewQueue(db, p)
	startQueue(t, q)

	if _, err := q.Enqueue(context.Background(), "s1", Payload{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "s1", Payload{}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	if !q.Active("s1") {
		t.Error("s1 should be active")
	}
	close(p.block)
	eventually(t, 2*time.Second, func() bool { return !q.Active("s1") }, "s1 should finish")

	if _, err := q.Enqueue(context.Background(), "s1", Payload{}); err != nil {
		t.Errorf("re-enqueue after completion: %v", err)
	}
}

func TestQueue_LockTimeoutFailsJob(t *testing.T) {
	db := testDB(t)
	p := &fakePromoter{block: make(chan struct{})}
	defer close(p.block)
	q := NewQueue(db, p, WithLockTimeout(50*time.Millisecond))
	startQueue(t, q)

	j, err := q.Enqueue(context.Background(), "s1", Payload{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		got, err := db.Get(j.ID)
		return err == nil && got.Status == StatusFailed
	}, "job should time out")
}

func TestQueue_ExecuteRunsInline(t *testing.T) {
	db := testDB(t)
	p := &fakePromoter{}
	rec := &recorder{}
	q := NewQueue(db, p, WithOnChange(rec.record))

	j, err := q.Execute(context.Background(), "s1", Payload{Routes: []string{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if j.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", j.Status)
	}
	if q.Active("s1") {
		t.Error("session should be released")
	}
	if got := len(rec.snapshot()); got != 3 {
		t.Errorf("events = %d, want 3", got)
	}
	if p.routes[0] == nil {
		t.Error("empty route list must not turn into nil")
	}
}

func TestSummarize(t *testing.T) {
	res := &promotion.Result{
		Manifest: &models.Manifest{Pages: make([]models.Page, 4)},
		Diff: merge.Diff{
			Added:      []string{"/n"},
			Unchanged:  []string{"/u1", "/u2"},
			Preserved:  []string{"/p"},
			Collisions: []merge.Collision{{Route: "/c"}},
		},
	}
	s := Summarize(res)
	if s.Pages != 4 || s.Unchanged != 2 || s.Preserved != 1 || len(s.Collisions) != 1 || s.Collisions[0] != "/c" {
		t.Errorf("summary = %+v", s)
	}
}
