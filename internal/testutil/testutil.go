// Package testutil provides shared test helpers for sites, job ledgers and queues.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/promotion"
)

// TestDB creates a temporary job ledger that is automatically cleaned up.
func TestDB(t *testing.T) *jobs.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "folio-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := jobs.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestSite creates temporary content and assets roots and a coordinator over
// them whose clock is fixed at now.
func TestSite(t *testing.T, now time.Time, opts ...promotion.Option) *promotion.Coordinator {
	t.Helper()
	root := t.TempDir()
	opts = append([]promotion.Option{promotion.WithClock(func() time.Time { return now })}, opts...)
	return promotion.New(filepath.Join(root, "content"), filepath.Join(root, "assets"), opts...)
}

// RunQueue starts the queue's workers and stops them when the test ends.
func RunQueue(t *testing.T, q *jobs.Queue) {
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

// WaitJob polls the ledger until the job succeeded or failed.
func WaitJob(t *testing.T, db *jobs.DB, id string) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := db.Get(id)
		if err == nil && (j.Status == jobs.StatusSucceeded || j.Status == jobs.StatusFailed) {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}
