package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/metrics"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/promotion"
)

// Promoter is the promotion engine a worker calls.
type Promoter interface {
	Promote(ctx context.Context, sessionID string, routes []string, override *models.PipelineSignature) (*promotion.Result, error)
}

// Queue persists finalize jobs and hands them to a fixed pool of workers.
type Queue struct {
	db          *DB
	promoter    Promoter
	workers     int
	lockTimeout time.Duration
	ledgerTries uint64
	logger      *slog.Logger
	metrics     *metrics.Metrics
	onChange    func(Job)
	now         func() time.Time

	pending chan string

	mu     sync.Mutex
	active map[string]string // session id -> job id
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the number of concurrent workers (default 1).
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithLockTimeout bounds how long a job waits for the promotion lock.
func WithLockTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.lockTimeout = d
	}
}

// WithLedgerRetries sets how often a ledger write is retried when SQLite is busy.
func WithLedgerRetries(n int) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.ledgerTries = uint64(n)
		}
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithQueueMetrics enables job counters.
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithOnChange registers a hook called after every status change.
func WithOnChange(fn func(Job)) QueueOption {
	return func(q *Queue) {
		q.onChange = fn
	}
}

// WithQueueClock overrides the time source.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue returns a Queue. Workers start with Run.
func NewQueue(db *DB, promoter Promoter, opts ...QueueOption) *Queue {
	q := &Queue{
		db:          db,
		promoter:    promoter,
		workers:     1,
		ledgerTries: 3,
		now:         time.Now,
		pending:     make(chan string, 1024),
		active:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Enqueue records a queued job for sessionID. A session with a job already
// queued or running is rejected with apperr.ErrConflict.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, p Payload) (*Job, error) {
	j, err := q.create(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}

	select {
	case q.pending <- j.ID:
	case <-ctx.Done():
		q.fail(ctx, j, ctx.Err())
		q.release(sessionID)
		return nil, ctx.Err()
	}
	q.logger.Info("job queued", slog.String("job_id", j.ID), slog.String("session_id", sessionID))
	return j, nil
}

// Execute records a job for sessionID and runs it on the calling goroutine,
// bypassing the workers. It returns the finished job.
func (q *Queue) Execute(ctx context.Context, sessionID string, p Payload) (*Job, error) {
	j, err := q.create(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}
	q.process(ctx, j.ID)
	return q.db.Get(j.ID)
}

func (q *Queue) create(ctx context.Context, sessionID string, p Payload) (*Job, error) {
	now := q.now().UTC()
	j := &Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusQueued,
		Payload:   p,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	if running, ok := q.active[sessionID]; ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s already has job %s", apperr.ErrConflict, sessionID, running)
	}
	q.active[sessionID] = j.ID
	q.mu.Unlock()

	if err := q.retry(ctx, func() error { return q.db.Create(j) }); err != nil {
		q.release(sessionID)
		return nil, err
	}
	q.metrics.ObserveJob(string(StatusQueued))
	q.notify(*j)
	return j, nil
}

// Active reports whether sessionID has a job queued or running.
func (q *Queue) Active(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[sessionID]
	return ok
}

func (q *Queue) release(sessionID string) {
	q.mu.Lock()
	delete(q.active, sessionID)
	q.mu.Unlock()
}

// Run starts the workers and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return nil
				case id := <-q.pending:
					q.process(gCtx, id)
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) process(ctx context.Context, id string) {
	j, err := q.db.Get(id)
	if err != nil {
		q.logger.Error("load job", slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}
	defer q.release(j.SessionID)
	logger := q.logger.With(slog.String("job_id", j.ID), slog.String("session_id", j.SessionID))

	started := q.now().UTC()
	if err := q.retry(ctx, func() error { return q.db.MarkRunning(j.ID, started) }); err != nil {
		logger.Error("mark job running", slog.String("error", err.Error()))
		return
	}
	j.Status = StatusRunning
	j.Attempts++
	j.StartedAt = &started
	j.UpdatedAt = started
	q.notify(*j)
	logger.Info("job started")

	pctx := ctx
	if q.lockTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, q.lockTimeout)
		defer cancel()
	}
	res, err := q.promoter.Promote(pctx, j.SessionID, j.Payload.Routes, j.Payload.PipelineSignature)
	if err != nil {
		q.fail(ctx, j, err)
		return
	}

	finished := q.now().UTC()
	summary := Summarize(res)
	// Persist the outcome even when shutting down: the promotion already happened.
	if err := q.retry(context.WithoutCancel(ctx), func() error { return q.db.MarkSucceeded(j.ID, summary, finished) }); err != nil {
		logger.Error("mark job succeeded", slog.String("error", err.Error()))
		return
	}
	j.Status = StatusSucceeded
	j.Summary = &summary
	j.FinishedAt = &finished
	j.UpdatedAt = finished
	q.metrics.ObserveJob(string(StatusSucceeded))
	q.notify(*j)
	logger.Info("job succeeded", slog.Int("pages", summary.Pages), slog.Int("removed", len(summary.Removed)))
}

func (q *Queue) fail(ctx context.Context, j *Job, cause error) {
	finished := q.now().UTC()
	msg := cause.Error()
	if err := q.retry(context.WithoutCancel(ctx), func() error { return q.db.MarkFailed(j.ID, msg, finished) }); err != nil {
		q.logger.Error("mark job failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
	j.Status = StatusFailed
	j.Error = msg
	j.FinishedAt = &finished
	j.UpdatedAt = finished
	q.metrics.ObserveJob(string(StatusFailed))
	q.notify(*j)
	q.logger.Error("job failed",
		slog.String("job_id", j.ID),
		slog.String("session_id", j.SessionID),
		slog.String("error", msg),
	)
}

func (q *Queue) notify(j Job) {
	if q.onChange != nil {
		q.onChange(j)
	}
}

// retry runs a ledger write, retrying with exponential backoff while SQLite
// reports the database busy or locked.
func (q *Queue) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), q.ledgerTries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// Summarize condenses a promotion result for the ledger.
func Summarize(res *promotion.Result) Summary {
	s := Summary{
		Added:         res.Diff.Added,
		Updated:       res.Diff.Updated,
		Unchanged:     len(res.Diff.Unchanged),
		Preserved:     len(res.Diff.Preserved),
		Removed:       res.Diff.Removed,
		AssetsCopied:  len(res.Assets.ToCopy),
		AssetsDeleted: len(res.Cleanup.Succeeded),
		MissingAssets: res.Assets.Missing,
	}
	if res.Manifest != nil {
		s.Pages = len(res.Manifest.Pages)
	}
	for _, c := range res.Diff.Collisions {
		s.Collisions = append(s.Collisions, c.Route)
	}
	for _, f := range res.Cleanup.Failed {
		s.AssetDeleteFailures = append(s.AssetDeleteFailures, f.Path)
	}
	return s
}
