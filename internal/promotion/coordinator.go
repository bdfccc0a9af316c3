// Package promotion moves a staged session into the production content and assets roots.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/starford/folio/internal/assets"
	"github.com/starford/folio/internal/checksum"
	"github.com/starford/folio/internal/manifest"
	"github.com/starford/folio/internal/merge"
	"github.com/starford/folio/internal/metrics"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/staging"
	"github.com/starford/folio/internal/storage"
)

// State is one step of a promotion.
type State string

const (
	StateRequested      State = "requested"
	StateLocked         State = "locked"
	StateCleared        State = "cleared"
	StateReconciled     State = "reconciled"
	StateCopied         State = "copied"
	StatePersisted      State = "persisted"
	StateUnlocked       State = "unlocked"
	StateStagingRemoved State = "staging_removed"
	StateDone           State = "done"
)

// Result describes a promotion attempt.
type Result struct {
	SessionID string
	Manifest  *models.Manifest
	Diff      merge.Diff
	Assets    assets.Plan
	Cleanup   assets.BatchResult
	// States lists the states reached, in order.
	States []State
}

func (r *Result) reached(s State) bool {
	for _, st := range r.States {
		if st == s {
			return true
		}
	}
	return false
}

// Coordinator promotes sessions of one site. Promotions of the same
// (content root, assets root) pair never overlap their critical sections.
type Coordinator struct {
	contentRoot string
	assetsRoot  string
	stager      *staging.Stager
	store       *manifest.Store
	locks       *LockRegistry
	excluded    []string
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New returns a Coordinator for the given production roots.
func New(contentRoot, assetsRoot string, opts ...Option) *Coordinator {
	c := &Coordinator{
		contentRoot: contentRoot,
		assetsRoot:  assetsRoot,
		stager:      staging.New(contentRoot, assetsRoot),
		store:       manifest.NewStore(contentRoot),
		excluded:    []string{staging.DirName},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		c.locks = NewLockRegistry()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Stager returns the stager for this site's staging directories.
func (c *Coordinator) Stager() *staging.Stager { return c.stager }

// Store returns the production manifest store.
func (c *Coordinator) Store() *manifest.Store { return c.store }

// ContentRoot returns the production content root.
func (c *Coordinator) ContentRoot() string { return c.contentRoot }

// AssetsRoot returns the production assets root.
func (c *Coordinator) AssetsRoot() string { return c.assetsRoot }

// Promote merges session sessionID into production. routes is the complete
// set of routes in the vault; nil means unknown and nothing is deleted.
// override, when set, replaces the staged pipeline signature.
//
// The returned Result is non-nil whenever the session id is valid, also on
// error, and records the states reached. Staging is removed once the lock
// has been taken, whatever the outcome. A promotion that never got the lock
// leaves staging in place so the session can be finalized again.
func (c *Coordinator) Promote(ctx context.Context, sessionID string, routes []string, override *models.PipelineSignature) (res *Result, err error) {
	if err := staging.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	logger := c.logger.With(slog.String("session_id", sessionID))
	start := time.Now()

	res = &Result{SessionID: sessionID}
	c.transition(ctx, logger, res, StateRequested)

	keepStaging := false
	defer func() {
		if keepStaging {
			logger.WarnContext(ctx, "lock not acquired, staging kept", slog.String("error", err.Error()))
		} else if derr := c.stager.Discard(sessionID); derr != nil {
			logger.WarnContext(ctx, "discard staging failed", slog.String("error", derr.Error()))
		} else {
			c.transition(ctx, logger, res, StateStagingRemoved)
		}
		if err == nil {
			c.transition(ctx, logger, res, StateDone)
		}
		c.metrics.ObservePromotion(time.Since(start), err)
	}()

	if err := c.stager.Ensure(sessionID); err != nil {
		return res, err
	}
	staged, err := c.stager.LoadManifest(sessionID)
	if err != nil {
		return res, fmt.Errorf("promotion: load staged manifest: %w", err)
	}
	if staged == nil {
		logger.WarnContext(ctx, "no staged manifest, promoting an empty session")
		staged = models.NewManifest(sessionID, c.now())
	}
	if staged.SessionID == "" {
		staged.SessionID = sessionID
	}
	if override != nil {
		sig := *override
		staged.PipelineSignature = &sig
	}

	release, err := c.locks.Acquire(ctx, c.contentRoot, c.assetsRoot)
	if err != nil {
		keepStaging = true
		return res, err
	}
	if err := c.critical(ctx, logger, res, release, staged, routes); err != nil {
		logger.ErrorContext(ctx, "promotion failed", slog.String("error", err.Error()))
		return res, err
	}

	logger.InfoContext(ctx, "promotion complete",
		slog.Int("pages", len(res.Manifest.Pages)),
		slog.Int("added", len(res.Diff.Added)),
		slog.Int("updated", len(res.Diff.Updated)),
		slog.Int("unchanged", len(res.Diff.Unchanged)),
		slog.Int("preserved", len(res.Diff.Preserved)),
		slog.Int("removed", len(res.Diff.Removed)),
		slog.Int("assets_copied", len(res.Assets.ToCopy)),
		slog.Int("assets_deleted", len(res.Cleanup.Succeeded)),
	)
	return res, nil
}

// critical runs everything that must not interleave with another promotion
// of the same site. It is entered with the lock held and releases it on
// every exit path.
func (c *Coordinator) critical(ctx context.Context, logger *slog.Logger, res *Result, release func(), staged *models.Manifest, routes []string) error {
	defer func() {
		release()
		c.transition(ctx, logger, res, StateUnlocked)
	}()
	c.transition(ctx, logger, res, StateLocked)

	prev, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("promotion: load production manifest: %w", err)
	}
	merged := merge.Merge(merge.Input{Previous: prev, Staged: staged, Routes: routes, Now: c.now()})
	res.Manifest = merged.Manifest
	res.Diff = merged.Diff
	for _, col := range merged.Diff.Collisions {
		logger.WarnContext(ctx, "route collision, keeping staged page",
			slog.String("route", col.Route),
			slog.String("kept", col.Kept.RelativePath),
			slog.String("dropped", col.Dropped.RelativePath),
		)
	}

	prodContent, err := storage.MkdirFS(c.contentRoot)
	if err != nil {
		return fmt.Errorf("promotion: open content root: %w", err)
	}
	prodAssets, err := storage.MkdirFS(c.assetsRoot)
	if err != nil {
		return fmt.Errorf("promotion: open assets root: %w", err)
	}
	stagedContent, err := c.stager.Content(res.SessionID)
	if err != nil {
		return fmt.Errorf("promotion: open content staging: %w", err)
	}
	stagedAssets, err := c.stager.Assets(res.SessionID)
	if err != nil {
		return fmt.Errorf("promotion: open assets staging: %w", err)
	}

	if err := c.carryForward(ctx, logger, prodContent, stagedContent, merged.Diff.PreservedPages); err != nil {
		return err
	}
	if err := prodContent.Clear(c.keepTopLevel()...); err != nil {
		return fmt.Errorf("promotion: clear production: %w", err)
	}
	c.transition(ctx, logger, res, StateCleared)

	if err := c.reconcileAssets(ctx, logger, res, prodAssets, stagedAssets); err != nil {
		return err
	}
	c.transition(ctx, logger, res, StateReconciled)

	if err := c.copyContent(prodContent, stagedContent, droppedFiles(res.Manifest, merged.Diff.Collisions)); err != nil {
		return err
	}
	c.transition(ctx, logger, res, StateCopied)

	if err := c.store.Save(res.Manifest); err != nil {
		return fmt.Errorf("promotion: persist manifest: %w", err)
	}
	if err := manifest.RebuildIndex(prodContent, res.Manifest, c.customIndexContent(ctx, logger, prodContent, res.Manifest)); err != nil {
		return fmt.Errorf("promotion: rebuild index: %w", err)
	}
	c.transition(ctx, logger, res, StatePersisted)

	c.metrics.ObserveCleanup(len(merged.Diff.Removed), len(res.Cleanup.Failed))
	return nil
}

// carryForward copies the HTML of preserved pages from production into the
// session's content staging so it survives the clear.
func (c *Coordinator) carryForward(ctx context.Context, logger *slog.Logger, prod, staged storage.Provider, pages []models.Page) error {
	for _, p := range pages {
		rel := assets.NormalizePath(p.RelativePath)
		if rel == "" || rel == models.FileName || assets.Excluded(rel, c.excluded) {
			continue
		}
		if _, err := staged.Stat(rel); err == nil {
			continue
		}
		src, err := prod.Path(rel)
		if err != nil {
			return fmt.Errorf("promotion: carry forward %s: %w", rel, err)
		}
		if _, err := prod.Stat(rel); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.WarnContext(ctx, "preserved page has no html in production",
					slog.String("route", p.Route),
					slog.String("path", rel),
				)
				continue
			}
			return fmt.Errorf("promotion: carry forward %s: %w", rel, err)
		}
		if err := staged.CopyFrom(src, rel); err != nil {
			return fmt.Errorf("promotion: carry forward %s: %w", rel, err)
		}
	}
	return nil
}

// keepTopLevel returns the top-level content entries that survive a clear.
func (c *Coordinator) keepTopLevel() []string {
	seen := map[string]struct{}{}
	var keep []string
	for _, prefix := range c.excluded {
		top, _, _ := strings.Cut(assets.NormalizePath(prefix), "/")
		if top == "" {
			continue
		}
		if _, ok := seen[top]; !ok {
			seen[top] = struct{}{}
			keep = append(keep, top)
		}
	}
	return keep
}

func (c *Coordinator) reconcileAssets(ctx context.Context, logger *slog.Logger, res *Result, prod, staged storage.Provider) error {
	referenced := make([]string, 0, len(res.Manifest.Assets))
	for _, a := range res.Manifest.Assets {
		referenced = append(referenced, a.Path)
	}

	rec := assets.NewReconciler(prod, c.excluded, logger)
	plan, err := rec.Plan(staged, referenced)
	if err != nil {
		return fmt.Errorf("promotion: plan assets: %w", err)
	}
	batch, err := rec.Apply(ctx, staged, plan)
	if err != nil {
		return fmt.Errorf("promotion: apply assets: %w", err)
	}
	res.Assets = plan
	res.Cleanup = batch

	entries, err := c.syncAssetEntries(res.Manifest.Assets, plan, staged)
	if err != nil {
		return err
	}
	res.Manifest.Assets = entries
	return nil
}

// syncAssetEntries makes the manifest asset list match the files on disk:
// staged files without an entry get one, entries with no file are dropped.
func (c *Coordinator) syncAssetEntries(entries []models.Asset, plan assets.Plan, staged storage.Provider) ([]models.Asset, error) {
	missing := make(map[string]struct{}, len(plan.Missing))
	for _, p := range plan.Missing {
		missing[p] = struct{}{}
	}
	listed := make(map[string]struct{}, len(entries))
	out := make([]models.Asset, 0, len(entries)+len(plan.ToCopy))
	for _, a := range entries {
		if _, gone := missing[a.Path]; gone || assets.Excluded(a.Path, c.excluded) {
			continue
		}
		listed[a.Path] = struct{}{}
		out = append(out, a)
	}

	now := c.now()
	for _, rel := range plan.ToCopy {
		if _, ok := listed[rel]; ok {
			continue
		}
		src, err := staged.Path(rel)
		if err != nil {
			return nil, fmt.Errorf("promotion: describe asset %s: %w", rel, err)
		}
		sum, size, err := checksum.File(src)
		if err != nil {
			return nil, fmt.Errorf("promotion: describe asset %s: %w", rel, err)
		}
		out = append(out, models.Asset{
			Path:       rel,
			Hash:       sum,
			Size:       size,
			MimeType:   mime.TypeByExtension(path.Ext(rel)),
			UploadedAt: now,
		})
	}

	if len(out) == 0 {
		return nil, nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// droppedFiles returns the files of pages that lost a route collision and
// that no page of m uses.
func droppedFiles(m *models.Manifest, collisions []merge.Collision) map[string]struct{} {
	used := make(map[string]struct{}, len(m.Pages))
	for _, p := range m.Pages {
		used[models.NormalizeAssetPath(p.RelativePath)] = struct{}{}
	}
	dropped := map[string]struct{}{}
	for _, col := range collisions {
		rel := models.NormalizeAssetPath(col.Dropped.RelativePath)
		if _, ok := used[rel]; rel != "" && !ok {
			dropped[rel] = struct{}{}
		}
	}
	return dropped
}

// copyContent copies the staged HTML tree into production, leaving out skip.
func (c *Coordinator) copyContent(prod, staged storage.Provider, skip map[string]struct{}) error {
	files, err := staged.Files("")
	if err != nil {
		return fmt.Errorf("promotion: list staged content: %w", err)
	}
	for _, rel := range files {
		if rel == models.FileName || assets.Excluded(rel, c.excluded) {
			continue
		}
		if _, ok := skip[rel]; ok {
			continue
		}
		src, err := staged.Path(rel)
		if err != nil {
			return fmt.Errorf("promotion: copy %s: %w", rel, err)
		}
		if err := prod.CopyFrom(src, rel); err != nil {
			return fmt.Errorf("promotion: copy %s: %w", rel, err)
		}
	}
	return nil
}

// customIndexContent reads the HTML of custom index pages keyed by the folder they index.
func (c *Coordinator) customIndexContent(ctx context.Context, logger *slog.Logger, tree storage.Provider, m *models.Manifest) map[string]string {
	custom := map[string]string{}
	for _, p := range m.Pages {
		// A custom index stored at the folder's index path is served as is.
		if !p.IsCustomIndex || models.NormalizeAssetPath(p.RelativePath) == manifest.IndexPath(manifest.IndexFolder(p)) {
			continue
		}
		data, err := tree.Read(p.RelativePath)
		if err != nil {
			logger.WarnContext(ctx, "custom index content unavailable",
				slog.String("route", p.Route),
				slog.String("error", err.Error()),
			)
			continue
		}
		custom[manifest.IndexFolder(p)] = string(data)
	}
	return custom
}

// RebuildIndex regenerates folder indexes from the production manifest
// without promoting anything.
func (c *Coordinator) RebuildIndex(ctx context.Context) error {
	release, err := c.locks.Acquire(ctx, c.contentRoot, c.assetsRoot)
	if err != nil {
		return err
	}
	defer release()

	m, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("promotion: load production manifest: %w", err)
	}
	if m == nil {
		m = models.NewManifest("", c.now())
	}
	tree, err := storage.MkdirFS(c.contentRoot)
	if err != nil {
		return fmt.Errorf("promotion: open content root: %w", err)
	}
	if err := manifest.RebuildIndex(tree, m, c.customIndexContent(ctx, c.logger, tree, m)); err != nil {
		return fmt.Errorf("promotion: rebuild index: %w", err)
	}
	return nil
}

// Discard drops a session's staging without promoting it.
func (c *Coordinator) Discard(sessionID string) error {
	if err := c.stager.Discard(sessionID); err != nil {
		return err
	}
	c.logger.Info("session discarded", slog.String("session_id", sessionID))
	return nil
}

func (c *Coordinator) transition(ctx context.Context, logger *slog.Logger, res *Result, s State) {
	res.States = append(res.States, s)
	logger.DebugContext(ctx, "promotion state", slog.String("state", string(s)))
}
