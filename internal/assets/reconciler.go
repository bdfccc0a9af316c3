package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/starford/folio/internal/storage"
)

// ItemError is a failed operation on a single asset file.
type ItemError struct {
	Path string
	Err  error
}

func (e ItemError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e ItemError) Unwrap() error { return e.Err }

// BatchResult records a best-effort batch: what succeeded and what failed.
type BatchResult struct {
	Succeeded []string
	Failed    []ItemError
}

// Err aggregates the failures, or returns nil when there were none.
func (b BatchResult) Err() error {
	var result *multierror.Error
	for _, f := range b.Failed {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

// Inventory is what Scan found on disk.
type Inventory struct {
	Staged     []string
	Production []string
}

// Reconciler applies asset plans to one production assets root.
type Reconciler struct {
	production storage.Provider
	excluded   []string
	logger     *slog.Logger
}

// NewReconciler returns a Reconciler for production. Paths under excluded
// prefixes are never copied or deleted.
func NewReconciler(production storage.Provider, excluded []string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{production: production, excluded: excluded, logger: logger}
}

// Scan lists the files in the staged tree and in the production tree.
func (r *Reconciler) Scan(staged storage.Provider) (Inventory, error) {
	stagedFiles, err := staged.Files("")
	if err != nil {
		return Inventory{}, fmt.Errorf("assets: scan staging: %w", err)
	}
	prodFiles, err := r.production.Files("")
	if err != nil {
		return Inventory{}, fmt.Errorf("assets: scan production: %w", err)
	}
	return Inventory{Staged: stagedFiles, Production: prodFiles}, nil
}

// Plan scans both trees and builds the plan for the referenced asset set.
func (r *Reconciler) Plan(staged storage.Provider, referenced []string) (Plan, error) {
	inv, err := r.Scan(staged)
	if err != nil {
		return Plan{}, err
	}
	return BuildPlan(referenced, inv.Staged, inv.Production, r.excluded), nil
}

// Apply copies every staged file into production and then deletes the files
// marked for deletion. A copy failure aborts and is returned. Delete failures
// are collected in the BatchResult and logged.
func (r *Reconciler) Apply(ctx context.Context, staged storage.Provider, plan Plan) (BatchResult, error) {
	for _, rel := range plan.ToCopy {
		src, err := staged.Path(rel)
		if err != nil {
			return BatchResult{}, fmt.Errorf("assets: copy %s: %w", rel, err)
		}
		if err := r.production.CopyFrom(src, rel); err != nil {
			return BatchResult{}, fmt.Errorf("assets: copy %s: %w", rel, err)
		}
	}

	var res BatchResult
	for _, rel := range plan.ToDelete {
		err := r.production.Delete(rel)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			res.Failed = append(res.Failed, ItemError{Path: rel, Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, rel)
	}

	if err := res.Err(); err != nil {
		r.logger.WarnContext(ctx, "asset cleanup incomplete",
			slog.Int("failed", len(res.Failed)),
			slog.String("error", err.Error()),
		)
	}
	if len(plan.Missing) > 0 {
		r.logger.WarnContext(ctx, "referenced assets missing from staging and production",
			slog.Any("paths", plan.Missing),
		)
	}
	return res, nil
}
