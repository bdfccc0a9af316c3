// Package siteservice is the publishing facade shared by the HTTP API and the MCP server.
package siteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/merge"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/promotion"
	"github.com/starford/folio/internal/staging"
	"github.com/starford/folio/internal/storage"
)

// PageDetail is a published page with its rendered HTML.
type PageDetail struct {
	models.Page
	HTML string `json:"html"`
}

// Service coordinates staging, finalize jobs and the production manifest.
type Service struct {
	coord *promotion.Coordinator
	queue *jobs.Queue
	db    *jobs.DB

	mu     sync.RWMutex
	cached *models.Manifest
	etag   string
}

// NewService creates a new site service.
func NewService(coord *promotion.Coordinator, queue *jobs.Queue, db *jobs.DB) *Service {
	return &Service{coord: coord, queue: queue, db: db}
}

// CreateSession allocates a fresh session id and its staging directories.
func (s *Service) CreateSession(_ context.Context) (string, error) {
	id := uuid.NewString()
	if err := s.coord.Stager().Ensure(id); err != nil {
		return "", err
	}
	return id, nil
}

// writable checks that a session exists and is not being finalized.
func (s *Service) writable(sessionID string) error {
	if err := staging.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if !s.coord.Stager().Exists(sessionID) {
		return fmt.Errorf("%w: %s", apperr.ErrSessionNotFound, sessionID)
	}
	if s.queue.Active(sessionID) {
		return fmt.Errorf("%w: session %s is being finalized", apperr.ErrConflict, sessionID)
	}
	return nil
}

// CleanPath validates a client-supplied relative file path.
func CleanPath(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, `\`, "/")
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q", apperr.ErrInvalidPath, rel)
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", apperr.ErrInvalidPath, rel)
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == staging.DirName {
			return "", fmt.Errorf("%w: %q", apperr.ErrInvalidPath, rel)
		}
	}
	return cleaned, nil
}

// PutPage stages rendered HTML for a session.
func (s *Service) PutPage(_ context.Context, sessionID, rel string, html []byte) error {
	if err := s.writable(sessionID); err != nil {
		return err
	}
	cleaned, err := CleanPath(rel)
	if err != nil {
		return err
	}
	if cleaned == models.FileName {
		return fmt.Errorf("%w: %s is reserved", apperr.ErrInvalidPath, models.FileName)
	}
	return s.coord.Stager().WritePage(sessionID, cleaned, html)
}

// PutAsset stages an asset file for a session.
func (s *Service) PutAsset(_ context.Context, sessionID, rel string, data []byte) (string, error) {
	if err := s.writable(sessionID); err != nil {
		return "", err
	}
	cleaned, err := CleanPath(rel)
	if err != nil {
		return "", err
	}
	return cleaned, s.coord.Stager().WriteAsset(sessionID, cleaned, data)
}

// PutManifest validates and stages the session's manifest.
func (s *Service) PutManifest(_ context.Context, sessionID string, m *models.Manifest) error {
	if err := s.writable(sessionID); err != nil {
		return err
	}
	if m.SessionID == "" {
		m.SessionID = sessionID
	}
	if err := m.Validate(); err != nil {
		return err
	}
	return s.coord.Stager().WriteManifest(sessionID, m)
}

// Finalize queues the promotion of a session.
func (s *Service) Finalize(ctx context.Context, sessionID string, p jobs.Payload) (*jobs.Job, error) {
	if err := s.writable(sessionID); err != nil {
		return nil, err
	}
	return s.queue.Enqueue(ctx, sessionID, p)
}

// Discard drops a session's staging. Sessions being finalized cannot be discarded.
func (s *Service) Discard(_ context.Context, sessionID string) error {
	if err := staging.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if s.queue.Active(sessionID) {
		return fmt.Errorf("%w: session %s is being finalized", apperr.ErrConflict, sessionID)
	}
	return s.coord.Discard(sessionID)
}

// Job returns one job.
func (s *Service) Job(_ context.Context, id string) (*jobs.Job, error) {
	return s.db.Get(id)
}

// Jobs lists recent jobs, optionally for one session.
func (s *Service) Jobs(_ context.Context, sessionID string, limit int) ([]jobs.Job, error) {
	list, err := s.db.List(sessionID, limit)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(list), nil
}

// Manifest returns the production manifest and its ETag. The result is
// cached until InvalidateManifest is called.
func (s *Service) Manifest(_ context.Context) (*models.Manifest, string, error) {
	s.mu.RLock()
	m, etag := s.cached, s.etag
	s.mu.RUnlock()
	if m != nil {
		return m, etag, nil
	}

	m, err := s.coord.Store().Load()
	if err != nil {
		return nil, "", err
	}
	if m == nil {
		return nil, "", fmt.Errorf("%w: nothing published yet", apperr.ErrNotFound)
	}
	etag = ETag(m)

	s.mu.Lock()
	s.cached, s.etag = m, etag
	s.mu.Unlock()
	return m, etag, nil
}

// InvalidateManifest drops the cached manifest.
func (s *Service) InvalidateManifest() {
	s.mu.Lock()
	s.cached, s.etag = nil, ""
	s.mu.Unlock()
}

// ETag derives the cache validator of a manifest from its lastUpdatedAt.
func ETag(m *models.Manifest) string {
	return fmt.Sprintf(`"%x"`, m.LastUpdatedAt.UnixNano())
}

// ListPages returns published pages whose route lies under folder ("" or "/" for all).
func (s *Service) ListPages(ctx context.Context, folder string) ([]models.Page, error) {
	m, _, err := s.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	prefix := merge.NormalizeRoute(folder)
	out := []models.Page{}
	for _, p := range m.Pages {
		r := merge.NormalizeRoute(p.Route)
		if prefix == "/" || r == prefix || strings.HasPrefix(r, prefix+"/") {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out, nil
}

// GetPage returns a published page and its HTML by route.
func (s *Service) GetPage(ctx context.Context, route string) (*PageDetail, error) {
	m, _, err := s.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	want := merge.NormalizeRoute(route)
	for _, p := range m.Pages {
		if merge.NormalizeRoute(p.Route) != want {
			continue
		}
		tree, err := storage.NewFS(s.coord.Store().Root())
		if err != nil {
			return nil, err
		}
		data, err := tree.Read(p.RelativePath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return &PageDetail{Page: p, HTML: string(data)}, nil
	}
	return nil, fmt.Errorf("%w: page %s", apperr.ErrNotFound, route)
}

// Ready reports whether the ledger is reachable.
func (s *Service) Ready() error {
	return s.db.Ping()
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
