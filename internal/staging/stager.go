// Package staging manages per-session scratch directories for rendered pages and assets.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/manifest"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// DirName is the staging subtree name under both the content and the assets root.
const DirName = ".staging"

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateSessionID rejects ids that could escape the staging root.
func ValidateSessionID(id string) error {
	if !sessionIDRe.MatchString(id) {
		return fmt.Errorf("%w: %q", apperr.ErrInvalidSession, id)
	}
	return nil
}

// Stager derives and manages the staging directory pair of each session.
type Stager struct {
	contentRoot string
	assetsRoot  string
}

// New returns a Stager for the given production roots.
func New(contentRoot, assetsRoot string) *Stager {
	return &Stager{contentRoot: contentRoot, assetsRoot: assetsRoot}
}

// ContentPath returns the content staging directory of a session. No I/O.
func (s *Stager) ContentPath(sessionID string) string {
	return filepath.Join(s.contentRoot, DirName, sessionID)
}

// AssetsPath returns the assets staging directory of a session. No I/O.
func (s *Stager) AssetsPath(sessionID string) string {
	return filepath.Join(s.assetsRoot, DirName, sessionID)
}

// Ensure creates both staging directories. Safe to call repeatedly.
func (s *Stager) Ensure(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	for _, dir := range []string{s.ContentPath(sessionID), s.AssetsPath(sessionID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("staging: ensure %s: %w", dir, err)
		}
	}
	return nil
}

// Exists reports whether the content staging directory of a session exists.
func (s *Stager) Exists(sessionID string) bool {
	if ValidateSessionID(sessionID) != nil {
		return false
	}
	info, err := os.Stat(s.ContentPath(sessionID))
	return err == nil && info.IsDir()
}

// Content returns the content staging tree, creating it if needed.
func (s *Stager) Content(sessionID string) (*storage.FS, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return storage.MkdirFS(s.ContentPath(sessionID))
}

// Assets returns the assets staging tree, creating it if needed.
func (s *Stager) Assets(sessionID string) (*storage.FS, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return storage.MkdirFS(s.AssetsPath(sessionID))
}

// WritePage stores rendered HTML at rel under the session's content staging dir.
func (s *Stager) WritePage(sessionID, rel string, html []byte) error {
	tree, err := s.Content(sessionID)
	if err != nil {
		return err
	}
	if filepath.ToSlash(filepath.Clean(rel)) == models.FileName {
		return fmt.Errorf("staging: %s is reserved", models.FileName)
	}
	return tree.Write(rel, html)
}

// WriteAsset stores asset bytes at rel under the session's assets staging dir.
func (s *Stager) WriteAsset(sessionID, rel string, data []byte) error {
	tree, err := s.Assets(sessionID)
	if err != nil {
		return err
	}
	return tree.Write(rel, data)
}

// WriteManifest stores the session's staged manifest.
func (s *Stager) WriteManifest(sessionID string, m *models.Manifest) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	tree, err := s.Content(sessionID)
	if err != nil {
		return err
	}
	return tree.Write(models.FileName, data)
}

// LoadManifest reads the staged manifest, returning (nil, nil) when none was staged.
func (s *Stager) LoadManifest(sessionID string) (*models.Manifest, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return manifest.LoadFile(filepath.Join(s.ContentPath(sessionID), models.FileName))
}

// Discard removes both staging directories of a session. Missing dirs are fine.
func (s *Stager) Discard(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	var errs []error
	for _, dir := range []string{s.ContentPath(sessionID), s.AssetsPath(sessionID)} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("staging: discard %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// Session describes one staging directory found on disk.
type Session struct {
	ID      string
	ModTime time.Time
}

// Sessions lists the sessions that currently have a content or assets staging dir.
func (s *Stager) Sessions() ([]Session, error) {
	seen := make(map[string]Session)
	for _, root := range []string{s.contentRoot, s.assetsRoot} {
		entries, err := os.ReadDir(filepath.Join(root, DirName))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("staging: list: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() || ValidateSessionID(e.Name()) != nil {
				continue
			}
			mod, err := lastModified(filepath.Join(root, DirName, e.Name()))
			if err != nil {
				continue
			}
			cur, ok := seen[e.Name()]
			if !ok || mod.After(cur.ModTime) {
				seen[e.Name()] = Session{ID: e.Name(), ModTime: mod}
			}
		}
	}
	out := make([]Session, 0, len(seen))
	for _, sess := range seen {
		out = append(out, sess)
	}
	return out, nil
}

// lastModified returns the newest mtime of dir and everything below it.
// Writes into nested folders do not touch the mtime of dir itself.
func lastModified(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

// SweepStale discards sessions whose staging trees were last modified before
// now-olderThan and returns their ids. active sessions are never swept.
func (s *Stager) SweepStale(ctx context.Context, now time.Time, olderThan time.Duration, active func(string) bool) ([]string, error) {
	sessions, err := s.Sessions()
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-olderThan)
	var swept []string
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if !sess.ModTime.Before(cutoff) {
			continue
		}
		if active != nil && active(sess.ID) {
			continue
		}
		if err := s.Discard(sess.ID); err != nil {
			return swept, err
		}
		swept = append(swept, sess.ID)
	}
	return swept, nil
}
