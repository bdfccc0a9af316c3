// Package manifest persists the production manifest and derives folder indexes from it.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// Store loads and saves the manifest file of one content root.
type Store struct {
	root string
}

// NewStore returns a Store for the manifest under root. The root does not need to exist yet.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the content root the manifest lives in.
func (s *Store) Root() string {
	return s.root
}

// Path returns the absolute manifest file path.
func (s *Store) Path() string {
	return filepath.Join(s.root, models.FileName)
}

// Load reads the manifest. A missing file returns (nil, nil): first deploy.
func (s *Store) Load() (*models.Manifest, error) {
	return LoadFile(s.Path())
}

// Save writes m atomically, creating the root directory if absent.
func (s *Store) Save(m *models.Manifest) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	tree, err := storage.MkdirFS(s.root)
	if err != nil {
		return fmt.Errorf("manifest: save: %w", err)
	}
	if err := tree.Write(models.FileName, data); err != nil {
		return fmt.Errorf("manifest: save: %w", err)
	}
	return nil
}

// LoadFile reads and decodes the manifest at path, returning (nil, nil) when absent.
func LoadFile(path string) (*models.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return m, nil
}

// Decode parses manifest JSON. Date fields are RFC 3339 strings.
func Decode(data []byte) (*models.Manifest, error) {
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if m.Pages == nil {
		m.Pages = []models.Page{}
	}
	return &m, nil
}

// Encode serializes m with pages sorted by route and assets by path so the
// output is byte-stable for identical content.
func Encode(m *models.Manifest) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest: encode nil manifest")
	}
	out := *m
	out.Pages = append([]models.Page(nil), m.Pages...)
	if out.Pages == nil {
		out.Pages = []models.Page{}
	}
	sort.SliceStable(out.Pages, func(i, j int) bool {
		return out.Pages[i].Route < out.Pages[j].Route
	})
	if len(m.Assets) > 0 {
		out.Assets = append([]models.Asset(nil), m.Assets...)
		sort.SliceStable(out.Assets, func(i, j int) bool {
			return out.Assets[i].Path < out.Assets[j].Path
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return append(data, '\n'), nil
}
