// Package models defines the published-site domain types for folio.
package models

import (
	"fmt"
	"path"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/folio/internal/apperr"
)

// FileName is the manifest file name under a content root or staging dir.
const FileName = "_manifest.json"

// Manifest describes every published page and asset of one deployed site.
type Manifest struct {
	SessionID          string             `json:"sessionId"`
	CreatedAt          time.Time          `json:"createdAt"`
	LastUpdatedAt      time.Time          `json:"lastUpdatedAt"`
	Pages              []Page             `json:"pages"`
	Assets             []Asset            `json:"assets,omitempty"`
	PipelineSignature  *PipelineSignature `json:"pipelineSignature,omitempty"`
	FolderDisplayNames map[string]string  `json:"folderDisplayNames,omitempty"`
	CanonicalMap       map[string]string  `json:"canonicalMap,omitempty"`
}

// Page is one rendered note.
type Page struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Route          string     `json:"route"`
	Slug           string     `json:"slug"`
	RelativePath   string     `json:"relativePath"`
	PublishedAt    time.Time  `json:"publishedAt"`
	LastModifiedAt *time.Time `json:"lastModifiedAt,omitempty"`
	SourceHash     string     `json:"sourceHash"`
	SourceSize     int64      `json:"sourceSize"`
	IsCustomIndex  bool       `json:"isCustomIndex,omitempty"`
	NoIndex        bool       `json:"noIndex,omitempty"`
	CanonicalSlug  string     `json:"canonicalSlug,omitempty"`
	VaultPath      string     `json:"vaultPath,omitempty"`
	// Assets lists the asset paths this page references. Nil means unknown.
	Assets []string `json:"assets"`
}

// Asset is a binary file stored under the assets root.
type Asset struct {
	Path       string    `json:"path"`
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// PipelineSignature identifies the rendering configuration that produced a manifest.
type PipelineSignature struct {
	Version            string `json:"version"`
	RenderSettingsHash string `json:"renderSettingsHash"`
	GitCommit          string `json:"gitCommit,omitempty"`
}

// Equal reports whether two signatures identify the same pipeline.
func (s *PipelineSignature) Equal(o *PipelineSignature) bool {
	if s == nil || o == nil {
		return s == o
	}
	return *s == *o
}

// NewManifest returns an empty manifest stamped with sessionID and now.
func NewManifest(sessionID string, now time.Time) *Manifest {
	return &Manifest{
		SessionID:     sessionID,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Pages:         []Page{},
	}
}

// NormalizeAssetPath converts p to the forward-slash, root-relative form used as asset key.
func NormalizeAssetPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// Validate checks structural invariants: unique routes and unique asset paths.
func (m *Manifest) Validate() error {
	routes := make(map[string]struct{}, len(m.Pages))
	for i := range m.Pages {
		p := &m.Pages[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: page %d: %v", apperr.ErrInvalidManifest, i, err)
		}
		if _, dup := routes[p.Route]; dup {
			return fmt.Errorf("%w: duplicate route %s", apperr.ErrInvalidManifest, p.Route)
		}
		routes[p.Route] = struct{}{}
	}

	paths := make(map[string]struct{}, len(m.Assets))
	for i := range m.Assets {
		a := &m.Assets[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: asset %d: %v", apperr.ErrInvalidManifest, i, err)
		}
		key := NormalizeAssetPath(a.Path)
		if _, dup := paths[key]; dup {
			return fmt.Errorf("%w: duplicate asset path %s", apperr.ErrInvalidManifest, a.Path)
		}
		paths[key] = struct{}{}
	}
	return nil
}

// Validate validates a single page.
func (p *Page) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Route, validation.Required, validation.By(absoluteRoute)),
		validation.Field(&p.RelativePath, validation.Required, validation.By(relativeFile)),
	)
}

// Validate validates a single asset.
func (a *Asset) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Path, validation.Required, validation.By(relativeFile)),
	)
}

func absoluteRoute(v interface{}) error {
	s, _ := v.(string)
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("must start with /")
	}
	return nil
}

func relativeFile(v interface{}) error {
	s, _ := v.(string)
	n := NormalizeAssetPath(s)
	if n == "" || n == ".." || strings.HasPrefix(n, "../") {
		return fmt.Errorf("must be a relative path inside the root")
	}
	return nil
}
