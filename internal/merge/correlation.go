package merge

import (
	"path"
	"strings"

	"github.com/starford/folio/internal/models"
)

// Correlation is the outcome of matching a page to its source note.
// It is either Correlated or Uncorrelated.
type Correlation interface {
	correlation()
}

// Correlated carries the stable key a page is matched on across sessions.
type Correlated struct {
	Key string
}

// Uncorrelated marks a page without VaultPath or RelativePath. Such a page
// cannot be matched across sessions and is always treated as new.
type Uncorrelated struct{}

func (Correlated) correlation()   {}
func (Uncorrelated) correlation() {}

// Correlate returns the page's correlation key: VaultPath, else RelativePath.
func Correlate(p models.Page) Correlation {
	for _, candidate := range []string{p.VaultPath, p.RelativePath} {
		if key := normalizeKey(candidate); key != "" {
			return Correlated{Key: key}
		}
	}
	return Uncorrelated{}
}

func normalizeKey(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
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

// NormalizeRoute returns r in canonical form: leading slash, no trailing slash.
func NormalizeRoute(r string) string {
	return path.Clean("/" + strings.TrimLeft(strings.TrimSpace(r), "/"))
}
