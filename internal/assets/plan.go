// Package assets reconciles the production assets root with a session's staged assets.
package assets

import (
	"sort"
	"strings"

	"github.com/starford/folio/internal/models"
)

// Plan is the set of file decisions for one promotion. ToCopy, ToKeep and
// ToDelete are disjoint. Missing lists referenced paths found in neither tree.
type Plan struct {
	ToCopy   []string
	ToKeep   []string
	ToDelete []string
	Missing  []string
}

// NormalizePath returns p with forward slashes and no leading "/" or "./".
// Comparison is case-sensitive.
func NormalizePath(p string) string {
	return models.NormalizeAssetPath(p)
}

// Excluded reports whether p equals or lives below one of prefixes.
func Excluded(p string, prefixes []string) bool {
	p = NormalizePath(p)
	for _, prefix := range prefixes {
		prefix = NormalizePath(prefix)
		if prefix == "" {
			continue
		}
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// BuildPlan decides what happens to every asset file. referenced is the
// final manifest's asset list; staged and production are the files found on
// disk. Paths under an excluded prefix are ignored entirely.
func BuildPlan(referenced, staged, production, excluded []string) Plan {
	ref := toSet(referenced, excluded)
	stg := toSet(staged, excluded)
	prod := toSet(production, excluded)

	var plan Plan
	for p := range stg {
		plan.ToCopy = append(plan.ToCopy, p)
	}
	for p := range prod {
		if _, ok := stg[p]; ok {
			continue
		}
		if _, ok := ref[p]; ok {
			plan.ToKeep = append(plan.ToKeep, p)
		} else {
			plan.ToDelete = append(plan.ToDelete, p)
		}
	}
	for p := range ref {
		_, inStaging := stg[p]
		_, inProduction := prod[p]
		if !inStaging && !inProduction {
			plan.Missing = append(plan.Missing, p)
		}
	}

	sort.Strings(plan.ToCopy)
	sort.Strings(plan.ToKeep)
	sort.Strings(plan.ToDelete)
	sort.Strings(plan.Missing)
	return plan
}

func toSet(paths, excluded []string) map[string]struct{} {
	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		n := NormalizePath(p)
		if n == "" || Excluded(n, excluded) {
			continue
		}
		out[n] = struct{}{}
	}
	return out
}
