// Package merge combines the production manifest with a session's staged manifest.
package merge

import (
	"sort"
	"time"

	"github.com/starford/folio/internal/models"
)

// Input holds the three merge inputs. Routes is the authoritative set of
// routes present in the vault; nil means the caller did not provide one.
type Input struct {
	Previous *models.Manifest
	Staged   *models.Manifest
	Routes   []string
	Now      time.Time
}

// Collision records a page dropped because another page claimed its route.
type Collision struct {
	Route   string
	Kept    models.Page
	Dropped models.Page
}

// Diff classifies every page touched by a merge. Route lists are sorted.
type Diff struct {
	Added      []string
	Updated    []string
	Unchanged  []string
	Preserved  []string
	Removed    []string
	Collisions []Collision
	// Renamed maps old route to new route for correlated pages whose route changed.
	Renamed map[string]string

	// PreservedPages are previous pages carried forward without re-render.
	PreservedPages []models.Page
	// RemovedPages are previous pages absent from the final manifest.
	RemovedPages []models.Page
}

// Result is the final manifest plus its diff against the previous one.
type Result struct {
	Manifest *models.Manifest
	Diff     Diff
}

type candidate struct {
	page   models.Page
	staged bool
}

// Merge computes the final manifest. It is pure: identical inputs yield an
// identical manifest apart from the timestamps taken from in.Now.
func Merge(in Input) Result {
	prev := in.Previous
	if prev == nil {
		prev = &models.Manifest{}
	}
	staged := in.Staged
	if staged == nil {
		staged = &models.Manifest{}
	}

	diff := Diff{Renamed: map[string]string{}}

	var routeSet map[string]struct{}
	if in.Routes != nil {
		routeSet = make(map[string]struct{}, len(in.Routes))
		for _, r := range in.Routes {
			routeSet[NormalizeRoute(r)] = struct{}{}
		}
	}

	prevByKey := map[string]models.Page{}
	for _, p := range prev.Pages {
		if c, ok := Correlate(p).(Correlated); ok {
			prevByKey[c.Key] = p
		}
	}

	// Staged pages always win over previous pages with the same key.
	// Duplicate staged keys: the last one wins.
	var candidates []candidate
	stagedIdx := map[string]int{}
	for _, p := range staged.Pages {
		switch c := Correlate(p).(type) {
		case Correlated:
			if i, dup := stagedIdx[c.Key]; dup {
				candidates[i].page = p
				continue
			}
			stagedIdx[c.Key] = len(candidates)
			candidates = append(candidates, candidate{page: p, staged: true})
		case Uncorrelated:
			candidates = append(candidates, candidate{page: p, staged: true})
		}
	}

	for _, p := range prev.Pages {
		if c, ok := Correlate(p).(Correlated); ok {
			if _, replaced := stagedIdx[c.Key]; replaced {
				continue
			}
		}
		if routeSet != nil {
			if _, present := routeSet[NormalizeRoute(p.Route)]; !present {
				diff.Removed = append(diff.Removed, p.Route)
				diff.RemovedPages = append(diff.RemovedPages, p)
				continue
			}
		}
		candidates = append(candidates, candidate{page: p})
	}

	survivors := resolveRoutes(candidates, &diff)

	pages := make([]models.Page, 0, len(survivors))
	for _, s := range survivors {
		pages = append(pages, s.page)
		if !s.staged {
			diff.Preserved = append(diff.Preserved, s.page.Route)
			diff.PreservedPages = append(diff.PreservedPages, s.page)
			continue
		}
		classifyStaged(s.page, prevByKey, &diff)
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Route < pages[j].Route })

	out := &models.Manifest{
		SessionID:          staged.SessionID,
		CreatedAt:          in.Now,
		LastUpdatedAt:      in.Now,
		Pages:              pages,
		PipelineSignature:  staged.PipelineSignature,
		FolderDisplayNames: unionMaps(prev.FolderDisplayNames, staged.FolderDisplayNames),
		CanonicalMap:       canonicalMap(prev.CanonicalMap, staged.CanonicalMap, diff.Renamed, pages),
		Assets:             mergeAssets(prev.Assets, staged.Assets, pages),
	}
	if !prev.CreatedAt.IsZero() {
		out.CreatedAt = prev.CreatedAt
	}

	for _, list := range [][]string{diff.Added, diff.Updated, diff.Unchanged, diff.Preserved, diff.Removed} {
		sort.Strings(list)
	}
	return Result{Manifest: out, Diff: diff}
}

// resolveRoutes keeps one page per route. Staged pages beat previous ones and
// a later staged page beats an earlier one. Losers are recorded as collisions;
// losing previous pages also count as removed.
func resolveRoutes(candidates []candidate, diff *Diff) []candidate {
	byRoute := map[string]int{}
	var out []candidate
	for _, c := range candidates {
		r := NormalizeRoute(c.page.Route)
		i, taken := byRoute[r]
		if !taken {
			byRoute[r] = len(out)
			out = append(out, c)
			continue
		}
		existing := out[i]
		kept, dropped := existing, c
		if c.staged && existing.staged {
			kept, dropped = c, existing
			out[i] = c
		}
		diff.Collisions = append(diff.Collisions, Collision{Route: r, Kept: kept.page, Dropped: dropped.page})
		if !dropped.staged {
			diff.Removed = append(diff.Removed, dropped.page.Route)
			diff.RemovedPages = append(diff.RemovedPages, dropped.page)
		}
	}
	return out
}

func classifyStaged(p models.Page, prevByKey map[string]models.Page, diff *Diff) {
	c, ok := Correlate(p).(Correlated)
	if !ok {
		diff.Added = append(diff.Added, p.Route)
		return
	}
	old, found := prevByKey[c.Key]
	switch {
	case !found:
		diff.Added = append(diff.Added, p.Route)
		return
	case old.SourceHash == p.SourceHash && old.Route == p.Route:
		diff.Unchanged = append(diff.Unchanged, p.Route)
	default:
		diff.Updated = append(diff.Updated, p.Route)
	}
	if NormalizeRoute(old.Route) != NormalizeRoute(p.Route) {
		diff.Renamed[old.Route] = p.Route
	}
}

func unionMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// canonicalMap unions previous and staged redirects (staged wins) and adds
// old→new entries for renamed pages. Existing redirects that targeted a
// renamed page's old route follow it. A live route is never a redirect source.
func canonicalMap(prev, staged, renamed map[string]string, pages []models.Page) map[string]string {
	out := unionMaps(prev, staged)
	if out == nil {
		out = make(map[string]string, len(renamed))
	}
	for k, v := range out {
		if moved, ok := renamed[v]; ok {
			out[k] = moved
		}
	}
	for oldRoute, newRoute := range renamed {
		out[oldRoute] = newRoute
	}

	live := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		live[NormalizeRoute(p.Route)] = struct{}{}
	}
	for k, v := range out {
		if _, ok := live[NormalizeRoute(k)]; ok || NormalizeRoute(k) == NormalizeRoute(v) {
			delete(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// mergeAssets returns staged assets plus previous assets still referenced by a
// surviving page. A surviving page with unknown references (nil Assets), staged
// or preserved, keeps every previous asset alive.
func mergeAssets(prev, staged []models.Asset, pages []models.Page) []models.Asset {
	byPath := map[string]models.Asset{}
	for _, a := range staged {
		byPath[models.NormalizeAssetPath(a.Path)] = withPath(a)
	}

	keepAll := false
	for _, p := range pages {
		if p.Assets == nil {
			keepAll = true
			break
		}
	}
	referenced := map[string]struct{}{}
	for _, p := range pages {
		for _, a := range p.Assets {
			referenced[models.NormalizeAssetPath(a)] = struct{}{}
		}
	}

	for _, a := range prev {
		key := models.NormalizeAssetPath(a.Path)
		if _, ok := byPath[key]; ok {
			continue
		}
		if _, ok := referenced[key]; ok || keepAll {
			byPath[key] = withPath(a)
		}
	}

	if len(byPath) == 0 {
		return nil
	}
	out := make([]models.Asset, 0, len(byPath))
	for _, a := range byPath {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func withPath(a models.Asset) models.Asset {
	a.Path = models.NormalizeAssetPath(a.Path)
	return a
}
