package manifest

import (
	"bytes"
	"fmt"
	"html/template"
	"path"
	"sort"
	"strings"

	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// IndexFileName is written once per folder implied by page routes.
const IndexFileName = "index.html"

// Folder is one node of the route-derived folder tree.
type Folder struct {
	Route    string
	Name     string
	Pages    []models.Page
	Children []*Folder
}

// PageCount returns the number of listed pages directly in f.
func (f *Folder) PageCount() int { return len(f.Pages) }

// FolderCount returns the number of direct subfolders of f.
func (f *Folder) FolderCount() int { return len(f.Children) }

// IndexFolder returns the folder route a custom index page stands for.
// "/guide/index" and "/guide" (with IsCustomIndex) both index "/guide".
func IndexFolder(p models.Page) string {
	r := cleanRoute(p.Route)
	if path.Base(r) == "index" {
		return path.Dir(r)
	}
	return r
}

func isIndexPage(p models.Page) bool {
	return p.IsCustomIndex || p.Slug == "index" || path.Base(cleanRoute(p.Route)) == "index"
}

func cleanRoute(r string) string {
	return path.Clean("/" + strings.TrimLeft(r, "/"))
}

// BuildTree derives the folder tree strictly from page routes. Index pages
// imply their folder but are not listed as entries. Subfolders are sorted by
// display name and pages by title, both falling back to route.
func BuildTree(pages []models.Page, displayNames map[string]string) *Folder {
	folders := map[string]*Folder{"/": {Route: "/", Name: label("/", displayNames)}}

	var ensure func(route string) *Folder
	ensure = func(route string) *Folder {
		if f, ok := folders[route]; ok {
			return f
		}
		f := &Folder{Route: route, Name: label(route, displayNames)}
		folders[route] = f
		parent := ensure(path.Dir(route))
		parent.Children = append(parent.Children, f)
		return f
	}

	for _, p := range pages {
		if isIndexPage(p) {
			ensure(IndexFolder(p))
			continue
		}
		f := ensure(path.Dir(cleanRoute(p.Route)))
		f.Pages = append(f.Pages, p)
	}

	for _, f := range folders {
		sort.Slice(f.Children, func(i, j int) bool {
			a, b := f.Children[i], f.Children[j]
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Route < b.Route
		})
		sort.Slice(f.Pages, func(i, j int) bool {
			a, b := pageTitle(f.Pages[i]), pageTitle(f.Pages[j])
			if a != b {
				return a < b
			}
			return f.Pages[i].Route < f.Pages[j].Route
		})
	}
	return folders["/"]
}

// Walk visits f and all descendants depth-first.
func (f *Folder) Walk(fn func(*Folder) error) error {
	if err := fn(f); err != nil {
		return err
	}
	for _, c := range f.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

func label(route string, displayNames map[string]string) string {
	if name, ok := displayNames[route]; ok && name != "" {
		return name
	}
	if route == "/" {
		return "Home"
	}
	return path.Base(route)
}

func pageTitle(p models.Page) string {
	if p.Title != "" {
		return p.Title
	}
	if p.Slug != "" {
		return p.Slug
	}
	return path.Base(p.Route)
}

// IndexPath returns the file path (relative to the content root) of a folder's index.
func IndexPath(folderRoute string) string {
	trimmed := strings.Trim(folderRoute, "/")
	if trimmed == "" {
		return IndexFileName
	}
	return trimmed + "/" + IndexFileName
}

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"title": pageTitle,
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Folder.Name}}</title></head>
<body>
<main class="folder-index" data-route="{{.Folder.Route}}">
<h1>{{.Folder.Name}}</h1>
{{- if .Custom}}
<section class="custom-index">{{.Custom}}</section>
{{- end}}
{{- if .Folder.Children}}
<ul class="folders">
{{- range .Folder.Children}}
<li><a href="{{.Route}}">{{.Name}}</a> <span class="counts">{{.PageCount}} pages, {{.FolderCount}} folders</span></li>
{{- end}}
</ul>
{{- end}}
{{- if .Folder.Pages}}
<ul class="pages">
{{- range .Folder.Pages}}
<li><a href="{{.Route}}">{{title .}}</a></li>
{{- end}}
</ul>
{{- end}}
</main>
</body>
</html>
`))

// RenderIndex renders the index HTML of one folder. custom is inserted verbatim.
func RenderIndex(f *Folder, custom string) ([]byte, error) {
	var buf bytes.Buffer
	err := indexTmpl.Execute(&buf, struct {
		Folder *Folder
		Custom template.HTML
	}{Folder: f, Custom: template.HTML(custom)}) //nolint:gosec // custom index content is rendered site HTML
	if err != nil {
		return nil, fmt.Errorf("manifest: render index %s: %w", f.Route, err)
	}
	return buf.Bytes(), nil
}

// RebuildIndex writes an index.html for every folder implied by m's routes.
// custom maps a folder route to HTML shown on that folder's index only.
// A folder whose index path is a page's own file is left alone: the page
// is that folder's index.
func RebuildIndex(tree storage.Provider, m *models.Manifest, custom map[string]string) error {
	owned := make(map[string]struct{}, len(m.Pages))
	for _, p := range m.Pages {
		owned[models.NormalizeAssetPath(p.RelativePath)] = struct{}{}
	}
	root := BuildTree(m.Pages, m.FolderDisplayNames)
	return root.Walk(func(f *Folder) error {
		if _, ok := owned[IndexPath(f.Route)]; ok {
			return nil
		}
		data, err := RenderIndex(f, custom[f.Route])
		if err != nil {
			return err
		}
		if err := tree.Write(IndexPath(f.Route), data); err != nil {
			return fmt.Errorf("manifest: write index %s: %w", f.Route, err)
		}
		return nil
	})
}
