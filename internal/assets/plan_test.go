package assets

import (
	"reflect"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"img/a.png", "img/a.png"},
		{"/img/a.png", "img/a.png"},
		{"./img/a.png", "img/a.png"},
		{`img\sub\a.png`, "img/sub/a.png"},
		{"img//a.png", "img/a.png"},
		{"IMG/A.png", "IMG/A.png"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExcluded(t *testing.T) {
	prefixes := []string{".staging", "/_raw-notes/"}
	tests := []struct {
		path string
		want bool
	}{
		{".staging/s1/a.png", true},
		{".staging", true},
		{"_raw-notes/cache.json", true},
		{"_raw-notes-extra/a.png", false},
		{"img/.staging/a.png", false},
		{"a.png", false},
	}
	for _, tt := range tests {
		if got := Excluded(tt.path, prefixes); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name                          string
		referenced, staged, production []string
		excluded                      []string
		want                          Plan
	}{
		{
			name:       "new reused obsolete",
			referenced: []string{"a.png", "d.webp"},
			staged:     []string{"d.webp"},
			production: []string{"a.png", "b.jpg", "c.gif"},
			want: Plan{
				ToCopy:   []string{"d.webp"},
				ToKeep:   []string{"a.png"},
				ToDelete: []string{"b.jpg", "c.gif"},
			},
		},
		{
			name:       "staged overwrites production copy",
			referenced: []string{"a.png"},
			staged:     []string{"a.png"},
			production: []string{"a.png"},
			want:       Plan{ToCopy: []string{"a.png"}},
		},
		{
			name:       "unreferenced staged file is still copied",
			staged:     []string{"extra.png"},
			production: []string{"old.png"},
			want:       Plan{ToCopy: []string{"extra.png"}, ToDelete: []string{"old.png"}},
		},
		{
			name:       "missing references reported",
			referenced: []string{"ghost.png", "/img/a.png"},
			production: []string{"img/a.png"},
			want:       Plan{ToKeep: []string{"img/a.png"}, Missing: []string{"ghost.png"}},
		},
		{
			name:       "excluded prefixes never planned",
			referenced: []string{"_raw-notes/x.json"},
			staged:     []string{"_raw-notes/y.json", "a.png"},
			production: []string{".staging/s1/z.png", "_raw-notes/x.json", "a.png"},
			excluded:   []string{".staging", "_raw-notes"},
			want:       Plan{ToCopy: []string{"a.png"}},
		},
		{
			name:       "case sensitive",
			referenced: []string{"Photo.PNG"},
			production: []string{"photo.png", "Photo.PNG"},
			want:       Plan{ToKeep: []string{"Photo.PNG"}, ToDelete: []string{"photo.png"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildPlan(tt.referenced, tt.staged, tt.production, tt.excluded)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildPlan =\n %+v\nwant\n %+v", got, tt.want)
			}
		})
	}
}
