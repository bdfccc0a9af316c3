package models

import (
	"errors"
	"testing"

	"github.com/starford/folio/internal/apperr"
)

func TestNormalizeAssetPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"img.png", "img.png"},
		{"/img.png", "img.png"},
		{`sub\dir\a.png`, "sub/dir/a.png"},
		{"./a/../b.png", "b.png"},
		{"a//b.png", "a/b.png"},
		{"", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAssetPath(tt.in); got != tt.want {
			t.Errorf("NormalizeAssetPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	m := &Manifest{
		Pages: []Page{
			{Route: "/a", RelativePath: "a.html"},
			{Route: "/b", RelativePath: "b.html"},
		},
		Assets: []Asset{{Path: "img.png"}},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_DuplicateRoute(t *testing.T) {
	m := &Manifest{Pages: []Page{
		{Route: "/a", RelativePath: "a.html"},
		{Route: "/a", RelativePath: "a2.html"},
	}}
	err := m.Validate()
	if !errors.Is(err, apperr.ErrInvalidManifest) {
		t.Fatalf("err = %v, want ErrInvalidManifest", err)
	}
}

func TestValidate_DuplicateAssetAfterNormalization(t *testing.T) {
	m := &Manifest{Pages: []Page{}, Assets: []Asset{{Path: "a.png"}, {Path: "/a.png"}}}
	if err := m.Validate(); !errors.Is(err, apperr.ErrInvalidManifest) {
		t.Fatalf("err = %v, want ErrInvalidManifest", err)
	}
}

func TestValidate_BadPage(t *testing.T) {
	cases := []Page{
		{Route: "relative", RelativePath: "a.html"},
		{Route: "/a", RelativePath: ""},
		{Route: "/a", RelativePath: "../escape.html"},
	}
	for _, p := range cases {
		m := &Manifest{Pages: []Page{p}}
		if err := m.Validate(); err == nil {
			t.Errorf("expected error for page %+v", p)
		}
	}
}

func TestPipelineSignatureEqual(t *testing.T) {
	a := &PipelineSignature{Version: "1.0.0", RenderSettingsHash: "h1"}
	b := &PipelineSignature{Version: "1.0.0", RenderSettingsHash: "h1"}
	c := &PipelineSignature{Version: "1.1.0", RenderSettingsHash: "h2"}
	if !a.Equal(b) {
		t.Error("identical signatures should be equal")
	}
	if a.Equal(c) {
		t.Error("different signatures should not be equal")
	}
	var n *PipelineSignature
	if !n.Equal(nil) || n.Equal(a) {
		t.Error("nil signature comparison wrong")
	}
}
