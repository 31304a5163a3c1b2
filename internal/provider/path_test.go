package provider

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "/"},
		{"root", "/", "/"},
		{"simple", "/docs/a.txt", "/docs/a.txt"},
		{"missing leading slash", "docs/a.txt", "/docs/a.txt"},
		{"duplicate separators", "//docs///a.txt", "/docs/a.txt"},
		{"trailing slash", "/docs/", "/docs"},
		{"whitespace", "  /docs/a.txt  ", "/docs/a.txt"},
		{"backslashes", "\\docs\\a.txt", "/docs/a.txt"},
		{"dot segments", "/docs/./a.txt", "/docs/a.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePath(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizePathRejectsTraversal(t *testing.T) {
	inputs := []string{"..", "/..", "/docs/../secret", "../etc", "/a/b/.."}

	for _, input := range inputs {
		if _, err := NormalizePath(input); err == nil {
			t.Errorf("NormalizePath(%q) should reject parent-directory segment", input)
		} else if !IsKind(err, ErrKindInvalidOperation) {
			t.Errorf("NormalizePath(%q) error kind = %s, want %s", input, KindOf(err), ErrKindInvalidOperation)
		}
	}
}

func TestNormalizePathIdempotent(t *testing.T) {
	inputs := []string{"", "/", "docs/a.txt", "//a//b//", "  /x/y  ", "\\a\\b"}

	for _, input := range inputs {
		once, err := NormalizePath(input)
		if err != nil {
			t.Fatalf("first pass failed for %q: %v", input, err)
		}
		twice, err := NormalizePath(once)
		if err != nil {
			t.Fatalf("second pass failed for %q: %v", once, err)
		}
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", input, once, twice)
		}
		if len(twice) == 0 || twice[0] != '/' {
			t.Errorf("normalized path %q missing leading separator", twice)
		}
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		base string
		elem []string
		want string
	}{
		{"/", []string{"a.txt"}, "/a.txt"},
		{"/docs", []string{"sub", "a.txt"}, "/docs/sub/a.txt"},
		{"/docs/", []string{"/a.txt"}, "/docs/a.txt"},
		{"/docs", nil, "/docs"},
		{"", []string{"a"}, "/a"},
	}

	for _, tt := range tests {
		got := JoinPath(tt.base, tt.elem...)
		if got != tt.want {
			t.Errorf("JoinPath(%q, %v) = %q, want %q", tt.base, tt.elem, got, tt.want)
		}
	}
}

func TestRelPath(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"/src", "/src/a.txt", "a.txt"},
		{"/src", "/src/sub/b.txt", "sub/b.txt"},
		{"/", "/a.txt", "a.txt"},
		{"/src/", "/src/a.txt", "a.txt"},
	}

	for _, tt := range tests {
		got := RelPath(tt.base, tt.path)
		if got != tt.want {
			t.Errorf("RelPath(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

func TestBaseAndParent(t *testing.T) {
	if got := BaseName("/docs/a.txt"); got != "a.txt" {
		t.Errorf("BaseName = %q", got)
	}
	if got := ParentPath("/docs/a.txt"); got != "/docs" {
		t.Errorf("ParentPath = %q", got)
	}
	if got := ParentPath("/a.txt"); got != "/" {
		t.Errorf("ParentPath top-level = %q", got)
	}
}
