package provider

import (
	"testing"
	"time"
)

func file(name, path string, size int64, mod time.Time) FileInfo {
	return FileInfo{ID: path, Name: name, Path: path, Size: size, ModTime: mod}
}

func TestMatcherNilFilterAcceptsEverything(t *testing.T) {
	m, err := CompileFilter(nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !m.Match(file("a.txt", "/a.txt", 10, time.Now())) {
		t.Error("nil filter should accept everything")
	}
}

func TestMatcherIncludeExclude(t *testing.T) {
	m, err := CompileFilter(&Filter{
		Include: []string{"*.txt", "*.md"},
		Exclude: []string{"secret*"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	now := time.Now()
	tests := []struct {
		name string
		fi   FileInfo
		want bool
	}{
		{"txt included", file("a.txt", "/a.txt", 1, now), true},
		{"md included", file("notes.md", "/notes.md", 1, now), true},
		{"jpg not included", file("pic.jpg", "/pic.jpg", 1, now), false},
		{"excluded wins", file("secret.txt", "/secret.txt", 1, now), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Match(tt.fi); got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", tt.fi.Name, got, tt.want)
			}
		})
	}
}

func TestMatcherSizeBounds(t *testing.T) {
	m, _ := CompileFilter(&Filter{MinSize: 10, MaxSize: 100})
	now := time.Now()

	if m.Match(file("small", "/small", 5, now)) {
		t.Error("below MinSize should be rejected")
	}
	if m.Match(file("big", "/big", 500, now)) {
		t.Error("above MaxSize should be rejected")
	}
	if !m.Match(file("ok", "/ok", 50, now)) {
		t.Error("within bounds should pass")
	}
}

func TestMatcherModifiedBounds(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := CompileFilter(&Filter{ModifiedAfter: cutoff})

	if m.Match(file("old", "/old", 1, cutoff.Add(-time.Hour))) {
		t.Error("older than cutoff should be rejected")
	}
	if !m.Match(file("new", "/new", 1, cutoff.Add(time.Hour))) {
		t.Error("newer than cutoff should pass")
	}
}

func TestMatcherDirectoriesAlwaysPass(t *testing.T) {
	m, _ := CompileFilter(&Filter{Include: []string{"*.txt"}})
	dir := FileInfo{Name: "photos", Path: "/photos", IsDir: true}
	if !m.Match(dir) {
		t.Error("directories must stay visible for traversal")
	}
}

func TestMatcherDoubleStarCrossesSeparators(t *testing.T) {
	m, _ := CompileFilter(&Filter{Exclude: []string{"**/node_modules/**"}})
	fi := file("x.js", "/app/node_modules/x.js", 1, time.Now())
	if m.Match(fi) {
		t.Error("** pattern should match across separators")
	}
}

func TestCompileFilterEscapesRegexMetacharacters(t *testing.T) {
	m, err := CompileFilter(&Filter{Include: []string{"a[.txt", "b(1).txt"}})
	if err != nil {
		t.Fatalf("metacharacters should be escaped, not break compilation: %v", err)
	}
	if !m.Match(file("b(1).txt", "/b(1).txt", 1, time.Now())) {
		t.Error("literal parentheses should match themselves")
	}
	if m.Match(file("b1.txt", "/b1.txt", 1, time.Now())) {
		t.Error("parentheses must not act as regex groups")
	}
}
