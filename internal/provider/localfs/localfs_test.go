package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/provider"
)

func newTestProvider(t *testing.T) (provider.Provider, string) {
	t.Helper()
	root := t.TempDir()
	p, err := New(provider.Config{Endpoint: root}, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Authenticate(context.Background(), provider.Credentials{Kind: provider.AuthBasic, Endpoint: root, Username: "test"}, provider.Config{Endpoint: root}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return p, root
}

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticateMissingRoot(t *testing.T) {
	p, _ := New(provider.Config{Endpoint: "/nonexistent/coralsync-test"}, zap.NewNop())
	err := p.Authenticate(context.Background(), provider.Credentials{}, provider.Config{Endpoint: "/nonexistent/coralsync-test"})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	if !provider.IsKind(err, provider.ErrKindNotFound) {
		t.Errorf("kind = %s, want not_found", provider.KindOf(err))
	}
}

func TestUnauthenticatedCallsFail(t *testing.T) {
	root := t.TempDir()
	p, _ := New(provider.Config{Endpoint: root}, zap.NewNop())
	_, err := p.ListFiles(context.Background(), "/", nil)
	if !provider.IsKind(err, provider.ErrKindAuth) {
		t.Errorf("unauthenticated call kind = %s, want authentication", provider.KindOf(err))
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	content := "hello coral"
	err := p.UploadFile(ctx, "/docs/a.txt", strings.NewReader(content), &provider.UploadOptions{Size: int64(len(content)), Overwrite: true})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	rc, err := p.DownloadFile(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != content {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestUploadNoOverwrite(t *testing.T) {
	p, root := newTestProvider(t)
	writeLocal(t, root, "a.txt", "original")

	err := p.UploadFile(context.Background(), "/a.txt", strings.NewReader("new"), &provider.UploadOptions{Overwrite: false})
	if !provider.IsKind(err, provider.ErrKindAlreadyExists) {
		t.Errorf("kind = %s, want already_exists", provider.KindOf(err))
	}
}

func TestListFilesWithFilter(t *testing.T) {
	p, root := newTestProvider(t)
	writeLocal(t, root, "a.txt", "aa")
	writeLocal(t, root, "b.log", "bb")
	writeLocal(t, root, "sub/c.txt", "cc")

	files, err := p.ListFiles(context.Background(), "/", &provider.Filter{Include: []string{"*.txt"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	// a.txt passes the filter; sub stays visible as a directory.
	if len(files) != 2 {
		t.Fatalf("got %d entries (%v), want 2", len(files), names)
	}
	for _, f := range files {
		if f.Name == "b.log" {
			t.Error("b.log should be filtered out")
		}
		if f.IsDir && f.Name != "sub" {
			t.Errorf("unexpected directory %s", f.Name)
		}
	}
}

func TestGetFileInfo(t *testing.T) {
	p, root := newTestProvider(t)
	writeLocal(t, root, "docs/a.txt", "12345")

	fi, err := p.GetFileInfo(context.Background(), "docs/a.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Path != "/docs/a.txt" {
		t.Errorf("path = %q, want normalized /docs/a.txt", fi.Path)
	}
	if fi.Size != 5 {
		t.Errorf("size = %d, want 5", fi.Size)
	}
	if fi.IsDir {
		t.Error("IsDir = true for a file")
	}

	_, err = p.GetFileInfo(context.Background(), "/missing.txt")
	if !provider.IsKind(err, provider.ErrKindNotFound) {
		t.Errorf("missing file kind = %s, want not_found", provider.KindOf(err))
	}
}

func TestDirectoryInfoHasNoSize(t *testing.T) {
	p, root := newTestProvider(t)
	writeLocal(t, root, "photos/p.jpg", "xxxx")

	fi, err := p.GetFileInfo(context.Background(), "/photos")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !fi.IsDir {
		t.Fatal("expected directory")
	}
	if fi.Size != 0 || fi.Checksum != "" {
		t.Error("size and checksum must be absent for directories")
	}
}

func TestMoveAndCopy(t *testing.T) {
	p, root := newTestProvider(t)
	ctx := context.Background()
	writeLocal(t, root, "a.txt", "data")

	if err := p.CopyFile(ctx, "/a.txt", "/copy/a.txt"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if err := p.MoveFile(ctx, "/a.txt", "/moved/a.txt"); err != nil {
		t.Fatalf("move: %v", err)
	}

	if _, err := p.GetFileInfo(ctx, "/a.txt"); !provider.IsKind(err, provider.ErrKindNotFound) {
		t.Error("source should be gone after move")
	}
	for _, path := range []string{"/copy/a.txt", "/moved/a.txt"} {
		if _, err := p.GetFileInfo(ctx, path); err != nil {
			t.Errorf("%s missing: %v", path, err)
		}
	}
}

func TestDeleteFile(t *testing.T) {
	p, root := newTestProvider(t)
	writeLocal(t, root, "a.txt", "data")

	if err := p.DeleteFile(context.Background(), "/a.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := p.DeleteFile(context.Background(), "/a.txt")
	if !provider.IsKind(err, provider.ErrKindNotFound) {
		t.Errorf("double delete kind = %s, want not_found", provider.KindOf(err))
	}
}

func TestSearchFiles(t *testing.T) {
	p, root := newTestProvider(t)
	writeLocal(t, root, "report-2026.txt", "x")
	writeLocal(t, root, "sub/Report-old.txt", "y")
	writeLocal(t, root, "sub/notes.md", "z")

	results, err := p.SearchFiles(context.Background(), "report", "", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (case-insensitive)", len(results))
	}
}

func TestQuotaUnsupported(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.GetQuota(context.Background())
	if !provider.IsKind(err, provider.ErrKindUnsupported) {
		t.Errorf("kind = %s, want unsupported_operation", provider.KindOf(err))
	}
}

func TestUploadPreservesModTime(t *testing.T) {
	p, root := newTestProvider(t)
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	err := p.UploadFile(context.Background(), "/a.txt", strings.NewReader("x"), &provider.UploadOptions{ModTime: want, Overwrite: true})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(want) {
		t.Errorf("mod time = %v, want %v", info.ModTime(), want)
	}
}

func TestTraversalRejected(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.GetFileInfo(context.Background(), "/../etc/passwd")
	if err == nil {
		t.Fatal("parent-directory traversal must be rejected")
	}
	if !provider.IsKind(err, provider.ErrKindInvalidOperation) {
		t.Errorf("kind = %s, want invalid_operation", provider.KindOf(err))
	}
}
