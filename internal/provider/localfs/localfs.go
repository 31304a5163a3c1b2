// Package localfs implements the provider contract over a local
// directory tree. It is the reference backend: fully featured, fast,
// and the one the engine tests run against.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/provider"
)

// TypeTag identifies this backend in the registry.
const TypeTag = "localfs"

// Provider serves files from a root directory. Paths are normalized
// remote paths resolved under the root.
type Provider struct {
	root   string
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
}

// New creates an unauthenticated localfs provider. Config.Endpoint is
// the root directory.
func New(cfg provider.Config, logger *zap.Logger) (provider.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		root:   cfg.Endpoint,
		logger: logger.With(zap.String("component", "localfs")),
	}, nil
}

// Type implements provider.Provider.
func (p *Provider) Type() string { return TypeTag }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsMove:      true,
		SupportsCopy:      true,
		SupportsSearch:    true,
		SupportsQuota:     false,
		SupportsFolders:   true,
		ChecksumAlgorithm: "sha256",
	}
}

// Authenticate verifies the root directory exists and is readable.
func (p *Provider) Authenticate(ctx context.Context, creds provider.Credentials, cfg provider.Config) error {
	if cfg.Endpoint != "" {
		p.root = cfg.Endpoint
	}
	if p.root == "" {
		return provider.NewError(provider.ErrKindInvalidOperation, "localfs requires a root directory", nil)
	}

	info, err := os.Stat(p.root)
	if err != nil {
		return mapError(err, p.root)
	}
	if !info.IsDir() {
		return provider.Errorf(provider.ErrKindInvalidOperation, "root is not a directory: %s", p.root)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Debug("authenticated", zap.String("root", p.root))
	return nil
}

// TestConnection implements provider.Provider.
func (p *Provider) TestConnection(ctx context.Context) bool {
	_, err := os.Stat(p.root)
	return err == nil
}

// ListFiles implements provider.Provider.
func (p *Provider) ListFiles(ctx context.Context, path string, filter *provider.Filter) ([]provider.FileInfo, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	norm, local, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	matcher, err := provider.CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(local)
	if err != nil {
		return nil, mapError(err, norm)
	}

	files := make([]provider.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fi := p.toFileInfo(provider.JoinPath(norm, entry.Name()), info)
		if matcher.Match(fi) {
			files = append(files, fi)
		}
	}
	return files, nil
}

// GetFileInfo implements provider.Provider.
func (p *Provider) GetFileInfo(ctx context.Context, path string) (*provider.FileInfo, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	norm, local, err := p.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(local)
	if err != nil {
		return nil, mapError(err, norm)
	}
	fi := p.toFileInfo(norm, info)
	return &fi, nil
}

// CreateFolder implements provider.Provider.
func (p *Provider) CreateFolder(ctx context.Context, path string) error {
	if err := p.ready(); err != nil {
		return err
	}
	norm, local, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(local, 0o755); err != nil {
		return mapError(err, norm)
	}
	return nil
}

// DownloadFile implements provider.Provider.
func (p *Provider) DownloadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	norm, local, err := p.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, mapError(err, norm)
	}
	return f, nil
}

// UploadFile implements provider.Provider.
func (p *Provider) UploadFile(ctx context.Context, path string, r io.Reader, opts *provider.UploadOptions) error {
	if err := p.ready(); err != nil {
		return err
	}
	norm, local, err := p.resolve(path)
	if err != nil {
		return err
	}

	if opts != nil && !opts.Overwrite {
		if _, statErr := os.Stat(local); statErr == nil {
			return provider.Errorf(provider.ErrKindAlreadyExists, "destination exists: %s", norm)
		}
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return mapError(err, norm)
	}

	f, err := os.Create(local)
	if err != nil {
		return mapError(err, norm)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(local)
		return mapError(err, norm)
	}
	if err := f.Close(); err != nil {
		return mapError(err, norm)
	}

	if opts != nil && !opts.ModTime.IsZero() {
		_ = os.Chtimes(local, opts.ModTime, opts.ModTime)
	}
	return nil
}

// DeleteFile implements provider.Provider.
func (p *Provider) DeleteFile(ctx context.Context, path string) error {
	if err := p.ready(); err != nil {
		return err
	}
	norm, local, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(local); err != nil {
		return mapError(err, norm)
	}
	return nil
}

// MoveFile implements provider.Provider.
func (p *Provider) MoveFile(ctx context.Context, src, dst string) error {
	if err := p.ready(); err != nil {
		return err
	}
	srcNorm, srcLocal, err := p.resolve(src)
	if err != nil {
		return err
	}
	_, dstLocal, err := p.resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstLocal), 0o755); err != nil {
		return mapError(err, dst)
	}
	if err := os.Rename(srcLocal, dstLocal); err != nil {
		return mapError(err, srcNorm)
	}
	return nil
}

// CopyFile implements provider.Provider.
func (p *Provider) CopyFile(ctx context.Context, src, dst string) error {
	if err := p.ready(); err != nil {
		return err
	}
	srcNorm, srcLocal, err := p.resolve(src)
	if err != nil {
		return err
	}
	_, dstLocal, err := p.resolve(dst)
	if err != nil {
		return err
	}

	in, err := os.Open(srcLocal)
	if err != nil {
		return mapError(err, srcNorm)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dstLocal), 0o755); err != nil {
		return mapError(err, dst)
	}
	out, err := os.Create(dstLocal)
	if err != nil {
		return mapError(err, dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dstLocal)
		return mapError(err, dst)
	}
	return out.Close()
}

// SearchFiles walks the tree under path matching names against query
// (case-insensitive substring).
func (p *Provider) SearchFiles(ctx context.Context, query, path string, filter *provider.Filter) ([]provider.FileInfo, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if path == "" {
		path = "/"
	}
	norm, local, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	matcher, err := provider.CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var results []provider.FileInfo

	walkErr := filepath.WalkDir(local, func(fsPath string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fsPath == local {
			return nil
		}
		if !strings.Contains(strings.ToLower(d.Name()), needle) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(local, fsPath)
		if err != nil {
			return nil
		}
		fi := p.toFileInfo(provider.JoinPath(norm, filepath.ToSlash(rel)), info)
		if matcher.Match(fi) {
			results = append(results, fi)
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return nil, mapError(walkErr, norm)
	}
	return results, nil
}

// GetQuota is not meaningful for a plain directory tree.
func (p *Provider) GetQuota(ctx context.Context) (*provider.Quota, error) {
	return nil, provider.Unsupported(TypeTag, "quota")
}

// Disconnect implements provider.Provider.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Checksum computes the sha256 digest of a file under the root. Exposed
// for integrity verification after transfers.
func (p *Provider) Checksum(path string) (string, error) {
	_, local, err := p.resolve(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(local)
	if err != nil {
		return "", mapError(err, path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", mapError(err, path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Provider) ready() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return provider.NewError(provider.ErrKindAuth, "provider not authenticated", nil)
	}
	return nil
}

// resolve normalizes the remote path and maps it under the root.
func (p *Provider) resolve(path string) (norm string, local string, err error) {
	norm, err = provider.NormalizePath(path)
	if err != nil {
		return "", "", err
	}
	local = filepath.Join(p.root, filepath.FromSlash(strings.TrimPrefix(norm, "/")))
	return norm, local, nil
}

func (p *Provider) toFileInfo(normPath string, info os.FileInfo) provider.FileInfo {
	fi := provider.FileInfo{
		ID:      normPath,
		Name:    info.Name(),
		Path:    normPath,
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
	if !info.IsDir() {
		fi.Size = info.Size()
		fi.MIMEType = mime.TypeByExtension(filepath.Ext(info.Name()))
	}
	return fi
}

// mapError normalizes os errors into the shared taxonomy.
func mapError(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return provider.NewError(provider.ErrKindNotFound, path, err)
	case os.IsExist(err):
		return provider.NewError(provider.ErrKindAlreadyExists, path, err)
	case os.IsPermission(err):
		return provider.NewError(provider.ErrKindAuthorization, path, err)
	default:
		return &provider.Error{Kind: provider.ErrKindAPI, Message: fmt.Sprintf("localfs: %s", path), Err: err}
	}
}
