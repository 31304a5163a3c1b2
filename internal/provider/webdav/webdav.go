// Package webdav implements the provider contract for WebDAV servers
// (Nextcloud, ownCloud, generic DAV shares).
package webdav

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/provider"
)

// TypeTag identifies this backend in the registry.
const TypeTag = "webdav"

// Provider is an authenticated handle to one WebDAV endpoint.
type Provider struct {
	endpoint string
	logger   *zap.Logger
	retry    *provider.RetryPolicy

	mu     sync.RWMutex
	client *gowebdav.Client
}

// New creates an unauthenticated WebDAV provider. Config.Endpoint is
// the base URL including any path prefix.
func New(cfg provider.Config, logger *zap.Logger) (provider.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		endpoint: cfg.Endpoint,
		logger:   logger.With(zap.String("component", "webdav")),
		retry:    provider.DefaultRetryPolicy(logger),
	}, nil
}

// Type implements provider.Provider.
func (p *Provider) Type() string { return TypeTag }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsMove:    true, // MOVE method
		SupportsCopy:    true, // COPY method
		SupportsSearch:  true,
		SupportsQuota:   false,
		SupportsFolders: true,
	}
}

// Authenticate builds the client and probes the endpoint root.
func (p *Provider) Authenticate(ctx context.Context, creds provider.Credentials, cfg provider.Config) error {
	if creds.Kind != provider.AuthBasic {
		return provider.Errorf(provider.ErrKindInvalidOperation, "webdav requires basic credentials, got %s", creds.Kind)
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	if cfg.Endpoint != "" {
		p.endpoint = cfg.Endpoint
	}
	if p.endpoint == "" {
		return provider.NewError(provider.ErrKindInvalidOperation, "webdav requires an endpoint URL", nil)
	}

	client := gowebdav.NewClient(p.endpoint, creds.Username, creds.Password)
	if cfg.TimeoutSeconds > 0 {
		client.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)
	}
	if err := client.Connect(); err != nil {
		return mapError(err, p.endpoint)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info("connected to WebDAV endpoint", zap.String("endpoint", p.endpoint))
	return nil
}

// TestConnection stats the endpoint root.
func (p *Provider) TestConnection(ctx context.Context) bool {
	client, err := p.connected()
	if err != nil {
		return false
	}
	_, statErr := client.Stat("/")
	return statErr == nil
}

// ListFiles implements provider.Provider.
func (p *Provider) ListFiles(ctx context.Context, dirPath string, filter *provider.Filter) ([]provider.FileInfo, error) {
	client, err := p.connected()
	if err != nil {
		return nil, err
	}
	norm, err := provider.NormalizePath(dirPath)
	if err != nil {
		return nil, err
	}
	matcher, err := provider.CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	var entries []os.FileInfo
	err = p.retry.Do(ctx, "webdav list "+norm, func() error {
		var listErr error
		entries, listErr = client.ReadDir(norm)
		return mapError(listErr, norm)
	})
	if err != nil {
		return nil, err
	}

	files := make([]provider.FileInfo, 0, len(entries))
	for _, info := range entries {
		fi := toFileInfo(provider.JoinPath(norm, info.Name()), info)
		if matcher.Match(fi) {
			files = append(files, fi)
		}
	}
	return files, nil
}

// GetFileInfo implements provider.Provider.
func (p *Provider) GetFileInfo(ctx context.Context, filePath string) (*provider.FileInfo, error) {
	client, err := p.connected()
	if err != nil {
		return nil, err
	}
	norm, err := provider.NormalizePath(filePath)
	if err != nil {
		return nil, err
	}

	info, statErr := client.Stat(norm)
	if statErr != nil {
		return nil, mapError(statErr, norm)
	}
	fi := toFileInfo(norm, info)
	return &fi, nil
}

// CreateFolder implements provider.Provider.
func (p *Provider) CreateFolder(ctx context.Context, dirPath string) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	norm, err := provider.NormalizePath(dirPath)
	if err != nil {
		return err
	}
	if mkErr := client.MkdirAll(norm, 0o755); mkErr != nil {
		return mapError(mkErr, norm)
	}
	return nil
}

// DownloadFile implements provider.Provider.
func (p *Provider) DownloadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	client, err := p.connected()
	if err != nil {
		return nil, err
	}
	norm, err := provider.NormalizePath(filePath)
	if err != nil {
		return nil, err
	}

	rc, readErr := client.ReadStream(norm)
	if readErr != nil {
		return nil, mapError(readErr, norm)
	}
	return rc, nil
}

// UploadFile implements provider.Provider.
func (p *Provider) UploadFile(ctx context.Context, filePath string, r io.Reader, opts *provider.UploadOptions) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	norm, err := provider.NormalizePath(filePath)
	if err != nil {
		return err
	}

	if opts != nil && !opts.Overwrite {
		if _, statErr := client.Stat(norm); statErr == nil {
			return provider.Errorf(provider.ErrKindAlreadyExists, "destination exists: %s", norm)
		}
	}

	if parent := provider.ParentPath(norm); parent != "/" {
		_ = client.MkdirAll(parent, 0o755)
	}
	if writeErr := client.WriteStream(norm, r, 0o644); writeErr != nil {
		return mapError(writeErr, norm)
	}
	return nil
}

// DeleteFile implements provider.Provider.
func (p *Provider) DeleteFile(ctx context.Context, filePath string) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	norm, err := provider.NormalizePath(filePath)
	if err != nil {
		return err
	}

	// Remove is silent on missing targets. Stat first so callers can
	// tell a delete from a no-op.
	if _, statErr := client.Stat(norm); statErr != nil {
		return mapError(statErr, norm)
	}
	if rmErr := client.RemoveAll(norm); rmErr != nil {
		return mapError(rmErr, norm)
	}
	return nil
}

// MoveFile implements provider.Provider using the MOVE method.
func (p *Provider) MoveFile(ctx context.Context, src, dst string) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	srcNorm, err := provider.NormalizePath(src)
	if err != nil {
		return err
	}
	dstNorm, err := provider.NormalizePath(dst)
	if err != nil {
		return err
	}
	if mvErr := client.Rename(srcNorm, dstNorm, true); mvErr != nil {
		return mapError(mvErr, srcNorm)
	}
	return nil
}

// CopyFile implements provider.Provider using the COPY method.
func (p *Provider) CopyFile(ctx context.Context, src, dst string) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	srcNorm, err := provider.NormalizePath(src)
	if err != nil {
		return err
	}
	dstNorm, err := provider.NormalizePath(dst)
	if err != nil {
		return err
	}
	if cpErr := client.Copy(srcNorm, dstNorm, true); cpErr != nil {
		return mapError(cpErr, srcNorm)
	}
	return nil
}

// SearchFiles walks the tree under path matching names against query.
func (p *Provider) SearchFiles(ctx context.Context, query, dirPath string, filter *provider.Filter) ([]provider.FileInfo, error) {
	if dirPath == "" {
		dirPath = "/"
	}
	needle := strings.ToLower(query)
	matcher, err := provider.CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	var results []provider.FileInfo
	var walk func(dir string) error
	walk = func(dir string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, listErr := p.ListFiles(ctx, dir, nil)
		if listErr != nil {
			return listErr
		}
		for _, fi := range entries {
			if strings.Contains(strings.ToLower(fi.Name), needle) && matcher.Match(fi) {
				results = append(results, fi)
			}
			if fi.IsDir {
				if err := walk(fi.Path); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(dirPath); err != nil {
		return nil, err
	}
	return results, nil
}

// GetQuota is not uniformly exposed across DAV servers.
func (p *Provider) GetQuota(ctx context.Context) (*provider.Quota, error) {
	return nil, provider.Unsupported(TypeTag, "quota")
}

// Disconnect drops the client. DAV is stateless over HTTP.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
	return nil
}

func (p *Provider) connected() (*gowebdav.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, provider.NewError(provider.ErrKindAuth, "provider not authenticated", nil)
	}
	return p.client, nil
}

func toFileInfo(normPath string, info os.FileInfo) provider.FileInfo {
	fi := provider.FileInfo{
		ID:      normPath,
		Name:    info.Name(),
		Path:    normPath,
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
	if !info.IsDir() {
		fi.Size = info.Size()
		if dav, ok := info.(gowebdav.File); ok {
			fi.MIMEType = dav.ContentType()
			fi.Checksum = dav.ETag()
		}
	}
	return fi
}

// mapError converts gowebdav errors into the shared taxonomy. The
// library wraps HTTP failures in StatusError inside a PathError.
func mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	if gowebdav.IsErrNotFound(err) {
		return provider.NewError(provider.ErrKindNotFound, path, err)
	}
	var statusErr gowebdav.StatusError
	if errors.As(err, &statusErr) {
		return provider.FromHTTPStatus(statusErr.Status, path, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "eof") {
		return provider.NewError(provider.ErrKindNetwork, path, err)
	}
	return provider.NewError(provider.ErrKindAPI, path, err)
}
