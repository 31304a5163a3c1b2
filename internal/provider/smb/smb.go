// Package smb implements the provider contract for SMB/CIFS shares
// (NAS devices) via go-smb2.
package smb

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hirochachacha/go-smb2"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/provider"
)

// TypeTag identifies this backend in the registry.
const TypeTag = "smb"

const defaultPort = 445

// Provider is an authenticated handle to one SMB share.
type Provider struct {
	share  string
	logger *zap.Logger
	retry  *provider.RetryPolicy

	mu      sync.RWMutex
	conn    net.Conn
	session *smb2.Session
	fs      *smb2.Share
}

// New creates an unauthenticated SMB provider. Config.Bucket names the
// share to mount.
func New(cfg provider.Config, logger *zap.Logger) (provider.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		share:  cfg.Bucket,
		logger: logger.With(zap.String("component", "smb")),
		retry:  provider.DefaultRetryPolicy(logger),
	}, nil
}

// Type implements provider.Provider.
func (p *Provider) Type() string { return TypeTag }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsMove:    true,
		SupportsCopy:    false, // no server-side copy in SMB2 basic dialect
		SupportsSearch:  true,
		SupportsQuota:   false,
		SupportsFolders: true,
	}
}

// Authenticate dials the server, starts an NTLM session and mounts the
// share. On error no session is left behind.
func (p *Provider) Authenticate(ctx context.Context, creds provider.Credentials, cfg provider.Config) error {
	if creds.Kind != provider.AuthAccount {
		return provider.Errorf(provider.ErrKindInvalidOperation, "smb requires account credentials, got %s", creds.Kind)
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	if cfg.Bucket != "" {
		p.share = cfg.Bucket
	}
	if p.share == "" {
		return provider.NewError(provider.ErrKindInvalidOperation, "smb requires a share name", nil)
	}

	port := creds.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf("%s:%d", creds.Host, port)

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	p.logger.Info("connecting to SMB server",
		zap.String("addr", addr),
		zap.String("share", p.share))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return provider.NewError(provider.ErrKindNetwork, "dial "+addr, err)
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     creds.Username,
			Password: creds.Password,
		},
	}
	session, err := d.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return provider.NewError(provider.ErrKindAuth, "SMB session setup failed", err)
	}

	fs, err := session.Mount(p.share)
	if err != nil {
		session.Logoff()
		conn.Close()
		return provider.NewError(provider.ErrKindAuthorization, "mount share "+p.share, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.session = session
	p.fs = fs
	p.mu.Unlock()

	p.logger.Info("connected to SMB server", zap.String("addr", addr))
	return nil
}

// TestConnection stats the share root.
func (p *Provider) TestConnection(ctx context.Context) bool {
	fs, err := p.mounted()
	if err != nil {
		return false
	}
	_, statErr := fs.Stat(".")
	return statErr == nil
}

// ListFiles implements provider.Provider.
func (p *Provider) ListFiles(ctx context.Context, dirPath string, filter *provider.Filter) ([]provider.FileInfo, error) {
	fs, err := p.mounted()
	if err != nil {
		return nil, err
	}
	norm, rel, err := resolve(dirPath)
	if err != nil {
		return nil, err
	}
	matcher, err := provider.CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	var entries []os.FileInfo
	err = p.retry.Do(ctx, "smb list "+norm, func() error {
		var listErr error
		entries, listErr = fs.ReadDir(rel)
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
	fs, err := p.mounted()
	if err != nil {
		return nil, err
	}
	norm, rel, err := resolve(filePath)
	if err != nil {
		return nil, err
	}

	info, statErr := fs.Stat(rel)
	if statErr != nil {
		return nil, mapError(statErr, norm)
	}
	fi := toFileInfo(norm, info)
	return &fi, nil
}

// CreateFolder implements provider.Provider.
func (p *Provider) CreateFolder(ctx context.Context, dirPath string) error {
	fs, err := p.mounted()
	if err != nil {
		return err
	}
	norm, rel, err := resolve(dirPath)
	if err != nil {
		return err
	}
	if mkErr := fs.MkdirAll(rel, 0o755); mkErr != nil {
		return mapError(mkErr, norm)
	}
	return nil
}

// DownloadFile implements provider.Provider.
func (p *Provider) DownloadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	fs, err := p.mounted()
	if err != nil {
		return nil, err
	}
	norm, rel, err := resolve(filePath)
	if err != nil {
		return nil, err
	}

	f, openErr := fs.Open(rel)
	if openErr != nil {
		return nil, mapError(openErr, norm)
	}
	return f, nil
}

// UploadFile implements provider.Provider.
func (p *Provider) UploadFile(ctx context.Context, filePath string, r io.Reader, opts *provider.UploadOptions) error {
	fs, err := p.mounted()
	if err != nil {
		return err
	}
	norm, rel, err := resolve(filePath)
	if err != nil {
		return err
	}

	if opts != nil && !opts.Overwrite {
		if _, statErr := fs.Stat(rel); statErr == nil {
			return provider.Errorf(provider.ErrKindAlreadyExists, "destination exists: %s", norm)
		}
	}

	if dir := path.Dir(rel); dir != "." {
		_ = fs.MkdirAll(dir, 0o755)
	}

	f, createErr := fs.Create(rel)
	if createErr != nil {
		return mapError(createErr, norm)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		fs.Remove(rel)
		return mapError(err, norm)
	}
	if err := f.Close(); err != nil {
		return mapError(err, norm)
	}
	return nil
}

// DeleteFile implements provider.Provider.
func (p *Provider) DeleteFile(ctx context.Context, filePath string) error {
	fs, err := p.mounted()
	if err != nil {
		return err
	}
	norm, rel, err := resolve(filePath)
	if err != nil {
		return err
	}
	if rmErr := fs.Remove(rel); rmErr != nil {
		return mapError(rmErr, norm)
	}
	return nil
}

// MoveFile implements provider.Provider.
func (p *Provider) MoveFile(ctx context.Context, src, dst string) error {
	fs, err := p.mounted()
	if err != nil {
		return err
	}
	srcNorm, srcRel, err := resolve(src)
	if err != nil {
		return err
	}
	_, dstRel, err := resolve(dst)
	if err != nil {
		return err
	}
	if dir := path.Dir(dstRel); dir != "." {
		_ = fs.MkdirAll(dir, 0o755)
	}
	if mvErr := fs.Rename(srcRel, dstRel); mvErr != nil {
		return mapError(mvErr, srcNorm)
	}
	return nil
}

// CopyFile is not supported server-side; callers stream through the
// relay instead.
func (p *Provider) CopyFile(ctx context.Context, src, dst string) error {
	return provider.Unsupported(TypeTag, "copy")
}

// SearchFiles walks the share under path matching names against query.
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

// GetQuota is not exposed by the SMB2 dialect in use.
func (p *Provider) GetQuota(ctx context.Context) (*provider.Quota, error) {
	return nil, provider.Unsupported(TypeTag, "quota")
}

// Disconnect unmounts the share and tears the session down.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fs != nil {
		if err := p.fs.Umount(); err != nil {
			p.logger.Warn("failed to unmount share", zap.Error(err))
		}
		p.fs = nil
	}
	if p.session != nil {
		if err := p.session.Logoff(); err != nil {
			p.logger.Warn("failed to logoff session", zap.Error(err))
		}
		p.session = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close connection", zap.Error(err))
		}
		p.conn = nil
	}
	return nil
}

func (p *Provider) mounted() (*smb2.Share, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fs == nil {
		return nil, provider.NewError(provider.ErrKindAuth, "provider not authenticated", nil)
	}
	return p.fs, nil
}

// resolve normalizes the path and converts it to the share-relative
// form go-smb2 expects ("." for root).
func resolve(p string) (norm, rel string, err error) {
	norm, err = provider.NormalizePath(p)
	if err != nil {
		return "", "", err
	}
	rel = strings.TrimPrefix(norm, "/")
	if rel == "" {
		rel = "."
	}
	return norm, rel, nil
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
	}
	return fi
}

// mapError normalizes go-smb2 errors into the shared taxonomy. The
// library surfaces os-style errors for the common cases and message
// text for the rest.
func mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return provider.NewError(provider.ErrKindNotFound, path, err)
	case os.IsExist(err):
		return provider.NewError(provider.ErrKindAlreadyExists, path, err)
	case os.IsPermission(err):
		return provider.NewError(provider.ErrKindAuthorization, path, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "i/o"):
		return provider.NewError(provider.ErrKindNetwork, path, err)
	case strings.Contains(msg, "disk full"), strings.Contains(msg, "quota"):
		return provider.NewError(provider.ErrKindInsufficientStorage, path, err)
	default:
		return &provider.Error{Kind: provider.ErrKindAPI, Message: "smb: " + path, Err: err}
	}
}
