// Package minio implements the provider contract for S3-compatible
// object storage via the MinIO SDK.
package minio

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/provider"
)

// TypeTag identifies this backend in the registry.
const TypeTag = "minio"

// Provider is an authenticated handle to one bucket on an
// S3-compatible endpoint.
type Provider struct {
	endpoint string
	bucket   string
	secure   bool
	logger   *zap.Logger

	mu     sync.RWMutex
	client *minio.Client
}

// New creates an unauthenticated MinIO provider. Config.Endpoint is
// the host[:port], Config.Bucket the bucket to operate in.
func New(cfg provider.Config, logger *zap.Logger) (provider.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		endpoint: cfg.Endpoint,
		bucket:   cfg.Bucket,
		secure:   cfg.Secure,
		logger:   logger.With(zap.String("component", "minio")),
	}, nil
}

// Type implements provider.Provider.
func (p *Provider) Type() string { return TypeTag }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsMove:    true, // server-side copy then delete
		SupportsCopy:    true,
		SupportsSearch:  true,
		SupportsQuota:   false,
		SupportsFolders: true, // zero-byte marker objects
	}
}

// Authenticate builds the client and verifies the bucket is reachable.
func (p *Provider) Authenticate(ctx context.Context, creds provider.Credentials, cfg provider.Config) error {
	if creds.Kind != provider.AuthBasic {
		return provider.Errorf(provider.ErrKindInvalidOperation, "minio requires basic credentials, got %s", creds.Kind)
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	if cfg.Endpoint != "" {
		p.endpoint = cfg.Endpoint
	}
	if cfg.Bucket != "" {
		p.bucket = cfg.Bucket
	}
	if p.endpoint == "" || p.bucket == "" {
		return provider.NewError(provider.ErrKindInvalidOperation, "minio requires an endpoint and a bucket", nil)
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(p.endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(creds.Username, creds.Password, ""),
		Secure:       p.secure,
		Transport:    tr,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return provider.NewError(provider.ErrKindAPI, "initialize MinIO client", err)
	}

	exists, err := client.BucketExists(ctx, p.bucket)
	if err != nil {
		return mapError(err, p.bucket)
	}
	if !exists {
		return provider.Errorf(provider.ErrKindNotFound, "bucket does not exist: %s", p.bucket)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info("connected to object storage",
		zap.String("endpoint", p.endpoint),
		zap.String("bucket", p.bucket))
	return nil
}

// TestConnection re-checks bucket visibility.
func (p *Provider) TestConnection(ctx context.Context) bool {
	client, err := p.connected()
	if err != nil {
		return false
	}
	ok, checkErr := client.BucketExists(ctx, p.bucket)
	return checkErr == nil && ok
}

// ListFiles lists one level under the prefix. Common prefixes come
// back as directory entries.
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

	prefix := keyFor(norm)
	if prefix != "" {
		prefix += "/"
	}

	var files []provider.FileInfo
	for obj := range client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, mapError(obj.Err, norm)
		}
		fi := objectToFileInfo(obj)
		if fi.Name == "" {
			continue // the directory marker for the prefix itself
		}
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
	key := keyFor(norm)

	stat, statErr := client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if statErr == nil {
		fi := provider.FileInfo{
			ID:       key,
			Name:     provider.BaseName(norm),
			Path:     norm,
			Size:     stat.Size,
			MIMEType: stat.ContentType,
			ModTime:  stat.LastModified,
			Checksum: strings.Trim(stat.ETag, `"`),
		}
		return &fi, nil
	}

	// No object at the key. A non-empty listing under it means the
	// path is a directory prefix.
	for obj := range client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:  key + "/",
		MaxKeys: 1,
	}) {
		if obj.Err != nil {
			return nil, mapError(obj.Err, norm)
		}
		return &provider.FileInfo{
			ID:    key,
			Name:  provider.BaseName(norm),
			Path:  norm,
			IsDir: true,
		}, nil
	}
	return nil, mapError(statErr, norm)
}

// CreateFolder writes a zero-byte marker object so the prefix shows
// up in listings before it has any children.
func (p *Provider) CreateFolder(ctx context.Context, dirPath string) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	norm, err := provider.NormalizePath(dirPath)
	if err != nil {
		return err
	}
	key := keyFor(norm) + "/"
	if _, putErr := client.PutObject(ctx, p.bucket, key, strings.NewReader(""), 0, minio.PutObjectOptions{}); putErr != nil {
		return mapError(putErr, norm)
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

	obj, getErr := client.GetObject(ctx, p.bucket, keyFor(norm), minio.GetObjectOptions{})
	if getErr != nil {
		return nil, mapError(getErr, norm)
	}
	// GetObject is lazy. Stat now so a missing key fails here rather
	// than on first read.
	if _, statErr := obj.Stat(); statErr != nil {
		obj.Close()
		return nil, mapError(statErr, norm)
	}
	return obj, nil
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
	key := keyFor(norm)

	size := int64(-1)
	putOpts := minio.PutObjectOptions{}
	if opts != nil {
		if !opts.Overwrite {
			if _, statErr := client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{}); statErr == nil {
				return provider.Errorf(provider.ErrKindAlreadyExists, "destination exists: %s", norm)
			}
		}
		if opts.Size > 0 {
			size = opts.Size
		}
		putOpts.ContentType = opts.MIMEType
	}

	if _, putErr := client.PutObject(ctx, p.bucket, key, r, size, putOpts); putErr != nil {
		return mapError(putErr, norm)
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
	key := keyFor(norm)

	if _, statErr := client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{}); statErr != nil {
		return mapError(statErr, norm)
	}
	if rmErr := client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{}); rmErr != nil {
		return mapError(rmErr, norm)
	}
	return nil
}

// MoveFile is a server-side copy followed by a delete.
func (p *Provider) MoveFile(ctx context.Context, src, dst string) error {
	if err := p.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	return p.DeleteFile(ctx, src)
}

// CopyFile implements provider.Provider using server-side copy.
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

	_, copyErr := client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: p.bucket, Object: keyFor(dstNorm)},
		minio.CopySrcOptions{Bucket: p.bucket, Object: keyFor(srcNorm)})
	if copyErr != nil {
		return mapError(copyErr, srcNorm)
	}
	return nil
}

// SearchFiles lists recursively under path and matches object names
// against query.
func (p *Provider) SearchFiles(ctx context.Context, query, dirPath string, filter *provider.Filter) ([]provider.FileInfo, error) {
	client, err := p.connected()
	if err != nil {
		return nil, err
	}
	if dirPath == "" {
		dirPath = "/"
	}
	norm, err := provider.NormalizePath(dirPath)
	if err != nil {
		return nil, err
	}
	matcher, err := provider.CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	prefix := keyFor(norm)
	if prefix != "" {
		prefix += "/"
	}
	needle := strings.ToLower(query)

	var results []provider.FileInfo
	for obj := range client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, mapError(obj.Err, norm)
		}
		fi := objectToFileInfo(obj)
		if fi.Name == "" || fi.IsDir {
			continue
		}
		if strings.Contains(strings.ToLower(fi.Name), needle) && matcher.Match(fi) {
			results = append(results, fi)
		}
	}
	return results, nil
}

// GetQuota is not part of the S3 API surface.
func (p *Provider) GetQuota(ctx context.Context) (*provider.Quota, error) {
	return nil, provider.Unsupported(TypeTag, "quota")
}

// Disconnect drops the client. The SDK holds no persistent connection.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
	return nil
}

func (p *Provider) connected() (*minio.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, provider.NewError(provider.ErrKindAuth, "provider not authenticated", nil)
	}
	return p.client, nil
}

// keyFor converts a normalized path into an object key. The bucket
// root maps to the empty key.
func keyFor(norm string) string {
	return strings.TrimPrefix(norm, "/")
}

func objectToFileInfo(obj minio.ObjectInfo) provider.FileInfo {
	isDir := strings.HasSuffix(obj.Key, "/")
	key := strings.TrimSuffix(obj.Key, "/")
	fi := provider.FileInfo{
		ID:      key,
		Name:    path.Base(key),
		Path:    "/" + key,
		IsDir:   isDir,
		ModTime: obj.LastModified,
	}
	if key == "" {
		fi.Name = ""
	}
	if !isDir {
		fi.Size = obj.Size
		fi.Checksum = strings.Trim(obj.ETag, `"`)
	}
	return fi
}

// mapError converts SDK errors into the shared taxonomy using the
// HTTP status the server returned.
func mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		pe := provider.FromHTTPStatus(resp.StatusCode, path, err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			pe.Kind = provider.ErrKindNotFound
		}
		return pe
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") {
		return provider.NewError(provider.ErrKindNetwork, path, err)
	}
	return provider.NewError(provider.ErrKindAPI, path, err)
}
