// Package provider defines the uniform contract every storage backend
// implementation satisfies, the shared error taxonomy, and the registry
// used to instantiate backends from persisted connection configuration.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is an authenticated handle to one remote storage backend.
// Implementations translate these operations into the backend's native
// protocol and normalize failures into the shared error taxonomy.
type Provider interface {
	// Type returns the backend type tag (e.g. "smb", "minio", "webdav").
	Type() string

	// Capabilities returns the static capability set for this backend.
	Capabilities() Capabilities

	// Authenticate establishes a session. The provider is left in a
	// well-defined authenticated-or-not state: on error no session exists.
	Authenticate(ctx context.Context, creds Credentials, cfg Config) error

	// TestConnection performs a cheap read-only call and reports
	// reachability. Ordinary connectivity failure returns false, not error.
	TestConnection(ctx context.Context) bool

	// ListFiles lists the direct children of path, optionally filtered.
	ListFiles(ctx context.Context, path string, filter *Filter) ([]FileInfo, error)

	// GetFileInfo returns metadata for a single file or directory.
	GetFileInfo(ctx context.Context, path string) (*FileInfo, error)

	// CreateFolder creates a directory (parents included).
	CreateFolder(ctx context.Context, path string) error

	// DownloadFile opens a byte stream for reading the file at path.
	// The caller owns the returned stream and must close it.
	DownloadFile(ctx context.Context, path string) (io.ReadCloser, error)

	// UploadFile writes the stream to path, creating or replacing the file.
	UploadFile(ctx context.Context, path string, r io.Reader, opts *UploadOptions) error

	// DeleteFile removes a file (or an empty directory).
	DeleteFile(ctx context.Context, path string) error

	// MoveFile renames src to dst. Backends without native move support
	// return an unsupported-operation error.
	MoveFile(ctx context.Context, src, dst string) error

	// CopyFile copies src to dst server-side where the backend supports it.
	CopyFile(ctx context.Context, src, dst string) error

	// SearchFiles finds files matching query under path ("" for root).
	SearchFiles(ctx context.Context, query, path string, filter *Filter) ([]FileInfo, error)

	// GetQuota reports storage usage for the authenticated account.
	GetQuota(ctx context.Context) (*Quota, error)

	// Disconnect releases the session. Safe to call when not connected.
	Disconnect() error
}

// Capabilities is the static declaration of which operations a backend
// type supports. Callers must check before invoking optional operations.
type Capabilities struct {
	SupportsMove    bool  `json:"supports_move"`
	SupportsCopy    bool  `json:"supports_copy"`
	SupportsSearch  bool  `json:"supports_search"`
	SupportsResume  bool  `json:"supports_resume"`
	SupportsQuota   bool  `json:"supports_quota"`
	SupportsFolders bool  `json:"supports_folders"`
	MaxFileSize     int64 `json:"max_file_size"` // 0 = no declared limit

	// ChecksumAlgorithm names the digest the backend reports on listings,
	// empty when the backend reports none.
	ChecksumAlgorithm string `json:"checksum_algorithm,omitempty"`
}

// FileInfo is the normalized representation of one remote file or
// directory. Transient: produced fresh on every listing, never persisted.
type FileInfo struct {
	// ID is the backend-native identifier (path for most backends).
	ID string `json:"id"`

	// Name is the display name (last path element).
	Name string `json:"name"`

	// Path is the normalized full path.
	Path string `json:"path"`

	// IsDir reports whether this entry is a directory.
	IsDir bool `json:"is_dir"`

	// Size in bytes. Zero and meaningless for directories.
	Size int64 `json:"size"`

	// MIMEType when the backend reports one.
	MIMEType string `json:"mime_type,omitempty"`

	// ModTime is the last-modified timestamp. May be zero when the
	// backend does not report one.
	ModTime time.Time `json:"mod_time"`

	// Checksum is the content digest when the backend reports one.
	Checksum string `json:"checksum,omitempty"`
}

// Quota reports account storage usage in bytes.
type Quota struct {
	Total     int64 `json:"total"` // 0 = unlimited/unknown
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
}

// UploadOptions tunes a single upload.
type UploadOptions struct {
	// Size is the expected byte count, -1 when unknown.
	Size int64

	// ModTime to preserve on the destination where supported.
	ModTime time.Time

	// Overwrite allows replacing an existing file. When false and the
	// destination exists, the upload fails with an already-exists error
	// on backends that can detect it.
	Overwrite bool

	// MIMEType hint for backends that store one.
	MIMEType string
}

// Filter restricts listing and search results.
type Filter struct {
	// Include holds glob patterns; empty means include everything.
	Include []string `json:"include,omitempty"`

	// Exclude holds glob patterns applied after Include.
	Exclude []string `json:"exclude,omitempty"`

	// MinSize/MaxSize bound file sizes in bytes (0 = unbounded).
	MinSize int64 `json:"min_size,omitempty"`
	MaxSize int64 `json:"max_size,omitempty"`

	// ModifiedAfter/ModifiedBefore bound last-modified timestamps.
	ModifiedAfter  time.Time `json:"modified_after,omitempty"`
	ModifiedBefore time.Time `json:"modified_before,omitempty"`
}

// Config carries backend-specific tuning from the persisted connection.
type Config struct {
	// Endpoint, host or base URL depending on backend type.
	Endpoint string `json:"endpoint,omitempty"`

	// Bucket or share name for backends that scope into one.
	Bucket string `json:"bucket,omitempty"`

	// Region for object stores.
	Region string `json:"region,omitempty"`

	// TimeoutSeconds for network operations (0 = backend default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// ChunkSizeBytes for chunked uploads (0 = backend default).
	ChunkSizeBytes int64 `json:"chunk_size_bytes,omitempty"`

	// Secure enables TLS where the backend distinguishes.
	Secure bool `json:"secure,omitempty"`
}

// AuthKind names the credential shape a backend expects.
type AuthKind string

const (
	// AuthOAuth uses an access/refresh token pair with expiry.
	AuthOAuth AuthKind = "oauth"
	// AuthBasic uses endpoint + username + password.
	AuthBasic AuthKind = "basic"
	// AuthAccount uses host/port/secure-flag + username + password.
	AuthAccount AuthKind = "account"
)

// Credentials is the opaque credential blob persisted per connection.
// Which fields are required depends on the backend's declared AuthKind.
type Credentials struct {
	Kind AuthKind `json:"kind"`

	// oauth
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	// basic / account
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// Validate checks that the credential shape matches the declared kind.
func (c Credentials) Validate() error {
	switch c.Kind {
	case AuthOAuth:
		if c.AccessToken == "" {
			return NewError(ErrKindInvalidOperation, "oauth credentials require an access token", nil)
		}
	case AuthBasic:
		if c.Endpoint == "" || c.Username == "" {
			return NewError(ErrKindInvalidOperation, "basic credentials require endpoint and username", nil)
		}
	case AuthAccount:
		if c.Host == "" || c.Username == "" {
			return NewError(ErrKindInvalidOperation, "account credentials require host and username", nil)
		}
	default:
		return NewError(ErrKindInvalidOperation, "unknown credential kind: "+string(c.Kind), nil)
	}
	return nil
}
