package storage

import (
	"fmt"
	"math"
	"time"

	"github.com/coralsync/coralsync/internal/provider"
)

// Connection status values.
const (
	ConnStatusConnected    = "connected"
	ConnStatusDisconnected = "disconnected"
	ConnStatusError        = "error"
)

// TransferJob status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Sync modes.
const (
	ModeOneWay = "one-way"
	ModeTwoWay = "two-way"
	ModeMirror = "mirror"
)

// Conflict policies.
const (
	ConflictSkip      = "skip"
	ConflictOverwrite = "overwrite"
	ConflictRename    = "rename"
)

// Sync run outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Connection is a user's authenticated link to one storage backend.
// Credentials and Config are stored as opaque JSON text.
type Connection struct {
	ID            string               `json:"id"`
	OwnerID       string               `json:"ownerId"`
	Type          string               `json:"type"`
	Alias         string               `json:"alias"`
	Credentials   provider.Credentials `json:"-"`
	Config        provider.Config      `json:"config"`
	Status        string               `json:"status"`
	ErrorMessage  string               `json:"errorMessage,omitempty"`
	LastContactAt *time.Time           `json:"lastContactAt,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// Validate checks the connection's structural invariants.
func (c *Connection) Validate() error {
	if c.OwnerID == "" {
		return fmt.Errorf("connection requires an owner")
	}
	if c.Type == "" {
		return fmt.Errorf("connection requires a backend type")
	}
	switch c.Status {
	case ConnStatusConnected, ConnStatusDisconnected:
	case ConnStatusError:
		if c.ErrorMessage == "" {
			return fmt.Errorf("connection in error status requires an error message")
		}
	default:
		return fmt.Errorf("invalid connection status: %q", c.Status)
	}
	return c.Credentials.Validate()
}

// TransferOptions are the per-job copy options, stored as JSON text.
type TransferOptions struct {
	Overwrite          bool `json:"overwrite"`
	PreserveTimestamps bool `json:"preserveTimestamps"`
	VerifyIntegrity    bool `json:"verifyIntegrity"`
}

// TransferJob is one directed, bounded copy operation.
type TransferJob struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"ownerId"`
	SourceConnID     string           `json:"sourceConnectionId"`
	DestConnID       string           `json:"destinationConnectionId"`
	SourcePath       string           `json:"sourcePath"`
	DestPath         string           `json:"destinationPath"`
	Status           string           `json:"status"`
	Filter           *provider.Filter `json:"filter,omitempty"`
	Options          TransferOptions  `json:"options"`
	FilesTotal       int64            `json:"filesTotal"`
	FilesCompleted   int64            `json:"filesCompleted"`
	FilesFailed      int64            `json:"filesFailed"`
	BytesTotal       int64            `json:"bytesTotal"`
	BytesTransferred int64            `json:"bytesTransferred"`
	SpeedBps         float64          `json:"speedBps"`
	ETASeconds       int64            `json:"etaSeconds"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
}

// ProgressPercent derives the rounded completion percentage from the
// file counters.
func (j *TransferJob) ProgressPercent() int {
	if j.FilesTotal <= 0 {
		return 0
	}
	return int(math.Round(float64(j.FilesCompleted) / float64(j.FilesTotal) * 100))
}

// Terminal reports whether the job reached a final status.
func (j *TransferJob) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Validate checks the job's structural invariants.
func (j *TransferJob) Validate() error {
	if j.OwnerID == "" {
		return fmt.Errorf("transfer job requires an owner")
	}
	if j.SourceConnID == "" || j.DestConnID == "" {
		return fmt.Errorf("transfer job requires source and destination connections")
	}
	if j.SourcePath == "" || j.DestPath == "" {
		return fmt.Errorf("transfer job requires source and destination paths")
	}
	return nil
}

// SyncOptions are the per-job reconciliation options, stored as JSON.
type SyncOptions struct {
	DeleteOrphans      bool `json:"deleteOrphans"`
	PreserveTimestamps bool `json:"preserveTimestamps"`
	MaxDepth           int  `json:"maxDepth"`
}

// SyncJob is one recurring reconciliation rule.
type SyncJob struct {
	ID             string           `json:"id"`
	OwnerID        string           `json:"ownerId"`
	SourceConnID   string           `json:"sourceConnectionId"`
	DestConnID     string           `json:"destinationConnectionId"`
	SourcePath     string           `json:"sourcePath"`
	DestPath       string           `json:"destinationPath"`
	Mode           string           `json:"mode"`
	Schedule       string           `json:"schedule,omitempty"`
	Enabled        bool             `json:"enabled"`
	ConflictPolicy string           `json:"conflictPolicy"`
	Filter         *provider.Filter `json:"filter,omitempty"`
	Options        SyncOptions      `json:"options"`
	LastRunAt      *time.Time       `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time       `json:"nextRunAt,omitempty"`
	LastOutcome    string           `json:"lastOutcome,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Validate checks the job's structural invariants.
func (j *SyncJob) Validate() error {
	if j.OwnerID == "" {
		return fmt.Errorf("sync job requires an owner")
	}
	if j.SourceConnID == "" || j.DestConnID == "" {
		return fmt.Errorf("sync job requires source and destination connections")
	}
	if j.SourcePath == "" || j.DestPath == "" {
		return fmt.Errorf("sync job requires source and destination paths")
	}
	switch j.Mode {
	case ModeOneWay, ModeTwoWay, ModeMirror:
	default:
		return fmt.Errorf("invalid sync mode: %q", j.Mode)
	}
	switch j.ConflictPolicy {
	case ConflictSkip, ConflictOverwrite, ConflictRename:
	default:
		return fmt.Errorf("invalid conflict policy: %q", j.ConflictPolicy)
	}
	return nil
}
