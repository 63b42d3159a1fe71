// Package producer holds the producer-side job record and its durable store.
package producer

import (
	"time"

	"github.com/relaynote/relay/internal/options"
)

type Status string

const (
	StatusWaitingUpload Status = "waiting_upload"
	StatusUploading     Status = "uploading"
	StatusProcessing    Status = "processing"
	StatusReady         Status = "ready"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusAbandoned     Status = "abandoned"
	StatusDeleted       Status = "deleted"
)

const (
	// MaxRetries bounds automatic re-upload: FAILED jobs are pushed again only
	// while RetryCount < MaxRetries.
	MaxRetries = 3
	// AbandonThreshold is the retry count at which a transient failure becomes
	// ABANDONED instead of FAILED.
	AbandonThreshold = 4
)

// MissingFileError is recorded on jobs whose source artifact disappeared.
const MissingFileError = "source file no longer exists on disk"

// IsTerminal reports statuses that only a manual reset can leave.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned || s == StatusDeleted
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaitingUpload, StatusUploading, StatusProcessing, StatusReady,
		StatusCompleted, StatusFailed, StatusAbandoned, StatusDeleted:
		return true
	}
	return false
}

// Job is the producer's record of one captured artifact and its progress
// through upload, remote processing and result retrieval.
type Job struct {
	ID          string           `json:"id"`
	SourcePath  string           `json:"source_path"`
	DisplayName string           `json:"display_name"`
	Status      Status           `json:"status"`
	RetryCount  int              `json:"retry_count"`
	RecordedAt  time.Time        `json:"recorded_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	LastError   string           `json:"last_error,omitempty"`
	Options     *options.Options `json:"options,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j
	if j.Options != nil {
		o := *j.Options
		c.Options = &o
	}
	return &c
}
