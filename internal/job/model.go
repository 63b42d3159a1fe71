package job

import (
	"errors"
	"regexp"
	"time"

	"github.com/relaynote/relay/internal/jobstatus"
	"github.com/relaynote/relay/internal/options"
)

// Status is the worker job status, shared with the producer's client.
type Status = jobstatus.Status

const (
	StatusPending      = jobstatus.Pending
	StatusExtracting   = jobstatus.Extracting
	StatusTranscribing = jobstatus.Transcribing
	StatusSummarizing  = jobstatus.Summarizing
	StatusCompleted    = jobstatus.Completed
	StatusFailed       = jobstatus.Failed
)

// Job is the worker's record of one uploaded artifact. The ID is chosen by the
// producer and is the correlation key for the whole protocol. Paths are
// worker-internal and never serialized.
type Job struct {
	ID              string          `json:"id"`
	SourceFilePath  string          `json:"-"`
	DisplayName     string          `json:"display_name,omitempty"`
	Status          Status          `json:"status"`
	Options         options.Options `json:"options"`
	AudioPath       string          `json:"-"`
	TranscriptPath  string          `json:"-"`
	SummaryPath     string          `json:"-"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// StageOutput carries the references produced by one pipeline stage. Empty
// fields leave the stored value unchanged.
type StageOutput struct {
	AudioPath       string
	DurationSeconds float64
	TranscriptPath  string
	SummaryPath     string
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// UploadRequest is the metadata of an incoming upload.
type UploadRequest struct {
	ID       string
	FileName string
	Options  options.Options
}

func (r *UploadRequest) Validate() error {
	if r.ID == "" {
		return errors.New("job id must not be empty")
	}
	if !validID.MatchString(r.ID) {
		return errors.New("job id may only contain letters, digits, '.', '_' and '-'")
	}
	return r.Options.Validate()
}
