// Package syncer reconciles the producer's job store with the worker. One
// cycle ingests new recordings, polls jobs being processed, fetches finished
// results and uploads pending jobs, in that order.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/relaynote/relay/internal/ingest"
	"github.com/relaynote/relay/internal/jobstatus"
	"github.com/relaynote/relay/internal/options"
	"github.com/relaynote/relay/internal/producer"
	"github.com/relaynote/relay/internal/transport"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Store is the producer job store.
type Store interface {
	ListByStatus(statuses ...producer.Status) []*producer.Job
	UpdateStatus(id string, status producer.Status) error
	UpdateOptions(id string, o options.Options) error
	Update(id string, fn func(j *producer.Job)) error
	SetError(id, message string, fatal bool) error
	MarkProcessing(id string) error
	MarkCompleted(id string) error
	RecoverUploading() (int, error)
	TryLockCycle() (unlock func(), ok bool, err error)
}

// Transport talks to the worker.
type Transport interface {
	Upload(ctx context.Context, req transport.UploadRequest) (*transport.UploadResponse, error)
	GetJob(ctx context.Context, id string) (*transport.JobResult, error)
}

// Ingestor creates jobs for new recordings.
type Ingestor interface {
	Run(ctx context.Context) (ingest.Result, error)
}

// ConfigPrompt asks for the processing options of a job.
type ConfigPrompt interface {
	Prompt(ctx context.Context, jobLabel string) (options.Options, error)
}

// ResultSink persists the results of a finished job.
type ResultSink interface {
	Write(j *producer.Job, summary, transcript string) error
}

// Report counts what one cycle did.
type Report struct {
	Recovered    int
	Ingested     int
	Deleted      int
	Ready        int
	WorkerFailed int
	Completed    int
	Uploaded     int
	UploadFailed int
}

// Manager runs reconciliation cycles. Collaborators are injected so that each
// can be replaced in tests.
type Manager struct {
	store     Store
	transport Transport
	ingest    Ingestor
	prompt    ConfigPrompt
	sink      ResultSink
	log       *slog.Logger

	mu sync.Mutex
}

// New creates a Manager. ingest and prompt may be nil: no discovery is done
// and jobs get default options.
func New(store Store, t Transport, ing Ingestor, prompt ConfigPrompt, sink ResultSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		transport: t,
		ingest:    ing,
		prompt:    prompt,
		sink:      sink,
		log:       logger,
	}
}

// RunCycle executes ingest, update, fetch and push, strictly in that order.
// A failure on one job is recorded on that job and never stops the cycle.
// Only one cycle runs at a time per store document, across processes too; a
// concurrent call returns ErrCycleInProgress.
func (m *Manager) RunCycle(ctx context.Context) (Report, error) {
	if !m.mu.TryLock() {
		return Report{}, ErrCycleInProgress
	}
	defer m.mu.Unlock()

	unlock, ok, err := m.store.TryLockCycle()
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{}, ErrCycleInProgress
	}
	defer unlock()

	var rep Report

	// A previous run may have died mid-upload.
	n, err := m.store.RecoverUploading()
	if err != nil {
		return rep, fmt.Errorf("recover uploading jobs: %w", err)
	}
	rep.Recovered = n

	m.ingestPhase(ctx, &rep)
	m.updateActive(ctx, &rep)
	m.fetchResults(ctx, &rep)
	m.pushPending(ctx, &rep)

	m.log.Info("sync cycle done",
		"ingested", rep.Ingested,
		"ready", rep.Ready,
		"completed", rep.Completed,
		"uploaded", rep.Uploaded,
		"upload_failed", rep.UploadFailed,
	)
	return rep, ctx.Err()
}

func (m *Manager) ingestPhase(ctx context.Context, rep *Report) {
	if m.ingest == nil || ctx.Err() != nil {
		return
	}
	res, err := m.ingest.Run(ctx)
	rep.Ingested = len(res.Created)
	rep.Deleted = res.Deleted
	if err != nil {
		m.log.Error("ingest failed", "error", err)
	}
}

// updateActive polls the worker for every PROCESSING job. A failed query or
// an unfinished job leaves the record untouched.
func (m *Manager) updateActive(ctx context.Context, rep *Report) {
	for _, j := range m.store.ListByStatus(producer.StatusProcessing) {
		if ctx.Err() != nil {
			return
		}
		res, err := m.transport.GetJob(ctx, j.ID)
		if err != nil {
			m.log.Debug("status query failed", "job_id", j.ID, "error", err)
			continue
		}

		switch res.Status {
		case jobstatus.Completed:
			if err := m.store.UpdateStatus(j.ID, producer.StatusReady); err != nil {
				m.log.Error("mark ready", "job_id", j.ID, "error", err)
				continue
			}
			rep.Ready++
		case jobstatus.Failed:
			msg := "worker: " + res.Error
			if res.Error == "" {
				msg = "worker: processing failed"
			}
			if err := m.store.SetError(j.ID, msg, true); err != nil {
				m.log.Error("record worker failure", "job_id", j.ID, "error", err)
				continue
			}
			m.log.Warn("worker failed job", "job_id", j.ID, "error", res.Error)
			rep.WorkerFailed++
		}
	}
}

// fetchResults hands every READY job's results to the sink. The job stays
// READY until the sink succeeds, so the fetch is repeated next cycle.
func (m *Manager) fetchResults(ctx context.Context, rep *Report) {
	for _, j := range m.store.ListByStatus(producer.StatusReady) {
		if ctx.Err() != nil {
			return
		}
		res, err := m.transport.GetJob(ctx, j.ID)
		if err != nil {
			m.log.Debug("result fetch failed", "job_id", j.ID, "error", err)
			continue
		}
		if res.Summary == "" {
			m.log.Warn("result has no summary", "job_id", j.ID, "summary_error", res.SummaryError)
			continue
		}
		if err := m.sink.Write(j, res.Summary, res.Transcript); err != nil {
			m.log.Error("write results", "job_id", j.ID, "error", err)
			continue
		}
		if err := m.store.MarkCompleted(j.ID); err != nil {
			m.log.Error("mark completed", "job_id", j.ID, "error", err)
			continue
		}
		rep.Completed++
	}
}

func (m *Manager) pushPending(ctx context.Context, rep *Report) {
	for _, j := range PendingUploads(m.store) {
		if ctx.Err() != nil {
			return
		}
		if err := m.PushJob(ctx, j); err != nil {
			rep.UploadFailed++
			continue
		}
		rep.Uploaded++
	}
}

// PendingUploads returns the jobs eligible for upload: every WAITING_UPLOAD
// job and every FAILED job with fewer than MaxRetries retries, oldest first.
func PendingUploads(store Store) []*producer.Job {
	var out []*producer.Job
	for _, j := range store.ListByStatus(producer.StatusWaitingUpload, producer.StatusFailed) {
		if j.Status == producer.StatusFailed && j.RetryCount >= producer.MaxRetries {
			continue
		}
		out = append(out, j)
	}
	return out
}

// PushJob uploads one job. Options are asked for once, on the first attempt,
// and saved so retries reuse them. The outcome is recorded on the job; the
// returned error is for reporting only.
func (m *Manager) PushJob(ctx context.Context, j *producer.Job) error {
	opts, err := m.ensureOptions(ctx, j)
	if err != nil {
		m.log.Warn("no options for job, upload postponed", "job_id", j.ID, "error", err)
		return err
	}

	if err := m.store.UpdateStatus(j.ID, producer.StatusUploading); err != nil {
		return fmt.Errorf("mark uploading: %w", err)
	}

	_, err = m.transport.Upload(ctx, transport.UploadRequest{
		ID:       j.ID,
		Path:     j.SourcePath,
		FileName: j.DisplayName,
		Options:  opts,
	})
	if err == nil {
		if err := m.store.MarkProcessing(j.ID); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		m.log.Info("job uploaded", "job_id", j.ID, "file", j.DisplayName)
		return nil
	}

	switch {
	case ctx.Err() != nil:
		// Interrupted by the user, not a failure of the job.
		if sErr := m.store.UpdateStatus(j.ID, producer.StatusWaitingUpload); sErr != nil {
			m.log.Error("reset interrupted upload", "job_id", j.ID, "error", sErr)
		}
	case errors.Is(err, os.ErrNotExist):
		if sErr := m.store.Update(j.ID, func(pj *producer.Job) {
			pj.Status = producer.StatusDeleted
			pj.LastError = producer.MissingFileError
		}); sErr != nil {
			m.log.Error("mark deleted", "job_id", j.ID, "error", sErr)
		}
	default:
		fatal := transport.IsFatal(err)
		if sErr := m.store.SetError(j.ID, err.Error(), fatal); sErr != nil {
			m.log.Error("record upload failure", "job_id", j.ID, "error", sErr)
		}
		m.log.Warn("upload failed", "job_id", j.ID, "fatal", fatal, "error", err)
	}
	return err
}

func (m *Manager) ensureOptions(ctx context.Context, j *producer.Job) (options.Options, error) {
	if j.Options != nil {
		return j.Options.WithDefaults(), nil
	}

	opts := options.Default()
	if m.prompt != nil {
		var err error
		if opts, err = m.prompt.Prompt(ctx, j.DisplayName); err != nil {
			return options.Options{}, err
		}
		opts = opts.WithDefaults()
		if err := opts.Validate(); err != nil {
			return options.Options{}, err
		}
	}
	if err := m.store.UpdateOptions(j.ID, opts); err != nil {
		return options.Options{}, fmt.Errorf("save options: %w", err)
	}
	return opts, nil
}
