// Package queue runs uploaded jobs through the processing stages one at a
// time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/relaynote/relay/internal/job"
	"github.com/relaynote/relay/internal/options"
	"github.com/relaynote/relay/internal/worker"
)

// ErrQueueFull is returned by Enqueue when no slot is free.
var ErrQueueFull = errors.New("queue full")

// InterruptedMessage is recorded on jobs found mid-stage at startup.
const InterruptedMessage = "interrupted by worker restart"

type Extractor interface {
	Extract(ctx context.Context, sourcePath, outDir string) (worker.Audio, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, outDir string, opts options.Options) (worker.Transcript, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, text, jobID, templateKey, outDir string) (worker.Summary, error)
}

// Stages are the external collaborators invoked for each job, in order.
type Stages struct {
	Extractor   Extractor
	Transcriber Transcriber
	Summarizer  Summarizer
}

// Queue is a single-worker pipeline: exactly one job is processed at a time,
// the rest wait in a bounded channel.
type Queue struct {
	jobs    chan string
	store   job.Store
	stages  Stages
	workDir string
	log     *slog.Logger

	mu     sync.RWMutex
	active string
	wg     sync.WaitGroup
}

// New creates a Queue holding up to size waiting jobs. Stage outputs go to
// workDir/<job id>.
func New(store job.Store, stages Stages, size int, workDir string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	return &Queue{
		jobs:    make(chan string, size),
		store:   store,
		stages:  stages,
		workDir: workDir,
		log:     logger,
	}
}

// Enqueue adds a job ID to the queue. Returns ErrQueueFull if the queue is full.
func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("enqueue job %s: %w", jobID, ErrQueueFull)
	}
}

// Start launches the single worker goroutine. It stops taking jobs when ctx
// is done; a job already in the pipeline still runs to completion or failure.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

// Wait blocks until the worker goroutine has returned, which after ctx is
// cancelled means the active job, if any, has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Depth returns the number of jobs waiting behind the active one.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Active returns the id of the job currently in the pipeline, or "".
func (q *Queue) Active() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.active
}

func (q *Queue) setActive(id string) {
	q.mu.Lock()
	q.active = id
	q.mu.Unlock()
}

// Recovery fails jobs that were mid-stage when the previous process stopped
// and re-enqueues jobs that were accepted but never started, oldest first.
func (q *Queue) Recovery(ctx context.Context) error {
	failed, err := q.store.FailInterrupted(ctx, InterruptedMessage)
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	for _, id := range failed {
		q.log.Warn("recovery: job interrupted", "job_id", id)
	}

	pending, err := q.store.ListByStatus(ctx, job.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, j := range pending {
		if err := q.Enqueue(j.ID); err != nil {
			q.log.Error("recovery: enqueue failed", "job_id", j.ID, "error", err)
		}
	}
	if len(failed) > 0 || len(pending) > 0 {
		q.log.Info("recovery done", "interrupted", len(failed), "requeued", len(pending))
	}
	return nil
}

func (q *Queue) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		q.log.Error("pipeline: load job", "job_id", jobID, "error", err)
		return
	}
	if j == nil {
		q.log.Warn("pipeline: job not found", "job_id", jobID)
		return
	}
	// A job can be queued twice (recovery racing a re-upload); only a
	// pending job may enter the pipeline.
	if j.Status != job.StatusPending {
		q.log.Debug("pipeline: skipping job", "job_id", jobID, "status", j.Status)
		return
	}

	q.setActive(jobID)
	defer q.setActive("")

	// Once started, a job is never cancelled by shutdown; main waits for it.
	ctx = context.WithoutCancel(ctx)

	q.log.Info("pipeline: job started", "job_id", jobID)
	if err := q.runStages(ctx, j); err != nil {
		q.log.Error("pipeline: job failed", "job_id", jobID, "error", err)
		if mErr := q.store.MarkFailed(ctx, jobID, err.Error()); mErr != nil {
			q.log.Error("pipeline: mark failed", "job_id", jobID, "error", mErr)
		}
		return
	}
	if err := q.store.MarkCompleted(ctx, jobID); err != nil {
		q.log.Error("pipeline: mark completed", "job_id", jobID, "error", err)
		return
	}
	q.log.Info("pipeline: job completed", "job_id", jobID)
}

// runStages executes Extract, Transcribe and Summarize. Each stage sets the
// job status, calls its collaborator and records the output before the next
// one starts.
func (q *Queue) runStages(ctx context.Context, j *job.Job) error {
	outDir := filepath.Join(q.workDir, j.ID)

	if err := q.enter(ctx, j.ID, job.StatusExtracting); err != nil {
		return err
	}
	audio, err := q.stages.Extractor.Extract(ctx, j.SourceFilePath, outDir)
	if err != nil {
		return err
	}
	if err := q.store.RecordStage(ctx, j.ID, job.StageOutput{
		AudioPath:       audio.Path,
		DurationSeconds: audio.DurationSeconds,
	}); err != nil {
		return err
	}

	if err := q.enter(ctx, j.ID, job.StatusTranscribing); err != nil {
		return err
	}
	transcript, err := q.stages.Transcriber.Transcribe(ctx, audio.Path, outDir, j.Options)
	if err != nil {
		return err
	}
	if err := q.store.RecordStage(ctx, j.ID, job.StageOutput{TranscriptPath: transcript.Path}); err != nil {
		return err
	}

	if err := q.enter(ctx, j.ID, job.StatusSummarizing); err != nil {
		return err
	}
	summary, err := q.stages.Summarizer.Summarize(ctx, transcript.Text, j.ID, j.Options.Template, outDir)
	if err != nil {
		return err
	}
	return q.store.RecordStage(ctx, j.ID, job.StageOutput{SummaryPath: summary.Path})
}

func (q *Queue) enter(ctx context.Context, jobID string, status job.Status) error {
	if err := q.store.UpdateStatus(ctx, jobID, status); err != nil {
		return err
	}
	q.log.Info("pipeline: stage", "job_id", jobID, "stage", status)
	return nil
}
