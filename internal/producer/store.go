package producer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/relaynote/relay/internal/options"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrDuplicateID = errors.New("job id already exists")
)

// Store persists producer jobs in a single JSON document keyed by job id.
// Every mutation reloads the document, applies the change and replaces the
// file atomically (temp file + rename), all while holding both an in-process
// mutex and an exclusive lock on "<path>.lock". Several processes may share
// one document.
type Store struct {
	mu     sync.Mutex
	path   string
	lock   *flock.Flock
	jobs   map[string]*Job
	exists func(path string) bool
	now    func() time.Time
	saves  int
}

// Option customizes a Store.
type Option func(*Store)

// WithFileExists replaces the artifact existence check used by
// ReconcileMissingFiles.
func WithFileExists(fn func(path string) bool) Option {
	return func(s *Store) { s.exists = fn }
}

// WithClock replaces the time source used for UpdatedAt and default RecordedAt.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// Open loads the document at path. A missing file yields an empty store; an
// unreadable or corrupt file is an error and must abort startup.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		jobs:   make(map[string]*Job),
		exists: fileExists,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if err := s.locked(func() error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing document location.
func (s *Store) Path() string { return s.path }

// Create adds a new job in WAITING_UPLOAD with a zero retry count.
func (s *Store) Create(j *Job) error {
	if j.ID == "" {
		return errors.New("job id must not be empty")
	}

	return s.locked(func() error {
		if _, ok := s.jobs[j.ID]; ok {
			return fmt.Errorf("create %s: %w", j.ID, ErrDuplicateID)
		}

		c := j.clone()
		c.Status = StatusWaitingUpload
		c.RetryCount = 0
		c.LastError = ""
		if c.RecordedAt.IsZero() {
			c.RecordedAt = s.now()
		}
		c.UpdatedAt = s.now()

		s.jobs[c.ID] = c
		if err := s.save(); err != nil {
			delete(s.jobs, c.ID)
			return err
		}
		return nil
	})
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return j.clone(), nil
}

// ListByStatus returns jobs in any of the given statuses, oldest first.
func (s *Store) ListByStatus(statuses ...Status) []*Job {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()

	var out []*Job
	for _, j := range s.jobs {
		if want[j.Status] {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].RecordedAt.Before(out[b].RecordedAt)
	})
	return out
}

// ListAll returns every job ordered by RecordedAt, newest first.
func (s *Store) ListAll() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].RecordedAt.Equal(out[b].RecordedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].RecordedAt.After(out[b].RecordedAt)
	})
	return out
}

// FindBySourcePath returns the job tracking path, if any.
func (s *Store) FindBySourcePath(path string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()

	for _, j := range s.jobs {
		if j.SourcePath == path {
			return j.clone(), true
		}
	}
	return nil, false
}

func (s *Store) UpdateStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("update %s: invalid status %q", id, status)
	}
	return s.Update(id, func(j *Job) { j.Status = status })
}

func (s *Store) UpdateOptions(id string, o options.Options) error {
	return s.Update(id, func(j *Job) { j.Options = &o })
}

// Update applies fn to a copy of the job and persists it. The id cannot be
// changed through fn.
func (s *Store) Update(id string, fn func(j *Job)) error {
	return s.locked(func() error { return s.mutate(id, fn) })
}

// SetError records a failure. A fatal failure abandons the job and leaves the
// retry count alone; a transient one increments it and marks the job FAILED,
// or ABANDONED once the count reaches AbandonThreshold.
func (s *Store) SetError(id, message string, fatal bool) error {
	return s.Update(id, func(j *Job) {
		j.LastError = message
		if fatal {
			j.Status = StatusAbandoned
			return
		}
		j.RetryCount++
		if j.RetryCount >= AbandonThreshold {
			j.Status = StatusAbandoned
		} else {
			j.Status = StatusFailed
		}
	})
}

// ResetForRetry puts any job back to WAITING_UPLOAD with a clean slate. It is
// the manual way out of ABANDONED and DELETED.
func (s *Store) ResetForRetry(id string) error {
	return s.Update(id, func(j *Job) {
		j.Status = StatusWaitingUpload
		j.RetryCount = 0
		j.LastError = ""
	})
}

// MarkProcessing records a successful upload: the job moves to PROCESSING and
// its retry bookkeeping is cleared.
func (s *Store) MarkProcessing(id string) error {
	return s.Update(id, func(j *Job) {
		j.Status = StatusProcessing
		j.RetryCount = 0
		j.LastError = ""
	})
}

func (s *Store) MarkCompleted(id string) error {
	return s.Update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.LastError = ""
	})
}

// ReconcileMissingFiles marks WAITING_UPLOAD and FAILED jobs whose source file
// is gone as DELETED and returns how many were changed. Nothing is written
// when no job qualifies.
func (s *Store) ReconcileMissingFiles() (int, error) {
	var missing []string
	err := s.locked(func() error {
		for id, j := range s.jobs {
			if j.Status != StatusWaitingUpload && j.Status != StatusFailed {
				continue
			}
			if !s.exists(j.SourcePath) {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		return s.mutateMany(missing, func(j *Job) {
			j.Status = StatusDeleted
			j.LastError = MissingFileError
		})
	})
	if err != nil {
		return 0, err
	}
	return len(missing), nil
}

// RecoverUploading returns jobs left in UPLOADING by an interrupted run to
// WAITING_UPLOAD. The retry count is kept.
func (s *Store) RecoverUploading() (int, error) {
	var stuck []string
	err := s.locked(func() error {
		for id, j := range s.jobs {
			if j.Status == StatusUploading {
				stuck = append(stuck, id)
			}
		}
		if len(stuck) == 0 {
			return nil
		}
		return s.mutateMany(stuck, func(j *Job) {
			j.Status = StatusWaitingUpload
		})
	})
	if err != nil {
		return 0, err
	}
	return len(stuck), nil
}

// TryLockCycle takes the sync cycle lock on "<path>.cycle". ok is false when
// another process, or another Store on the same document, holds it.
func (s *Store) TryLockCycle() (unlock func(), ok bool, err error) {
	l := flock.New(s.path + ".cycle")
	ok, err = l.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock sync cycle: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() { l.Unlock() }, true, nil
}

// locked runs fn with s.mu and the exclusive file lock held, on a freshly
// loaded copy of the document.
func (s *Store) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock job store: %w", err)
	}
	defer s.lock.Unlock()

	if err := s.load(); err != nil {
		return err
	}
	return fn()
}

// refresh reloads the document for a read under a shared file lock. On
// failure the last loaded snapshot is served; the next write reports the
// error. Must be called with s.mu held.
func (s *Store) refresh() {
	if err := s.lock.RLock(); err != nil {
		return
	}
	defer s.lock.Unlock()
	_ = s.load()
}

// load replaces the in-memory jobs with the document on disk. A missing file
// is an empty store.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.jobs = make(map[string]*Job)
			return nil
		}
		return fmt.Errorf("read job store %s: %w", s.path, err)
	}

	jobs := make(map[string]*Job)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &jobs); err != nil {
			return fmt.Errorf("decode job store %s: %w", s.path, err)
		}
	}
	if jobs == nil {
		jobs = make(map[string]*Job)
	}
	for id, j := range jobs {
		if j == nil || j.ID != id {
			return fmt.Errorf("decode job store %s: record %q does not match its key", s.path, id)
		}
	}
	s.jobs = jobs
	return nil
}

// mutate must be called from within locked.
func (s *Store) mutate(id string, fn func(j *Job)) error {
	old, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}

	next := old.clone()
	fn(next)
	next.ID = id
	next.UpdatedAt = s.now()

	s.jobs[id] = next
	if err := s.save(); err != nil {
		s.jobs[id] = old
		return err
	}
	return nil
}

// mutateMany applies fn to several jobs and persists them in one write.
// Must be called from within locked.
func (s *Store) mutateMany(ids []string, fn func(j *Job)) error {
	previous := make(map[string]*Job, len(ids))
	for _, id := range ids {
		old := s.jobs[id]
		previous[id] = old
		next := old.clone()
		fn(next)
		next.ID = id
		next.UpdatedAt = s.now()
		s.jobs[id] = next
	}

	if err := s.save(); err != nil {
		for id, old := range previous {
			s.jobs[id] = old
		}
		return err
	}
	return nil
}

// save writes the whole document to a temp file in the same directory and
// renames it over the previous snapshot. Must be called from within locked.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace job store: %w", err)
	}

	s.saves++
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
