// Package ingest discovers new recordings and creates producer jobs for them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaynote/relay/internal/producer"
	"github.com/relaynote/relay/internal/retry"
)

// Store is the part of the producer store used by ingestion.
type Store interface {
	ReconcileMissingFiles() (int, error)
	FindBySourcePath(path string) (*producer.Job, bool)
	Create(j *producer.Job) error
}

// Result summarizes one ingestion pass. Skipped counts files left for a later
// pass: not yet stable, or whose job could not be created.
type Result struct {
	Deleted int
	Created []string
	Skipped int
}

// Service scans one directory for recordings not yet tracked.
type Service struct {
	store      Store
	dir        string
	exts       []string
	stableWait time.Duration
	policy     retry.Policy
	newID      func() string
	stat       func(name string) (os.FileInfo, error)
	log        *slog.Logger
}

type Option func(*Service)

// WithStableWait sets how long a file size must stay unchanged before the
// file is considered complete.
func WithStableWait(d time.Duration) Option {
	return func(s *Service) { s.stableWait = d }
}

// WithRetryPolicy bounds how long a growing file is waited for.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func New(store Store, dir string, exts []string, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dir:        dir,
		exts:       exts,
		stableWait: time.Second,
		policy:     retry.Policy{Attempts: 3, Base: time.Second, Cap: 5 * time.Second},
		newID:      uuid.NewString,
		stat:       os.Stat,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run reconciles missing files first, then creates a job for every new,
// complete recording in the directory. Files still being written are left
// for a later pass.
func (s *Service) Run(ctx context.Context) (Result, error) {
	var res Result

	n, err := s.store.ReconcileMissingFiles()
	if err != nil {
		return res, fmt.Errorf("reconcile missing files: %w", err)
	}
	res.Deleted = n
	if n > 0 {
		s.log.Warn("source files missing", "count", n)
	}

	candidates, err := s.discover()
	if err != nil {
		return res, err
	}
	if len(candidates) == 0 {
		return res, nil
	}

	before := make(map[string]os.FileInfo, len(candidates))
	for _, path := range candidates {
		if info, err := s.stat(path); err == nil {
			before[path] = info
		}
	}
	if err := sleep(ctx, s.stableWait); err != nil {
		return res, err
	}

	for _, path := range candidates {
		prev, ok := before[path]
		if !ok {
			res.Skipped++
			continue
		}
		if err := s.ensureStable(ctx, path, prev); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.log.Info("skipping file", "path", path, "reason", err)
			res.Skipped++
			continue
		}

		j := &producer.Job{
			ID:          s.newID(),
			SourcePath:  path,
			DisplayName: filepath.Base(path),
		}
		if err := s.store.Create(j); err != nil {
			s.log.Error("create job", "path", path, "error", err)
			res.Skipped++
			continue
		}
		s.log.Info("job created", "job_id", j.ID, "path", path)
		res.Created = append(res.Created, j.ID)
	}
	return res, nil
}

// discover lists untracked recordings in the directory, sorted by name.
// Subdirectories and hidden files are ignored.
func (s *Service) discover() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read recordings dir: %w", err)
	}
	abs, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, fmt.Errorf("resolve recordings dir: %w", err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !s.Matches(name) {
			continue
		}
		path := filepath.Join(abs, name)
		if _, tracked := s.store.FindBySourcePath(path); tracked {
			continue
		}
		out = append(out, path)
	}
	slices.Sort(out)
	return out, nil
}

// Matches reports whether name has one of the configured extensions.
func (s *Service) Matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext != "" && slices.Contains(s.exts, ext)
}

var errGrowing = errors.New("file is still being written")

// ensureStable returns nil once the file is non-empty and its size and
// modification time stop changing.
func (s *Service) ensureStable(ctx context.Context, path string, prev os.FileInfo) error {
	return retry.Do(ctx, s.policy, func(attempt int) error {
		if attempt > 1 {
			if err := sleep(ctx, s.stableWait); err != nil {
				return retry.Permanent(err)
			}
		}
		cur, err := s.stat(path)
		if err != nil {
			return retry.Permanent(err)
		}
		same := cur.Size() == prev.Size() && cur.ModTime().Equal(prev.ModTime())
		prev = cur
		if !same {
			return errGrowing
		}
		if cur.Size() == 0 {
			return retry.Permanent(errors.New("file is empty"))
		}
		return nil
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
