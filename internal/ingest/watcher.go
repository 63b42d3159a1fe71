package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers a callback when recordings appear in a directory, and
// periodically in any case so that the worker keeps being polled.
type Watcher struct {
	dir      string
	match    func(name string) bool
	debounce time.Duration
	interval time.Duration
	log      *slog.Logger
}

func NewWatcher(dir string, match func(name string) bool, debounce, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		match:    match,
		debounce: debounce,
		interval: interval,
		log:      logger,
	}
}

// Run calls fn once immediately, then after each burst of matching file
// events has been quiet for the debounce period, and on every interval tick.
// It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	fn(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("file event", "path", event.Name, "op", event.Op.String())
			debounce.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)

		case <-debounce.C:
			fn(ctx)

		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	return w.match(event.Name)
}
