package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/ingest"
	"github.com/koboldbooks/kobold/pkg/jobqueue"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Watcher turns filesystem notifications into ingest jobs. Events are
// debounced per path: a burst of writes while a file is being copied in
// collapses to one job once the burst goes quiet.
type Watcher struct {
	cfg   *config.Config
	queue *jobqueue.Queue
	log   logger.Logger

	fs      *fsnotify.Watcher
	pending map[string]string
	done    chan struct{}
}

func New(cfg *config.Config, queue *jobqueue.Queue) *Watcher {
	return &Watcher{
		cfg:     cfg,
		queue:   queue,
		log:     logger.New(),
		pending: map[string]string{},
		done:    make(chan struct{}),
	}
}

// Start begins watching the configured directories, creating them if needed.
// The loop runs until ctx is cancelled; the event batch in flight is flushed
// before exit.
func (w *Watcher) Start(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WithStack(err)
	}
	w.fs = fs

	watched := 0
	for _, dir := range w.cfg.WatchDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.log.Err(err).Error("failed to create watch directory", logger.Data{"path": dir})
			continue
		}
		if err := w.watchTree(dir); err != nil {
			w.log.Err(err).Error("failed to watch directory", logger.Data{"path": dir})
			continue
		}
		watched++
	}
	if watched == 0 {
		fs.Close()
		return errors.New("no valid directories to watch")
	}

	w.log.Info("file watcher started", logger.Data{
		"directories": strings.Join(w.cfg.WatchDirs, ","),
		"debounce":    w.cfg.WatchDebounce.String(),
	})

	go w.run(ctx)
	return nil
}

// Shutdown blocks until the watcher loop has exited.
func (w *Watcher) Shutdown(grace time.Duration) {
	select {
	case <-w.done:
	case <-time.After(grace):
		w.log.Warn("watcher did not stop within grace period", logger.Data{"grace": grace.String()})
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.fs.Close()

	// The timer only runs while events are pending.
	flush := time.NewTimer(w.cfg.WatchDebounce)
	if len(w.pending) == 0 {
		flush.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			// The loop context is already cancelled; drain the pending
			// batch with a fresh one so those events aren't lost.
			w.flush(context.Background())
			w.log.Info("file watcher stopped")
			return
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Err(err).Error("watch error")
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.record(event) {
				flush.Reset(w.cfg.WatchDebounce)
			}
		case <-flush.C:
			w.flush(ctx)
		}
	}
}

// record buffers an event, returning true when the debounce window should
// restart.
func (w *Watcher) record(event fsnotify.Event) bool {
	switch {
	case event.Op.Has(fsnotify.Create):
		// A new directory needs its own watch; files already inside it
		// (moved in atomically) are picked up by the walk.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.log.Err(err).Error("failed to watch new directory", logger.Data{"path": event.Name})
			}
			// The walk may have queued files that were moved in with the
			// directory, so arm the flush timer.
			return len(w.pending) > 0
		}
		w.pending[event.Name] = models.IngestEventAdd
	case event.Op.Has(fsnotify.Write):
		w.pending[event.Name] = models.IngestEventAdd
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		w.pending[event.Name] = models.IngestEventDelete
	default:
		// Chmod and friends are noise.
		return false
	}
	return true
}

func (w *Watcher) flush(ctx context.Context) {
	for path, event := range w.pending {
		delete(w.pending, path)

		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}
		if !ingest.SupportedPath(path) {
			continue
		}

		w.log.Info("file event detected", logger.Data{"event_type": event, "path": path})

		payload := models.IngestPayload{Event: event, Path: path}
		_, err := w.queue.AddJob(w.log.WithContext(ctx), models.JobTypeIngest, payload, event+":"+path)
		if err != nil {
			w.log.Err(err).Error("failed to enqueue ingest job", logger.Data{"path": path})
		}
	}
}

// watchTree registers watches for dir and everything below it, and enqueues
// ADD events for files discovered on the way so directories moved into the
// tree aren't silently skipped.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		if ingest.SupportedPath(path) && !strings.HasPrefix(filepath.Base(path), ".") {
			w.pending[path] = models.IngestEventAdd
		}
		return nil
	})
}
