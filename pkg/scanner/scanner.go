package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/ingest"
	"github.com/koboldbooks/kobold/pkg/jobqueue"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/robinjoseph08/golib/logger"
)

// Scanner walks the watch directories and enqueues an ingest job for every
// supported file it finds. It backfills anything the file watcher missed
// while the process was down, and re-runs periodically to reconcile drift.
type Scanner struct {
	cfg   *config.Config
	queue *jobqueue.Queue
	log   logger.Logger
	done  chan struct{}
}

func New(cfg *config.Config, queue *jobqueue.Queue) *Scanner {
	return &Scanner{
		cfg:   cfg,
		queue: queue,
		log:   logger.New(),
		done:  make(chan struct{}),
	}
}

// Start runs one scan immediately and then re-scans every ScanInterval until
// ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	go s.run(ctx)
}

// Shutdown blocks until the scan loop has exited.
func (s *Scanner) Shutdown(grace time.Duration) {
	select {
	case <-s.done:
	case <-time.After(grace):
		s.log.Warn("scanner did not stop within grace period", logger.Data{"grace": grace.String()})
	}
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.done)

	s.Scan(ctx)

	if s.cfg.ScanInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan walks every watch directory once. Missing directories are skipped with
// a warning; jobs for files already enqueued collapse via their dedupe keys.
func (s *Scanner) Scan(ctx context.Context) {
	start := time.Now()
	enqueued := 0

	for _, dir := range s.cfg.WatchDirs {
		if _, err := os.Stat(dir); err != nil {
			s.log.Warn("skipping missing watch directory", logger.Data{"path": dir})
			continue
		}

		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(filepath.Base(path), ".") {
				return nil
			}
			if !ingest.SupportedPath(path) {
				return nil
			}

			payload := models.IngestPayload{Event: models.IngestEventAdd, Path: path}
			dedupeKey := models.IngestEventAdd + ":" + path
			if _, err := s.queue.AddJob(s.log.WithContext(ctx), models.JobTypeIngest, payload, dedupeKey); err != nil {
				s.log.Err(err).Error("failed to enqueue scan job", logger.Data{"path": path})
				return nil
			}
			enqueued++
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.log.Err(err).Error("scan failed", logger.Data{"path": dir})
		}
	}

	s.log.Info("library scan finished", logger.Data{
		"enqueued": enqueued,
		"duration": time.Since(start).String(),
	})
}
