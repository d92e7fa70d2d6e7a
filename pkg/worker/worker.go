package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/jobqueue"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/robinjoseph08/golib/logger"
)

// IngestHandler processes ingest job payloads.
type IngestHandler interface {
	ProcessJob(ctx context.Context, payload models.IngestPayload) error
}

// BookHandler processes jobs whose payload references a single book.
type BookHandler interface {
	ProcessJob(ctx context.Context, payload models.BookRefPayload) error
}

// Worker drains the job queue one job at a time. Single-concurrency is
// deliberate: the pipeline cares about correct state transitions under
// crash and retry, not throughput.
type Worker struct {
	cfg *config.Config
	log logger.Logger

	queue      *jobqueue.Queue
	ingest     IngestHandler
	metadata   BookHandler
	conversion BookHandler

	done chan struct{}
}

func New(cfg *config.Config, queue *jobqueue.Queue, ingest IngestHandler, metadata BookHandler, conversion BookHandler) *Worker {
	return &Worker{
		cfg:        cfg,
		log:        logger.New(),
		queue:      queue,
		ingest:     ingest,
		metadata:   metadata,
		conversion: conversion,
		done:       make(chan struct{}),
	}
}

// Start launches the worker loop. It runs until ctx is cancelled; the job in
// flight, including its completion or retry call, always finishes first.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

// Shutdown blocks until the loop has exited or the grace period elapses. An
// overrun is logged, never fatal.
func (w *Worker) Shutdown(grace time.Duration) {
	select {
	case <-w.done:
	case <-time.After(grace):
		w.log.Warn("worker did not stop within grace period", logger.Data{"grace": grace.String()})
	}
}

func (w *Worker) run(ctx context.Context) {
	w.log.Info("worker starting", logger.Data{
		"poll_interval": w.cfg.WorkerPollInterval.String(),
		"max_retries":   models.JobMaxRetries,
	})

	// Jobs stranded in processing by a previous crash go back to pending
	// before we take on new work.
	recoverCtx := w.log.WithContext(ctx)
	if _, err := w.queue.RecoverStaleJobs(recoverCtx); err != nil {
		w.log.Err(err).Error("failed to recover stale jobs")
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return
		default:
		}

		job, err := w.queue.FetchNextJob(w.log.WithContext(ctx))
		if err != nil {
			w.log.Err(err).Error("fetch next job error")
			w.sleep(ctx, w.cfg.WorkerErrorBackoff)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.cfg.WorkerPollInterval)
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	id, err := uuid.NewRandom()
	if err != nil {
		w.log.Err(err).Error("new uuid error")
		return
	}
	log := w.log.ID(id.String()).Root(logger.Data{
		"job_id":      job.ID,
		"type":        job.Type,
		"retry_count": job.RetryCount,
	})
	// Completion and retry calls below intentionally do not use the
	// request context: once a job is claimed its final state must be
	// recorded even when shutdown has begun.
	jobCtx := log.WithContext(context.Background())

	log.Info("processing job")

	var jobErr error
	switch job.Type {
	case models.JobTypeIngest:
		var payload *models.IngestPayload
		payload, jobErr = job.IngestPayload()
		if jobErr == nil {
			jobErr = w.ingest.ProcessJob(jobCtx, *payload)
		}
	case models.JobTypeMetadata:
		var payload *models.BookRefPayload
		payload, jobErr = job.BookRefPayload()
		if jobErr == nil {
			jobErr = w.metadata.ProcessJob(jobCtx, *payload)
		}
	case models.JobTypeConvert:
		var payload *models.BookRefPayload
		payload, jobErr = job.BookRefPayload()
		if jobErr == nil {
			jobErr = w.conversion.ProcessJob(jobCtx, *payload)
		}
	default:
		log.Error("unknown job type")
		if err := w.queue.CompleteJob(jobCtx, job.ID, fmt.Sprintf("Unknown job type: %s", job.Type), models.JobStatusFailed); err != nil {
			log.Err(err).Error("complete job error")
		}
		return
	}

	if jobErr == nil {
		if err := w.queue.CompleteJob(jobCtx, job.ID, "", ""); err != nil {
			log.Err(err).Error("complete job error")
		} else {
			log.Info("job completed successfully")
		}
		return
	}

	log.Err(jobErr).Error("job failed")
	if job.RetryCount < job.MaxRetries {
		if err := w.queue.RetryJob(jobCtx, job.ID, jobErr.Error(), 0); err != nil {
			log.Err(err).Error("retry job error")
		}
		return
	}

	log.Error("job permanently failed, moving to dead letter")
	if err := w.queue.CompleteJob(jobCtx, job.ID, jobErr.Error(), models.JobStatusDeadLetter); err != nil {
		log.Err(err).Error("complete job error")
	}
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
