package jobqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

// Queue is a durable FIFO-with-retry-schedule job queue over the jobs table.
// It is the sole authority on claim exclusivity: a job handed out by
// FetchNextJob is visible to exactly one caller.
type Queue struct {
	db *bun.DB
}

func New(db *bun.DB) *Queue {
	return &Queue{db: db}
}

// AddJob inserts a new pending job. When dedupeKey is non-empty and a pending
// job of the same type already carries that key, no job is inserted and nil
// is returned. The key is also embedded into the payload document so the
// payload alone identifies the originating event.
func (q *Queue) AddJob(ctx context.Context, jobType string, payload interface{}, dedupeKey string) (*models.Job, error) {
	log := logger.FromContext(ctx)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    string(data),
		Status:     models.JobStatusPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: models.JobMaxRetries,
	}

	if dedupeKey != "" {
		count, err := q.db.NewSelect().
			Model((*models.Job)(nil)).
			Where("j.type = ?", jobType).
			Where("j.status = ?", models.JobStatusPending).
			Where("j.dedupe_key = ?", dedupeKey).
			Count(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if count > 0 {
			log.Debug("skipping duplicate job", logger.Data{"job_type": jobType, "dedupe_key": dedupeKey})
			return nil, nil
		}

		job.DedupeKey = &dedupeKey
		job.Payload, err = embedDedupeKey(job.Payload, dedupeKey)
		if err != nil {
			return nil, err
		}
	}

	_, err = q.db.NewInsert().Model(job).Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	log.Info("job added to queue", logger.Data{"job_id": job.ID, "job_type": jobType})
	return job, nil
}

// FetchNextJob atomically claims the next eligible pending job and flips it
// to processing. Eligible means next_retry_at is unset or due. Claim order is
// next_retry_at ascending with fresh jobs first, then created_at ascending,
// so retried jobs compete on their retry-due time rather than re-insertion
// order. Returns nil when nothing is eligible.
func (q *Queue) FetchNextJob(ctx context.Context) (*models.Job, error) {
	now := time.Now().UTC()
	job := &models.Job{}

	err := q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model(job).
			Where("j.status = ?", models.JobStatusPending).
			WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
				return sq.
					Where("j.next_retry_at IS NULL").
					WhereOr("j.next_retry_at <= ?", now)
			}).
			OrderExpr("j.next_retry_at ASC NULLS FIRST").
			OrderExpr("j.created_at ASC").
			Limit(1).
			Scan(ctx)
		if err != nil {
			return err
		}

		// The status guard makes the claim exclusive even if another
		// claimer selected the same row between our select and update.
		res, err := tx.NewUpdate().
			Model(job).
			Set("status = ?", models.JobStatusProcessing).
			Set("started_at = ?", now).
			Where("j.id = ?", job.ID).
			Where("j.status = ?", models.JobStatusPending).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.WithStack(err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}

		job.Status = models.JobStatusProcessing
		job.StartedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	logger.FromContext(ctx).Debug("job claimed for processing", logger.Data{
		"job_id":      job.ID,
		"job_type":    job.Type,
		"retry_count": job.RetryCount,
	})
	return job, nil
}

// CompleteJob moves a job to a terminal status. An explicit status wins;
// otherwise a non-empty error means failed, else completed. Unknown job ids
// are logged and ignored.
func (q *Queue) CompleteJob(ctx context.Context, jobID string, jobErr string, status string) error {
	log := logger.FromContext(ctx)

	if status == "" {
		if jobErr != "" {
			status = models.JobStatusFailed
		} else {
			status = models.JobStatusCompleted
		}
	}

	now := time.Now().UTC()
	upd := q.db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("status = ?", status).
		Set("completed_at = ?", now).
		Where("id = ?", jobID)
	if jobErr != "" {
		upd = upd.Set("error_message = ?", jobErr)
	}

	res, err := upd.Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		log.Warn("attempted to complete unknown job", logger.Data{"job_id": jobID})
		return nil
	}

	log.Info("job completed", logger.Data{"job_id": jobID, "status": status, "error": truncate(jobErr, 100)})
	return nil
}

// RetryJob returns a processing job to pending with a retry delay. A zero
// delay selects exponential backoff: 10 * 2^(retry_count-1) seconds.
func (q *Queue) RetryJob(ctx context.Context, jobID string, jobErr string, delay time.Duration) error {
	log := logger.FromContext(ctx)

	job := &models.Job{}
	err := q.db.NewSelect().Model(job).Where("j.id = ?", jobID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("attempted to retry unknown job", logger.Data{"job_id": jobID})
			return nil
		}
		return errors.WithStack(err)
	}

	job.RetryCount++
	if delay <= 0 {
		delay = 10 * time.Second * (1 << (job.RetryCount - 1))
	}
	nextRetry := time.Now().UTC().Add(delay)

	_, err = q.db.NewUpdate().
		Model(job).
		Set("status = ?", models.JobStatusPending).
		Set("retry_count = ?", job.RetryCount).
		Set("error_message = ?", jobErr).
		Set("next_retry_at = ?", nextRetry).
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	log.Warn("job scheduled for retry", logger.Data{
		"job_id":        jobID,
		"retry_count":   job.RetryCount,
		"next_retry_at": nextRetry.Format(time.RFC3339),
		"error":         truncate(jobErr, 100),
	})
	return nil
}

// RecoverStaleJobs reclaims jobs stuck in processing past the staleness
// window, presumed abandoned by a crashed worker. They go back to pending
// with a retry-count increment so the overall retry ceiling still holds.
// Returns the number of jobs recovered.
func (q *Queue) RecoverStaleJobs(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)
	cutoff := time.Now().UTC().Add(-models.JobStaleThreshold)

	res, err := q.db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("status = ?", models.JobStatusPending).
		Set("started_at = NULL").
		Set("retry_count = retry_count + 1").
		Set("error_message = ?", "Job recovered from stale state").
		Where("status = ?", models.JobStatusProcessing).
		Where("started_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}

	if affected > 0 {
		log.Info("stale job recovery complete", logger.Data{"recovered_count": affected})
	}
	return int(affected), nil
}

// QueueStats returns a count per status. Every status value is present in
// the result, zero when the queue holds no such jobs.
func (q *Queue) QueueStats(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}

	err := q.db.NewSelect().
		Model((*models.Job)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS count").
		GroupExpr("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	stats := make(map[string]int, len(models.JobStatuses))
	for _, status := range models.JobStatuses {
		stats[status] = 0
	}
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}

func embedDedupeKey(payload, dedupeKey string) (string, error) {
	doc := map[string]interface{}{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return "", errors.WithStack(err)
	}
	doc["dedupe_key"] = dedupeKey
	out, err := json.Marshal(doc)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(out), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
