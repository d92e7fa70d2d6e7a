package worker

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/jobqueue"
	"github.com/koboldbooks/kobold/pkg/migrations"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerPollInterval:  10 * time.Millisecond,
		WorkerErrorBackoff:  10 * time.Millisecond,
		WorkerShutdownGrace: time.Second,
	}
}

type fakeIngest struct {
	mu       sync.Mutex
	payloads []models.IngestPayload
	err      error
}

func (f *fakeIngest) ProcessJob(_ context.Context, payload models.IngestPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.err
}

func (f *fakeIngest) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// fakeBookHandler fails a configurable number of invocations, then succeeds.
type fakeBookHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeBookHandler) ProcessJob(_ context.Context, _ models.BookRefPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("handler failure")
	}
	return nil
}

func (f *fakeBookHandler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitForStatus(t *testing.T, db *bun.DB, jobID, status string) *models.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := &models.Job{}
		err := db.NewSelect().Model(job).Where("j.id = ?", jobID).Scan(context.Background())
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, status)
	return nil
}

func waitForRetryCount(t *testing.T, db *bun.DB, jobID string, count int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := &models.Job{}
		err := db.NewSelect().Model(job).Where("j.id = ?", jobID).Scan(context.Background())
		require.NoError(t, err)
		if job.RetryCount >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached retry count %d", jobID, count)
}

func TestWorker_ProcessesIngestJob(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	queue := jobqueue.New(db)
	ingest := &fakeIngest{}

	w := New(testConfig(), queue, ingest, &fakeBookHandler{}, &fakeBookHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	job, err := queue.AddJob(ctx, models.JobTypeIngest, models.IngestPayload{Event: models.IngestEventAdd, Path: "/books/a.epub"}, "")
	require.NoError(t, err)

	waitForStatus(t, db, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, ingest.count())

	cancel()
	w.Shutdown(time.Second)
}

func TestWorker_ProcessesMetadataJob(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	queue := jobqueue.New(db)
	meta := &fakeBookHandler{}

	w := New(testConfig(), queue, &fakeIngest{}, meta, &fakeBookHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	job, err := queue.AddJob(ctx, models.JobTypeMetadata, models.BookRefPayload{BookID: "b1"}, "")
	require.NoError(t, err)

	waitForStatus(t, db, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, meta.callCount())

	cancel()
	w.Shutdown(time.Second)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	queue := jobqueue.New(db)
	conv := &fakeBookHandler{failures: 1}

	w := New(testConfig(), queue, &fakeIngest{}, &fakeBookHandler{}, conv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	job, err := queue.AddJob(ctx, models.JobTypeConvert, models.BookRefPayload{BookID: "b1"}, "")
	require.NoError(t, err)

	// Wait for the first attempt to fail: the job starts out pending, so
	// only the bumped retry count proves the failure happened.
	waitForRetryCount(t, db, job.ID, 1)

	// Pull the retry forward so the test doesn't wait out the backoff.
	_, err = db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("next_retry_at = ?", time.Now().UTC().Add(-time.Second)).
		Where("id = ?", job.ID).
		Exec(ctx)
	require.NoError(t, err)

	final := waitForStatus(t, db, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, final.RetryCount)
	assert.GreaterOrEqual(t, conv.callCount(), 2)

	cancel()
	w.Shutdown(time.Second)
}

func TestWorker_DeadLettersAfterMaxRetries(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	queue := jobqueue.New(db)
	conv := &fakeBookHandler{failures: 100}

	w := New(testConfig(), queue, &fakeIngest{}, &fakeBookHandler{}, conv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	job, err := queue.AddJob(ctx, models.JobTypeConvert, models.BookRefPayload{BookID: "b1"}, "")
	require.NoError(t, err)

	// Keep collapsing the backoff so all retries burn through quickly.
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = db.NewUpdate().
					Model((*models.Job)(nil)).
					Set("next_retry_at = ?", time.Now().UTC().Add(-time.Second)).
					Where("id = ?", job.ID).
					Where("status = ?", models.JobStatusPending).
					Exec(context.Background())
			}
		}
	}()

	final := waitForStatus(t, db, job.ID, models.JobStatusDeadLetter)
	assert.Equal(t, models.JobMaxRetries, final.RetryCount)
	require.NotNil(t, final.ErrorMessage)

	cancel()
	w.Shutdown(time.Second)
}

func TestWorker_UnknownTypeFailsImmediately(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	queue := jobqueue.New(db)

	w := New(testConfig(), queue, &fakeIngest{}, &fakeBookHandler{}, &fakeBookHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	job, err := queue.AddJob(ctx, "REINDEX", map[string]string{}, "")
	require.NoError(t, err)

	final := waitForStatus(t, db, job.ID, models.JobStatusFailed)
	assert.Equal(t, 0, final.RetryCount, "unknown type must not consume retries")

	cancel()
	w.Shutdown(time.Second)
}

func TestWorker_RecoversStaleJobsOnStart(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	queue := jobqueue.New(db)
	ingest := &fakeIngest{}

	staleStart := time.Now().UTC().Add(-models.JobStaleThreshold - time.Minute)
	stale := &models.Job{
		ID:         "stale",
		Type:       models.JobTypeIngest,
		Payload:    `{"event":"ADD","path":"/books/a.epub"}`,
		Status:     models.JobStatusProcessing,
		CreatedAt:  staleStart,
		StartedAt:  &staleStart,
		MaxRetries: models.JobMaxRetries,
	}
	_, err := db.NewInsert().Model(stale).Exec(context.Background())
	require.NoError(t, err)

	w := New(testConfig(), queue, ingest, &fakeBookHandler{}, &fakeBookHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	waitForStatus(t, db, "stale", models.JobStatusCompleted)
	assert.Equal(t, 1, ingest.count())

	cancel()
	w.Shutdown(time.Second)
}

func TestWorker_ShutdownStops(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	queue := jobqueue.New(db)

	w := New(testConfig(), queue, &fakeIngest{}, &fakeBookHandler{}, &fakeBookHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	cancel()
	done := make(chan struct{})
	go func() {
		w.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down")
	}
}
