package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusDeadLetter = "DEAD_LETTER"
)

const (
	JobTypeIngest   = "INGEST"
	JobTypeMetadata = "METADATA"
	JobTypeConvert  = "CONVERT"
)

// JobStatuses lists every status value. Queue stats report all of them, even
// when a status has no rows.
var JobStatuses = []string{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusDeadLetter,
}

const (
	JobMaxRetries     = 3
	JobStaleThreshold = 30 * time.Minute
)

// Job is one unit of deferred work owned by the queue.
type Job struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID           string     `bun:"id,pk" json:"id"`
	Type         string     `bun:"type,nullzero" json:"type"`
	Payload      string     `bun:"payload,nullzero" json:"-"`
	DedupeKey    *string    `bun:"dedupe_key" json:"dedupe_key,omitempty"`
	Status       string     `bun:"status,nullzero" json:"status"`
	ErrorMessage *string    `bun:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `bun:"created_at" json:"created_at"`
	StartedAt    *time.Time `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `bun:"completed_at" json:"completed_at,omitempty"`
	RetryCount   int        `bun:"retry_count" json:"retry_count"`
	MaxRetries   int        `bun:"max_retries" json:"max_retries"`
	NextRetryAt  *time.Time `bun:"next_retry_at" json:"next_retry_at,omitempty"`
}

// IngestPayload is the payload for JobTypeIngest.
type IngestPayload struct {
	Event     string `json:"event"` // "ADD" or "DELETE"
	Path      string `json:"path"`
	DedupeKey string `json:"dedupe_key,omitempty"`
}

const (
	IngestEventAdd    = "ADD"
	IngestEventDelete = "DELETE"
)

// BookRefPayload is the payload for JobTypeMetadata and JobTypeConvert.
type BookRefPayload struct {
	BookID string `json:"book_id"`
}

func (job *Job) IngestPayload() (*IngestPayload, error) {
	p := &IngestPayload{}
	err := json.Unmarshal([]byte(job.Payload), p)
	return p, errors.WithStack(err)
}

func (job *Job) BookRefPayload() (*BookRefPayload, error) {
	p := &BookRefPayload{}
	err := json.Unmarshal([]byte(job.Payload), p)
	return p, errors.WithStack(err)
}
