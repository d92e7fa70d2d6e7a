package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ReadingStatusUnread   = "Unread"
	ReadingStatusReading  = "Reading"
	ReadingStatusFinished = "Finished"
)

// ReadingState is per-book reading progress, one row per book, created
// lazily the first time a device reports or requests state.
type ReadingState struct {
	bun.BaseModel `bun:"table:reading_states,alias:rs"`

	ID     string `bun:"id,pk" json:"id"`
	BookID string `bun:"book_id,nullzero" json:"book_id"`

	ProgressPercent int    `bun:"progress_percent" json:"progress_percent"`
	Status          string `bun:"status,nullzero" json:"status"`

	LocationValue  *string `bun:"location_value" json:"location_value,omitempty"`
	LocationType   *string `bun:"location_type" json:"location_type,omitempty"`
	LocationSource *string `bun:"location_source" json:"location_source,omitempty"`

	SpentReadingMinutes  int `bun:"spent_reading_minutes" json:"spent_reading_minutes"`
	RemainingTimeMinutes int `bun:"remaining_time_minutes" json:"remaining_time_minutes"`

	LastModified time.Time `bun:"last_modified" json:"last_modified"`
	CreatedAt    time.Time `bun:"created_at" json:"created_at"`
}

func (rs *ReadingState) MarkUpdated() {
	rs.LastModified = time.Now().UTC()
}
