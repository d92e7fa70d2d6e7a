package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE jobs (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				dedupe_key TEXT,
				status TEXT NOT NULL DEFAULT 'PENDING',
				error_message TEXT,
				created_at DATETIME NOT NULL,
				started_at DATETIME,
				completed_at DATETIME,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				next_retry_at DATETIME
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Claim order is (next_retry_at, created_at) within status=PENDING.
		_, err = db.Exec(`CREATE INDEX idx_jobs_claim ON jobs(status, next_retry_at, created_at)`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Dedupe lookups use a dedicated column instead of a JSON path into
		// the payload, so they work on any storage engine.
		_, err = db.Exec(`CREATE INDEX idx_jobs_dedupe ON jobs(type, status, dedupe_key)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE books (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				author TEXT,
				isbn TEXT,
				isbn10 TEXT,
				isbn13 TEXT,
				description TEXT,
				language TEXT,
				publisher TEXT,
				series TEXT,
				series_index REAL,
				rating REAL,
				file_path TEXT NOT NULL UNIQUE,
				kepub_path TEXT,
				cover_path TEXT,
				file_hash TEXT NOT NULL,
				file_size INTEGER NOT NULL DEFAULT 0,
				file_format TEXT NOT NULL DEFAULT '',
				is_converted BOOLEAN NOT NULL DEFAULT FALSE,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				deleted_at DATETIME,
				added_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Content identity across renames is (file_size, file_hash).
		_, err = db.Exec(`CREATE INDEX idx_books_content ON books(file_size, file_hash)`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Sync deltas filter on (is_deleted, updated_at).
		_, err = db.Exec(`CREATE INDEX idx_books_sync ON books(is_deleted, updated_at)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE reading_states (
				id TEXT PRIMARY KEY,
				book_id TEXT NOT NULL UNIQUE REFERENCES books(id) ON DELETE CASCADE,
				progress_percent INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'Unread',
				location_value TEXT,
				location_type TEXT,
				location_source TEXT,
				spent_reading_minutes INTEGER NOT NULL DEFAULT 0,
				remaining_time_minutes INTEGER NOT NULL DEFAULT 0,
				last_modified DATETIME NOT NULL,
				created_at DATETIME NOT NULL
			)
		`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`DROP TABLE IF EXISTS reading_states`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`DROP TABLE IF EXISTS books`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`DROP TABLE IF EXISTS jobs`)
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
