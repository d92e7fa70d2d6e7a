package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Book is the catalog entry for one physical file on disk.
type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID          string  `bun:"id,pk" json:"id"`
	Title       string  `bun:"title,nullzero" json:"title"`
	Author      *string `bun:"author" json:"author,omitempty"`
	ISBN        *string `bun:"isbn" json:"isbn,omitempty"`
	ISBN10      *string `bun:"isbn10" json:"isbn10,omitempty"`
	ISBN13      *string `bun:"isbn13" json:"isbn13,omitempty"`
	Description *string `bun:"description" json:"description,omitempty"`
	Language    *string `bun:"language" json:"language,omitempty"`
	Publisher   *string `bun:"publisher" json:"publisher,omitempty"`

	Series      *string  `bun:"series" json:"series,omitempty"`
	SeriesIndex *float64 `bun:"series_index" json:"series_index,omitempty"`
	Rating      *float64 `bun:"rating" json:"rating,omitempty"`

	Filepath   string  `bun:"file_path,nullzero" json:"file_path"`
	KepubPath  *string `bun:"kepub_path" json:"kepub_path,omitempty"`
	CoverPath  *string `bun:"cover_path" json:"cover_path,omitempty"`
	FileHash   string  `bun:"file_hash,nullzero" json:"file_hash"`
	FileSize   int64   `bun:"file_size" json:"file_size"`
	FileFormat string  `bun:"file_format,nullzero" json:"file_format"`

	IsConverted bool       `bun:"is_converted" json:"is_converted"`
	IsDeleted   bool       `bun:"is_deleted" json:"is_deleted"`
	DeletedAt   *time.Time `bun:"deleted_at" json:"deleted_at,omitempty"`

	AddedAt   time.Time `bun:"added_at" json:"added_at"`
	UpdatedAt time.Time `bun:"updated_at" json:"updated_at"`
}

// MarkUpdated bumps the sync cursor column. Every mutation that should
// propagate through library sync has to call this.
func (b *Book) MarkUpdated() {
	b.UpdatedAt = time.Now().UTC()
}

// MarkDeleted soft-deletes the book so the deletion can still be reported to
// devices that sync by delta.
func (b *Book) MarkDeleted() {
	now := time.Now().UTC()
	b.IsDeleted = true
	b.DeletedAt = &now
	b.UpdatedAt = now
}
