package metadata

import "context"

// Metadata holds the fields a resolver was able to determine for a book.
// Nil means "unknown", so merging overlays only what a source actually found.
type Metadata struct {
	Title       *string
	Author      *string
	Description *string
	ISBN        *string
	ISBN10      *string
	ISBN13      *string
	Language    *string
	Publisher   *string
	Series      *string
	SeriesIndex *float64
	Rating      *float64
	CoverPath   *string

	// CoverData is populated by the caller when a remote cover is
	// downloaded for embedding. It never comes from a resolver.
	CoverData []byte
}

// Query carries everything a resolver may use to identify a book.
type Query struct {
	Title    string
	Author   string
	ISBN     string
	FilePath string
}

// Resolver determines metadata for a book. Implementations are best-effort:
// a nil result with a nil error means nothing was found.
type Resolver interface {
	Resolve(ctx context.Context, q Query) (*Metadata, error)
}

// Embedder writes metadata into the book file itself. A false return means
// the format does not support embedding or the write failed; callers treat
// both as non-fatal.
type Embedder interface {
	Embed(path string, meta *Metadata) bool
}

// Merge overlays non-nil fields of overlay onto base, returning base.
func Merge(base, overlay *Metadata) *Metadata {
	if base == nil {
		base = &Metadata{}
	}
	if overlay == nil {
		return base
	}
	if overlay.Title != nil {
		base.Title = overlay.Title
	}
	if overlay.Author != nil {
		base.Author = overlay.Author
	}
	if overlay.Description != nil {
		base.Description = overlay.Description
	}
	if overlay.ISBN != nil {
		base.ISBN = overlay.ISBN
	}
	if overlay.ISBN10 != nil {
		base.ISBN10 = overlay.ISBN10
	}
	if overlay.ISBN13 != nil {
		base.ISBN13 = overlay.ISBN13
	}
	if overlay.Language != nil {
		base.Language = overlay.Language
	}
	if overlay.Publisher != nil {
		base.Publisher = overlay.Publisher
	}
	if overlay.Series != nil {
		base.Series = overlay.Series
	}
	if overlay.SeriesIndex != nil {
		base.SeriesIndex = overlay.SeriesIndex
	}
	if overlay.Rating != nil {
		base.Rating = overlay.Rating
	}
	if overlay.CoverPath != nil {
		base.CoverPath = overlay.CoverPath
	}
	if len(overlay.CoverData) > 0 {
		base.CoverData = overlay.CoverData
	}
	return base
}
