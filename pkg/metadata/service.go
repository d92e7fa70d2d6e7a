package metadata

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"strings"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// Service is the metadata job handler. It resolves metadata for a book,
// writes back only the fields that actually changed, and optionally embeds
// the result into the file.
type Service struct {
	cfg      *config.Config
	db       *bun.DB
	resolver Resolver
	embedder Embedder
	client   *http.Client
}

func NewService(cfg *config.Config, db *bun.DB, resolver Resolver, embedder Embedder, client *http.Client) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{cfg: cfg, db: db, resolver: resolver, embedder: embedder, client: client}
}

// ProcessJob handles a single metadata job payload.
func (s *Service) ProcessJob(ctx context.Context, payload models.BookRefPayload) error {
	log := logger.FromContext(ctx)

	if payload.BookID == "" {
		log.Warn("metadata job missing book_id", logger.Data{})
		return nil
	}

	book := &models.Book{}
	err := s.db.NewSelect().Model(book).Where("b.id = ?", payload.BookID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("metadata job for non-existent book", logger.Data{"book_id": payload.BookID})
			return nil
		}
		return errors.WithStack(err)
	}

	log.Info("fetching metadata", logger.Data{"book_id": book.ID, "title": book.Title})

	meta, err := s.resolver.Resolve(ctx, Query{
		Title:    book.Title,
		Author:   deref(book.Author),
		ISBN:     firstNonEmpty(deref(book.ISBN13), deref(book.ISBN10), deref(book.ISBN)),
		FilePath: book.Filepath,
	})
	if err != nil {
		return err
	}
	if meta == nil {
		log.Info("no metadata found", logger.Data{"book_id": book.ID})
		return nil
	}

	updated := applyMetadata(book, meta)
	if len(updated) == 0 {
		log.Debug("no new metadata to update", logger.Data{"book_id": book.ID})
		return nil
	}

	book.MarkUpdated()
	columns := append(updated, "updated_at")
	_, err = s.db.NewUpdate().Model(book).Column(columns...).WherePK().Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	log.Info("metadata updated", logger.Data{
		"book_id":        book.ID,
		"updated_fields": strings.Join(updated, ","),
		"new_title":      book.Title,
	})

	if s.cfg.EmbedMetadata && s.embedder != nil {
		if meta.CoverPath != nil && strings.HasPrefix(*meta.CoverPath, "http") {
			s.downloadCover(ctx, meta)
		}
		s.embedder.Embed(book.Filepath, meta)
	}
	return nil
}

// downloadCover fetches remote cover bytes into meta. Failure is logged and
// swallowed so embedding proceeds without a cover.
func (s *Service) downloadCover(ctx context.Context, meta *Metadata) {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *meta.CoverPath, nil)
	if err != nil {
		log.Err(err).Warn("error building cover request", logger.Data{"url": *meta.CoverPath})
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Err(err).Warn("error downloading cover image", logger.Data{"url": *meta.CoverPath})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("failed to download cover image", logger.Data{"url": *meta.CoverPath, "status": resp.StatusCode})
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Err(err).Warn("error reading cover image", logger.Data{"url": *meta.CoverPath})
		return
	}

	meta.CoverData = data
	log.Info("downloaded cover image", logger.Data{"url": *meta.CoverPath, "size": len(data)})
}

// applyMetadata copies changed fields onto the book and returns the column
// names that changed.
func applyMetadata(book *models.Book, meta *Metadata) []string {
	var updated []string

	if meta.Title != nil && *meta.Title != book.Title {
		book.Title = *meta.Title
		updated = append(updated, "title")
	}
	if changed(meta.Author, book.Author) {
		book.Author = meta.Author
		updated = append(updated, "author")
	}
	if changed(meta.Description, book.Description) {
		book.Description = meta.Description
		updated = append(updated, "description")
	}
	if changed(meta.ISBN, book.ISBN) {
		book.ISBN = meta.ISBN
		updated = append(updated, "isbn")
	}
	if changed(meta.ISBN10, book.ISBN10) {
		book.ISBN10 = meta.ISBN10
		updated = append(updated, "isbn10")
	}
	if changed(meta.ISBN13, book.ISBN13) {
		book.ISBN13 = meta.ISBN13
		updated = append(updated, "isbn13")
	}
	if changed(meta.Language, book.Language) {
		book.Language = meta.Language
		updated = append(updated, "language")
	}
	if changed(meta.Publisher, book.Publisher) {
		book.Publisher = meta.Publisher
		updated = append(updated, "publisher")
	}
	if changed(meta.Series, book.Series) {
		book.Series = meta.Series
		updated = append(updated, "series")
	}
	if changedFloat(meta.SeriesIndex, book.SeriesIndex) {
		book.SeriesIndex = meta.SeriesIndex
		updated = append(updated, "series_index")
	}
	if changedFloat(meta.Rating, book.Rating) {
		book.Rating = meta.Rating
		updated = append(updated, "rating")
	}
	if changed(meta.CoverPath, book.CoverPath) {
		book.CoverPath = meta.CoverPath
		updated = append(updated, "cover_path")
	}

	return updated
}

func changed(next, current *string) bool {
	return next != nil && (current == nil || *current != *next)
}

func changedFloat(next, current *float64) bool {
	return next != nil && (current == nil || *current != *next)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
