package conversion

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// Service is the conversion job handler.
type Service struct {
	cfg       *config.Config
	db        *bun.DB
	converter Converter
}

func NewService(cfg *config.Config, db *bun.DB, converter Converter) *Service {
	return &Service{cfg: cfg, db: db, converter: converter}
}

// ProcessJob converts a book to kepub. Already-converted books are a no-op,
// a missing source file is an error so the job retries, and a failed
// conversion is an error for the same reason.
func (s *Service) ProcessJob(ctx context.Context, payload models.BookRefPayload) error {
	log := logger.FromContext(ctx)

	if payload.BookID == "" {
		log.Warn("convert job missing book_id", logger.Data{})
		return nil
	}

	if s.converter == nil {
		log.Warn("conversion disabled, no converter available", logger.Data{"book_id": payload.BookID})
		return nil
	}

	book := &models.Book{}
	err := s.db.NewSelect().Model(book).Where("b.id = ?", payload.BookID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("convert job for non-existent book", logger.Data{"book_id": payload.BookID})
			return nil
		}
		return errors.WithStack(err)
	}

	if book.IsConverted {
		log.Debug("book already converted", logger.Data{"book_id": book.ID})
		return nil
	}

	if _, err := os.Stat(book.Filepath); err != nil {
		return errors.Wrapf(err, "source file not found: %s", book.Filepath)
	}

	outputPath := kepubPath(book.Filepath)
	log.Info("starting conversion", logger.Data{"book_id": book.ID, "output_file": outputPath})

	kepub := s.converter.Convert(ctx, book.Filepath, outputPath)
	if kepub == "" {
		return errors.New("conversion returned no output path")
	}

	book.KepubPath = &kepub
	book.IsConverted = true
	book.MarkUpdated()
	_, err = s.db.NewUpdate().
		Model(book).
		Column("kepub_path", "is_converted", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	log.Info("conversion successful", logger.Data{"book_id": book.ID, "kepub_path": kepub})

	if s.cfg.DeleteOriginalAfterConvert {
		// The watcher will see the deletion and soft-delete is avoided
		// because the kepub file carries the book from here on.
		if err := os.Remove(book.Filepath); err != nil {
			log.Err(err).Error("failed to delete original file", logger.Data{"path": book.Filepath})
		} else {
			log.Info("deleted original file after conversion", logger.Data{"path": book.Filepath})
		}
	}
	return nil
}

// kepubPath maps "x.epub" to "x.kepub.epub".
func kepubPath(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".epub") {
		return path[:len(path)-len(".epub")] + ".kepub.epub"
	}
	return path + ".kepub.epub"
}
