package ingest

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/jobqueue"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

var supportedExtensions = map[string]bool{
	".epub": true,
	".pdf":  true,
	".cbz":  true,
	".cbr":  true,
}

// SupportedPath reports whether the file's extension is one the library
// accepts. Kepub files (".kepub.epub") are covered by the ".epub" suffix.
func SupportedPath(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Service turns filesystem events into Book records. Adds detect content
// moves via the (size, hash) pair so a renamed file keeps its identity, and
// deletes are soft so sync clients can be told about removals.
type Service struct {
	cfg   *config.Config
	db    *bun.DB
	queue *jobqueue.Queue
}

func NewService(cfg *config.Config, db *bun.DB, queue *jobqueue.Queue) *Service {
	return &Service{cfg: cfg, db: db, queue: queue}
}

// ProcessJob handles a single ingest job payload.
func (s *Service) ProcessJob(ctx context.Context, payload models.IngestPayload) error {
	log := logger.FromContext(ctx)

	if payload.Path == "" {
		log.Warn("ingest job missing path", logger.Data{"event": payload.Event})
		return nil
	}

	switch payload.Event {
	case models.IngestEventDelete:
		return s.handleDelete(ctx, payload.Path)
	case models.IngestEventAdd:
		return s.handleAdd(ctx, payload.Path)
	default:
		log.Warn("unknown ingest event type", logger.Data{"event": payload.Event, "path": payload.Path})
		return nil
	}
}

func (s *Service) handleDelete(ctx context.Context, path string) error {
	log := logger.FromContext(ctx)

	book := &models.Book{}
	err := s.db.NewSelect().Model(book).Where("b.file_path = ?", path).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("no book found for deleted file", logger.Data{"path": path})
			return nil
		}
		return errors.WithStack(err)
	}

	book.MarkDeleted()
	_, err = s.db.NewUpdate().
		Model(book).
		Column("is_deleted", "deleted_at", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	log.Info("book marked as deleted", logger.Data{"book_id": book.ID, "title": book.Title})
	return nil
}

func (s *Service) handleAdd(ctx context.Context, path string) error {
	log := logger.FromContext(ctx)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("file no longer exists, skipping", logger.Data{"path": path})
			return nil
		}
		return errors.WithStack(err)
	}

	if !SupportedPath(path) {
		log.Debug("unsupported file extension", logger.Data{"path": path})
		return nil
	}

	fileSize := info.Size()
	fileHash, err := HashFile(path)
	if err != nil {
		return err
	}

	// Same content at a different path means the file moved; rebind the
	// existing record instead of creating a duplicate.
	existing := &models.Book{}
	err = s.db.NewSelect().
		Model(existing).
		Where("b.file_size = ?", fileSize).
		Where("b.file_hash = ?", fileHash).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.WithStack(err)
	}
	if err == nil {
		if existing.Filepath == path {
			log.Debug("book already exists with same path", logger.Data{"book_id": existing.ID})
			return nil
		}
		existing.Filepath = path
		existing.IsDeleted = false
		existing.DeletedAt = nil
		existing.MarkUpdated()
		_, err = s.db.NewUpdate().
			Model(existing).
			Column("file_path", "is_deleted", "deleted_at", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		log.Info("updated path for existing book", logger.Data{"book_id": existing.ID, "title": existing.Title})
		return nil
	}

	// Same path with new content is an in-place replacement.
	byPath := &models.Book{}
	err = s.db.NewSelect().Model(byPath).Where("b.file_path = ?", path).Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.WithStack(err)
	}
	if err == nil {
		byPath.FileHash = fileHash
		byPath.FileSize = fileSize
		byPath.IsDeleted = false
		byPath.DeletedAt = nil
		byPath.MarkUpdated()
		_, err = s.db.NewUpdate().
			Model(byPath).
			Column("file_hash", "file_size", "is_deleted", "deleted_at", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		log.Info("updated existing book content", logger.Data{"book_id": byPath.ID, "new_hash": fileHash})
		return nil
	}

	now := time.Now().UTC()
	book := &models.Book{
		ID:         uuid.New().String(),
		Title:      stem(path),
		Filepath:   path,
		FileHash:   fileHash,
		FileSize:   fileSize,
		FileFormat: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		AddedAt:    now,
		UpdatedAt:  now,
	}
	_, err = s.db.NewInsert().Model(book).Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	log.Info("ingested new book", logger.Data{"book_id": book.ID, "title": book.Title, "file_hash": fileHash})

	_, err = s.queue.AddJob(ctx, models.JobTypeMetadata, models.BookRefPayload{BookID: book.ID}, "")
	if err != nil {
		return err
	}

	isEPUB := strings.EqualFold(filepath.Ext(path), ".epub")
	isKepub := strings.HasSuffix(strings.ToLower(stem(path)), ".kepub")
	if s.cfg.ConvertEPUB && isEPUB && !isKepub {
		_, err = s.queue.AddJob(ctx, models.JobTypeConvert, models.BookRefPayload{BookID: book.ID}, "")
		if err != nil {
			return err
		}
	}
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
