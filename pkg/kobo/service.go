package kobo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/koboldbooks/kobold/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Service owns the local half of the sync protocol: catalog deltas and
// reading state persistence.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// LocalSync computes the local change feed since the given cursor. A nil
// cursor is a cold start: every non-deleted book is new, and removals are
// not reported since the device has nothing to remove.
func (svc *Service) LocalSync(ctx context.Context, since *time.Time, baseURL string) ([]interface{}, error) {
	var entries []interface{}

	var books []*models.Book
	q := svc.db.NewSelect().
		Model(&books).
		Where("b.is_deleted = ?", false).
		Order("updated_at ASC")
	if since != nil {
		q = q.Where("b.updated_at > ?", *since)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, book := range books {
		entries = append(entries, newEntitlement(book, baseURL))
	}

	if since != nil {
		var deleted []*models.Book
		err := svc.db.NewSelect().
			Model(&deleted).
			Where("b.is_deleted = ?", true).
			Where("b.updated_at > ?", *since).
			Order("updated_at ASC").
			Scan(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for _, book := range deleted {
			entries = append(entries, RemoveEntitlementEntry{
				RemoveEntitlement: RemoveEntitlement{EntitlementID: book.ID},
			})
		}
	}

	return entries, nil
}

// GetBook returns a book by id, nil when it doesn't exist.
func (svc *Service) GetBook(ctx context.Context, bookID string) (*models.Book, error) {
	book := &models.Book{}
	err := svc.db.NewSelect().Model(book).Where("b.id = ?", bookID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return book, nil
}

// GetReadingState returns the stored state for a book, nil when the device
// has never reported one.
func (svc *Service) GetReadingState(ctx context.Context, bookID string) (*models.ReadingState, error) {
	state := &models.ReadingState{}
	err := svc.db.NewSelect().Model(state).Where("rs.book_id = ?", bookID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return state, nil
}

// UpsertReadingState applies an incoming device state report, creating the
// row lazily on first contact.
func (svc *Service) UpsertReadingState(ctx context.Context, bookID string, incoming ReadingStateEntry) (*models.ReadingState, error) {
	state, err := svc.GetReadingState(ctx, bookID)
	if err != nil {
		return nil, err
	}

	insert := state == nil
	if insert {
		state = &models.ReadingState{
			ID:        uuid.New().String(),
			BookID:    bookID,
			Status:    models.ReadingStatusUnread,
			CreatedAt: time.Now().UTC(),
		}
	}

	if incoming.StatusInfo.Status != "" {
		state.Status = incoming.StatusInfo.Status
	}
	state.SpentReadingMinutes = incoming.Statistics.SpentReadingMinutes
	state.RemainingTimeMinutes = incoming.Statistics.RemainingTimeMinutes
	state.ProgressPercent = incoming.CurrentBookmark.ProgressPercent
	if incoming.CurrentBookmark.Location.Value != nil {
		state.LocationValue = incoming.CurrentBookmark.Location.Value
	}
	if incoming.CurrentBookmark.Location.Type != nil {
		state.LocationType = incoming.CurrentBookmark.Location.Type
	}
	if incoming.CurrentBookmark.Location.Source != nil {
		state.LocationSource = incoming.CurrentBookmark.Location.Source
	}
	state.MarkUpdated()

	if insert {
		_, err = svc.db.NewInsert().Model(state).Exec(ctx)
	} else {
		_, err = svc.db.NewUpdate().Model(state).WherePK().Exec(ctx)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return state, nil
}

// isLocalBook reports whether an id belongs to the local catalog. Local ids
// are UUIDs; upstream store ids are not.
func isLocalBook(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
