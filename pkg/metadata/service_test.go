package metadata

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/migrations"
	"github.com/koboldbooks/kobold/pkg/models"
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

type stubResolver struct {
	meta *Metadata
	err  error
}

func (r *stubResolver) Resolve(_ context.Context, _ Query) (*Metadata, error) {
	return r.meta, r.err
}

type recordingEmbedder struct {
	path string
	meta *Metadata
}

func (e *recordingEmbedder) Embed(path string, meta *Metadata) bool {
	e.path = path
	e.meta = meta
	return true
}

func insertBook(t *testing.T, db *bun.DB, book *models.Book) *models.Book {
	t.Helper()
	if book.AddedAt.IsZero() {
		book.AddedAt = time.Now().UTC().Add(-time.Hour)
		book.UpdatedAt = book.AddedAt
	}
	_, err := db.NewInsert().Model(book).Exec(context.Background())
	require.NoError(t, err)
	return book
}

func TestProcessJob_WritesChangedFields(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	book := insertBook(t, db, &models.Book{
		ID:         "b1",
		Title:      "dune",
		Filepath:   "/books/dune.epub",
		FileHash:   "h",
		FileSize:   1,
		FileFormat: "epub",
	})

	resolver := &stubResolver{meta: &Metadata{
		Title:  strptr("Dune"),
		Author: strptr("Frank Herbert"),
		Rating: func() *float64 { r := 4.3; return &r }(),
	}}
	svc := NewService(&config.Config{}, db, resolver, nil, nil)

	err := svc.ProcessJob(ctx, models.BookRefPayload{BookID: book.ID})
	require.NoError(t, err)

	got := &models.Book{}
	require.NoError(t, db.NewSelect().Model(got).Where("b.id = ?", book.ID).Scan(ctx))
	assert.Equal(t, "Dune", got.Title)
	require.NotNil(t, got.Author)
	assert.Equal(t, "Frank Herbert", *got.Author)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4.3, *got.Rating)
	assert.True(t, got.UpdatedAt.After(got.AddedAt), "sync cursor should advance")
}

func TestProcessJob_NoDiffNoWrite(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	book := insertBook(t, db, &models.Book{
		ID:         "b1",
		Title:      "Dune",
		Author:     strptr("Frank Herbert"),
		Filepath:   "/books/dune.epub",
		FileHash:   "h",
		FileSize:   1,
		FileFormat: "epub",
	})

	resolver := &stubResolver{meta: &Metadata{
		Title:  strptr("Dune"),
		Author: strptr("Frank Herbert"),
	}}
	svc := NewService(&config.Config{}, db, resolver, nil, nil)

	require.NoError(t, svc.ProcessJob(ctx, models.BookRefPayload{BookID: book.ID}))

	got := &models.Book{}
	require.NoError(t, db.NewSelect().Model(got).Where("b.id = ?", book.ID).Scan(ctx))
	assert.Equal(t, book.UpdatedAt.Unix(), got.UpdatedAt.Unix(), "unchanged metadata must not bump updated_at")
}

func TestProcessJob_ResolverErrorPropagates(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	book := insertBook(t, db, &models.Book{
		ID:         "b1",
		Title:      "Dune",
		Filepath:   "/books/dune.epub",
		FileHash:   "h",
		FileSize:   1,
		FileFormat: "epub",
	})

	resolver := &stubResolver{err: assert.AnError}
	svc := NewService(&config.Config{}, db, resolver, nil, nil)

	err := svc.ProcessJob(ctx, models.BookRefPayload{BookID: book.ID})
	assert.Error(t, err)
}

func TestProcessJob_UnknownBook(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	svc := NewService(&config.Config{}, db, &stubResolver{}, nil, nil)
	assert.NoError(t, svc.ProcessJob(ctx, models.BookRefPayload{BookID: "missing"}))
	assert.NoError(t, svc.ProcessJob(ctx, models.BookRefPayload{}))
}

func TestProcessJob_EmbedWithCoverDownload(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("cover image bytes"))
	}))
	t.Cleanup(upstream.Close)

	book := insertBook(t, db, &models.Book{
		ID:         "b1",
		Title:      "dune",
		Filepath:   "/books/dune.epub",
		FileHash:   "h",
		FileSize:   1,
		FileFormat: "epub",
	})

	coverURL := upstream.URL + "/cover.jpg"
	resolver := &stubResolver{meta: &Metadata{
		Title:     strptr("Dune"),
		CoverPath: &coverURL,
	}}
	embedder := &recordingEmbedder{}
	svc := NewService(&config.Config{EmbedMetadata: true}, db, resolver, embedder, upstream.Client())

	require.NoError(t, svc.ProcessJob(ctx, models.BookRefPayload{BookID: book.ID}))

	assert.Equal(t, "/books/dune.epub", embedder.path)
	require.NotNil(t, embedder.meta)
	assert.Equal(t, []byte("cover image bytes"), embedder.meta.CoverData)
}

func TestProcessJob_EmbedSurvivesCoverFailure(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(upstream.Close)

	book := insertBook(t, db, &models.Book{
		ID:         "b1",
		Title:      "dune",
		Filepath:   "/books/dune.epub",
		FileHash:   "h",
		FileSize:   1,
		FileFormat: "epub",
	})

	coverURL := upstream.URL + "/cover.jpg"
	resolver := &stubResolver{meta: &Metadata{
		Title:     strptr("Dune"),
		CoverPath: &coverURL,
	}}
	embedder := &recordingEmbedder{}
	svc := NewService(&config.Config{EmbedMetadata: true}, db, resolver, embedder, upstream.Client())

	require.NoError(t, svc.ProcessJob(ctx, models.BookRefPayload{BookID: book.ID}))

	// Embedding still happens, just without cover bytes.
	assert.Equal(t, "/books/dune.epub", embedder.path)
	require.NotNil(t, embedder.meta)
	assert.Empty(t, embedder.meta.CoverData)
}
