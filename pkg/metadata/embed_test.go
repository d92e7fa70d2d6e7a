package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/robinjoseph08/golib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestEmbed_UpdatesOPF(t *testing.T) {
	t.Parallel()

	path := writeEPUB(t, t.TempDir(), map[string]string{
		"mimetype":          "application/epub+zip",
		"OEBPS/content.opf": testOPF,
		"OEBPS/cover.jpg":   "original cover",
		"OEBPS/ch1.xhtml":   "<html>chapter one</html>",
	})

	embedder := NewEPUBEmbedder(logger.New())
	ok := embedder.Embed(path, &Metadata{
		Title:     strptr("Rose & Thorn"),
		Author:    strptr("New Author"),
		CoverData: []byte("new cover bytes"),
	})
	require.True(t, ok)

	meta, err := ParseEPUB(path)
	require.NoError(t, err)
	require.NotNil(t, meta.Title)
	assert.Equal(t, "Rose & Thorn", *meta.Title)
	require.NotNil(t, meta.Author)
	assert.Equal(t, "New Author", *meta.Author)

	// Untouched fields survive the rewrite.
	require.NotNil(t, meta.Publisher)
	assert.Equal(t, "Ace Books", *meta.Publisher)
}

func TestEmbed_UppercaseExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeEPUB(t, dir, map[string]string{
		"mimetype":          "application/epub+zip",
		"OEBPS/content.opf": testOPF,
	})
	upper := filepath.Join(dir, "SHOUTING.EPUB")
	require.NoError(t, os.Rename(path, upper))

	embedder := NewEPUBEmbedder(logger.New())
	ok := embedder.Embed(upper, &Metadata{Title: strptr("Quiet Title")})
	require.True(t, ok)

	meta, err := ParseEPUB(upper)
	require.NoError(t, err)
	require.NotNil(t, meta.Title)
	assert.Equal(t, "Quiet Title", *meta.Title)
}

func TestEmbed_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	embedder := NewEPUBEmbedder(logger.New())
	ok := embedder.Embed("/books/scan.pdf", &Metadata{Title: strptr("x")})
	assert.False(t, ok)
}

func TestEmbed_MissingFile(t *testing.T) {
	t.Parallel()

	embedder := NewEPUBEmbedder(logger.New())
	ok := embedder.Embed("/nowhere/book.epub", &Metadata{Title: strptr("x")})
	assert.False(t, ok)
}
