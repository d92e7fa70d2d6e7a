package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		title  string
		author string
	}{
		{
			name:   "author dash title",
			path:   "/books/Frank Herbert - Dune.epub",
			title:  "Dune",
			author: "Frank Herbert",
		},
		{
			name:   "dash in title kept",
			path:   "/books/J. R. R. Tolkien - The Two Towers - Extended.epub",
			title:  "The Two Towers - Extended",
			author: "J. R. R. Tolkien",
		},
		{
			name:   "underscore title author",
			path:   "/books/Dune_Frank-Herbert.epub",
			title:  "Dune",
			author: "Frank-Herbert",
		},
		{
			name:   "kepub double extension",
			path:   "/books/Frank Herbert - Dune.kepub.epub",
			title:  "Dune",
			author: "Frank Herbert",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			meta := ParseFilename(tt.path)
			require.NotNil(t, meta)
			require.NotNil(t, meta.Title)
			require.NotNil(t, meta.Author)
			assert.Equal(t, tt.title, *meta.Title)
			assert.Equal(t, tt.author, *meta.Author)
		})
	}
}

func TestParseFilename_NoPattern(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParseFilename("/books/Dune.epub"))
	assert.Nil(t, ParseFilename("/books/plain title with spaces.epub"))
}
