package metadata

import (
	"path/filepath"
	"strings"
)

// ParseFilename guesses author and title from common file naming patterns:
// "Author - Title.epub" and "Title_Author.epub". Returns nil when the name
// matches neither.
func ParseFilename(path string) *Metadata {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.TrimSuffix(stem, ".kepub")

	if strings.Contains(stem, " - ") {
		parts := strings.SplitN(stem, " - ", 2)
		author := strings.TrimSpace(parts[0])
		title := strings.TrimSpace(parts[1])
		if author != "" && title != "" {
			return &Metadata{Author: &author, Title: &title}
		}
	}

	if strings.Contains(stem, "_") && !strings.Contains(stem, " ") {
		parts := strings.SplitN(stem, "_", 2)
		title := strings.TrimSpace(strings.ReplaceAll(parts[0], "_", " "))
		author := strings.TrimSpace(strings.ReplaceAll(parts[1], "_", " "))
		if title != "" && author != "" {
			return &Metadata{Title: &title, Author: &author}
		}
	}

	return nil
}
