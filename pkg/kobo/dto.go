package kobo

import (
	"fmt"

	"github.com/koboldbooks/kobold/pkg/models"
)

// Sync responses are a list of tagged-union entries: each object carries
// exactly one of the keys below identifying its kind. Upstream entries are
// appended as raw JSON so they pass through byte-for-byte.

type NewEntitlementEntry struct {
	NewEntitlement NewEntitlement `json:"NewEntitlement"`
}

type RemoveEntitlementEntry struct {
	RemoveEntitlement RemoveEntitlement `json:"RemoveEntitlement"`
}

type NewEntitlement struct {
	ID             string   `json:"Id"`
	EntitlementID  string   `json:"EntitlementId"`
	Title          string   `json:"Title"`
	Author         string   `json:"Author"`
	Description    string   `json:"Description"`
	URL            string   `json:"URL"`
	DownloadURL    string   `json:"DownloadUrl"`
	ProductURL     string   `json:"ProductUrl"`
	Format         string   `json:"Format"`
	ImageID        string   `json:"ImageId"`
	IsPreorder     bool     `json:"IsPreorder"`
	IsLocked       bool     `json:"IsLocked"`
	Language       string   `json:"Language"`
	Series         *string  `json:"Series"`
	SeriesNumber   *string  `json:"SeriesNumber"`
	SeriesNumberF  *float64 `json:"SeriesNumberFloat"`
	AverageRating  float64  `json:"AverageRating"`
	ReviewCount    int      `json:"ReviewCount"`
	MinKoboVersion string   `json:"MinKoboVersion"`
	ContentSource  string   `json:"ContentSource"`
}

type RemoveEntitlement struct {
	EntitlementID string `json:"EntitlementId"`
}

func newEntitlement(book *models.Book, baseURL string) NewEntitlementEntry {
	downloadURL := fmt.Sprintf("%s/download/%s", baseURL, book.ID)

	ent := NewEntitlement{
		ID:             book.ID,
		EntitlementID:  book.ID,
		Title:          book.Title,
		Author:         "Unknown",
		URL:            downloadURL,
		DownloadURL:    downloadURL,
		ProductURL:     downloadURL,
		Format:         "EPUB",
		ImageID:        book.ID,
		Language:       "en",
		Series:         book.Series,
		MinKoboVersion: "0.0.0",
		ContentSource:  "Kobold",
	}
	if book.Author != nil {
		ent.Author = *book.Author
	}
	if book.Description != nil {
		ent.Description = *book.Description
	}
	if book.Language != nil {
		ent.Language = *book.Language
	}
	if book.SeriesIndex != nil {
		num := fmt.Sprintf("%g", *book.SeriesIndex)
		ent.SeriesNumber = &num
		ent.SeriesNumberF = book.SeriesIndex
	}
	if book.Rating != nil {
		ent.AverageRating = *book.Rating
	}
	return NewEntitlementEntry{NewEntitlement: ent}
}

// Reading state wire types, PascalCase per the device protocol.

type ReadingStateEntry struct {
	EntitlementID   string          `json:"EntitlementId"`
	StatusInfo      StatusInfo      `json:"StatusInfo"`
	Statistics      Statistics      `json:"Statistics"`
	CurrentBookmark CurrentBookmark `json:"CurrentBookmark"`
}

type StatusInfo struct {
	Status       string `json:"Status"`
	LastModified string `json:"LastModified"`
}

type Statistics struct {
	SpentReadingMinutes  int    `json:"SpentReadingMinutes"`
	RemainingTimeMinutes int    `json:"RemainingTimeMinutes"`
	LastModified         string `json:"LastModified"`
}

type CurrentBookmark struct {
	ProgressPercent int      `json:"ProgressPercent"`
	Location        Location `json:"Location"`
	LastModified    string   `json:"LastModified"`
}

type Location struct {
	Value  *string `json:"Value"`
	Type   *string `json:"Type"`
	Source *string `json:"Source"`
}

// ReadingStateUpdate is the device's PUT body.
type ReadingStateUpdate struct {
	ReadingStates []ReadingStateEntry `json:"ReadingStates"`
}
