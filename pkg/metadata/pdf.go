package metadata

import (
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pkg/errors"
)

// ParsePDF extracts metadata from a PDF's document information dictionary.
// The Subject field doubles as the description, and keywords of the form
// "ISBN:..." or "Lang:..." carry identifiers the info dict has no slot for.
func ParsePDF(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	info, err := api.PDFInfo(f, path, nil, false, conf)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	meta := &Metadata{}
	if title := strings.TrimSpace(info.Title); title != "" {
		meta.Title = &title
	}
	if author := strings.TrimSpace(info.Author); author != "" {
		meta.Author = &author
	}
	if subject := strings.TrimSpace(info.Subject); subject != "" {
		meta.Description = &subject
	}

	for _, keyword := range info.Keywords {
		keyword = strings.TrimSpace(keyword)
		lower := strings.ToLower(keyword)
		switch {
		case strings.HasPrefix(lower, "lang:"):
			if lang := strings.TrimSpace(keyword[len("lang:"):]); lang != "" && meta.Language == nil {
				meta.Language = &lang
			}
		default:
			value := normalizeISBN(strings.TrimPrefix(lower, "isbn:"))
			value = strings.ToUpper(value)
			if !looksLikeISBN(value) {
				continue
			}
			switch len(value) {
			case 10:
				v := value
				meta.ISBN10 = &v
			case 13:
				v := value
				meta.ISBN13 = &v
			}
			if meta.ISBN == nil {
				v := value
				meta.ISBN = &v
			}
		}
	}

	return meta, nil
}
