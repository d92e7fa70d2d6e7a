package metadata

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// opfPackage maps the subset of the OPF package document we care about.
type opfPackage struct {
	XMLName  xml.Name `xml:"package"`
	Metadata struct {
		Title       []string `xml:"title"`
		Creator     []string `xml:"creator"`
		Description string   `xml:"description"`
		Publisher   string   `xml:"publisher"`
		Language    string   `xml:"language"`
		Identifier  []struct {
			Text   string `xml:",chardata"`
			Scheme string `xml:"scheme,attr"`
		} `xml:"identifier"`
		Meta []struct {
			Text     string `xml:",chardata"`
			Name     string `xml:"name,attr"`
			Content  string `xml:"content,attr"`
			Property string `xml:"property,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
}

var isbnDigits = regexp.MustCompile(`^[0-9Xx-]+$`)

// ParseEPUB extracts metadata from the OPF package document inside an EPUB.
func ParseEPUB(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	stats, err := f.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	zipReader, err := zip.NewReader(f, stats.Size())
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, file := range zipReader.File {
		if filepath.Ext(file.Name) != ".opf" {
			continue
		}
		r, err := file.Open()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return parseOPF(b)
	}

	return nil, errors.New("no opf file found")
}

func parseOPF(b []byte) (*Metadata, error) {
	pkg := &opfPackage{}
	if err := xml.Unmarshal(b, pkg); err != nil {
		return nil, errors.WithStack(err)
	}

	meta := &Metadata{}

	if len(pkg.Metadata.Title) > 0 {
		if title := strings.TrimSpace(pkg.Metadata.Title[0]); title != "" {
			meta.Title = &title
		}
	}
	if len(pkg.Metadata.Creator) > 0 {
		if author := strings.TrimSpace(pkg.Metadata.Creator[0]); author != "" {
			meta.Author = &author
		}
	}
	if desc := strings.TrimSpace(pkg.Metadata.Description); desc != "" {
		meta.Description = &desc
	}
	if pub := strings.TrimSpace(pkg.Metadata.Publisher); pub != "" {
		meta.Publisher = &pub
	}
	if lang := strings.TrimSpace(pkg.Metadata.Language); lang != "" {
		meta.Language = &lang
	}

	for _, ident := range pkg.Metadata.Identifier {
		value := normalizeISBN(ident.Text)
		scheme := strings.ToLower(ident.Scheme)
		if scheme != "isbn" && !looksLikeISBN(value) {
			continue
		}
		switch len(value) {
		case 10:
			v := value
			meta.ISBN10 = &v
		case 13:
			v := value
			meta.ISBN13 = &v
		default:
			continue
		}
		if meta.ISBN == nil {
			v := value
			meta.ISBN = &v
		}
	}

	for _, m := range pkg.Metadata.Meta {
		name := m.Name
		if name == "" {
			name = m.Property
		}
		content := m.Content
		if content == "" {
			content = strings.TrimSpace(m.Text)
		}
		switch name {
		case "calibre:series", "belongs-to-collection":
			if content != "" {
				v := content
				meta.Series = &v
			}
		case "calibre:series_index", "group-position":
			if idx, err := strconv.ParseFloat(content, 64); err == nil {
				meta.SeriesIndex = &idx
			}
		}
	}

	return meta, nil
}

func normalizeISBN(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "urn:isbn:")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func looksLikeISBN(s string) bool {
	return (len(s) == 10 || len(s) == 13) && isbnDigits.MatchString(s)
}
