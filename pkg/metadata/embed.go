package metadata

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// EPUBEmbedder rewrites an EPUB in place with updated metadata. Embedding is
// strictly best-effort: any failure leaves the original file untouched.
type EPUBEmbedder struct {
	log logger.Logger
}

func NewEPUBEmbedder(log logger.Logger) *EPUBEmbedder {
	return &EPUBEmbedder{log: log}
}

func (e *EPUBEmbedder) Embed(path string, meta *Metadata) bool {
	if strings.ToLower(filepath.Ext(path)) != ".epub" {
		e.log.Debug("metadata embedding not supported for this format", logger.Data{"path": path})
		return false
	}

	if err := e.rewrite(path, meta); err != nil {
		e.log.Err(err).Error("failed to embed metadata", logger.Data{"path": path})
		return false
	}

	e.log.Info("embedded metadata into epub", logger.Data{"path": path})
	return true
}

func (e *EPUBEmbedder) rewrite(path string, meta *Metadata) error {
	src, err := zip.OpenReader(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".embed-*.epub")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := zip.NewWriter(tmp)
	coverPath := coverEntryName(&src.Reader)

	for _, file := range src.File {
		switch {
		case filepath.Ext(file.Name) == ".opf":
			r, err := file.Open()
			if err != nil {
				return errors.WithStack(err)
			}
			b, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				return errors.WithStack(err)
			}
			out, err := w.Create(file.Name)
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := out.Write(updateOPF(b, meta)); err != nil {
				return errors.WithStack(err)
			}
		case len(meta.CoverData) > 0 && file.Name == coverPath:
			out, err := w.Create(file.Name)
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := out.Write(meta.CoverData); err != nil {
				return errors.WithStack(err)
			}
		default:
			// Copy without recompressing.
			raw, err := file.OpenRaw()
			if err != nil {
				return errors.WithStack(err)
			}
			header := file.FileHeader
			out, err := w.CreateRaw(&header)
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := io.Copy(out, raw); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}

// coverEntryName returns the archive path of the cover image named by the
// OPF manifest, or empty if none is declared.
func coverEntryName(r *zip.Reader) string {
	for _, file := range r.File {
		if filepath.Ext(file.Name) != ".opf" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return ""
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return ""
		}

		var pkg struct {
			Metadata struct {
				Meta []struct {
					Name    string `xml:"name,attr"`
					Content string `xml:"content,attr"`
				} `xml:"meta"`
			} `xml:"metadata"`
			Manifest struct {
				Item []struct {
					ID         string `xml:"id,attr"`
					Href       string `xml:"href,attr"`
					Properties string `xml:"properties,attr"`
				} `xml:"item"`
			} `xml:"manifest"`
		}
		if err := xml.Unmarshal(b, &pkg); err != nil {
			return ""
		}

		coverID := ""
		for _, m := range pkg.Metadata.Meta {
			if m.Name == "cover" {
				coverID = m.Content
			}
		}
		base := filepath.Dir(file.Name)
		for _, item := range pkg.Manifest.Item {
			if item.ID == coverID || item.Properties == "cover-image" {
				if base == "." {
					return item.Href
				}
				return base + "/" + item.Href
			}
		}
	}
	return ""
}

var (
	titleRe   = regexp.MustCompile(`(<dc:title[^>]*>)(?s:.*?)(</dc:title>)`)
	creatorRe = regexp.MustCompile(`(<dc:creator[^>]*>)(?s:.*?)(</dc:creator>)`)
	descRe    = regexp.MustCompile(`(<dc:description[^>]*>)(?s:.*?)(</dc:description>)`)
)

// updateOPF updates the text of the metadata elements we manage while
// leaving the rest of the document byte-for-byte intact.
func updateOPF(b []byte, meta *Metadata) []byte {
	if meta.Title != nil {
		b = replaceElementText(b, titleRe, *meta.Title)
	}
	if meta.Author != nil {
		b = replaceElementText(b, creatorRe, *meta.Author)
	}
	if meta.Description != nil {
		b = replaceElementText(b, descRe, *meta.Description)
	}
	return b
}

func replaceElementText(b []byte, re *regexp.Regexp, text string) []byte {
	escaped := &bytes.Buffer{}
	_ = xml.EscapeText(escaped, []byte(text))

	replaced := false
	return re.ReplaceAllFunc(b, func(match []byte) []byte {
		if replaced {
			return match
		}
		replaced = true
		sub := re.FindSubmatch(match)
		return append(append(append([]byte{}, sub[1]...), escaped.Bytes()...), sub[2]...)
	})
}
