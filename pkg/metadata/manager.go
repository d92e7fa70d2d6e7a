package metadata

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/robinjoseph08/golib/logger"
)

// Manager is the metadata resolution pipeline. It layers sources from least
// to most authoritative: metadata embedded in the file itself, then an
// external lookup keyed by ISBN or title/author, then filename parsing as a
// last resort. External lookup errors propagate so the job retries; an
// external miss falls through to the next strategy.
type Manager struct {
	cfg      *config.Config
	external Resolver
}

func NewManager(cfg *config.Config, external Resolver) *Manager {
	return &Manager{cfg: cfg, external: external}
}

func (m *Manager) Resolve(ctx context.Context, q Query) (*Metadata, error) {
	log := logger.FromContext(ctx)

	meta := &Metadata{}

	if q.FilePath != "" {
		internal := m.extractInternal(ctx, q.FilePath)
		if internal != nil {
			if internal.ISBN != nil && q.ISBN == "" {
				q.ISBN = *internal.ISBN
			}
			// The internal title only replaces a title that is
			// just the filename.
			if internal.Title != nil && q.Title == stemOf(q.FilePath) {
				q.Title = *internal.Title
			}
			if internal.Author != nil {
				q.Author = *internal.Author
			}
			meta = Merge(meta, internal)
		}
	}

	if m.cfg.FetchExternalMetadata && m.external != nil {
		result, err := m.external.Resolve(ctx, q)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return Merge(meta, result), nil
		}
		log.Debug("no external metadata found", logger.Data{"title": q.Title})
	}

	if q.FilePath != "" {
		if parsed := ParseFilename(q.FilePath); parsed != nil {
			return Merge(meta, parsed), nil
		}
	}

	if meta.Title == nil && q.Title != "" {
		title := q.Title
		meta.Title = &title
	}
	if meta.Author == nil && q.Author != "" {
		author := q.Author
		meta.Author = &author
	}
	return meta, nil
}

func (m *Manager) extractInternal(ctx context.Context, path string) *Metadata {
	var meta *Metadata
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".epub":
		meta, err = ParseEPUB(path)
	case ".pdf":
		meta, err = ParsePDF(path)
	default:
		return nil
	}
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to extract internal metadata", logger.Data{"path": path})
		return nil
	}
	return meta
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
