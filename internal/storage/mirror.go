// Package storage holds storage decorators shared by the archive backends.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/trf5-crawler/internal/crawler"
)

const htmlContentType = "text/html; charset=utf-8"

// MirroredArchive appends pages to an ArchiveStore and also writes each page's
// HTML to a BlobStore under <prefix>/<tipo>/<id>.html.
type MirroredArchive struct {
	crawler.ArchiveStore
	blobs  crawler.BlobStore
	prefix string
	logger *zap.Logger
}

// NewMirroredArchive wraps archive. A mirror write failure is logged and does not
// fail the append; the archive row stays authoritative.
func NewMirroredArchive(archive crawler.ArchiveStore, blobs crawler.BlobStore, prefix string, logger *zap.Logger) (*MirroredArchive, error) {
	if archive == nil {
		return nil, fmt.Errorf("archive store is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirroredArchive{
		ArchiveStore: archive,
		blobs:        blobs,
		prefix:       strings.Trim(prefix, "/"),
		logger:       logger,
	}, nil
}

// Append stores the page, then mirrors its HTML.
func (m *MirroredArchive) Append(ctx context.Context, page crawler.RawPage) (string, error) {
	id, err := m.ArchiveStore.Append(ctx, page)
	if err != nil {
		return "", fmt.Errorf("append to archive: %w", err)
	}
	key := MirrorPath(m.prefix, page.Context.Kind, id)
	uri, err := m.blobs.PutObject(ctx, key, htmlContentType, []byte(page.HTML))
	if err != nil {
		m.logger.Warn("mirror raw page failed",
			zap.String("id", id),
			zap.String("url", page.URL),
			zap.String("path", key),
			zap.Error(err),
		)
		return id, nil
	}
	m.logger.Debug("raw page mirrored", zap.String("id", id), zap.String("uri", uri))
	return id, nil
}

// MirrorPath returns the blob key for an archived page.
func MirrorPath(prefix string, kind crawler.PageKind, id string) string {
	return path.Join(prefix, string(kind), id+".html")
}
