package download

import (
	"context"
	"io"

	"mediagateway/internal/domain"
	"mediagateway/internal/services/upstream"
)

// Store is the on-disk cache a downloader persists into.
type Store interface {
	LoadMetadata(id domain.ClipID) (domain.ClipMetadata, bool, error)
	WriteMetadata(id domain.ClipID, m domain.ClipMetadata) error
	ContentSize(id domain.ClipID) (int64, bool, error)
	GrowContentFile(id domain.ClipID, newSize int64) error
	WriteContent(id domain.ClipID, pos int64, p []byte) error
	ReadContent(id domain.ClipID, pos int64, p []byte) (int, error)
	TryCleanupCacheDir(exclude map[domain.ClipID]struct{}) (bool, error)
}

// Origin is the blocking HTTP client chunks are fetched with.
type Origin interface {
	Head(ctx context.Context, url string) (upstream.FileInfo, error)
	GetRange(ctx context.Context, url string, first, last int64) (io.ReadCloser, error)
	EvictIdleConnections()
}
