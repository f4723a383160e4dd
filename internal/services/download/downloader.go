package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/time/rate"

	"mediagateway/internal/domain"
	"mediagateway/internal/metrics"
	"mediagateway/internal/services/upstream"
)

var ErrDownloaderClosed = errors.New("download: downloader closed")

// ClipDownloader drives the download of one clip in parallel chunks and
// serves reads against the partially downloaded content.
//
// All chunk bookkeeping is guarded by mu. File I/O on chunk content happens
// outside mu; metadata is persisted under it.
type ClipDownloader struct {
	id      domain.ClipID
	url     string
	cfg     Config
	store   Store
	origin  Origin
	limiter *rate.Limiter
	logger  *slog.Logger

	mu            sync.Mutex
	meta          domain.ClipMetadata
	available     *bitset.BitSet // neither persisted nor claimed
	conns         map[*connection]struct{}
	lastReadChunk int
	closed        bool
	// completed is closed and replaced on every chunk completion and on
	// close, waking every reader blocked on a missing chunk.
	completed chan struct{}

	wg sync.WaitGroup
}

type downloaderDeps struct {
	cfg     Config
	store   Store
	origin  Origin
	limiter *rate.Limiter
	logger  *slog.Logger
}

// newClipDownloader loads or fetches the clip's metadata, allocates its
// content file and starts the download connections.
func newClipDownloader(ctx context.Context, clip domain.Clip, deps downloaderDeps) (*ClipDownloader, error) {
	cfg := deps.cfg.withDefaults()
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &ClipDownloader{
		id:        clip.ID,
		url:       clip.BestURL(),
		cfg:       cfg,
		store:     deps.store,
		origin:    deps.origin,
		limiter:   deps.limiter,
		logger:    logger,
		conns:     make(map[*connection]struct{}),
		completed: make(chan struct{}),
	}

	meta, err := d.loadOrFetchMetadata(ctx, clip)
	if err != nil {
		return nil, err
	}
	if err := d.store.GrowContentFile(d.id, meta.Size); err != nil {
		return nil, fmt.Errorf("download: allocate %s: %w", d.id, err)
	}
	if err := d.store.WriteMetadata(d.id, meta); err != nil {
		return nil, fmt.Errorf("download: persist metadata %s: %w", d.id, err)
	}

	d.meta = meta
	d.available = meta.Bitmap.Complement()

	d.mu.Lock()
	d.ensureConnectionsLocked()
	d.mu.Unlock()
	return d, nil
}

func (d *ClipDownloader) loadOrFetchMetadata(ctx context.Context, clip domain.Clip) (domain.ClipMetadata, error) {
	meta, ok, err := d.store.LoadMetadata(d.id)
	if err != nil {
		d.logger.Warn("download: ignoring unreadable metadata",
			slog.String("clipId", string(d.id)),
			slog.String("error", err.Error()),
		)
		ok = false
	}
	if ok && meta.NumberOfChunks != domain.ChunkCount(meta.Size, d.cfg.ChunkSize) {
		// Persisted with a different chunk size.
		ok = false
	}
	if ok {
		if _, exists, err := d.store.ContentSize(d.id); err == nil && !exists {
			d.logger.Info("download: content file missing, restarting clip",
				slog.String("clipId", string(d.id)),
			)
			meta.Reset()
		}
		return meta, nil
	}

	if d.url == "" {
		return domain.ClipMetadata{}, fmt.Errorf("%w: clip %s has no playback url", domain.ErrUpstreamReadFailed, d.id)
	}
	info, err := d.origin.Head(ctx, d.url)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return domain.ClipMetadata{}, fmt.Errorf("%w: %s", domain.ErrUpstreamNotFound, d.url)
		}
		if errors.Is(err, upstream.ErrUnknownSize) && clip.SizeHint > 0 {
			info = upstream.FileInfo{Size: clip.SizeHint}
		} else {
			return domain.ClipMetadata{}, fmt.Errorf("%w: %s: %v", domain.ErrUpstreamReadFailed, d.url, err)
		}
	}
	contentType := strings.TrimSpace(info.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	return domain.NewClipMetadata(contentType, info.Size, d.cfg.ChunkSize), nil
}

func (d *ClipDownloader) ID() domain.ClipID { return d.id }

func (d *ClipDownloader) ContentType() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meta.ContentType
}

func (d *ClipDownloader) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meta.Size
}

// ensureConnectionsLocked starts connections while fewer than
// ConnectionsPerClip run and unclaimed chunks remain.
func (d *ClipDownloader) ensureConnectionsLocked() {
	if d.closed {
		return
	}
	remaining := int(d.available.Count())
	for len(d.conns) < d.cfg.ConnectionsPerClip && remaining > 0 {
		c := &connection{
			clipID:  d.id,
			url:     d.url,
			src:     d,
			origin:  d.origin,
			limiter: d.limiter,
			timeout: d.cfg.chunkTimeout,
			logger:  d.logger,
		}
		d.conns[c] = struct{}{}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			c.run()
		}()
		remaining--
	}
}

// nextChunk claims the next chunk to download. The last chunk goes first so
// players probing the container index at the tail are not stalled; after
// that the scan runs forward from the reader position and wraps to zero.
func (d *ClipDownloader) nextChunk() (ClipChunk, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.meta.NumberOfChunks == 0 {
		return ClipChunk{}, false
	}

	last := uint(d.meta.NumberOfChunks - 1)
	idx, ok := last, d.available.Test(last)
	if !ok {
		idx, ok = d.available.NextSet(uint(d.lastReadChunk))
	}
	if !ok {
		idx, ok = d.available.NextSet(0)
	}
	if !ok {
		return ClipChunk{}, false
	}
	d.available.Clear(idx)
	return ChunkAt(int(idx), d.cfg.ChunkSize, d.meta.Size), true
}

func (d *ClipDownloader) onChunkReceived(chunk ClipChunk, data []byte) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	writeErr := d.store.WriteContent(d.id, chunk.FirstByte, data)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if writeErr != nil {
		d.logger.Warn("download: write chunk failed",
			slog.String("clipId", string(d.id)),
			slog.Int("chunk", chunk.Index),
			slog.String("error", writeErr.Error()),
		)
		d.available.Set(uint(chunk.Index))
		return
	}
	d.meta.MarkComplete(chunk.Index)
	if err := d.store.WriteMetadata(d.id, d.meta); err != nil {
		d.logger.Warn("download: persist metadata failed",
			slog.String("clipId", string(d.id)),
			slog.String("error", err.Error()),
		)
	}
	d.notifyLocked()
	if d.meta.IsFullyDownloaded() {
		d.logger.Info("download: clip complete",
			slog.String("clipId", string(d.id)),
			slog.Int64("size", d.meta.Size),
		)
	}
}

// onChunkError returns the chunk to the pool. There is no retry cap; a
// stuck chunk is only bounded by each request's own timeout.
func (d *ClipDownloader) onChunkError(chunk ClipChunk, _ error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.meta.IsComplete(chunk.Index) {
		return
	}
	d.available.Set(uint(chunk.Index))
}

func (d *ClipDownloader) onConnectionTerminated(c *connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, c)
	d.ensureConnectionsLocked()
}

func (d *ClipDownloader) notifyLocked() {
	close(d.completed)
	d.completed = make(chan struct{})
}

// OpenStream returns a reader starting at position. Reads block up to
// readTimeout for chunks that have not been downloaded yet.
func (d *ClipDownloader) OpenStream(position int64, readTimeout time.Duration) (*ClipReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDownloaderClosed
	}
	if position < 0 || position > d.meta.Size {
		return nil, fmt.Errorf("download: position %d outside [0,%d]: %w", position, d.meta.Size, io.EOF)
	}
	if readTimeout <= 0 {
		readTimeout = d.cfg.ReadTimeout
	}
	return &ClipReader{d: d, pos: position, size: d.meta.Size, readTimeout: readTimeout}, nil
}

// readAt reads at most up to the end of the chunk containing pos.
func (d *ClipDownloader) readAt(p []byte, pos int64, readTimeout time.Duration) (int, error) {
	idx := chunkIndexOf(pos, d.cfg.ChunkSize)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, ErrDownloaderClosed
		}
		d.lastReadChunk = idx
		d.ensureConnectionsLocked()
		if d.meta.IsComplete(idx) {
			d.mu.Unlock()
			break
		}
		wait := d.completed
		d.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(readTimeout)
		}
		select {
		case <-wait:
		case <-timer.C:
			metrics.ReadTimeoutsTotal.Inc()
			return 0, fmt.Errorf("%w: clip %s chunk %d after %s", domain.ErrReadTimeout, d.id, idx, readTimeout)
		}
	}

	chunk := ChunkAt(idx, d.cfg.ChunkSize, d.Size())
	if limit := chunk.LastByte - pos + 1; int64(len(p)) > limit {
		p = p[:limit]
	}
	n, err := d.store.ReadContent(d.id, pos, p)
	if n == len(p) {
		err = nil
	}
	return n, err
}

// Close stops handing out chunks, drops the connections and persists the
// final metadata. In-flight requests finish on their own timeout and their
// results are discarded.
func (d *ClipDownloader) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	clear(d.conns)
	d.notifyLocked()
	if err := d.store.WriteMetadata(d.id, d.meta); err != nil {
		return fmt.Errorf("download: persist metadata %s: %w", d.id, err)
	}
	return nil
}

// State is a snapshot of the download progress.
func (d *ClipDownloader) State() domain.DownloadState {
	d.mu.Lock()
	defer d.mu.Unlock()
	completed := d.meta.CompletedCount()
	progress := 1.0
	if d.meta.NumberOfChunks > 0 {
		progress = float64(completed) / float64(d.meta.NumberOfChunks)
	}
	return domain.DownloadState{
		ClipID:          d.id,
		ContentType:     d.meta.ContentType,
		Size:            d.meta.Size,
		NumberOfChunks:  d.meta.NumberOfChunks,
		CompletedChunks: completed,
		Progress:        progress,
		Connections:     len(d.conns),
	}
}

// ClipReader is a sequential reader over a downloader's content. It is not
// safe for concurrent use.
type ClipReader struct {
	d           *ClipDownloader
	pos         int64
	size        int64
	readTimeout time.Duration
}

func (r *ClipReader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.d.readAt(p, r.pos, r.readTimeout)
	r.pos += int64(n)
	return n, err
}

func (r *ClipReader) Position() int64 { return r.pos }
