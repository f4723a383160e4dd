package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"mediagateway/internal/domain"
	"mediagateway/internal/metrics"
)

var ErrManagerClosed = errors.New("download: manager closed")

// Manager is the registry of active clip downloaders. It caps how many clips
// download at once, evicts idle downloaders and recovers from a full cache
// by deleting the oldest unreferenced clips.
type Manager struct {
	cfg     Config
	store   Store
	origin  Origin
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[domain.ClipID]*Holder
	// pending holds clips whose downloader is being constructed. They count
	// against MaxParallelDownloads.
	pending map[domain.ClipID]struct{}
	// closing holds clips whose downloader left active but has not yet
	// persisted its final metadata. The channel closes once it has.
	closing map[domain.ClipID]chan struct{}
	closed  bool

	group singleflight.Group
}

type ManagerOption func(*Manager)

// WithRateLimiter caps the aggregate origin bandwidth of all connections.
func WithRateLimiter(l *rate.Limiter) ManagerOption {
	return func(m *Manager) { m.limiter = l }
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(cfg Config, store Store, origin Origin, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		store:   store,
		origin:  origin,
		logger:  slog.Default(),
		now:     time.Now,
		active:  make(map[domain.ClipID]*Holder),
		pending: make(map[domain.ClipID]struct{}),
		closing: make(map[domain.ClipID]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenStream returns a stream over br of the clip, starting its download if
// needed. br is resolved against the clip size; a bounded range yields
// exactly last-first+1 bytes.
func (m *Manager) OpenStream(ctx context.Context, clip domain.Clip, br domain.ByteRange) (OpenedStream, error) {
	h, err := m.acquire(ctx, clip)
	if err != nil {
		return OpenedStream{}, err
	}
	d := h.Downloader()
	size := d.Size()
	resolved := br.Resolve(size)

	reader, err := d.OpenStream(resolved.First, m.cfg.ReadTimeout)
	if err != nil {
		m.release(h)
		return OpenedStream{}, err
	}
	var r io.Reader = reader
	if resolved.HasLast {
		r = io.LimitReader(reader, resolved.Length())
	}
	return OpenedStream{
		ContentType: d.ContentType(),
		MaxSize:     size,
		Range:       resolved,
		Stream:      newHolderStream(r, h, m.now),
	}, nil
}

// acquire returns the clip's holder with its open stream count already
// incremented. Construction is shared by every caller of the same clip and
// outlives any one of them; a caller whose ctx ends stops waiting alone.
func (m *Manager) acquire(ctx context.Context, clip domain.Clip) (*Holder, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if h, ok := m.active[clip.ID]; ok {
			h.openStreams.Add(1)
			h.touch(m.now())
			m.mu.Unlock()
			return h, nil
		}
		m.mu.Unlock()

		// The holder is re-fetched under the lock above, so a downloader
		// reclaimed right after construction is simply built again.
		ch := m.group.DoChan(string(clip.ID), func() (any, error) {
			createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReadTimeout)
			defer cancel()
			return m.create(createCtx, clip)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
	}
}

func (m *Manager) release(h *Holder) {
	h.touch(m.now())
	h.openStreams.Add(-1)
}

func (m *Manager) create(ctx context.Context, clip domain.Clip) (*Holder, error) {
	m.mu.Lock()
	for {
		if h, ok := m.active[clip.ID]; ok {
			m.mu.Unlock()
			return h, nil
		}
		done, ok := m.closing[clip.ID]
		if !ok {
			break
		}
		// The previous downloader still owns the metadata file.
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("download: waiting for %s to close: %w", clip.ID, ctx.Err())
		}
		m.mu.Lock()
	}
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	var victim *Holder
	if len(m.active)+len(m.pending) >= m.cfg.MaxParallelDownloads {
		victim = m.idlestLocked()
		if victim == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d clips downloading", domain.ErrTooManyConcurrentConnections, m.cfg.MaxParallelDownloads)
		}
		m.detachLocked(victim)
		metrics.ActiveDownloads.Set(float64(len(m.active)))
	}
	m.pending[clip.ID] = struct{}{}
	m.mu.Unlock()

	if victim != nil {
		m.closeHolder(victim, "capacity")
	}

	d, err := m.construct(ctx, clip)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, clip.ID)
	if err != nil {
		return nil, err
	}
	if m.closed {
		_ = d.Close()
		return nil, ErrManagerClosed
	}
	h := newHolder(d, m.now())
	m.active[clip.ID] = h
	metrics.ActiveDownloads.Set(float64(len(m.active)))
	m.logger.Info("download: started clip",
		slog.String("clipId", string(clip.ID)),
		slog.Int64("size", d.Size()),
	)
	return h, nil
}

// construct builds the downloader, deleting the oldest unreferenced cache
// entries while the quota is exhausted.
func (m *Manager) construct(ctx context.Context, clip domain.Clip) (*ClipDownloader, error) {
	deps := downloaderDeps{
		cfg:     m.cfg,
		store:   m.store,
		origin:  m.origin,
		limiter: m.limiter,
		logger:  m.logger,
	}
	for {
		d, err := newClipDownloader(ctx, clip, deps)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, domain.ErrCacheSizeExhausted) {
			return nil, err
		}
		freed, cleanupErr := m.store.TryCleanupCacheDir(m.ReferencedClipIDs())
		if cleanupErr != nil {
			m.logger.Warn("download: cache cleanup failed",
				slog.String("clipId", string(clip.ID)),
				slog.String("error", cleanupErr.Error()),
			)
			return nil, err
		}
		if !freed {
			return nil, err
		}
	}
}

// idlestLocked returns the holder with no open streams and the oldest last
// read, or nil.
func (m *Manager) idlestLocked() *Holder {
	var idlest *Holder
	for _, h := range m.active {
		if h.OpenStreams() > 0 {
			continue
		}
		if idlest == nil || h.LastRead().Before(idlest.LastRead()) {
			idlest = h
		}
	}
	return idlest
}

// ReferencedClipIDs returns every clip whose cache files must not be
// deleted: active downloaders, those under construction and those still
// closing.
func (m *Manager) ReferencedClipIDs() map[domain.ClipID]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[domain.ClipID]struct{}, len(m.active)+len(m.pending)+len(m.closing))
	for id := range m.active {
		ids[id] = struct{}{}
	}
	for id := range m.pending {
		ids[id] = struct{}{}
	}
	for id := range m.closing {
		ids[id] = struct{}{}
	}
	return ids
}

// ReclaimIdle closes downloaders with no open stream that have not been read
// for IdleTimeout. It returns how many were closed.
func (m *Manager) ReclaimIdle() int {
	now := m.now()
	m.mu.Lock()
	var idle []*Holder
	for _, h := range m.active {
		if h.Idle(now, m.cfg.IdleTimeout) {
			idle = append(idle, h)
			m.detachLocked(h)
		}
	}
	metrics.ActiveDownloads.Set(float64(len(m.active)))
	m.mu.Unlock()

	for _, h := range idle {
		m.closeHolder(h, "idle")
	}
	return len(idle)
}

// Run reclaims idle downloaders every ReclaimInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ReclaimIdle(); n > 0 {
				m.logger.Debug("download: reclaimed idle downloaders", slog.Int("count", n))
			}
		}
	}
}

// States returns a snapshot of every active download ordered by clip id.
func (m *Manager) States() []domain.DownloadState {
	m.mu.Lock()
	holders := make([]*Holder, 0, len(m.active))
	for _, h := range m.active {
		holders = append(holders, h)
	}
	m.mu.Unlock()

	states := make([]domain.DownloadState, 0, len(holders))
	for _, h := range holders {
		states = append(states, h.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ClipID < states[j].ClipID })
	return states
}

// Close closes every downloader. Streams still open fail on their next read.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	holders := make([]*Holder, 0, len(m.active))
	for _, h := range m.active {
		holders = append(holders, h)
		m.detachLocked(h)
	}
	metrics.ActiveDownloads.Set(0)
	m.mu.Unlock()

	for _, h := range holders {
		m.closeHolder(h, "shutdown")
	}
}

// detachLocked moves h from active to closing. closeHolder must follow.
func (m *Manager) detachLocked(h *Holder) {
	id := h.downloader.ID()
	delete(m.active, id)
	m.closing[id] = make(chan struct{})
}

func (m *Manager) closeHolder(h *Holder, reason string) {
	id := h.downloader.ID()
	defer func() {
		m.mu.Lock()
		if done, ok := m.closing[id]; ok {
			delete(m.closing, id)
			close(done)
		}
		m.mu.Unlock()
	}()

	metrics.DownloaderEvictionsTotal.WithLabelValues(reason).Inc()
	if err := h.downloader.Close(); err != nil {
		m.logger.Warn("download: close downloader failed",
			slog.String("clipId", string(id)),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("download: closed downloader",
		slog.String("clipId", string(id)),
		slog.String("reason", reason),
	)
}
