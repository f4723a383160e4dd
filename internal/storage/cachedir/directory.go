package cachedir

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediagateway/internal/domain"
	"mediagateway/internal/metrics"
)

const (
	contentExt  = ".mp4"
	metadataExt = ".json"

	defaultMaxOpenHandles = 64
	defaultHandleTTL      = 60 * time.Second
)

// ErrContentNotFound is returned when a clip has no content file yet.
var ErrContentNotFound = fmt.Errorf("cachedir: content file %w", domain.ErrNotFound)

type Options struct {
	Root           string
	QuotaBytes     int64
	MaxOpenHandles int
	HandleTTL      time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Directory stores one sparse content file and one metadata file per clip
// and enforces a byte quota over the whole directory.
//
// Layout:
//
//	{root}/{base64url(clipID)}.mp4   content, allocated to the full clip size
//	{root}/{base64url(clipID)}.json  ClipMetadata
type Directory struct {
	root    string
	quota   int64
	logger  *slog.Logger
	handles *handleCache
	locks   *fileLocks

	// quotaMu serializes size checks with the resizes they guard.
	quotaMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	sweepWG   sync.WaitGroup
}

func New(opts Options) (*Directory, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.New("cachedir: root directory is required")
	}
	if opts.QuotaBytes <= 0 {
		return nil, errors.New("cachedir: quota must be positive")
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cachedir: create root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Directory{
		root:    root,
		quota:   opts.QuotaBytes,
		logger:  logger,
		handles: newHandleCache(opts.MaxOpenHandles, opts.HandleTTL, opts.Now),
		locks:   newFileLocks(),
		done:    make(chan struct{}),
	}

	d.sweepWG.Add(1)
	go d.sweepHandles()
	return d, nil
}

func (d *Directory) Root() string      { return d.root }
func (d *Directory) QuotaBytes() int64 { return d.quota }

// Close stops the handle sweeper and closes all cached handles.
func (d *Directory) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.sweepWG.Wait()
		d.handles.closeAll()
	})
	return nil
}

func (d *Directory) sweepHandles() {
	defer d.sweepWG.Done()
	interval := d.handles.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if n := d.handles.sweep(); n > 0 {
				d.logger.Debug("cachedir: closed idle file handles", slog.Int("count", n))
			}
		}
	}
}

func encodeID(id domain.ClipID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeID(stem string) (domain.ClipID, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(stem)
	if err != nil {
		return "", false
	}
	return domain.ClipID(raw), true
}

func contentName(id domain.ClipID) string  { return encodeID(id) + contentExt }
func metadataName(id domain.ClipID) string { return encodeID(id) + metadataExt }

func (d *Directory) path(name string) string {
	return filepath.Join(d.root, name)
}

func (d *Directory) openExisting(name string) func() (*os.File, error) {
	return func() (*os.File, error) {
		f, err := os.OpenFile(d.path(name), os.O_RDWR, 0)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrContentNotFound
			}
			return nil, err
		}
		return f, nil
	}
}

func (d *Directory) openOrCreate(name string) func() (*os.File, error) {
	return func() (*os.File, error) {
		return os.OpenFile(d.path(name), os.O_RDWR|os.O_CREATE, 0o644)
	}
}

// GrowContentFile resizes the clip's content file to newSize, creating it if
// needed. The quota check runs before any mutation: when the directory would
// exceed its quota the file is left as it was and ErrCacheSizeExhausted is
// returned.
func (d *Directory) GrowContentFile(id domain.ClipID, newSize int64) error {
	if newSize < 0 {
		return fmt.Errorf("cachedir: negative size %d", newSize)
	}
	name := contentName(id)

	d.quotaMu.Lock()
	defer d.quotaMu.Unlock()
	unlock := d.locks.lock(name)
	defer unlock()

	var current int64
	if info, err := os.Stat(d.path(name)); err == nil {
		current = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cachedir: stat content: %w", err)
	}

	dirSize, err := d.Size()
	if err != nil {
		return err
	}
	if dirSize-current+newSize > d.quota {
		return fmt.Errorf("%w: directory %d bytes, file %d -> %d bytes, quota %d",
			domain.ErrCacheSizeExhausted, dirSize, current, newSize, d.quota)
	}

	h, err := d.handles.acquire(name, d.openOrCreate(name))
	if err != nil {
		return fmt.Errorf("cachedir: open content: %w", err)
	}
	defer d.handles.release(h)

	if err := h.file.Truncate(newSize); err != nil {
		return fmt.Errorf("cachedir: resize content: %w", err)
	}
	return nil
}

// WriteContent writes p at the absolute position pos. Writes that would
// extend past the allocated length fail with an error wrapping io.EOF.
func (d *Directory) WriteContent(id domain.ClipID, pos int64, p []byte) error {
	name := contentName(id)
	unlock := d.locks.rlock(name)
	defer unlock()

	h, err := d.handles.acquire(name, d.openExisting(name))
	if err != nil {
		return err
	}
	defer d.handles.release(h)

	info, err := h.file.Stat()
	if err != nil {
		return fmt.Errorf("cachedir: stat content: %w", err)
	}
	end := pos + int64(len(p))
	if pos < 0 || end > info.Size() {
		return fmt.Errorf("cachedir: write [%d,%d) beyond allocated length %d: %w", pos, end, info.Size(), io.EOF)
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := h.file.WriteAt(p, pos); err != nil {
		return fmt.Errorf("cachedir: write content: %w", err)
	}
	return nil
}

// ReadContent fills p from position pos. It follows io.ReaderAt semantics:
// a short read returns io.EOF.
func (d *Directory) ReadContent(id domain.ClipID, pos int64, p []byte) (int, error) {
	name := contentName(id)
	unlock := d.locks.rlock(name)
	defer unlock()

	h, err := d.handles.acquire(name, d.openExisting(name))
	if err != nil {
		return 0, err
	}
	defer d.handles.release(h)

	info, err := h.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("cachedir: stat content: %w", err)
	}
	if pos < 0 || pos >= info.Size() {
		return 0, io.EOF
	}
	return h.file.ReadAt(p, pos)
}

func (d *Directory) ReadContentByte(id domain.ClipID, pos int64) (byte, error) {
	var b [1]byte
	if _, err := d.ReadContent(id, pos, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ContentSize returns the allocated length of the clip's content file and
// whether the file exists.
func (d *Directory) ContentSize(id domain.ClipID) (int64, bool, error) {
	info, err := os.Stat(d.path(contentName(id)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

// Size returns the sum of logical file sizes in the directory.
func (d *Directory) Size() (int64, error) {
	var total int64
	err := d.walkFiles(func(_ string, info os.FileInfo) {
		total += info.Size()
	})
	return total, err
}

// AllocatedSize returns the disk space actually used by the directory.
func (d *Directory) AllocatedSize() (int64, error) {
	var total int64
	err := d.walkFiles(func(_ string, info os.FileInfo) {
		total += fileAllocatedBytes(info)
	})
	return total, err
}

func (d *Directory) walkFiles(fn func(name string, info os.FileInfo)) error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("cachedir: list root: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		fn(entry.Name(), info)
	}
	return nil
}

type cachedPair struct {
	stem  string
	id    domain.ClipID
	mtime time.Time
	files []string
}

// TryCleanupCacheDir deletes the least recently modified content/metadata
// pair whose clip is not in exclude. It reports whether anything was deleted;
// false means no eligible pair is left.
func (d *Directory) TryCleanupCacheDir(exclude map[domain.ClipID]struct{}) (bool, error) {
	pairs := make(map[string]*cachedPair)
	err := d.walkFiles(func(name string, info os.FileInfo) {
		ext := filepath.Ext(name)
		if ext != contentExt && ext != metadataExt {
			return
		}
		stem := strings.TrimSuffix(name, ext)
		p, ok := pairs[stem]
		if !ok {
			id, _ := decodeID(stem)
			p = &cachedPair{stem: stem, id: id}
			pairs[stem] = p
		}
		p.files = append(p.files, name)
		if info.ModTime().After(p.mtime) {
			p.mtime = info.ModTime()
		}
	})
	if err != nil {
		return false, err
	}

	var oldest *cachedPair
	for _, p := range pairs {
		if _, skip := exclude[p.id]; skip && p.id != "" {
			continue
		}
		if oldest == nil || p.mtime.Before(oldest.mtime) {
			oldest = p
		}
	}
	if oldest == nil {
		return false, nil
	}

	for _, name := range oldest.files {
		if err := d.removeFile(name); err != nil {
			metrics.CacheCleanupErrors.Inc()
			return false, err
		}
	}
	metrics.CacheEvictionsTotal.Inc()
	d.logger.Info("cachedir: evicted clip",
		slog.String("clipId", string(oldest.id)),
		slog.Time("modifiedAt", oldest.mtime),
	)
	return true, nil
}

// Remove deletes both files of a clip.
func (d *Directory) Remove(id domain.ClipID) error {
	if err := d.removeFile(contentName(id)); err != nil {
		return err
	}
	return d.removeFile(metadataName(id))
}

func (d *Directory) removeFile(name string) error {
	unlock := d.locks.lock(name)
	defer unlock()
	d.handles.evict(name)
	if err := os.Remove(d.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cachedir: remove %s: %w", name, err)
	}
	return nil
}
