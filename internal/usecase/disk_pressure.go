package usecase

import (
	"context"
	"log/slog"
	"time"

	"mediagateway/internal/domain"
)

// CacheCleaner deletes the oldest cache entry not in exclude.
type CacheCleaner interface {
	TryCleanupCacheDir(exclude map[domain.ClipID]struct{}) (bool, error)
}

// ReferencedClips reports clips whose cache files are in use.
type ReferencedClips interface {
	ReferencedClipIDs() map[domain.ClipID]struct{}
}

// DiskPressure periodically checks available disk space on the cache
// directory. When free space drops below MinFreeBytes it evicts unreferenced
// clips, oldest first, until free space reaches ResumeBytes or nothing is
// left to evict.
type DiskPressure struct {
	Cache        CacheCleaner
	Downloads    ReferencedClips
	Logger       *slog.Logger
	CacheDir     string
	MinFreeBytes int64 // threshold below which cleanup starts
	ResumeBytes  int64 // cleanup stops once free space reaches this
	Interval     time.Duration

	// FreeBytes defaults to the filesystem's available space.
	FreeBytes func(path string) (int64, error)
}

// Run starts the periodic disk pressure check loop. It blocks until ctx is
// cancelled.
func (dp DiskPressure) Run(ctx context.Context) {
	interval := dp.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dp.Check()
		}
	}
}

// Check runs one disk space check and returns how many clips were evicted.
func (dp DiskPressure) Check() int {
	if dp.MinFreeBytes <= 0 {
		return 0
	}
	free, err := dp.freeBytes()
	if err != nil {
		dp.Logger.Warn("disk_pressure: failed to check disk space",
			slog.String("path", dp.CacheDir),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if free >= dp.MinFreeBytes {
		return 0
	}

	target := dp.ResumeBytes
	if target <= dp.MinFreeBytes {
		target = dp.MinFreeBytes * 2
	}
	dp.Logger.Warn("disk_pressure: low disk space, evicting cached clips",
		slog.Int64("freeBytes", free),
		slog.Int64("thresholdBytes", dp.MinFreeBytes),
	)

	evicted := 0
	for free < target {
		var exclude map[domain.ClipID]struct{}
		if dp.Downloads != nil {
			exclude = dp.Downloads.ReferencedClipIDs()
		}
		freed, err := dp.Cache.TryCleanupCacheDir(exclude)
		if err != nil {
			dp.Logger.Warn("disk_pressure: cache cleanup failed",
				slog.String("error", err.Error()),
			)
			break
		}
		if !freed {
			dp.Logger.Warn("disk_pressure: nothing left to evict",
				slog.Int64("freeBytes", free),
			)
			break
		}
		evicted++
		if free, err = dp.freeBytes(); err != nil {
			break
		}
	}
	if evicted > 0 {
		dp.Logger.Info("disk_pressure: evicted cached clips",
			slog.Int("count", evicted),
			slog.Int64("freeBytes", free),
		)
	}
	return evicted
}

func (dp DiskPressure) freeBytes() (int64, error) {
	if dp.FreeBytes != nil {
		return dp.FreeBytes(dp.CacheDir)
	}
	return diskFreeBytes(dp.CacheDir)
}
