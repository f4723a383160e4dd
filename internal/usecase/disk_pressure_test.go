package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediagateway/internal/domain"
)

// fakeCache frees freedPerCall bytes of the shared fake disk per cleanup
// call until entries run out.
type fakeCache struct {
	mu           sync.Mutex
	entries      int
	freedPerCall int64
	disk         *fakeDisk
	err          error
	excludes     []map[domain.ClipID]struct{}
}

func (c *fakeCache) TryCleanupCacheDir(exclude map[domain.ClipID]struct{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.excludes = append(c.excludes, exclude)
	if c.err != nil {
		return false, c.err
	}
	if c.entries == 0 {
		return false, nil
	}
	c.entries--
	c.disk.add(c.freedPerCall)
	return true, nil
}

type fakeDisk struct {
	mu   sync.Mutex
	free int64
	err  error
}

func (d *fakeDisk) add(n int64) {
	d.mu.Lock()
	d.free += n
	d.mu.Unlock()
}

func (d *fakeDisk) FreeBytes(string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free, d.err
}

type fakeReferenced map[domain.ClipID]struct{}

func (f fakeReferenced) ReferencedClipIDs() map[domain.ClipID]struct{} { return f }

func TestDiskPressureCheck(t *testing.T) {
	tests := []struct {
		name        string
		free        int64
		entries     int
		wantEvicted int
		wantFree    int64
	}{
		{name: "enough space", free: 500, entries: 5, wantEvicted: 0, wantFree: 500},
		{name: "evicts up to resume threshold", free: 50, entries: 5, wantEvicted: 2, wantFree: 250},
		{name: "stops when nothing is left", free: 50, entries: 1, wantEvicted: 1, wantFree: 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk := &fakeDisk{free: tt.free}
			cache := &fakeCache{entries: tt.entries, freedPerCall: 100, disk: disk}
			dp := DiskPressure{
				Cache:        cache,
				Downloads:    fakeReferenced{"active": {}},
				Logger:       discardLogger(),
				MinFreeBytes: 100,
				ResumeBytes:  200,
				FreeBytes:    disk.FreeBytes,
			}
			if got := dp.Check(); got != tt.wantEvicted {
				t.Fatalf("evicted = %d, want %d", got, tt.wantEvicted)
			}
			if free, _ := disk.FreeBytes(""); free != tt.wantFree {
				t.Fatalf("free = %d, want %d", free, tt.wantFree)
			}
			for _, exclude := range cache.excludes {
				if _, ok := exclude["active"]; !ok {
					t.Fatalf("cleanup did not exclude active clip: %v", exclude)
				}
			}
		})
	}
}

func TestDiskPressureDefaultResumeThreshold(t *testing.T) {
	disk := &fakeDisk{free: 10}
	cache := &fakeCache{entries: 10, freedPerCall: 50, disk: disk}
	dp := DiskPressure{Cache: cache, Logger: discardLogger(), MinFreeBytes: 100, FreeBytes: disk.FreeBytes}

	// Without ResumeBytes cleanup runs until twice the minimum is free.
	if got := dp.Check(); got != 4 {
		t.Fatalf("evicted = %d, want 4", got)
	}
}

func TestDiskPressureErrors(t *testing.T) {
	disk := &fakeDisk{err: errors.New("statfs failed")}
	cache := &fakeCache{entries: 3, disk: disk}
	dp := DiskPressure{Cache: cache, Logger: discardLogger(), MinFreeBytes: 100, FreeBytes: disk.FreeBytes}
	if got := dp.Check(); got != 0 || len(cache.excludes) != 0 {
		t.Fatalf("statfs failure: evicted %d, cleanups %d", got, len(cache.excludes))
	}

	disk = &fakeDisk{free: 0}
	cache = &fakeCache{entries: 3, disk: disk, err: errors.New("permission denied")}
	dp = DiskPressure{Cache: cache, Logger: discardLogger(), MinFreeBytes: 100, FreeBytes: disk.FreeBytes}
	if got := dp.Check(); got != 0 || len(cache.excludes) != 1 {
		t.Fatalf("cleanup failure: evicted %d, cleanups %d", got, len(cache.excludes))
	}
}

func TestDiskPressureDisabled(t *testing.T) {
	cache := &fakeCache{entries: 3, disk: &fakeDisk{}}
	dp := DiskPressure{Cache: cache, Logger: discardLogger()}
	if got := dp.Check(); got != 0 || len(cache.excludes) != 0 {
		t.Fatalf("disabled check evicted %d", got)
	}
}

func TestDiskPressureRunStopsOnCancel(t *testing.T) {
	disk := &fakeDisk{free: 0}
	cache := &fakeCache{entries: 100, freedPerCall: 1, disk: disk}
	dp := DiskPressure{
		Cache:        cache,
		Logger:       discardLogger(),
		MinFreeBytes: 10,
		Interval:     5 * time.Millisecond,
		FreeBytes:    disk.FreeBytes,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dp.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if free, _ := disk.FreeBytes(""); free >= 20 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Run never cleaned up")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
