package cachedir

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediagateway/internal/domain"
)

func newTestDirectory(t *testing.T, quota int64) *Directory {
	t.Helper()
	d, err := New(Options{
		Root:       t.TempDir(),
		QuotaBytes: quota,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(Options{QuotaBytes: 10}); err == nil {
		t.Fatal("expected error for empty root")
	}
	if _, err := New(Options{Root: t.TempDir()}); err == nil {
		t.Fatal("expected error for zero quota")
	}
}

func TestWriteAtAllocatedBoundary(t *testing.T) {
	d := newTestDirectory(t, 1<<20)
	if err := d.GrowContentFile("clip", 100); err != nil {
		t.Fatalf("GrowContentFile: %v", err)
	}

	if err := d.WriteContent("clip", 100, nil); err != nil {
		t.Fatalf("zero-byte write at end: %v", err)
	}
	err := d.WriteContent("clip", 100, []byte{1})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("one-byte write at end: err = %v, want io.EOF", err)
	}
	if err := d.WriteContent("clip", 99, []byte{7}); err != nil {
		t.Fatalf("write last byte: %v", err)
	}
	b, err := d.ReadContentByte("clip", 99)
	if err != nil || b != 7 {
		t.Fatalf("ReadContentByte = %d, %v", b, err)
	}
}

func TestWriteWithoutContentFile(t *testing.T) {
	d := newTestDirectory(t, 1<<20)
	err := d.WriteContent("missing", 0, []byte("x"))
	if !errors.Is(err, ErrContentNotFound) {
		t.Fatalf("err = %v, want ErrContentNotFound", err)
	}
	if _, err := d.ReadContent("missing", 0, make([]byte, 1)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("read err = %v, want ErrNotFound", err)
	}
}

func TestReadContentRoundTrip(t *testing.T) {
	d := newTestDirectory(t, 1<<20)
	if err := d.GrowContentFile("clip", 64); err != nil {
		t.Fatalf("GrowContentFile: %v", err)
	}
	if err := d.WriteContent("clip", 10, []byte("hello")); err != nil {
		t.Fatalf("WriteContent: %v", err)
	}

	buf := make([]byte, 5)
	n, err := d.ReadContent("clip", 10, buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("ReadContent = %d %q %v", n, buf, err)
	}

	if _, err := d.ReadContent("clip", 64, buf); !errors.Is(err, io.EOF) {
		t.Fatalf("read at end err = %v, want io.EOF", err)
	}
	n, err = d.ReadContent("clip", 62, buf)
	if n != 2 || !errors.Is(err, io.EOF) {
		t.Fatalf("short read = %d, %v", n, err)
	}
}

func TestGrowContentFileQuota(t *testing.T) {
	d := newTestDirectory(t, 1000)

	if err := d.GrowContentFile("a", 600); err != nil {
		t.Fatalf("grow a: %v", err)
	}
	err := d.GrowContentFile("b", 500)
	if !errors.Is(err, domain.ErrCacheSizeExhausted) {
		t.Fatalf("grow b err = %v, want ErrCacheSizeExhausted", err)
	}
	if _, ok, _ := d.ContentSize("b"); ok {
		t.Fatal("rejected grow must not create the file")
	}

	// Growing an existing file only counts the difference.
	if err := d.GrowContentFile("a", 1000); err != nil {
		t.Fatalf("grow a to quota: %v", err)
	}
	if err := d.GrowContentFile("a", 1001); !errors.Is(err, domain.ErrCacheSizeExhausted) {
		t.Fatalf("grow past quota err = %v", err)
	}
	size, ok, err := d.ContentSize("a")
	if err != nil || !ok || size != 1000 {
		t.Fatalf("ContentSize after rejected grow = %d %v %v", size, ok, err)
	}
}

func TestGrowContentFileIsSparse(t *testing.T) {
	d := newTestDirectory(t, 1<<40)
	if err := d.GrowContentFile("big", 1<<30); err != nil {
		t.Fatalf("GrowContentFile: %v", err)
	}
	logical, err := d.Size()
	if err != nil || logical != 1<<30 {
		t.Fatalf("Size = %d, %v", logical, err)
	}
	allocated, err := d.AllocatedSize()
	if err != nil {
		t.Fatalf("AllocatedSize: %v", err)
	}
	if allocated > logical {
		t.Fatalf("allocated %d > logical %d", allocated, logical)
	}
}

func TestTryCleanupCacheDirRemovesOldestFirst(t *testing.T) {
	d := newTestDirectory(t, 1<<20)
	base := time.Now().Add(-time.Hour)
	for i, id := range []domain.ClipID{"old", "middle", "new"} {
		if err := d.GrowContentFile(id, 10); err != nil {
			t.Fatalf("grow %s: %v", id, err)
		}
		if err := d.WriteMetadata(id, domain.NewClipMetadata("video/mp4", 10, 5)); err != nil {
			t.Fatalf("metadata %s: %v", id, err)
		}
		setPairMtime(t, d, id, base.Add(time.Duration(i)*time.Minute))
	}

	freed, err := d.TryCleanupCacheDir(nil)
	if err != nil || !freed {
		t.Fatalf("first cleanup = %v, %v", freed, err)
	}
	if _, ok, _ := d.ContentSize("old"); ok {
		t.Fatal("oldest pair should be gone")
	}
	if _, ok, _ := d.LoadMetadata("old"); ok {
		t.Fatal("oldest metadata should be gone")
	}
	if _, ok, _ := d.ContentSize("middle"); !ok {
		t.Fatal("middle pair should survive")
	}
}

func TestTryCleanupCacheDirHonorsExclusions(t *testing.T) {
	d := newTestDirectory(t, 1<<20)
	for _, id := range []domain.ClipID{"a", "b"} {
		if err := d.GrowContentFile(id, 10); err != nil {
			t.Fatalf("grow %s: %v", id, err)
		}
	}
	exclude := map[domain.ClipID]struct{}{"a": {}}

	freed, err := d.TryCleanupCacheDir(exclude)
	if err != nil || !freed {
		t.Fatalf("cleanup = %v, %v", freed, err)
	}
	freed, err = d.TryCleanupCacheDir(exclude)
	if err != nil || freed {
		t.Fatalf("cleanup with only excluded left = %v, %v; want false", freed, err)
	}
	if _, ok, _ := d.ContentSize("a"); !ok {
		t.Fatal("excluded clip was removed")
	}
}

func TestTryCleanupCacheDirEmpty(t *testing.T) {
	d := newTestDirectory(t, 1<<20)
	freed, err := d.TryCleanupCacheDir(nil)
	if err != nil || freed {
		t.Fatalf("cleanup on empty dir = %v, %v", freed, err)
	}
}

func TestCleanupFreesQuota(t *testing.T) {
	d := newTestDirectory(t, 100)
	if err := d.GrowContentFile("a", 80); err != nil {
		t.Fatalf("grow a: %v", err)
	}
	if err := d.GrowContentFile("b", 80); !errors.Is(err, domain.ErrCacheSizeExhausted) {
		t.Fatalf("grow b err = %v", err)
	}
	if freed, err := d.TryCleanupCacheDir(map[domain.ClipID]struct{}{"b": {}}); err != nil || !freed {
		t.Fatalf("cleanup = %v, %v", freed, err)
	}
	if err := d.GrowContentFile("b", 80); err != nil {
		t.Fatalf("grow b after cleanup: %v", err)
	}
}

func TestEncodeIDRoundTrip(t *testing.T) {
	for _, id := range []domain.ClipID{"simple", "with/slash", "ümlaut & spaces", "../escape"} {
		stem := encodeID(id)
		if filepath.Base(stem) != stem {
			t.Fatalf("encoded id %q is not a plain file name", stem)
		}
		got, ok := decodeID(stem)
		if !ok || got != id {
			t.Fatalf("decodeID(encodeID(%q)) = %q, %v", id, got, ok)
		}
	}
}

func setPairMtime(t *testing.T, d *Directory, id domain.ClipID, mtime time.Time) {
	t.Helper()
	for _, name := range []string{contentName(id), metadataName(id)} {
		if err := os.Chtimes(d.path(name), mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
}
