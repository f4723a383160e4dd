package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"

	"mediagateway/internal/domain"
)

// idleDownloader builds a downloader over meta without starting any
// connection, for exercising chunk assignment directly.
func idleDownloader(meta domain.ClipMetadata, chunkSize int64) *ClipDownloader {
	return &ClipDownloader{
		id:        "clip",
		cfg:       Config{ChunkSize: chunkSize, ConnectionsPerClip: 0}.withDefaults(),
		meta:      meta,
		available: meta.Bitmap.Complement(),
		conns:     make(map[*connection]struct{}),
		completed: make(chan struct{}),
		logger:    discardLogger,
	}
}

func TestNextChunkServesLastChunkFirst(t *testing.T) {
	meta := domain.NewClipMetadata("video/mp4", 12_000_000, 5_000_000)
	if meta.NumberOfChunks != 3 {
		t.Fatalf("NumberOfChunks = %d, want 3", meta.NumberOfChunks)
	}
	d := idleDownloader(meta, 5_000_000)

	var order []int
	for {
		c, ok := d.nextChunk()
		if !ok {
			break
		}
		order = append(order, c.Index)
	}
	want := []int{2, 0, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestNextChunkScansFromReadPositionAndWraps(t *testing.T) {
	meta := domain.NewClipMetadata("video/mp4", 50, 10)
	meta.MarkComplete(4)
	d := idleDownloader(meta, 10)
	d.lastReadChunk = 2

	var order []int
	for {
		c, ok := d.nextChunk()
		if !ok {
			break
		}
		order = append(order, c.Index)
	}
	want := []int{2, 3, 0, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestNextChunkPrefersLastChunkOverReadPosition(t *testing.T) {
	meta := domain.NewClipMetadata("video/mp4", 50, 10)
	d := idleDownloader(meta, 10)
	d.lastReadChunk = 1

	c, ok := d.nextChunk()
	if !ok || c.Index != 4 {
		t.Fatalf("nextChunk = %+v, %v; want chunk 4", c, ok)
	}
}

func TestNextChunkNeverHandsOutAChunkTwice(t *testing.T) {
	meta := domain.NewClipMetadata("video/mp4", 1000, 1)
	d := idleDownloader(meta, 1)

	var (
		mu   sync.Mutex
		seen = bitset.New(1000)
		dups int
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, ok := d.nextChunk()
				if !ok {
					return
				}
				mu.Lock()
				if seen.Test(uint(c.Index)) {
					dups++
				}
				seen.Set(uint(c.Index))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if dups != 0 || seen.Count() != 1000 {
		t.Fatalf("dups = %d, handed out %d of 1000", dups, seen.Count())
	}
}

func TestOnChunkErrorReturnsChunkToPool(t *testing.T) {
	meta := domain.NewClipMetadata("video/mp4", 30, 10)
	d := idleDownloader(meta, 10)

	c, _ := d.nextChunk()
	if d.available.Test(uint(c.Index)) {
		t.Fatal("claimed chunk is still available")
	}
	d.onChunkError(c, errors.New("boom"))
	if !d.available.Test(uint(c.Index)) {
		t.Fatal("failed chunk was not returned")
	}
	again, ok := d.nextChunk()
	if !ok || again.Index != c.Index {
		t.Fatalf("nextChunk after error = %+v, want chunk %d", again, c.Index)
	}
}

func TestNextChunkAfterCloseReturnsNothing(t *testing.T) {
	meta := domain.NewClipMetadata("video/mp4", 30, 10)
	d := idleDownloader(meta, 10)
	d.closed = true
	if _, ok := d.nextChunk(); ok {
		t.Fatal("closed downloader handed out a chunk")
	}
}

func TestDownloaderFetchesTailChunkFirst(t *testing.T) {
	data := patternBytes(12)
	origin := newTestOrigin(t, map[string][]byte{"a": data})
	store := newTestStore(t, 1<<20)

	d, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, Config{ChunkSize: 5, ConnectionsPerClip: 1}))
	if err != nil {
		t.Fatalf("newClipDownloader: %v", err)
	}
	defer closeAndWait(t, d)

	r, err := d.OpenStream(0, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: got %v, want %v", got, data)
	}

	var ranges []string
	for _, req := range origin.recorded() {
		if req.Method == http.MethodGet {
			ranges = append(ranges, req.Range)
		}
	}
	if len(ranges) == 0 || ranges[0] != "bytes=10-11" {
		t.Fatalf("ranges = %v, want the tail chunk first", ranges)
	}
}

func TestDownloaderReadsAreChunkBounded(t *testing.T) {
	data := patternBytes(25)
	origin := newTestOrigin(t, map[string][]byte{"a": data})
	store := newTestStore(t, 1<<20)

	d, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, Config{ChunkSize: 10, ConnectionsPerClip: 2}))
	if err != nil {
		t.Fatal(err)
	}
	defer closeAndWait(t, d)

	r, err := d.OpenStream(7, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 20)
	n, err := r.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v; want 3 bytes up to the chunk boundary", n, err)
	}
	if !bytes.Equal(buf[:n], data[7:10]) {
		t.Fatalf("got %v, want %v", buf[:n], data[7:10])
	}
	rest, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(rest, data[10:]) {
		t.Fatalf("rest = %v, %v", rest, err)
	}
}

func TestDownloaderReadTimesOutOnMissingChunk(t *testing.T) {
	data := patternBytes(30)
	origin := newTestOrigin(t, map[string][]byte{"a": data})
	release := make(chan struct{})
	origin.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Range") != "bytes=10-19" {
			return false
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	})
	store := newTestStore(t, 1<<20)

	d, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, Config{ChunkSize: 10, ConnectionsPerClip: 2}))
	if err != nil {
		close(release)
		t.Fatal(err)
	}
	defer closeAndWait(t, d)
	defer close(release)

	// A reader on a chunk that does arrive is unaffected.
	head, err := d.OpenStream(0, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(head, buf); err != nil || !bytes.Equal(buf, data[:10]) {
		t.Fatalf("first chunk read = %v, %v", buf, err)
	}

	const readTimeout = 200 * time.Millisecond
	stuck, err := d.OpenStream(12, readTimeout)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = stuck.Read(buf)
	elapsed := time.Since(start)
	if !errors.Is(err, domain.ErrReadTimeout) {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}
	if elapsed < readTimeout || elapsed > readTimeout+2*time.Second {
		t.Fatalf("timed out after %s, want about %s", elapsed, readTimeout)
	}

	tail, err := d.OpenStream(25, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(tail)
	if err != nil || !bytes.Equal(got, data[25:]) {
		t.Fatalf("tail read = %v, %v", got, err)
	}
}

func TestDownloaderRetriesFailedChunks(t *testing.T) {
	data := patternBytes(40)
	origin := newTestOrigin(t, map[string][]byte{"a": data})
	var failures atomic.Int32
	origin.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodGet && failures.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	})
	store := newTestStore(t, 1<<20)

	d, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, Config{ChunkSize: 10, ConnectionsPerClip: 2}))
	if err != nil {
		t.Fatal(err)
	}
	defer closeAndWait(t, d)

	r, _ := d.OpenStream(0, 5*time.Second)
	got, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadAll = %v, %v", got, err)
	}
	if state := d.State(); state.CompletedChunks != 4 || state.Progress != 1 {
		t.Fatalf("state = %+v", state)
	}
}

func TestOpenStreamRejectsPositionOutsideClip(t *testing.T) {
	origin := newTestOrigin(t, map[string][]byte{"a": patternBytes(10)})
	store := newTestStore(t, 1<<20)
	d, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, Config{ChunkSize: 5}))
	if err != nil {
		t.Fatal(err)
	}
	defer closeAndWait(t, d)

	for _, pos := range []int64{-1, 11} {
		if _, err := d.OpenStream(pos, time.Second); !errors.Is(err, io.EOF) {
			t.Fatalf("OpenStream(%d) err = %v, want io.EOF", pos, err)
		}
	}
	r, err := d.OpenStream(10, time.Second)
	if err != nil {
		t.Fatalf("OpenStream at size: %v", err)
	}
	if n, err := r.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Fatalf("read at end = %d, %v", n, err)
	}
}

func TestNewClipDownloaderUpstreamErrors(t *testing.T) {
	origin := newTestOrigin(t, nil)
	origin.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return true
		}
		return false
	})
	store := newTestStore(t, 1<<20)
	deps := testDeps(store, Config{})

	if _, err := newClipDownloader(context.Background(), origin.clip("missing"), deps); !errors.Is(err, domain.ErrUpstreamNotFound) {
		t.Fatalf("missing: err = %v, want ErrUpstreamNotFound", err)
	}
	if _, err := newClipDownloader(context.Background(), origin.clip("broken"), deps); !errors.Is(err, domain.ErrUpstreamReadFailed) {
		t.Fatalf("broken: err = %v, want ErrUpstreamReadFailed", err)
	}
}

func TestNewClipDownloaderQuotaExhausted(t *testing.T) {
	origin := newTestOrigin(t, map[string][]byte{"a": patternBytes(2000)})
	store := newTestStore(t, 1000)

	_, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, Config{ChunkSize: 100}))
	if !errors.Is(err, domain.ErrCacheSizeExhausted) {
		t.Fatalf("err = %v, want ErrCacheSizeExhausted", err)
	}
}

func TestDownloaderResumesFromPersistedState(t *testing.T) {
	data := patternBytes(30)
	origin := newTestOrigin(t, map[string][]byte{"a": data})
	store := newTestStore(t, 1<<20)
	cfg := Config{ChunkSize: 10, ConnectionsPerClip: 2}

	first, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, cfg))
	if err != nil {
		t.Fatal(err)
	}
	r, _ := first.OpenStream(0, 5*time.Second)
	if _, err := io.ReadAll(r); err != nil {
		t.Fatal(err)
	}
	closeAndWait(t, first)
	requestsBefore := len(origin.recorded())

	second, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, cfg))
	if err != nil {
		t.Fatal(err)
	}
	defer closeAndWait(t, second)
	r, _ = second.OpenStream(0, time.Second)
	got, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadAll = %v, %v", got, err)
	}
	if after := len(origin.recorded()); after != requestsBefore {
		t.Fatalf("fully cached clip hit the origin %d more times", after-requestsBefore)
	}
}

func TestDownloaderRestartsWhenContentFileIsLost(t *testing.T) {
	data := patternBytes(30)
	origin := newTestOrigin(t, map[string][]byte{"a": data})
	store := newTestStore(t, 1<<20)
	cfg := Config{ChunkSize: 10, ConnectionsPerClip: 1}

	meta := domain.NewClipMetadata("video/mp4", 30, 10)
	for i := 0; i < meta.NumberOfChunks; i++ {
		meta.MarkComplete(i)
	}
	if err := store.WriteMetadata("a", meta); err != nil {
		t.Fatal(err)
	}

	d, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, cfg))
	if err != nil {
		t.Fatal(err)
	}
	defer closeAndWait(t, d)
	r, _ := d.OpenStream(0, 5*time.Second)
	got, err := io.ReadAll(r)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadAll = %v, %v", got, err)
	}
	if origin.count(http.MethodGet) == 0 {
		t.Fatal("lost content was not downloaded again")
	}
}

func TestClosedDownloaderFailsReads(t *testing.T) {
	origin := newTestOrigin(t, map[string][]byte{"a": patternBytes(10)})
	store := newTestStore(t, 1<<20)
	d, err := newClipDownloader(context.Background(), origin.clip("a"), testDeps(store, Config{ChunkSize: 5}))
	if err != nil {
		t.Fatal(err)
	}
	r, _ := d.OpenStream(0, time.Second)
	closeAndWait(t, d)
	closeAndWait(t, d)

	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, ErrDownloaderClosed) {
		t.Fatalf("read after close err = %v", err)
	}
	if _, err := d.OpenStream(0, time.Second); !errors.Is(err, ErrDownloaderClosed) {
		t.Fatalf("open after close err = %v", err)
	}
}
