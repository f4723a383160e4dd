package download

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mediagateway/internal/domain"
	"mediagateway/internal/services/upstream"
	"mediagateway/internal/storage/cachedir"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordedRequest struct {
	Method string
	Path   string
	Range  string
}

// testOrigin serves clips from memory and records every request. intercept,
// when set, may answer a request itself by returning true.
type testOrigin struct {
	srv       *httptest.Server
	clips     map[string][]byte
	intercept func(w http.ResponseWriter, r *http.Request) bool

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestOrigin(t *testing.T, clips map[string][]byte) *testOrigin {
	t.Helper()
	o := &testOrigin{clips: clips}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests = append(o.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Range: r.Header.Get("Range")})
	intercept := o.intercept
	o.mu.Unlock()

	if intercept != nil && intercept(w, r) {
		return
	}
	data, ok := o.clips[strings.TrimPrefix(r.URL.Path, "/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(data))
}

func (o *testOrigin) setIntercept(fn func(w http.ResponseWriter, r *http.Request) bool) {
	o.mu.Lock()
	o.intercept = fn
	o.mu.Unlock()
}

func (o *testOrigin) recorded() []recordedRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]recordedRequest(nil), o.requests...)
}

func (o *testOrigin) count(method string) int {
	n := 0
	for _, r := range o.recorded() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (o *testOrigin) clip(id string) domain.Clip {
	return domain.Clip{ID: domain.ClipID(id), URL: o.srv.URL + "/" + id}
}

func newTestStore(t *testing.T, quota int64) *cachedir.Directory {
	t.Helper()
	dir, err := cachedir.New(cachedir.Options{Root: t.TempDir(), QuotaBytes: quota, Logger: discardLogger})
	if err != nil {
		t.Fatalf("cachedir.New: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	return dir
}

func testDeps(store Store, cfg Config) downloaderDeps {
	return downloaderDeps{
		cfg:    cfg,
		store:  store,
		origin: upstream.NewClient(upstream.Config{}),
		logger: discardLogger,
	}
}

// closeAndWait closes d and waits for its connection goroutines.
func closeAndWait(t *testing.T, d *ClipDownloader) {
	t.Helper()
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	d.wg.Wait()
}

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
