package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ErrNotFound          = errors.New("upstream: resource not found")
	ErrRangeNotSupported = errors.New("upstream: server does not support range requests")
	ErrUnknownSize       = errors.New("upstream: server did not report a content length")
	ErrRangeMismatch     = errors.New("upstream: partial response does not match the requested range")
)

// StatusError is returned for any unexpected origin status code.
type StatusError struct {
	Method string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s returned status %d", e.Method, e.Status)
}

type Config struct {
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	UserAgent           string
}

// FileInfo is what a HEAD request reports about a remote file.
type FileInfo struct {
	Size        int64
	ContentType string
}

// Client is a blocking HTTP client for the clip origin. Requests carry no
// client-wide timeout; callers bound each call through its context.
type Client struct {
	http      *http.Client
	transport *http.Transport
	userAgent string
}

func NewClient(cfg Config) *Client {
	maxIdle := cfg.MaxIdleConnsPerHost
	if maxIdle <= 0 {
		maxIdle = 16
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxIdle
	transport.MaxIdleConns = maxIdle * 2
	transport.IdleConnTimeout = idleTimeout
	// Ranged bodies must arrive byte-exact.
	transport.DisableCompression = true

	return &Client{
		http:      &http.Client{Transport: otelhttp.NewTransport(transport)},
		transport: transport,
		userAgent: strings.TrimSpace(cfg.UserAgent),
	}
}

// Head requests url and returns its size and content type.
func (c *Client) Head(ctx context.Context, url string) (FileInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return FileInfo{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return FileInfo{}, fmt.Errorf("upstream: head: %w", err)
	}
	resp.Body.Close()

	if err := checkStatus(http.MethodHead, resp.StatusCode); err != nil {
		return FileInfo{}, err
	}
	if resp.ContentLength < 0 {
		return FileInfo{}, ErrUnknownSize
	}
	return FileInfo{
		Size:        resp.ContentLength,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
	}, nil
}

// GetRange requests the inclusive byte range [first, last] of url. The caller
// must close the returned body.
func (c *Client) GetRange(ctx context.Context, url string, first, last int64) (io.ReadCloser, error) {
	if first < 0 || last < first {
		return nil, fmt.Errorf("upstream: invalid range %d-%d", first, last)
	}
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", first, last))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: get range: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		gotFirst, gotLast, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || gotFirst != first || gotLast != last {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: want %d-%d, got %q", ErrRangeMismatch, first, last, resp.Header.Get("Content-Range"))
		}
		return resp.Body, nil
	case http.StatusOK:
		// A full body is only usable when the range starts at zero.
		if first == 0 {
			return resp.Body, nil
		}
		resp.Body.Close()
		return nil, ErrRangeNotSupported
	default:
		resp.Body.Close()
		if err := checkStatus(http.MethodGet, resp.StatusCode); err != nil {
			return nil, err
		}
		return nil, &StatusError{Method: http.MethodGet, Status: resp.StatusCode}
	}
}

// EvictIdleConnections drops pooled connections to the origin so a broken
// TCP connection is not reused.
func (c *Client) EvictIdleConnections() {
	c.transport.CloseIdleConnections()
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

func checkStatus(method string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrNotFound
	default:
		return &StatusError{Method: method, Status: code}
	}
}

// parseContentRange reads the first and last byte of a
// "bytes first-last/size" header. The size may be "*".
func parseContentRange(v string) (first, last int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, _, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0, false
	}
	firstStr, lastStr, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	first, err := strconv.ParseInt(strings.TrimSpace(firstStr), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	last, err = strconv.ParseInt(strings.TrimSpace(lastStr), 10, 64)
	if err != nil || first < 0 || last < first {
		return 0, 0, false
	}
	return first, last, true
}

func mediaType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(ct)
}
