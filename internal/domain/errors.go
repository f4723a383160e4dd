package domain

import "errors"

var ErrNotFound = errors.New("not found")

var (
	// ErrUpstreamNotFound reports that the origin answered the metadata request with 404.
	ErrUpstreamNotFound = errors.New("upstream clip not found")
	// ErrUpstreamReadFailed reports any other failure of the metadata request.
	ErrUpstreamReadFailed = errors.New("upstream read failed")

	ErrCacheSizeExhausted           = errors.New("cache size exhausted")
	ErrTooManyConcurrentConnections = errors.New("too many concurrent downloads")
	ErrReadTimeout                  = errors.New("read timeout waiting for chunk")
	ErrInvalidRange                 = errors.New("invalid byte range")
	ErrRangeNotSatisfiable          = errors.New("range not satisfiable")
)
