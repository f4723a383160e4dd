package download

import "time"

const (
	DefaultChunkSize                = 5_000_000
	DefaultConnectionsPerClip       = 3
	DefaultMaxParallelDownloads     = 4
	DefaultReadTimeout              = 30 * time.Second
	DefaultMinThroughputBytesPerSec = 64 * 1024
	DefaultMinChunkTimeout          = 10 * time.Second
	DefaultIdleTimeout              = 30 * time.Second
	DefaultReclaimInterval          = 10 * time.Second
	defaultContentType              = "video/mp4"
)

type Config struct {
	ChunkSize            int64
	ConnectionsPerClip   int
	MaxParallelDownloads int
	// ReadTimeout bounds how long a reader waits for a missing chunk and how
	// long building a clip's downloader may take.
	ReadTimeout time.Duration
	// A chunk request may take chunkLen/MinThroughputBytesPerSec, but never
	// less than MinChunkTimeout.
	MinThroughputBytesPerSec int64
	MinChunkTimeout          time.Duration
	IdleTimeout              time.Duration
	ReclaimInterval          time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ConnectionsPerClip <= 0 {
		c.ConnectionsPerClip = DefaultConnectionsPerClip
	}
	if c.MaxParallelDownloads <= 0 {
		c.MaxParallelDownloads = DefaultMaxParallelDownloads
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MinThroughputBytesPerSec <= 0 {
		c.MinThroughputBytesPerSec = DefaultMinThroughputBytesPerSec
	}
	if c.MinChunkTimeout <= 0 {
		c.MinChunkTimeout = DefaultMinChunkTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	return c
}

func (c Config) chunkTimeout(chunkLen int64) time.Duration {
	timeout := time.Duration(chunkLen) * time.Second / time.Duration(c.MinThroughputBytesPerSec)
	if timeout < c.MinChunkTimeout {
		return c.MinChunkTimeout
	}
	return timeout
}
