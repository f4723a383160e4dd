package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_downloads",
		Help:      "Number of clips with an active downloader.",
	})

	OpenStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "open_streams",
		Help:      "Number of client streams currently open.",
	})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_connections",
		Help:      "Number of running chunk download connections across all clips.",
	})

	ChunkDownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "chunk_downloads_total",
		Help:      "Chunk downloads by result (ok, error).",
	}, []string{"result"})

	ChunkDownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "chunk_download_duration_seconds",
		Help:      "Duration of a single ranged chunk request in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	DownloadedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "downloaded_bytes_total",
		Help:      "Total bytes fetched from the origin.",
	})

	ReadTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "read_timeouts_total",
		Help:      "Client reads that gave up waiting for a chunk.",
	})

	DownloaderEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "downloader_evictions_total",
		Help:      "Downloaders closed by reason (idle, capacity, shutdown).",
	}, []string{"reason"})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "cache_evictions_total",
		Help:      "Clip content/metadata pairs deleted from the cache directory.",
	})

	CacheCleanupErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "cache_cleanup_errors_total",
		Help:      "Total number of cache cleanup failures.",
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "cache_size_bytes",
		Help:      "Logical size of the cache directory in bytes.",
	})

	CacheAllocatedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "cache_allocated_bytes",
		Help:      "Disk blocks actually allocated by the cache directory in bytes.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveDownloads,
		OpenStreams,
		ActiveConnections,
		ChunkDownloadsTotal,
		ChunkDownloadDuration,
		DownloadedBytesTotal,
		ReadTimeoutsTotal,
		DownloaderEvictionsTotal,
		CacheEvictionsTotal,
		CacheCleanupErrors,
		CacheSizeBytes,
		CacheAllocatedBytes,
	)
}
