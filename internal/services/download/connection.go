package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"mediagateway/internal/domain"
	"mediagateway/internal/metrics"
)

const limiterPieceSize = 32 * 1024

var tracer trace.Tracer = otel.Tracer("mediagateway/download")

// chunkSource hands out chunk assignments and collects their outcome. All
// methods are safe for concurrent use.
type chunkSource interface {
	nextChunk() (ClipChunk, bool)
	onChunkReceived(chunk ClipChunk, data []byte)
	onChunkError(chunk ClipChunk, err error)
	onConnectionTerminated(c *connection)
}

// connection is one download worker. It pulls chunks until the source has
// none left and reports its own termination exactly once.
type connection struct {
	clipID  domain.ClipID
	url     string
	src     chunkSource
	origin  Origin
	limiter *rate.Limiter
	timeout func(chunkLen int64) time.Duration
	logger  *slog.Logger
}

func (c *connection) run() {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer c.src.onConnectionTerminated(c)

	for {
		chunk, ok := c.src.nextChunk()
		if !ok {
			return
		}
		data, err := c.fetch(chunk)
		if err != nil {
			metrics.ChunkDownloadsTotal.WithLabelValues("error").Inc()
			c.logger.Debug("download: chunk failed",
				slog.String("clipId", string(c.clipID)),
				slog.Int("chunk", chunk.Index),
				slog.String("error", err.Error()),
			)
			c.src.onChunkError(chunk, err)
			c.origin.EvictIdleConnections()
			continue
		}
		metrics.ChunkDownloadsTotal.WithLabelValues("ok").Inc()
		metrics.DownloadedBytesTotal.Add(float64(len(data)))
		c.src.onChunkReceived(chunk, data)
	}
}

func (c *connection) fetch(chunk ClipChunk) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout(chunk.Len()))
	defer cancel()
	ctx, span := tracer.Start(ctx, "download.chunk", trace.WithAttributes(
		attribute.String("clip.id", string(c.clipID)),
		attribute.Int("chunk.index", chunk.Index),
		attribute.Int64("chunk.bytes", chunk.Len()),
	))
	defer span.End()

	start := time.Now()
	data, err := c.get(ctx, chunk)
	metrics.ChunkDownloadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}

func (c *connection) get(ctx context.Context, chunk ClipChunk) ([]byte, error) {
	body, err := c.origin.GetRange(ctx, c.url, chunk.FirstByte, chunk.LastByte)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var r io.Reader = body
	if c.limiter != nil {
		r = &rateLimitedReader{ctx: ctx, r: body, limiter: c.limiter}
	}
	data := make([]byte, chunk.Len())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("download: read chunk %d: %w", chunk.Index, err)
	}
	return data, nil
}

// rateLimitedReader draws from a shared limiter in small pieces so one
// connection cannot hold the whole budget.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > limiterPieceSize {
		p = p[:limiterPieceSize]
	}
	if burst := rl.limiter.Burst(); burst > 0 && len(p) > burst {
		p = p[:burst]
	}
	if err := rl.limiter.WaitN(rl.ctx, len(p)); err != nil {
		return 0, err
	}
	return rl.r.Read(p)
}
