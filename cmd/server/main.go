package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	apihttp "mediagateway/internal/api/http"
	"mediagateway/internal/app"
	"mediagateway/internal/domain/ports"
	"mediagateway/internal/metrics"
	mongorepo "mediagateway/internal/repository/mongo"
	"mediagateway/internal/repository/rediscache"
	"mediagateway/internal/services/download"
	"mediagateway/internal/services/upstream"
	"mediagateway/internal/storage/cachedir"
	"mediagateway/internal/telemetry"
	"mediagateway/internal/usecase"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const serviceName = "media-gateway"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("cacheDir", cfg.CacheDir),
		slog.Int64("cacheSizeGB", cfg.CacheSizeGB),
		slog.Int("maxParallelDownloads", cfg.MaxParallelDownloads),
		slog.Int("connectionsPerClip", cfg.ConnectionsPerClip),
		slog.Int64("chunkSizeBytes", cfg.ChunkSizeBytes),
		slog.Bool("redisCache", cfg.RedisURL != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	repo := mongorepo.NewRepository(mongoClient, cfg.MongoDatabase, cfg.MongoCollection)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}

	healthOpts := []apihttp.ServerOption{
		apihttp.WithHealthCheck("mongo", func(ctx context.Context) error {
			return mongoClient.Ping(ctx, readpref.Primary())
		}),
	}

	var catalog ports.ClipRepository = repo
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Lookups fall through to mongo while redis is down.
			logger.Warn("redis ping failed", slog.String("error", err.Error()))
		}
		catalog = rediscache.NewClipRepository(repo, redisClient, cfg.RedisCacheTTL, logger)
		healthOpts = append(healthOpts, apihttp.WithHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	cache, err := cachedir.New(cachedir.Options{
		Root:           cfg.CacheDir,
		QuotaBytes:     cfg.CacheQuotaBytes(),
		MaxOpenHandles: cfg.HandleCacheSize,
		HandleTTL:      cfg.HandleTTL,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("cache directory init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	origin := upstream.NewClient(upstream.Config{
		MaxIdleConnsPerHost: cfg.MaxParallelDownloads * cfg.ConnectionsPerClip,
		UserAgent:           serviceName,
	})

	managerOpts := []download.ManagerOption{download.WithLogger(logger)}
	if cfg.MaxDownloadBytesPerSec > 0 {
		managerOpts = append(managerOpts, download.WithRateLimiter(
			rate.NewLimiter(rate.Limit(cfg.MaxDownloadBytesPerSec), int(cfg.MaxDownloadBytesPerSec)),
		))
	}
	manager := download.NewManager(download.Config{
		ChunkSize:                cfg.ChunkSizeBytes,
		ConnectionsPerClip:       cfg.ConnectionsPerClip,
		MaxParallelDownloads:     cfg.MaxParallelDownloads,
		ReadTimeout:              cfg.ReadTimeout,
		MinThroughputBytesPerSec: cfg.MinThroughputBytesPerSec,
		MinChunkTimeout:          cfg.MinChunkTimeout,
		IdleTimeout:              cfg.IdleTimeout,
		ReclaimInterval:          cfg.ReclaimInterval,
	}, cache, origin, managerOpts...)
	go manager.Run(rootCtx)

	// Start disk pressure monitor.
	if cfg.MinDiskSpaceBytes > 0 {
		diskUC := usecase.DiskPressure{
			Cache:        cache,
			Downloads:    manager,
			Logger:       logger,
			CacheDir:     cache.Root(),
			MinFreeBytes: cfg.MinDiskSpaceBytes,
			ResumeBytes:  cfg.MinDiskSpaceBytes * 2,
		}
		go diskUC.Run(rootCtx)
	}

	streamUC := usecase.StreamClip{Repo: catalog, Streamer: manager}
	getClipUC := usecase.GetClip{Repo: catalog}
	listClipsUC := usecase.ListClips{Repo: catalog}

	serverOpts := append([]apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithGetClip(getClipUC),
		apihttp.WithListClips(listClipsUC),
		apihttp.WithDownloadStates(manager),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}, healthOpts...)
	handler := apihttp.NewServer(streamUC, serverOpts...)

	// Periodically update Prometheus gauges and push progress to websocket clients.
	go updateGatewayMetrics(rootCtx, manager, cache, handler, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	manager.Close()
	if err := cache.Close(); err != nil {
		logger.Warn("cache directory close error", slog.String("error", err.Error()))
	}
	origin.EvictIdleConnections()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func updateGatewayMetrics(ctx context.Context, manager *download.Manager, cache *cachedir.Directory, handler *apihttp.Server, logger *slog.Logger) {
	stateTicker := time.NewTicker(2 * time.Second)
	cacheTicker := time.NewTicker(30 * time.Second)
	healthTicker := time.NewTicker(30 * time.Second)
	defer stateTicker.Stop()
	defer cacheTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stateTicker.C:
			handler.BroadcastStates(manager.States())
		case <-cacheTicker.C:
			size, err := cache.Size()
			if err != nil {
				logger.Debug("cache size failed", slog.String("error", err.Error()))
				continue
			}
			metrics.CacheSizeBytes.Set(float64(size))
			if allocated, err := cache.AllocatedSize(); err == nil {
				metrics.CacheAllocatedBytes.Set(float64(allocated))
			}
		case <-healthTicker.C:
			handler.BroadcastHealth(ctx)
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
