package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinCacheSizeGB is the smallest cache quota the gateway starts with.
const MinCacheSizeGB = 10

type Config struct {
	HTTPAddr        string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	RedisURL        string
	RedisCacheTTL   time.Duration
	LogLevel        string
	LogFormat       string

	CacheDir                 string
	CacheSizeGB              int64
	MaxParallelDownloads     int
	ConnectionsPerClip       int
	ChunkSizeBytes           int64
	ReadTimeout              time.Duration
	MinThroughputBytesPerSec int64
	MinChunkTimeout          time.Duration
	MaxDownloadBytesPerSec   int64 // 0 = unlimited
	IdleTimeout              time.Duration
	ReclaimInterval          time.Duration
	HandleCacheSize          int
	HandleTTL                time.Duration
	MinDiskSpaceBytes        int64 // minimum free disk space; 0 = disabled

	CORSAllowedOrigins []string
	RateLimitRPS       float64 // 0 = disabled
	RateLimitBurst     int
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DB", "mediagateway"),
		MongoCollection: getEnv("MONGO_COLLECTION", "clips"),
		RedisURL:        getEnv("REDIS_URL", ""),
		RedisCacheTTL:   getEnvDuration("REDIS_CACHE_TTL", 6*time.Hour),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),

		CacheDir:                 getEnv("CACHE_DIR", "cache"),
		CacheSizeGB:              getEnvInt64("CACHE_SIZE_GB", 50),
		MaxParallelDownloads:     int(getEnvInt64("MAX_PARALLEL_DOWNLOADS", 4)),
		ConnectionsPerClip:       int(getEnvInt64("CONNECTIONS_PER_CLIP", 3)),
		ChunkSizeBytes:           getEnvInt64("CHUNK_SIZE_BYTES", 5_000_000),
		ReadTimeout:              getEnvDuration("READ_TIMEOUT", 30*time.Second),
		MinThroughputBytesPerSec: getEnvInt64("MIN_THROUGHPUT_BYTES_PER_SEC", 64*1024),
		MinChunkTimeout:          getEnvDuration("MIN_CHUNK_TIMEOUT", 10*time.Second),
		MaxDownloadBytesPerSec:   getEnvInt64("MAX_DOWNLOAD_BYTES_PER_SEC", 0),
		IdleTimeout:              getEnvDuration("IDLE_TIMEOUT", 30*time.Second),
		ReclaimInterval:          getEnvDuration("RECLAIM_INTERVAL", 10*time.Second),
		HandleCacheSize:          int(getEnvInt64("HANDLE_CACHE_SIZE", 64)),
		HandleTTL:                getEnvDuration("HANDLE_TTL", time.Minute),
		MinDiskSpaceBytes:        getEnvInt64("MIN_DISK_SPACE_BYTES", 1<<30),

		CORSAllowedOrigins: parseCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 20)),
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, errors.New("CACHE_DIR must not be empty"))
	}
	if c.CacheSizeGB < MinCacheSizeGB {
		errs = append(errs, fmt.Errorf("CACHE_SIZE_GB must be at least %d, got %d", MinCacheSizeGB, c.CacheSizeGB))
	}
	if c.MaxParallelDownloads <= 0 {
		errs = append(errs, errors.New("MAX_PARALLEL_DOWNLOADS must be positive"))
	}
	if c.ConnectionsPerClip <= 0 {
		errs = append(errs, errors.New("CONNECTIONS_PER_CLIP must be positive"))
	}
	if c.ChunkSizeBytes <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE_BYTES must be positive"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("READ_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// CacheQuotaBytes is the cache size quota in bytes.
func (c Config) CacheQuotaBytes() int64 {
	return c.CacheSizeGB << 30
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func parseCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
