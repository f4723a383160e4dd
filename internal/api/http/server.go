package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mediagateway/internal/domain"
	"mediagateway/internal/services/download"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type StreamClipUseCase interface {
	Execute(ctx context.Context, id domain.ClipID, br domain.ByteRange) (download.OpenedStream, error)
}

type GetClipUseCase interface {
	Execute(ctx context.Context, id domain.ClipID) (domain.Clip, error)
}

type ListClipsUseCase interface {
	Execute(ctx context.Context, filter domain.ClipFilter) ([]domain.Clip, error)
}

// DownloadStates reports the clips currently held by the download manager.
type DownloadStates interface {
	States() []domain.DownloadState
}

// HealthCheck checks one dependency; a non-nil error marks the service degraded.
type HealthCheck func(ctx context.Context) error

const (
	defaultRateLimitRPS   = 100
	defaultRateLimitBurst = 200
	healthCheckTimeout    = 2 * time.Second
)

type Server struct {
	streamClip     StreamClipUseCase
	getClip        GetClipUseCase
	listClips      ListClipsUseCase
	downloads      DownloadStates
	healthChecks   map[string]HealthCheck
	allowedOrigins []string
	rateLimitRPS   float64
	rateLimitBurst int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithGetClip(uc GetClipUseCase) ServerOption {
	return func(s *Server) {
		s.getClip = uc
	}
}

func WithListClips(uc ListClipsUseCase) ServerOption {
	return func(s *Server) {
		s.listClips = uc
	}
}

func WithDownloadStates(states DownloadStates) ServerOption {
	return func(s *Server) {
		s.downloads = states
	}
}

// WithHealthCheck registers a named dependency check reported by /health.
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) {
		if s.healthChecks == nil {
			s.healthChecks = make(map[string]HealthCheck)
		}
		s.healthChecks[name] = check
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit sets the global request rate limit. A non-positive rps
// disables limiting.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimitRPS = rps
		s.rateLimitBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	// New clients get the current snapshot without waiting for the next tick.
	if s.downloads != nil {
		if msg, err := encodeWSMessage("states", s.downloads.States()); err == nil {
			client.send <- msg
		}
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// BroadcastStates sends download states to all WebSocket clients.
func (s *Server) BroadcastStates(states []domain.DownloadState) {
	if s.wsHub != nil {
		s.wsHub.BroadcastStates(states)
	}
}

// BroadcastHealth broadcasts the current health report to all connected
// WebSocket clients.
func (s *Server) BroadcastHealth(ctx context.Context) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast("health", s.buildHealth(ctx))
}

func NewServer(stream StreamClipUseCase, opts ...ServerOption) *Server {
	s := &Server{
		streamClip:     stream,
		rateLimitRPS:   defaultRateLimitRPS,
		rateLimitBurst: defaultRateLimitBurst,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/clips/", s.handleClipByID)
	mux.HandleFunc("/channels/", s.handleChannel)
	mux.HandleFunc("/downloads", s.handleDownloads)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "media-gateway",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health" && !strings.HasPrefix(p, "/ws")
		}),
	)
	var handler http.Handler = metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))
	if s.rateLimitRPS > 0 {
		handler = rateLimitMiddleware(s.rateLimitRPS, s.rateLimitBurst, handler)
	}
	s.handler = recoveryMiddleware(s.logger, handler)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
