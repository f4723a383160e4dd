package apihttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"mediagateway/internal/domain"
)

type clipList struct {
	Items []domain.Clip `json:"items"`
	Count int           `json:"count"`
}

type downloadList struct {
	Items []domain.DownloadState `json:"items"`
	Count int                    `json:"count"`
}

type healthReport struct {
	Status          string            `json:"status"`
	ActiveDownloads int               `json:"activeDownloads"`
	WSClients       int               `json:"wsClients"`
	Checks          map[string]string `json:"checks,omitempty"`
}

// handleClipByID routes /clips/{id} and /clips/{id}/stream.
func (s *Server) handleClipByID(w http.ResponseWriter, r *http.Request) {
	parts, ok := splitPath(r, "/clips/")
	if !ok || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := domain.ClipID(parts[0])

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleGetClip(w, r, id)
	case len(parts) == 2 && parts[1] == "stream":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleStreamClip(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetClip(w http.ResponseWriter, r *http.Request, id domain.ClipID) {
	if s.getClip == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "get clip use case not configured")
		return
	}
	clip, err := s.getClip.Execute(r.Context(), id)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func (s *Server) handleStreamClip(w http.ResponseWriter, r *http.Request, id domain.ClipID) {
	if s.streamClip == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stream clip use case not configured")
		return
	}

	rangeHeader := r.Header.Get("Range")
	br, err := domain.ParseByteRange(rangeHeader)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}

	opened, err := s.streamClip.Execute(r.Context(), id, br)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("stream open failed",
				slog.String("clipId", string(id)),
				slog.String("range", br.String()),
				slog.String("error", err.Error()),
			)
		}
		writeUseCaseError(w, err)
		return
	}
	defer opened.Stream.Close()

	size := opened.MaxSize
	partial := rangeHeader != ""
	if partial && opened.Range.First >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "range not satisfiable")
		return
	}

	length := opened.Length()
	w.Header().Set("Content-Type", opened.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", opened.Range.First, opened.Range.First+length-1, size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	written, err := io.CopyN(w, opened.Stream, length)
	if err == nil {
		return
	}
	attrs := []any{
		slog.String("clipId", string(id)),
		slog.Int64("position", opened.Range.First+written),
		slog.Int64("written", written),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, domain.ErrReadTimeout) {
		// Headers are gone already; abort so the client sees a truncated body.
		s.logger.Warn("stream read timed out, aborting response", attrs...)
		panic(http.ErrAbortHandler)
	}
	s.logger.Debug("stream copy interrupted", attrs...)
}

// handleChannel serves /channels/{channel}/clips.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	parts, ok := splitPath(r, "/channels/")
	if !ok || len(parts) != 2 || parts[0] == "" || parts[1] != "clips" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.listClips == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "list clips use case not configured")
		return
	}

	query := r.URL.Query()
	limit, err := parsePositiveInt(query.Get("limit"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	offset, err := parsePositiveInt(query.Get("offset"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
		return
	}
	order, err := parseSortOrder(query.Get("sortOrder"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid sortOrder")
		return
	}

	filter := domain.ClipFilter{
		Channel:   parts[0],
		Show:      query.Get("show"),
		Search:    query.Get("search"),
		SortOrder: order,
		Limit:     max(limit, 0),
		Offset:    max(offset, 0),
	}
	clips, err := s.listClips.Execute(r.Context(), filter)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	if clips == nil {
		clips = []domain.Clip{}
	}
	writeJSON(w, http.StatusOK, clipList{Items: clips, Count: len(clips)})
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	states := []domain.DownloadState{}
	if s.downloads != nil {
		if current := s.downloads.States(); current != nil {
			states = current
		}
	}
	writeJSON(w, http.StatusOK, downloadList{Items: states, Count: len(states)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report := s.buildHealth(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) buildHealth(ctx context.Context) healthReport {
	report := healthReport{Status: "ok"}
	if s.downloads != nil {
		report.ActiveDownloads = len(s.downloads.States())
	}
	if s.wsHub != nil {
		report.WSClients = s.wsHub.clientCount()
	}
	if len(s.healthChecks) == 0 {
		return report
	}

	report.Checks = make(map[string]string, len(s.healthChecks))
	for name, check := range s.healthChecks {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			report.Status = "degraded"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}
