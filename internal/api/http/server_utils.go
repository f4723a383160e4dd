package apihttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"mediagateway/internal/domain"
	"mediagateway/internal/services/download"
	"mediagateway/internal/usecase"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeUseCaseError maps errors from clip lookups and stream opens onto HTTP
// statuses.
func writeUseCaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "clip not found")
	case errors.Is(err, domain.ErrUpstreamNotFound):
		writeError(w, http.StatusNotFound, "upstream_not_found", "clip not found at origin")
	case errors.Is(err, domain.ErrUpstreamReadFailed):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	case errors.Is(err, domain.ErrTooManyConcurrentConnections):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "too_many_downloads", "too many concurrent downloads")
	case errors.Is(err, download.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	case errors.Is(err, domain.ErrCacheSizeExhausted):
		writeError(w, http.StatusInsufficientStorage, "cache_exhausted", "cache size exhausted")
	case errors.Is(err, domain.ErrInvalidRange), errors.Is(err, domain.ErrRangeNotSatisfiable), errors.Is(err, io.EOF):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "range not satisfiable")
	case errors.Is(err, usecase.ErrInvalidClip):
		writeError(w, http.StatusUnprocessableEntity, "invalid_clip", err.Error())
	case errors.Is(err, usecase.ErrRepository):
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// splitPath splits an escaped URL path below prefix into unescaped segments,
// so ids containing "/" can be sent as %2F.
func splitPath(r *http.Request, prefix string) ([]string, bool) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	if rest == "" {
		return nil, false
	}
	raw := strings.Split(rest, "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			return nil, false
		}
		parts = append(parts, unescaped)
	}
	return parts, true
}

func parsePositiveInt(value string, requirePositive bool) (int, error) {
	if strings.TrimSpace(value) == "" {
		return -1, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if requirePositive && parsed <= 0 {
		return 0, errors.New("must be > 0")
	}
	if !requirePositive && parsed < 0 {
		return 0, errors.New("must be >= 0")
	}
	return parsed, nil
}

func parseSortOrder(value string) (domain.SortOrder, error) {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return domain.SortDesc, nil
	}
	switch domain.SortOrder(trimmed) {
	case domain.SortAsc:
		return domain.SortAsc, nil
	case domain.SortDesc:
		return domain.SortDesc, nil
	default:
		return "", errors.New("invalid sort order")
	}
}
