package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/elonfeng/tracehub/internal/ingest"
	"github.com/elonfeng/tracehub/internal/store"
	"github.com/elonfeng/tracehub/pkg/source"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, source.ErrUnknownSource):
		return http.StatusBadRequest, "unknown_source"
	case errors.Is(err, source.ErrUnsupportedTargetType):
		return http.StatusBadRequest, "unsupported_target_type"
	case errors.Is(err, source.ErrInvalidTarget):
		return http.StatusBadRequest, "invalid_target"
	case errors.Is(err, store.ErrMissingIdentifier):
		return http.StatusBadRequest, "missing_identifier"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, source.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, source.ErrUpstreamConnect):
		return http.StatusBadGateway, "upstream_connect_failure"
	case errors.Is(err, source.ErrUpstreamRateLimited):
		return http.StatusServiceUnavailable, "upstream_rate_limited"
	case errors.Is(err, source.ErrUpstreamHTTP):
		return http.StatusBadGateway, "upstream_http_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{
		Error:   code,
		Message: err.Error(),
		Step:    ingest.StepOf(err),
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: msg})
}
