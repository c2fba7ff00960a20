package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jpalmerr/ridecast/internal/broadcast"
	"github.com/jpalmerr/ridecast/internal/logstore"
	"github.com/jpalmerr/ridecast/internal/pool"
)

var (
	errDraining      = errors.New("server is shutting down")
	errStreamExists  = errors.New("stream already exists")
	errSweepDisabled = errors.New("retention sweeps are disabled")
)

// requestError is a malformed request.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var (
		verr *logstore.ValidationError
		ferr *broadcast.FilterError
		rerr *requestError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &ferr), errors.As(err, &rerr):
		return http.StatusBadRequest
	case errors.Is(err, logstore.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, errStreamExists):
		return http.StatusConflict
	case errors.Is(err, pool.ErrPoolExhausted),
		errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, errDraining),
		errors.Is(err, errSweepDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
