package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jpalmerr/ridecast/internal/logstore"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	healthTimeout       = 2 * time.Second
)

type streamsResponse struct {
	Streams     []string  `json:"streams"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

type createStreamRequest struct {
	Name string `json:"name"`
}

type appendRequest struct {
	Fields map[string]string `json:"fields"`
}

type idResponse struct {
	Stream string `json:"stream"`
	ID     string `json:"id"`
}

type historyResponse struct {
	Stream  string           `json:"stream"`
	Entries []logstore.Entry `json:"entries"`
}

type sweepResponse struct {
	Deleted int    `json:"deleted"`
	Window  string `json:"window"`
	Error   string `json:"error,omitempty"`
}

// handleHealth pings the store through the pool.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	err := s.deps.Pool.WithConn(ctx, func(c logstore.Conn) error {
		return c.Ping(ctx)
	})
	if err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListStreams returns the registry's stream keys.
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	set, err := s.deps.Registry.Refresh(r.Context())
	if err != nil && set.Len() == 0 {
		s.writeError(w, r, err)
		return
	}
	keys := set.Keys()
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, streamsResponse{Streams: keys, RefreshedAt: set.RefreshedAt()})
}

// handleCreateStream creates an empty stream by writing its creation marker.
func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := logstore.ValidateKey(req.Name); err != nil {
		s.writeError(w, r, err)
		return
	}

	var id string
	err := s.deps.Pool.WithConn(r.Context(), func(c logstore.Conn) error {
		exists, err := c.Exists(r.Context(), req.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%q: %w", req.Name, errStreamExists)
		}
		id, err = logstore.CreateStream(r.Context(), c, req.Name, time.Now())
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.deps.Registry.Add(req.Name)
	s.logger.Info("stream created", "stream", req.Name)
	writeJSON(w, http.StatusCreated, idResponse{Stream: req.Name, ID: id})
}

// handleAppend ingests one telemetry entry. Appending to a missing stream
// creates it.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := logstore.ValidateKey(key); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req appendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Fields) == 0 {
		s.writeError(w, r, &requestError{msg: "fields must not be empty"})
		return
	}
	if _, ok := req.Fields[logstore.MarkerField]; ok {
		s.writeError(w, r, &requestError{msg: fmt.Sprintf("field %q is reserved", logstore.MarkerField)})
		return
	}

	var id string
	err := s.deps.Pool.WithConn(r.Context(), func(c logstore.Conn) error {
		var err error
		id, err = c.Append(r.Context(), key, req.Fields)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.deps.Registry.Add(key)
	writeJSON(w, http.StatusCreated, idResponse{Stream: key, ID: id})
}

// handleHistory returns up to limit entries, oldest first unless reverse is
// set. Creation markers are omitted.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := logstore.ValidateKey(key); err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := int64(defaultHistoryLimit)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > maxHistoryLimit {
			s.writeError(w, r, &requestError{msg: fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit)})
			return
		}
		limit = n
	}
	reverse := false
	if v := r.URL.Query().Get("reverse"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, &requestError{msg: "reverse must be a boolean"})
			return
		}
		reverse = b
	}

	var entries []logstore.Entry
	err := s.deps.Pool.WithConn(r.Context(), func(c logstore.Conn) error {
		exists, err := logstore.IsStream(r.Context(), c, key)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%q: %w", key, logstore.ErrStreamNotFound)
		}
		// one extra for a marker that is dropped below
		if reverse {
			entries, err = c.RevRange(r.Context(), key, "+", "-", limit+1)
		} else {
			entries, err = c.Range(r.Context(), key, "-", "+", limit+1)
		}
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]logstore.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsMarker() && int64(len(out)) < limit {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, historyResponse{Stream: key, Entries: out})
}

// handleDeleteStream deletes a stream. Subscribers receive stream_deleted on
// their next read.
func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := logstore.ValidateKey(key); err != nil {
		s.writeError(w, r, err)
		return
	}

	var deleted bool
	err := s.deps.Pool.WithConn(r.Context(), func(c logstore.Conn) error {
		var err error
		deleted, err = c.Delete(r.Context(), key)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !deleted {
		s.writeError(w, r, fmt.Errorf("%q: %w", key, logstore.ErrStreamNotFound))
		return
	}

	s.deps.Registry.Remove(key)
	s.logger.Info("stream deleted", "stream", key)
	w.WriteHeader(http.StatusNoContent)
}

// handleSweep runs a retention sweep. The window defaults to the configured
// retention window.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		s.writeError(w, r, errSweepDisabled)
		return
	}
	window := s.deps.Sweeper.Window()
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, r, &requestError{msg: fmt.Sprintf("invalid window %q", v)})
			return
		}
		window = d
	}

	n, err := s.deps.Sweeper.Sweep(r.Context(), window)
	resp := sweepResponse{Deleted: n, Window: window.String()}
	if err != nil {
		s.logger.Warn("on-demand sweep incomplete", "deleted", n, "error", err)
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	s.logger.Info("on-demand sweep finished", "deleted", n, "window", window)
	writeJSON(w, http.StatusOK, resp)
}

// handlePoolStats reports pool occupancy.
func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

// decodeBody reads a single JSON object from the request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &requestError{msg: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}
