package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/ridecast/internal/broadcast"
	"github.com/jpalmerr/ridecast/internal/logstore"
)

// serveFunc runs one broadcaster loop against sink.
type serveFunc func(ctx context.Context, sink broadcast.Sink, filter *broadcast.Filter) (broadcast.State, error)

func (s *Server) streamLoop(key string) serveFunc {
	return func(ctx context.Context, sink broadcast.Sink, filter *broadcast.Filter) (broadcast.State, error) {
		return s.deps.Broadcaster.ServeStream(ctx, key, sink, filter)
	}
}

func (s *Server) allLoop(ctx context.Context, sink broadcast.Sink, filter *broadcast.Filter) (broadcast.State, error) {
	return s.deps.Broadcaster.ServeAll(ctx, sink, filter)
}

// admitSubscription runs the checks shared by every subscription before any
// response is written.
func (s *Server) admitSubscription(r *http.Request, key string) (*broadcast.Filter, error) {
	if s.draining.Load() {
		return nil, errDraining
	}
	if key != broadcast.AllStreams {
		if err := logstore.ValidateKey(key); err != nil {
			return nil, err
		}
	}
	return s.deps.Filters.Compile(r.URL.Query().Get("filter"))
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.serveSSE(w, r, key, s.streamLoop(key))
}

func (s *Server) handleAllSSE(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, broadcast.AllStreams, s.allLoop)
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.serveWS(w, r, key, s.streamLoop(key))
}

func (s *Server) handleAllWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, broadcast.AllStreams, s.allLoop)
}

// serveSSE streams events as Server-Sent Events.
//
// Headers are written with the first event, so a loop that fails before
// pushing anything still gets a JSON error response with a proper status.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, key string, serve serveFunc) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	filter, err := s.admitSubscription(r, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.subs.Add(1)
	defer s.subs.Done()

	sink := &sseSink{
		w:         w,
		rc:        http.NewResponseController(w),
		timeout:   s.deps.WriteTimeout,
		logger:    s.logger,
		deadlines: true,
	}
	s.logger.Debug("subscriber connected", "transport", "sse", "stream", key, "filter", filter.String(), "remote", r.RemoteAddr)

	state, err := serve(r.Context(), sink, filter)
	if err != nil && !sink.started {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug("subscriber finished", "transport", "sse", "stream", key, "state", state)
}

// sseSink writes events to an SSE response.
//
// Each write gets a deadline so a slow or vanished client fails the write
// instead of blocking the loop.
type sseSink struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	timeout   time.Duration
	logger    *slog.Logger
	deadlines bool
	started   bool
}

func (s *sseSink) Send(e broadcast.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("Access-Control-Allow-Origin", "*")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if s.deadlines {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			// deadline not supported by underlying connection, continue without
			s.logger.Warn("sse write deadlines not supported", "error", err)
			s.deadlines = false
		}
	}
	if e.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", e.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// serveWS streams events as WebSocket text frames, one JSON object each.
// Client frames are read and discarded; a read error means the client left
// and cancels the loop.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, key string, serve serveFunc) {
	filter, err := s.admitSubscription(r, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.subs.Add(1)
	defer s.subs.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("subscriber connected", "transport", "websocket", "stream", key, "filter", filter.String(), "remote", r.RemoteAddr)
	state, err := serve(ctx, &wsSink{conn: conn, timeout: s.deps.WriteTimeout}, filter)

	code, reason := websocket.CloseNormalClosure, state.String()
	if err != nil {
		code, reason = websocket.CloseInternalServerErr, closeReason(err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.deps.WriteTimeout))
	s.logger.Debug("subscriber finished", "transport", "websocket", "stream", key, "state", state)
}

// closeReason fits err into a close frame payload.
func closeReason(err error) string {
	const maxReason = 120
	msg := err.Error()
	if len(msg) > maxReason {
		msg = msg[:maxReason]
	}
	return msg
}

type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) Send(e broadcast.Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(e)
}
