package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/ridecast/internal/broadcast"
	"github.com/jpalmerr/ridecast/internal/pool"
	"github.com/jpalmerr/ridecast/internal/registry"
	"github.com/jpalmerr/ridecast/internal/retention"
)

const (
	// defaultWriteTimeout bounds a single push write so a stalled client
	// cannot pin its handler.
	defaultWriteTimeout = 5 * time.Second

	// shutdownTimeout bounds http.Server.Shutdown once every loop has been
	// cancelled.
	shutdownTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "ridecast"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

// Deps are the components a Server routes requests to.
type Deps struct {
	Pool        *pool.Pool
	Registry    *registry.Registry
	Broadcaster *broadcast.Broadcaster
	Filters     *broadcast.FilterCache
	// Sweeper serves on-demand sweeps. Nil disables the sweep route.
	Sweeper *retention.Sweeper
	// Gatherer is exposed at /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// Assets holds assets/index.html. May be nil.
	Assets fs.FS
	Title  string
	// AdminSecret enables the bearer token guard on admin routes.
	AdminSecret string
	// Addr is the listen address, for example ":8080".
	Addr         string
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server handles HTTP requests for the viewer, the API and push
// subscriptions.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	guard    *tokenGuard
	upgrader websocket.Upgrader

	draining atomic.Bool
	subs     sync.WaitGroup

	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
}

// NewServer creates a new HTTP [Server]. The server is not started until
// [Server.Start] is called.
func NewServer(deps Deps) *Server {
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = defaultWriteTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Filters == nil {
		// a fixed environment only fails to build on a programming error
		filters, err := broadcast.NewFilterCache(0)
		if err != nil {
			panic(err)
		}
		deps.Filters = filters
	}
	return &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "server"),
		guard:  newTokenGuard(deps.AdminSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the viewer is served from any origin behind proxies
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler with panic recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/streams", s.handleCreateStream)
	mux.HandleFunc("DELETE /api/streams/{key}", s.admin(s.handleDeleteStream))
	mux.HandleFunc("POST /api/streams/{key}/entries", s.handleAppend)
	mux.HandleFunc("GET /api/streams/{key}/entries", s.handleHistory)

	mux.HandleFunc("GET /api/streams/{key}/events", s.handleStreamSSE)
	mux.HandleFunc("GET /api/events", s.handleAllSSE)
	mux.HandleFunc("GET /api/streams/{key}/ws", s.handleStreamWS)
	mux.HandleFunc("GET /api/ws", s.handleAllWS)

	mux.HandleFunc("POST /api/admin/sweep", s.admin(s.handleSweep))
	mux.HandleFunc("GET /api/admin/pool", s.admin(s.handlePoolStats))

	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return s.recoverPanics(mux)
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns once the listener is bound. When ctx is
// cancelled the server stops accepting subscriptions, every running loop
// ends (request contexts derive from ctx) and the listener shuts down.
// [Server.Wait] blocks until that has finished.
//
// Returns an error if the server fails to bind to the configured address.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	ln, err := net.Listen("tcp", s.deps.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", s.deps.Addr, err)
	}
	s.listener = ln
	s.done = make(chan struct{})

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// ending long-running subscription handlers.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		defer close(s.done)
		<-ctx.Done()
		s.draining.Store(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		// hijacked websocket connections are not tracked by Shutdown
		s.subs.Wait()
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Wait blocks until a started server has shut down and every subscription
// handler has returned. It returns immediately if Start was never called.
func (s *Server) Wait() {
	if s.done == nil {
		return
	}
	<-s.done
}

// Drain makes new subscriptions fail with 503. Running ones are unaffected.
func (s *Server) Drain() {
	s.draining.Store(true)
}

// handleDashboard serves the live viewer page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}

	if s.deps.Assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.deps.Assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.deps.Title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

// recoverPanics turns a handler panic into a 500 carrying a correlation id
// and logs the stack under the same id.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			correlationID := uuid.NewString()
			s.logger.Error("handler panic",
				"correlation_id", correlationID,
				"path", r.URL.Path,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()),
			)
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error: fmt.Sprintf("internal error (correlation_id: %s)", correlationID),
			})
		}()
		next.ServeHTTP(w, r)
	})
}
