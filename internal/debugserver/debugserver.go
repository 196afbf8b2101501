// Package debugserver implements the optional operator-facing debug
// HTTP surface: per-session turn-taking snapshots, a prompt-assembly
// preview, debounce queue introspection, and a live event stream.
// Grounded on internal/api/server.go's Server struct (address/port/
// *http.Server, Start/Shutdown, withLogging middleware, Go 1.22+
// "METHOD /path" mux patterns, writeJSON/errorResponse helpers) and
// internal/events/bus.go's own doc comment naming this package "the
// debug WebSocket handler" as its intended consumer. The event stream
// itself is grounded on internal/homeassistant/websocket.go's
// conn.WriteJSON idiom, here on the server side of a gorilla/websocket
// connection instead of the client side.
package debugserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/chatwarden/internal/debounce"
	"github.com/nugget/chatwarden/internal/events"
	"github.com/nugget/chatwarden/internal/orchestrator"
	"github.com/nugget/chatwarden/internal/promptbuilder"
)

// Snapshotter is the subset of Orchestrator the debug server reads.
type Snapshotter interface {
	Snapshot(sessionKey string) orchestrator.SessionSnapshot
	PreviewPrompt(sessionKey string) []promptbuilder.Message
	Debouncer() *debounce.Debouncer
}

// writeJSON encodes v as JSON to w, logging any failure at debug level
// (typically a client that disconnected mid-response).
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("debugserver: failed to write response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, logger *slog.Logger, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, logger)
}

// Server is the debug HTTP/WebSocket server.
type Server struct {
	address string
	port    int
	orch    Snapshotter
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
	upgrader websocket.Upgrader
}

// New creates a debug Server bound to address:port. bus may be nil, in
// which case /ws closes each connection right after the upgrade and no
// events flow.
func New(address string, port int, orch Snapshotter, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// The debug surface is operator tooling, not a public API;
			// same-origin checks are the caller's reverse proxy's job.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions/{key}/snapshot", s.handleSessionSnapshot)
	mux.HandleFunc("GET /sessions/{key}/prompt", s.handleSessionPrompt)
	mux.HandleFunc("GET /debounce/pending", s.handleDebouncePending)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting debug server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("debug request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"}, s.logger)
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		errorResponse(w, s.logger, http.StatusBadRequest, "session key required")
		return
	}
	writeJSON(w, s.orch.Snapshot(key), s.logger)
}

func (s *Server) handleSessionPrompt(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		errorResponse(w, s.logger, http.StatusBadRequest, "session key required")
		return
	}
	writeJSON(w, map[string]any{"messages": s.orch.PreviewPrompt(key)}, s.logger)
}

func (s *Server) handleDebouncePending(w http.ResponseWriter, r *http.Request) {
	d := s.orch.Debouncer()
	if d == nil {
		writeJSON(w, map[string]any{"pending": []debounce.PendingInfo{}}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"pending": d.PendingSnapshot()}, s.logger)
}

// handleWebSocket upgrades the connection and streams every published
// events.Event as JSON until the client disconnects or ctx is done.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("debugserver: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.bus == nil {
		return
	}

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Detect client-initiated close without blocking the write loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
