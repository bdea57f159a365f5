package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/gorilla/mux"
)

// DefaultAddr is where the monitor listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:8765"

// StatusProvider reports the state of a running session.
type StatusProvider interface {
	Status() models.SessionStatus
}

// Server serves the monitor endpoints:
//
//	GET /status  current session status
//	GET /health  liveness
//	GET /ws      websocket stream of trial events
type Server struct {
	addr   string
	status StatusProvider
	hub    *Hub
	router *mux.Router
	srv    *http.Server
	ln     net.Listener
}

// NewServer creates a server for status and hub. It does not listen until Start.
func NewServer(addr string, status StatusProvider, hub *Hub) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{addr: addr, status: status, hub: hub, router: mux.NewRouter()}
	s.router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", hub.ServeWS).Methods(http.MethodGet)
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	slog.Info("Monitor listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Monitor server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for handlers to finish. Hijacked
// websocket connections end when the hub stops.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statusHandler: processing status request", "remote", r.RemoteAddr)
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "No session running")
		return
	}
	writeResult(w, s.status.Status())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]any{
		"status":    "healthy",
		"clients":   s.hub.ClientCount(),
		"dropped":   s.hub.Dropped(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
