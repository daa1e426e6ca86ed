// Package status serves a small JSON API describing the running capture
// session, the available devices and the outputs.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/zsiec/deckcap/internal/session"
)

// SessionFunc returns the current session snapshot.
type SessionFunc func() session.Snapshot

// DevicesFunc lists capture devices.
type DevicesFunc func() ([]session.DeviceInfo, error)

// OutputsFunc returns per-output statistics keyed by output name.
type OutputsFunc func() map[string]any

// Config wires the server to its data sources. Nil functions disable the
// corresponding endpoint.
type Config struct {
	Addr    string
	Version string
	Session SessionFunc
	Devices DevicesFunc
	Outputs OutputsFunc
	// Restart, when set, is called by POST /api/restart.
	Restart func()
	Log     *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	config Config
	log    *slog.Logger
	srv    *http.Server
}

// Response is the body of GET /api/status.
type Response struct {
	Version string            `json:"version"`
	Session *session.Snapshot `json:"session,omitempty"`
	Outputs map[string]any    `json:"outputs,omitempty"`
}

// NewServer creates a status Server. If cfg.Log is nil, slog.Default() is
// used.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("status: Addr is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{config: cfg, log: log.With("component", "status")}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/restart", s.handleRestart)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := Response{Version: s.config.Version}
	if s.config.Session != nil {
		snap := s.config.Session()
		resp.Session = &snap
	}
	if s.config.Outputs != nil {
		resp.Outputs = s.config.Outputs()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	if s.config.Devices == nil {
		writeError(w, http.StatusNotFound, "device listing not available")
		return
	}
	devs, err := s.config.Devices()
	if err != nil {
		s.log.Warn("device listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if s.config.Restart == nil {
		writeError(w, http.StatusNotFound, "restart not available")
		return
	}
	s.log.Info("restart requested via API")
	s.config.Restart()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("status listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("status API listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status shutdown: %w", err)
	}
	return <-errCh
}
