package httpapi

import (
	"cmp"
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/supervisor/internal/api"
	"github.com/Paintersrp/supervisor/internal/metrics"
)

const (
	defaultAddr            = "127.0.0.1:9464"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config controls construction of the HTTP server. Listener is required;
// open it with Listen so address errors surface before anything is spawned.
type Config struct {
	Controller        api.Controller
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wraps an http.Server exposing metrics and supervisor controls.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if isNilController(cfg.Controller) {
		return nil, fmt.Errorf("controller is required (got %T)", cfg.Controller)
	}
	if cfg.Listener == nil {
		return nil, errors.New("listener is required")
	}
	mux := http.NewServeMux()
	server := &Server{
		ctrl: cfg.Controller,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: cmp.Or(cfg.ReadHeaderTimeout, defaultReadHeader),
		},
		listener:        cfg.Listener,
		shutdownTimeout: cmp.Or(cfg.ShutdownTimeout, defaultShutdownTimeout),
	}
	server.registerRoutes(mux)
	return server, nil
}

// Run serves on the configured listener until ctx is cancelled, then shuts
// down gracefully within the shutdown timeout.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	shutdownDone := make(chan struct{})
	stopShutdown := stdcontext.AfterFunc(ctx, func() {
		defer close(shutdownDone)
		shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	})

	err := s.srv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	stopShutdown()
	return err
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/restart", s.handleRestart)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	result, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	result, err := s.ctrl.Restart(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"restart": result})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, method string) {
	w.Header().Set("Allow", method)
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "method_not_allowed",
		Message: fmt.Sprintf("method %s not allowed", method),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	s.writeJSON(w, status, errorBody{
		Code:    code,
		Message: err.Error(),
		Details: map[string]any{"timestamp": time.Now().UTC()},
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, api.ErrNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, api.ErrSupervisorStopped):
		return http.StatusServiceUnavailable, "supervisor_stopped"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Listen opens the TCP listener for addr, defaulting the host to loopback.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", normalizeAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", normalizeAddr(addr), err)
	}
	return ln, nil
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// If parsing failed, trust caller.
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func isNilController(ctrl api.Controller) bool {
	if ctrl == nil {
		return true
	}
	v := reflect.ValueOf(ctrl)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
