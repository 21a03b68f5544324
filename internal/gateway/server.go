package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ServerOptions configures the HTTP front door.
type ServerOptions struct {
	// Bind is the listen address, validated as loopback by the config
	// layer before it gets here.
	Bind    string
	Gateway *Gateway
	// Metrics, when non-nil, is mounted at /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server owns the HTTP listener: WebSocket RPC on /ws, liveness on
// /healthz, and optionally Prometheus metrics on /metrics.
type Server struct {
	bind    string
	logger  *slog.Logger
	httpSrv *http.Server
	ln      net.Listener
}

// NewServer builds the server around a gateway.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", opts.Gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	return &Server{
		bind:   opts.Bind,
		logger: logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start opens the listener and serves in the background. It returns once
// the listener is bound so callers can dial immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.bind, err)
	}
	s.ln = ln
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when Bind carried port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.bind
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight HTTP
// handlers. Open WebSockets are closed by Gateway.Close, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
