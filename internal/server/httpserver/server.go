package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config configures a Server.
type Config struct {
	Address     string
	Handler     http.Handler
	ReadTimeout time.Duration
	Logger      *slog.Logger

	// TLS serves HTTPS when set. Its certificates usually come from a
	// tlsroots.CertReloader.
	TLS *tls.Config
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	tlsConfig  *tls.Config
	logger     *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           cfg.Handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
		tlsConfig: cfg.TLS,
		logger:    cfg.Logger.With("component", "httpserver"),
	}
}

// ListenAndServe listens on the configured address and serves until
// Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown, wrapping it in TLS when configured.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.logger.Info("http server listening", "address", ln.Addr().String(), "tls", s.tlsConfig != nil)

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
