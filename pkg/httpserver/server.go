package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrymomot/taskhub/pkg/logger"
)

type config struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Server runs one http.Server until its context is cancelled.
type Server struct {
	cfg config

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(opts ...Option) *Server {
	cfg := config{
		addr:            ":8080",
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{cfg: cfg}
}

// Run listens on the configured address and serves handler. When ctx is
// done the server drains in-flight requests for at most the shutdown
// timeout and Run returns nil.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ln, err := net.Listen("tcp", s.cfg.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.Join(ErrStart, err)
	}
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.readTimeout,
		WriteTimeout: s.cfg.writeTimeout,
		IdleTimeout:  s.cfg.idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	s.cfg.logger.InfoContext(ctx, "http server started", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.shutdownTimeout)
		defer cancel()
		if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
			return errors.Join(ErrShutdown, shutErr)
		}
		err = <-errCh
	}

	s.cfg.logger.InfoContext(ctx, "http server stopped")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrStart, err)
	}
	return nil
}

// Addr reports the bound address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
