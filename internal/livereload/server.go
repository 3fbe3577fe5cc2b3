package livereload

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/conneroisu/buildwatch/internal/logging"
)

// Paths served by Server.
const (
	PathLiveReload = "/livereload"
	PathMetrics    = "/metrics"
)

// NewMux routes the live reload socket and, when metrics is non-nil, the
// metrics endpoint.
func NewMux(hub *Hub, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(PathLiveReload, hub)
	if metrics != nil {
		mux.Handle(PathMetrics, metrics)
	}
	return mux
}

// Server serves a Hub over HTTP.
type Server struct {
	hub    *Hub
	http   *http.Server
	logger logging.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, hub *Hub, metrics http.Handler, logger logging.Logger) *Server {
	return &Server{
		hub: hub,
		http: &http.Server{
			Addr:              addr,
			Handler:           NewMux(hub, metrics),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logging.OrNop(logger).WithComponent("livereload"),
	}
}

// Serve listens until ctx is cancelled, then shuts down the hub and the
// HTTP server.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "live reload listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hubErr := s.hub.Shutdown(shutdownCtx)
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return hubErr
}
