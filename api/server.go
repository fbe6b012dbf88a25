package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gridlink/logging"
	"gridlink/manager"
)

// Server is the gateway's REST listener.
type Server struct {
	srv *http.Server
}

// NewServer builds an HTTP server over the manager's router.
func NewServer(addr string, m *manager.Manager) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(m),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is
// called.
func (s *Server) ListenAndServe() error {
	logging.DebugLog("api", "listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
