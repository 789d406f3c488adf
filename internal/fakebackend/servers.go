package fakebackend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
)

// HTTPServer runs one handler on an address until shut down.
type HTTPServer struct {
	name   string
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(s *Server, addr string) *HTTPServer {
	if addr == "" {
		addr = ":8090"
	}
	return newHTTPServer("api", s.Routes(), addr, s.log)
}

func NewAdminServer(s *Server, addr string) *HTTPServer {
	if addr == "" {
		addr = "localhost:8091"
	}
	return newHTTPServer("admin", s.AdminRoutes(), addr, s.log)
}

func newHTTPServer(name string, h http.Handler, addr string, log *slog.Logger) *HTTPServer {
	return &HTTPServer{
		name: name,
		server: &http.Server{
			Addr:    addr,
			Handler: h,
		},
		log: log,
	}
}

func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

func (s *HTTPServer) Start() error {
	s.log.Info("server started", "server", s.name, "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
