package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server runs the operator API on its own listener
type Server struct {
	Addr    string
	handler http.Handler

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	ready    chan struct{}
}

func NewServer(addr string, api *API) *Server {
	return &Server{Addr: addr, handler: api.Routes(), ready: make(chan struct{})}
}

func (s *Server) Start() error {
	slog.Info("Starting HTTP API", "addr", s.Addr)
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.srv = srv
	s.listener = l
	s.mu.Unlock()
	close(s.ready)

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("Shutting down HTTP API", "addr", s.Addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
