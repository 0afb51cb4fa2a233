// Package mcp exposes the kiosk's payment operations as MCP tools over stdio.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mbocsi/kioskrelay/services"
)

type MCPServer struct {
	Server *server.MCPServer

	services       *services.ServiceContainer
	outcomeTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewMCPServer(serviceContainer *services.ServiceContainer, outcomeTimeout time.Duration) *MCPServer {
	if outcomeTimeout <= 0 {
		outcomeTimeout = services.DefaultOutcomeTimeout
	}
	s := &MCPServer{
		Server:         server.NewMCPServer("Kiosk Relay", "1.0.0", server.WithToolCapabilities(true)),
		services:       serviceContainer,
		outcomeTimeout: outcomeTimeout,
	}
	s.registerPaymentTools()
	s.registerPlanTools()
	s.registerSystemTools()
	return s
}

// Start serves MCP on stdin/stdout until Shutdown is called or stdin closes.
func (s *MCPServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	slog.Info("Started stdio MCP server")
	defer slog.Info("Shut down stdio MCP server")

	err := server.NewStdioServer(s.Server).Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *MCPServer) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
