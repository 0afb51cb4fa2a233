package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mbocsi/kioskrelay/telemetry"
)

type KioskServerOptions struct {
	Validator  Validator           // Required
	Dispatcher Dispatcher          // Required
	Registry   *ConnectionRegistry // Optional (defaults to new Registry if nil)
	Metrics    *telemetry.Recorder // Optional
	Services   []Service           // Optional services run alongside the transports
}

type KioskServer struct {
	options     KioskServerOptions
	coordinator *Coordinator
}

func NewKioskServer(opts KioskServerOptions) *KioskServer {
	if opts.Registry == nil {
		opts.Registry = NewConnectionRegistry(opts.Metrics)
	}

	coordinator := NewCoordinator(opts.Registry, opts.Validator, opts.Dispatcher, opts.Metrics)
	for _, s := range opts.Services {
		coordinator.RegisterService(s)
	}

	return &KioskServer{
		options:     opts,
		coordinator: coordinator,
	}
}

func (s *KioskServer) RegisterTransport(t Transport) {
	s.coordinator.RegisterTransport(t)
}

func (s *KioskServer) RegisterService(svc Service) {
	s.coordinator.RegisterService(svc)
}

func (s *KioskServer) Registry() *ConnectionRegistry {
	return s.options.Registry
}

func (s *KioskServer) Transports() []Transport {
	return s.coordinator.Transports
}

// ParseLevel maps a config level name onto slog.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelDebug, fmt.Errorf("unknown log level %q", level)
}

// SetupLogger installs a JSON slog handler as the default logger. Pass
// os.Stderr when stdout carries a protocol, as with the MCP stdio server.
func SetupLogger(w io.Writer, level slog.Level) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// Start blocks until ctx is cancelled or the process receives SIGINT/SIGTERM.
func (s *KioskServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.coordinator.Start(ctx)
}
