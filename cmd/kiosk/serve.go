package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mbocsi/kioskrelay/config"
	"github.com/mbocsi/kioskrelay/mcp"
	"github.com/mbocsi/kioskrelay/security"
	"github.com/mbocsi/kioskrelay/server"
	"github.com/mbocsi/kioskrelay/services"
	"github.com/mbocsi/kioskrelay/session"
	"github.com/mbocsi/kioskrelay/telemetry"
	"github.com/mbocsi/kioskrelay/web"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configPath string
	mcp        bool
	noConsole  bool
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay: listen for POS terminals and take payment requests from
the operator console, the HTTP API (http_addr) or MCP over stdio (--mcp).

Examples:
  kiosk serve --config kiosk.yaml
  KIOSK_SHARED_SECRET=... kiosk serve --no-console
  kiosk serve --mcp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&opts.mcp, "mcp", false, "serve MCP tools on stdin/stdout instead of the console")
	cmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "do not read operator commands from stdin")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	level, err := server.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	interactive := opts.mcp || !opts.noConsole
	var logOut io.Writer = os.Stdout
	if interactive {
		// stdout belongs to the console or the MCP protocol
		logOut = os.Stderr
	}
	server.SetupLogger(logOut, level)

	provider := telemetry.NewProvider()
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.New(provider)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	signer, err := security.NewSigner(cfg.SharedSecret)
	if err != nil {
		return err
	}
	if cfg.SharedSecret == security.DefaultSharedSecret {
		slog.Warn("Using the default shared secret; set shared_secret or KIOSK_SHARED_SECRET")
	}
	codec := security.NewCodec(signer, security.NewReplayGuard(cfg.NonceCapacity, cfg.FreshnessWindow, nil), nil)

	registry := server.NewConnectionRegistry(metrics)
	s := session.New(session.Options{KioskID: cfg.KioskID}, codec, registry)

	kiosk := server.NewKioskServer(server.KioskServerOptions{
		Validator:  codec,
		Dispatcher: s,
		Registry:   registry,
		Metrics:    metrics,
	})

	limits := server.ConnLimits{
		MaxClients:   cfg.MaxClients,
		WriteTimeout: cfg.WriteTimeout,
		InboundRate:  cfg.InboundRate,
		InboundBurst: cfg.InboundBurst,
	}
	tcpTransport := server.NewTCPTransport(cfg.ListenAddr)
	tcpTransport.SetName("terminals")
	tcpTransport.SetDescription("Newline-delimited signed envelopes from POS terminals")
	tcpTransport.SetLimits(limits)
	kiosk.RegisterTransport(tcpTransport)

	if cfg.WSAddr != "" {
		wsTransport := server.NewWSTransport(cfg.WSAddr)
		wsTransport.SetName("terminals-ws")
		wsTransport.SetDescription("Signed envelopes from POS terminals over WebSocket")
		wsTransport.SetLimits(limits)
		kiosk.RegisterTransport(wsTransport)
	}

	serviceManager := services.NewServiceManager(s, registry, kiosk, metrics)
	container := serviceManager.GetServices()

	if cfg.HTTPAddr != "" {
		api := web.NewAPI(container, cfg.OutcomeTimeout).WithMetrics(provider)
		kiosk.RegisterService(web.NewServer(cfg.HTTPAddr, api))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch {
	case opts.mcp:
		kiosk.RegisterService(mcp.NewMCPServer(container, cfg.OutcomeTimeout))
	case !opts.noConsole:
		console := newConsole(s, container, provider, os.Stdin, os.Stdout, cancel)
		s.OnEvent(console.HandleEvent)
		kiosk.RegisterService(console)
	}

	if cfg.MDNS {
		if err := advertise(kiosk, cfg); err != nil {
			return err
		}
	}

	slog.Info("Kiosk relay ready", "kiosk_id", cfg.KioskID, "addr", cfg.ListenAddr, "ws_addr", cfg.WSAddr, "http_addr", cfg.HTTPAddr)
	return kiosk.Start(ctx)
}

func advertise(kiosk *server.KioskServer, cfg *config.Config) error {
	info := []string{"kiosk_id=" + cfg.KioskID}

	tcpAdvertiser, err := server.NewAdvertiser(cfg.KioskID, server.ServiceTypeTCP, cfg.ListenAddr, info...)
	if err != nil {
		return err
	}
	kiosk.RegisterService(tcpAdvertiser)

	if cfg.WSAddr != "" {
		wsAdvertiser, err := server.NewAdvertiser(cfg.KioskID, server.ServiceTypeWS, cfg.WSAddr, info...)
		if err != nil {
			return err
		}
		kiosk.RegisterService(wsAdvertiser)
	}
	return nil
}
