package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mbocsi/kioskrelay/client"
	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/security"
	"github.com/mbocsi/kioskrelay/server"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type simOptions struct {
	addr         string
	websocket    bool
	secret       string
	status       string
	authCode     string
	cardLast4    string
	delay        time.Duration
	installments []int
	ignoreCancel bool
	logLevel     string
	discover     time.Duration
	kioskID      string
}

func main() {
	opts := &simOptions{}
	rootCmd := &cobra.Command{
		Use:   "terminal-sim",
		Short: "Simulated POS terminal for the kiosk relay",
		Long: `Connect to a kiosk relay as a POS terminal and answer its payment requests.

Without --addr the relay is found over mDNS.

Examples:
  terminal-sim --addr localhost:8080
  terminal-sim --status declined --delay 3s
  terminal-sim --websocket --installments 3,6,12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVarP(&opts.addr, "addr", "a", "", "relay address (host:port, or ws:// URL with --websocket)")
	f.BoolVar(&opts.websocket, "websocket", false, "connect over WebSocket instead of TCP")
	f.StringVar(&opts.secret, "secret", "", "shared secret (default: KIOSK_SHARED_SECRET or the built-in development secret)")
	f.StringVar(&opts.status, "status", "approved", "transaction_result status to report")
	f.StringVar(&opts.authCode, "auth-code", "AUTH1", "authorization code for approved payments")
	f.StringVar(&opts.cardLast4, "card-last4", "4242", "card digits for approved payments")
	f.DurationVar(&opts.delay, "delay", time.Second, "time before the result is sent")
	f.IntSliceVar(&opts.installments, "installments", []int{3, 6, 12}, "installment counts offered for ipp payments")
	f.BoolVar(&opts.ignoreCancel, "ignore-cancel", false, "send the result even after a cancel")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	f.DurationVar(&opts.discover, "discover-timeout", 5*time.Second, "how long to browse mDNS for a relay")
	f.StringVar(&opts.kioskID, "kiosk-id", "", "only accept a discovered relay with this kiosk id")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *simOptions) error {
	level, err := server.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	server.SetupLogger(os.Stdout, level)

	secret := opts.secret
	if secret == "" {
		secret = os.Getenv("KIOSK_SHARED_SECRET")
	}
	if secret == "" {
		secret = security.DefaultSharedSecret
	}
	signer, err := security.NewSigner(secret)
	if err != nil {
		return err
	}
	codec := security.NewCodec(signer, security.NewReplayGuard(0, 0, nil), nil)

	addr := opts.addr
	if addr == "" {
		svc, err := client.Discover(context.Background(), client.DiscoverOptions{
			WebSocket: opts.websocket,
			KioskID:   opts.kioskID,
			Timeout:   opts.discover,
		})
		if err != nil {
			return fmt.Errorf("no relay address given and none discovered: %w", err)
		}
		addr = svc.HostPort()
	}

	var transport client.Transport = client.NewTCPTransport()
	if opts.websocket {
		transport = client.NewWebSocketTransport()
	}

	counts := opts.installments
	behavior := client.Behavior{
		Status:            opts.status,
		AuthorizationCode: opts.authCode,
		CardLast4:         opts.cardLast4,
		Delay:             opts.delay,
		IgnoreCancel:      opts.ignoreCancel,
		PlansFor: func(amount decimal.Decimal) []proto.Plan {
			return client.SamplePlans(amount, time.Now(), counts...)
		},
	}

	terminal := client.NewTerminal("terminal-sim", transport, codec, behavior)
	slog.Info("Starting terminal simulator", "addr", addr, "websocket", opts.websocket, "status", opts.status)
	return terminal.Start(addr)
}
