package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/kioskrelay/server"
)

var ErrNoRelay = errors.New("no kiosk relay discovered")

// DiscoveredService is a kiosk relay found on the LAN.
type DiscoveredService struct {
	ServiceName string
	KioskID     string
	Address     string
	Port        int
	WebSocket   bool
	TXTRecords  []string
}

func (d *DiscoveredService) HostPort() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// DiscoverOptions narrows an mDNS browse. An empty KioskID accepts any relay.
type DiscoverOptions struct {
	WebSocket bool
	KioskID   string
	Timeout   time.Duration
}

// Discover browses mDNS until a matching relay answers, the timeout passes,
// or ctx is done.
func Discover(ctx context.Context, opts DiscoverOptions) (*DiscoveredService, error) {
	serviceType := server.ServiceTypeTCP
	if opts.WebSocket {
		serviceType = server.ServiceTypeWS
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = opts.Timeout
	params.DisableIPv6 = true

	go func() {
		defer close(entries)
		if err := mdns.Query(params); err != nil {
			slog.Warn("mDNS query failed", "service", serviceType, "error", err)
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNoRelay
			}
			svc, match := matchEntry(entry, opts)
			if !match {
				slog.Debug("Skipping relay", "service_name", entry.Name, "kiosk_id", kioskIDOf(entry.InfoFields))
				continue
			}
			slog.Info("Discovered kiosk relay", "kiosk_id", svc.KioskID, "addr", svc.HostPort(), "websocket", svc.WebSocket)
			return svc, nil

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrNoRelay
			}
			return nil, ctx.Err()
		}
	}
}

func matchEntry(entry *mdns.ServiceEntry, opts DiscoverOptions) (*DiscoveredService, bool) {
	if entry == nil {
		return nil, false
	}
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, false
	}

	kioskID := kioskIDOf(entry.InfoFields)
	if opts.KioskID != "" && kioskID != opts.KioskID {
		return nil, false
	}
	return &DiscoveredService{
		ServiceName: entry.Name,
		KioskID:     kioskID,
		Address:     address,
		Port:        entry.Port,
		WebSocket:   opts.WebSocket,
		TXTRecords:  entry.InfoFields,
	}, true
}

// kioskIDOf reads the kiosk_id=... TXT record the relay advertises.
func kioskIDOf(info []string) string {
	for _, field := range info {
		if id, ok := strings.CutPrefix(field, "kiosk_id="); ok {
			return id
		}
	}
	return ""
}
