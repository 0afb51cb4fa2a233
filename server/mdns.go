package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/mdns"
)

// mDNS service types terminals browse for.
const (
	ServiceTypeTCP = "_kiosk-relay._tcp"
	ServiceTypeWS  = "_kiosk-relay-ws._tcp"
)

// Advertiser announces a transport over mDNS so terminals on the LAN can
// find the relay without a configured address.
type Advertiser struct {
	Instance    string
	ServiceType string
	Port        int
	Info        []string

	mu     sync.Mutex
	server *mdns.Server
}

// NewAdvertiser advertises the port of addr under serviceType.
func NewAdvertiser(instance, serviceType, addr string, info ...string) (*Advertiser, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("mdns: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("mdns: invalid port in %q", addr)
	}
	return &Advertiser{Instance: instance, ServiceType: serviceType, Port: port, Info: info}, nil
}

func (a *Advertiser) Start() error {
	svc, err := mdns.NewMDNSService(a.Instance, a.ServiceType, "", "", a.Port, nil, a.Info)
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}

	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	slog.Info("Advertising over mDNS", "instance", a.Instance, "service", a.ServiceType, "port", a.Port)
	return nil
}

func (a *Advertiser) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}
