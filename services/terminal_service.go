package services

import (
	"github.com/mbocsi/kioskrelay/server"
)

// TransportLister exposes the transports a server was built with
type TransportLister interface {
	Transports() []server.Transport
}

// TerminalServiceImpl implements TerminalService
type TerminalServiceImpl struct {
	registry   *server.ConnectionRegistry
	transports TransportLister
}

// NewTerminalService creates a new terminal service
func NewTerminalService(registry *server.ConnectionRegistry, transports TransportLister) TerminalService {
	return &TerminalServiceImpl{registry: registry, transports: transports}
}

// ListTerminals returns connected terminals in broadcast order
func (ts *TerminalServiceImpl) ListTerminals() ([]TerminalInfo, error) {
	clients := ts.registry.List()
	result := make([]TerminalInfo, 0, len(clients))
	for _, c := range clients {
		result = append(result, convertClient(c))
	}
	return result, nil
}

// ListTransports returns all transport information
func (ts *TerminalServiceImpl) ListTransports() ([]TransportInfo, error) {
	if ts.transports == nil {
		return []TransportInfo{}, nil
	}
	transports := ts.transports.Transports()
	result := make([]TransportInfo, 0, len(transports))
	for i, transport := range transports {
		result = append(result, convertTransportMeta(i, transport))
	}
	return result, nil
}
