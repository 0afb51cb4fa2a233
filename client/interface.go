package client

import "github.com/mbocsi/kioskrelay/proto"

// Transport is the terminal's link to the kiosk relay.
type Transport interface {
	Connect(addr string) error
	Send(env proto.Envelope) error
	Read() (proto.RawEnvelope, error) // for one-at-a-time processing
	Close() error
}
