package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mbocsi/kioskrelay/proto"
	"github.com/mbocsi/kioskrelay/security"
	"github.com/mbocsi/kioskrelay/telemetry"
)

// Validator turns a raw inbound envelope into a trusted payload.
type Validator interface {
	ValidateSecureMessage(raw proto.RawEnvelope) (proto.Payload, error)
}

// Dispatcher consumes validated payloads.
type Dispatcher interface {
	Dispatch(payload proto.Payload)
}

// Service is something run alongside the transports, such as the HTTP API
// or the mDNS advertiser.
type Service interface {
	Start() error
	Shutdown() error
}

type Coordinator struct {
	Registry   *ConnectionRegistry
	Validator  Validator
	Dispatcher Dispatcher
	Metrics    *telemetry.Recorder
	Services   []Service
	Transports []Transport
}

func NewCoordinator(registry *ConnectionRegistry, validator Validator, dispatcher Dispatcher, metrics *telemetry.Recorder) *Coordinator {
	return &Coordinator{Registry: registry, Validator: validator, Dispatcher: dispatcher, Metrics: metrics}
}

// Start runs every transport and service until ctx ends, then shuts them
// down. It returns the first error that stopped a transport early.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() { firstErr = err })
		cancel()
	}

	for _, s := range c.Services {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()
			if err := s.Start(); err != nil {
				slog.Error("Service stopped", "error", err)
			}
		}(s)
	}
	for _, t := range c.Transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			if err := t.Start(); err != nil && ctx.Err() == nil {
				slog.Error("Transport stopped", "protocol", t.Meta().Protocol, "error", err)
				fail(err)
			}
		}(t)
	}

	<-ctx.Done()
	slog.Info("Shutting down transports and server")

	for _, s := range c.Services {
		if err := s.Shutdown(); err != nil {
			slog.Error("There was an error when shutting down a service", "error", err.Error())
		}
	}
	for _, t := range c.Transports {
		if err := t.Shutdown(); err != nil {
			slog.Error("There was an error when shutting down transport server", "error", err.Error())
		}
	}
	wg.Wait()
	return firstErr
}

func (c *Coordinator) RegisterTransport(t Transport) {
	t.OnMessage(c.Handle)
	t.OnConnect(c.RegisterClient)
	t.OnDisconnect(c.Registry.Remove)
	c.Transports = append(c.Transports, t)
}

func (c *Coordinator) RegisterService(s Service) {
	c.Services = append(c.Services, s)
}

func (c *Coordinator) RegisterClient(client Client) error {
	c.Registry.Accept(client)

	slog.Info("Registered terminal", "id", client.Meta().Id, "addr", client.Meta().RemoteAddr)
	return nil
}

// Handle validates one inbound envelope and hands it to the dispatcher.
// Rejected envelopes are logged and dropped.
func (c *Coordinator) Handle(in Inbound) {
	ctx := context.Background()
	c.Metrics.MessageReceived(ctx, in.Protocol)

	payload, err := c.Validator.ValidateSecureMessage(in.Envelope)
	if err != nil {
		reason := string(security.ReasonMalformed)
		var verr *security.ValidationError
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
		}
		slog.Warn("Security validation failed", "sender", in.Sender, "reason", reason, "error", err)
		c.Metrics.MessageRejected(ctx, reason)
		return
	}

	slog.Debug("Message accepted", "sender", in.Sender, "type", payload.Type(), "txn_id", payload.TxnID())
	c.Dispatcher.Dispatch(payload)
}
