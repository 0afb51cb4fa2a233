package services

import (
	"context"
	"time"

	"github.com/mbocsi/kioskrelay/server"
	"github.com/mbocsi/kioskrelay/session"
	"github.com/mbocsi/kioskrelay/telemetry"
)

// DefaultOutcomeTimeout bounds AwaitOutcome when the caller gives no timeout
const DefaultOutcomeTimeout = 2 * time.Minute

// ServiceManager wires services to the session and connection registry
type ServiceManager struct {
	session  *session.Session
	tracker  *OutcomeTracker
	services *ServiceContainer
}

// NewServiceManager creates the service container and subscribes it to
// session events.
func NewServiceManager(
	s *session.Session,
	registry *server.ConnectionRegistry,
	transports TransportLister,
	metrics *telemetry.Recorder,
) *ServiceManager {
	tracker := NewOutcomeTracker(DefaultOutcomeTimeout)
	terminals := NewTerminalService(registry, transports)

	sm := &ServiceManager{
		session: s,
		tracker: tracker,
		services: &ServiceContainer{
			Payment:  NewPaymentService(s, tracker, terminals),
			Terminal: terminals,
		},
	}

	s.OnEvent(tracker.HandleEvent)
	s.OnEvent(func(ev session.Event) {
		if ev.Outcome != nil {
			metrics.TransactionFinished(context.Background(), ev.State.String())
		}
	})
	return sm
}

// GetServices returns the service container
func (sm *ServiceManager) GetServices() *ServiceContainer {
	return sm.services
}

func (sm *ServiceManager) Tracker() *OutcomeTracker {
	return sm.tracker
}
