package session

import "github.com/shopspring/decimal"

type EventKind string

const (
	EventRequestSent  EventKind = "request_sent"
	EventAcknowledged EventKind = "acknowledged"
	EventPlansOffered EventKind = "plans_offered"
	EventNoPlans      EventKind = "no_plans"
	EventPlanSelected EventKind = "plan_selected"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
	EventCancelled    EventKind = "cancelled"
)

// Event reports something that happened to the active transaction.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	TxnID   string
	State   State
	Status  string
	Message string
	Amount  decimal.Decimal
	PlanID  string
	Offer   *PlanOffer
	Outcome *Outcome
}
