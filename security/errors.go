package security

import "fmt"

// Reason identifies why an inbound envelope was rejected.
type Reason string

const (
	ReasonMissingFields    Reason = "missing_fields"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonMissingNonce     Reason = "missing_nonce"
	ReasonReplayedNonce    Reason = "replayed_nonce"
	ReasonMissingTimestamp Reason = "missing_timestamp"
	ReasonStaleTimestamp   Reason = "stale_timestamp"
	ReasonMalformed        Reason = "malformed"
)

var reasonText = map[Reason]string{
	ReasonMissingFields:    "missing payload or signature",
	ReasonInvalidSignature: "invalid signature",
	ReasonMissingNonce:     "missing nonce",
	ReasonReplayedNonce:    "invalid or duplicate nonce",
	ReasonMissingTimestamp: "missing timestamp",
	ReasonStaleTimestamp:   "request expired or invalid timestamp",
	ReasonMalformed:        "message validation error",
}

// ValidationError is returned for every envelope that fails validation.
type ValidationError struct {
	Reason Reason
	Cause  error
}

func (e *ValidationError) Error() string {
	msg := reasonText[e.Reason]
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Is matches another ValidationError with the same reason, so callers can
// write errors.Is(err, &ValidationError{Reason: ReasonReplayedNonce}).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Reason == e.Reason
}

func reject(reason Reason) error {
	return &ValidationError{Reason: reason}
}
