package security

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/mbocsi/kioskrelay/proto"
)

// Codec wraps domain fields into signed envelopes and validates inbound ones.
type Codec struct {
	signer *Signer
	guard  *ReplayGuard
	clock  Clock
	nonce  func() string
}

func NewCodec(signer *Signer, guard *ReplayGuard, clock Clock) *Codec {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Codec{signer: signer, guard: guard, clock: clock, nonce: uuid.NewString}
}

// CreateSecureMessage stamps fields with a fresh timestamp and nonce and signs them.
// The caller's map is not modified.
func (c *Codec) CreateSecureMessage(fields proto.Payload) (proto.Envelope, error) {
	payload := fields.Clone()
	payload[proto.FieldTimestamp] = strconv.FormatInt(c.clock.NowMillis(), 10)
	payload[proto.FieldNonce] = c.nonce()

	sig, err := c.signer.Sign(payload)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("sign %s: %w", payload.Type(), err)
	}
	return proto.Envelope{Payload: payload, Signature: sig}, nil
}

// ValidateSecureMessage checks signature, nonce and timestamp in that order
// and returns the payload on success. Every failure is a *ValidationError.
func (c *Codec) ValidateSecureMessage(raw proto.RawEnvelope) (payload proto.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = &ValidationError{Reason: ReasonMalformed, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	rawPayload, hasPayload := raw["payload"]
	rawSig, hasSig := raw["signature"]
	if !hasPayload || !hasSig {
		return nil, reject(ReasonMissingFields)
	}

	payload, err = proto.DecodePayload(rawPayload)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed, Cause: err}
	}
	var signature string
	if err := json.Unmarshal(rawSig, &signature); err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed, Cause: fmt.Errorf("signature: %w", err)}
	}

	if !c.signer.Verify(payload, signature) {
		expected, _ := c.signer.Sign(payload)
		canonical, _ := proto.Canonical(payload)
		slog.Debug("Signature verification failed",
			"received", signature,
			"expected", expected,
			"received_len", len(signature),
			"expected_len", len(expected),
			"payload", string(canonical),
		)
		return nil, reject(ReasonInvalidSignature)
	}

	if !payload.Has(proto.FieldNonce) {
		return nil, reject(ReasonMissingNonce)
	}
	nonce := payload.String(proto.FieldNonce)
	if nonce == "" {
		return nil, &ValidationError{Reason: ReasonMalformed, Cause: fmt.Errorf("nonce must be a non-empty string")}
	}
	if !c.guard.ValidateNonce(nonce) {
		return nil, reject(ReasonReplayedNonce)
	}

	ts, ok := payload[proto.FieldTimestamp]
	if !ok {
		return nil, reject(ReasonMissingTimestamp)
	}
	if !c.guard.ValidateTimestamp(ts) {
		return nil, reject(ReasonStaleTimestamp)
	}

	return payload, nil
}
