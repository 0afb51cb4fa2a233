package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrNotObject = errors.New("not a JSON object")

// EncodeLine marshals env as a single newline-terminated wire line.
func EncodeLine(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeLine parses one wire line into its top-level envelope fields.
func DecodeLine(line []byte) (RawEnvelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, ErrNotObject
	}
	var raw RawEnvelope
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DecodePayload decodes a JSON object, keeping numbers as json.Number.
func DecodePayload(data []byte) (Payload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after payload object")
	}
	return p, nil
}

// DecodeEnvelope decodes a full envelope line, payload included.
func DecodeEnvelope(line []byte) (Envelope, error) {
	raw, err := DecodeLine(line)
	if err != nil {
		return Envelope{}, err
	}
	payload, err := DecodePayload(raw["payload"])
	if err != nil {
		return Envelope{}, fmt.Errorf("payload: %w", err)
	}
	var sig string
	if err := json.Unmarshal(raw["signature"], &sig); err != nil {
		return Envelope{}, fmt.Errorf("signature: %w", err)
	}
	return Envelope{Payload: payload, Signature: sig}, nil
}
