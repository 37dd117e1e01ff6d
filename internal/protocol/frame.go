package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyEvent is returned when a frame carries no event name.
var ErrEmptyEvent = errors.New("frame has no event name")

// Frame is the envelope for every message on the wire: one event name and
// its JSON payload, sent as a single WebSocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload and wraps it in a frame for event.
//
// Precondition: event must be non-empty.
// Postcondition: Returns the encoded frame bytes or a non-nil error.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return EncodeRaw(event, data)
}

// EncodeRaw wraps already-encoded JSON in a frame without touching its bytes.
// Relayed move and camera payloads go through here so receivers see exactly
// what the sender wrote.
//
// Precondition: raw must be valid JSON (or empty for a payload-less event).
func EncodeRaw(event string, raw json.RawMessage) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	name, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	// json.Marshal would compact and HTML-escape the payload, so the envelope
	// is assembled by hand.
	out := make([]byte, 0, len(name)+len(raw)+20)
	out = append(out, `{"event":`...)
	out = append(out, name...)
	if len(raw) > 0 {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("encoding %s frame: payload is not valid JSON", event)
		}
		out = append(out, `,"data":`...)
		out = append(out, raw...)
	}
	out = append(out, '}')
	return out, nil
}

// Decode parses a frame from b.
//
// Postcondition: Returns a frame with a non-empty Event, or a non-nil error.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrEmptyEvent
	}
	return f, nil
}

// DecodePayload unmarshals a frame's data into the variant type v.
//
// Postcondition: Returns a non-nil error if data is missing or does not fit v.
func DecodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
