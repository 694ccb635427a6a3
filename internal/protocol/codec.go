package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame indicates a frame that is not a JSON envelope.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownEvent indicates an envelope naming an event outside the inbound set.
	ErrUnknownEvent = errors.New("protocol: unknown event")
	// ErrInvalidPayload indicates a payload that does not match its event.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Envelope is the framing shared by every event.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into target.
func (e Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s carries no data", ErrInvalidPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Event, err)
	}
	return nil
}

// Frame is an encoded envelope ready for the wire.
type Frame struct {
	Event Event
	Bytes []byte
}

// Encode frames a payload under the event name.
func Encode(event Event, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode %s: %w", event, err)
	}
	bytes, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode %s: %w", event, err)
	}
	return Frame{Event: event, Bytes: bytes}, nil
}

// DecodeEnvelope parses the framing without interpreting the payload.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if envelope.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return envelope, nil
}

// DecodeInbound parses a participant frame into its typed event. The
// envelope is returned alongside so callers can report the event name of
// a rejected frame.
func DecodeInbound(raw []byte) (Inbound, Envelope, error) {
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, Envelope{}, err
	}

	var message Inbound
	switch envelope.Event {
	case EventJoinRoom:
		message, err = decodePayload[JoinRoom](envelope)
	case EventDrawStart:
		message, err = decodePayload[DrawStart](envelope)
	case EventDrawPoint:
		message, err = decodePayload[DrawPoint](envelope)
	case EventDrawEnd:
		message, err = decodePayload[DrawEnd](envelope)
	case EventCursorMove:
		message, err = decodePayload[CursorMove](envelope)
	case EventUndo:
		message, err = decodePayload[Undo](envelope)
	case EventRedo:
		message, err = decodePayload[Redo](envelope)
	case EventClearCanvas:
		message, err = decodePayload[ClearCanvas](envelope)
	case EventRequestFullState:
		message, err = decodePayload[RequestFullState](envelope)
	default:
		return nil, envelope, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}
	if err != nil {
		return nil, envelope, err
	}
	if err := Validate(message); err != nil {
		return nil, envelope, err
	}
	return message, envelope, nil
}

func decodePayload[T Inbound](envelope Envelope) (Inbound, error) {
	var payload T
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return payload, nil
	}
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, envelope.Event, err)
	}
	return payload, nil
}

// Validate rejects payloads whose required fields are missing.
func Validate(message Inbound) error {
	switch typed := message.(type) {
	case DrawStart:
		if len(typed.InitialPoints()) == 0 {
			return fmt.Errorf("%w: draw-start requires points", ErrInvalidPayload)
		}
	case DrawPoint:
		if typed.Point == nil {
			return fmt.Errorf("%w: draw-point requires a point", ErrInvalidPayload)
		}
	case CursorMove:
		if typed.Position == nil {
			return fmt.Errorf("%w: cursor-move requires a position", ErrInvalidPayload)
		}
	}
	return nil
}
