package proto

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Zakru/DigitalExtinction-Game/internal/lockstep"
)

var (
	// ErrVersionMismatch reports an envelope from an incompatible peer.
	ErrVersionMismatch = errors.New("proto: protocol version mismatch")
	// ErrMalformed reports an envelope or payload that failed to decode.
	ErrMalformed = errors.New("proto: malformed message")
)

// Envelope is the binary frame every message travels in. Reliable envelopes
// carry a package ID the receiver confirms; best-effort ones carry none and
// may be lost without retransmission.
type Envelope struct {
	Ver      int                `json:"ver" msgpack:"ver"`
	Type     MessageType        `json:"type" msgpack:"type"`
	Reliable bool               `json:"reliable,omitempty" msgpack:"reliable,omitempty"`
	ID       lockstep.PackageID `json:"id,omitempty" msgpack:"id,omitempty"`
	Payload  msgpack.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// NewEnvelope wraps a payload into a best-effort envelope.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("proto: encode %s payload: %w", t, err)
	}
	return Envelope{Ver: ProtocolVersion, Type: t, Payload: raw}, nil
}

// NewReliableEnvelope wraps a payload into an envelope the receiver must
// confirm by ID.
func NewReliableEnvelope(t MessageType, id lockstep.PackageID, payload any) (Envelope, error) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Reliable = true
	env.ID = id
	return env, nil
}

// Marshal encodes an envelope into a binary frame.
func Marshal(env Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("proto: encode envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a binary frame and checks the protocol version. The
// payload stays raw until Decode resolves it by type.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Ver != ProtocolVersion {
		return Envelope{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, env.Ver, ProtocolVersion)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Decode resolves the raw payload into the message struct for the envelope
// type.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformed, e.Type)
	}
	if err := msgpack.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}
