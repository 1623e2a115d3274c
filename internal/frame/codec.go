package frame

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessageID generates an opaque message identifier for a new frame.
func NewMessageID() string {
	return uuid.NewString()
}

// NowMillis returns the current time in epoch milliseconds, the unit the
// wire protocol uses for Envelope.Timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// New builds an envelope of the given type for clientID, marshaling data as
// the payload. It is the single construction path for outbound frames so
// every frame gets a fresh messageId and timestamp.
func New(typ Type, clientID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("frame: marshal %s payload: %w", typ, err)
	}
	return Envelope{
		Type:      typ,
		MessageID: NewMessageID(),
		Timestamp: NowMillis(),
		ClientID:  clientID,
		Data:      raw,
	}, nil
}

// Decode unmarshals an envelope's Data into the payload type T.
func Decode[T any](e Envelope) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("frame: decode %s payload: %w", e.Type, err)
	}
	return out, nil
}

// DecodeEnvelope parses a raw inbound JSON message into an Envelope,
// returning an error if required fields are missing per §6.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("frame: invalid JSON: %w", err)
	}
	if !e.Valid() {
		return Envelope{}, fmt.Errorf("frame: missing required envelope field(s) in %s", string(raw))
	}
	return e, nil
}

// Marshal serializes an envelope to the wire JSON form.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}
