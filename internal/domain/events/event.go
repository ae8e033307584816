// Package events defines the domain events delivered to the agent by the
// CaseVault cloud, the wire envelope they arrive in, and the handler registry
// used to route them.
package events

import (
	"encoding/json"
	"time"
)

// EventEnvelope is the wire record returned by a heartbeat. The payload is
// kept raw; handlers decode it into the typed payload for their event.
//
// Events without an ID are informational only and can never be acknowledged.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	// On the wire it may carry a single leading marker character, an
	// artifact of the server's serializer. See Normalize.
	Type EventType `json:"type"`

	// ID is the opaque token passed back verbatim on acknowledgment.
	// Optional: informational events carry no ID.
	ID string `json:"eventId,omitempty"`

	// TenantID identifies the tenant the event originated from.
	TenantID string `json:"tenantId,omitempty"`

	// Timestamp records when the event was created server-side.
	Timestamp time.Time `json:"ts,omitempty"`

	// Payload contains the type-specific event data.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the raw payload into v.
func (e EventEnvelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Normalize returns a copy of the envelope with the type discriminator
// rewritten to its canonical form. All other fields are untouched. It does
// not validate that the resulting type is known.
func Normalize(e EventEnvelope) EventEnvelope {
	e.Type = e.Type.Canonical()
	return e
}

// Canonical strips the single leading marker character the wire serializer
// prefixes to type names. Canonical names start with an alphanumeric
// character, so normalizing an already-canonical name is a no-op.
func (t EventType) Canonical() EventType {
	if len(t) == 0 || isAlphanumeric(t[0]) {
		return t
	}
	return t[1:]
}

func isAlphanumeric(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
