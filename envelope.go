package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the standard wrapper around every message on the bus. It
// carries identity, causal metadata, and an opaque payload. Envelopes are
// immutable once constructed; every envelope that leaves the bus has a
// non-empty ID, Type, OccurredAt, Source, and CorrelationID.
type Envelope struct {
	// ID is a globally unique message identifier, generated at construction.
	ID string `json:"id"`
	// Type is the dot-namespaced semantic event name ("leave.approved").
	// The vocabulary is open: services add new types independently.
	Type string `json:"type"`
	// OccurredAt is stamped from the producer clock, not the broker clock.
	OccurredAt time.Time `json:"occurredAt"`
	// Source names the producing service; used for diagnostics and
	// loop prevention.
	Source string `json:"source"`
	// CorrelationID identifies a causal chain of events/requests. Generated
	// when absent so it is never empty.
	CorrelationID string `json:"correlationId"`
	// CausationID is the ID of the envelope or request that directly caused
	// this one. Never auto-generated.
	CausationID string `json:"causationId,omitempty"`

	// Tenant partition keys; present on virtually all domain events, absent
	// on platform-level events.
	TenantID   string `json:"tenantId,omitempty"`
	TenantSlug string `json:"tenantSlug,omitempty"`
	// UserID is the optional actor identity.
	UserID string `json:"userId,omitempty"`

	// Metadata is an open bag for extension fields that do not warrant a
	// first-class field.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Payload is the event-specific body, opaque to the bus. It is stored
	// as-is and only serialized by the transport at send time; on the
	// inbound path it holds the raw encoded bytes (see DecodePayload).
	Payload any `json:"payload"`
}

// EventOptions carries the optional fields of an Envelope. Zero values are
// filled in at construction (correlation id, timestamp) or by the bus
// (source).
type EventOptions struct {
	Source        string
	CorrelationID string
	CausationID   string
	TenantID      string
	TenantSlug    string
	UserID        string
	Metadata      map[string]string

	// OccurredAt overrides the construction timestamp. The bus uses this to
	// stamp envelopes from its injected clock; leave zero otherwise.
	OccurredAt time.Time
}

// NewEvent builds a fully populated Envelope. The payload is never mutated
// or serialized here; a non-serializable payload fails at send time.
func NewEvent(eventType string, payload any, opts EventOptions) *Envelope {
	occurred := opts.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	correlation := opts.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Type:          eventType,
		OccurredAt:    occurred,
		Source:        opts.Source,
		CorrelationID: correlation,
		CausationID:   opts.CausationID,
		TenantID:      opts.TenantID,
		TenantSlug:    opts.TenantSlug,
		UserID:        opts.UserID,
		Metadata:      opts.Metadata,
		Payload:       payload,
	}
}

// UnmarshalJSON keeps the payload as raw bytes on the inbound path so that
// consumers can decode it into typed values via DecodePayload without a
// lossy round trip through map[string]any.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w struct {
		ID            string            `json:"id"`
		Type          string            `json:"type"`
		OccurredAt    time.Time         `json:"occurredAt"`
		Source        string            `json:"source"`
		CorrelationID string            `json:"correlationId"`
		CausationID   string            `json:"causationId"`
		TenantID      string            `json:"tenantId"`
		TenantSlug    string            `json:"tenantSlug"`
		UserID        string            `json:"userId"`
		Metadata      map[string]string `json:"metadata"`
		Payload       json.RawMessage   `json:"payload"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		ID:            w.ID,
		Type:          w.Type,
		OccurredAt:    w.OccurredAt,
		Source:        w.Source,
		CorrelationID: w.CorrelationID,
		CausationID:   w.CausationID,
		TenantID:      w.TenantID,
		TenantSlug:    w.TenantSlug,
		UserID:        w.UserID,
		Metadata:      w.Metadata,
	}
	if len(w.Payload) > 0 {
		e.Payload = w.Payload
	}
	return nil
}
