package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_FillsRequiredFields(t *testing.T) {
	env := NewEvent("leave.approved", map[string]any{"leaveId": "l1"}, EventOptions{Source: "attendance"})

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "leave.approved", env.Type)
	assert.False(t, env.OccurredAt.IsZero())
	assert.Equal(t, "attendance", env.Source)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Empty(t, env.CausationID, "causation is never auto-generated")
}

func TestNewEvent_CorrelationPropagation(t *testing.T) {
	env := NewEvent("tenant.created", nil, EventOptions{CorrelationID: "corr-42"})
	assert.Equal(t, "corr-42", env.CorrelationID)

	other := NewEvent("tenant.created", nil, EventOptions{})
	assert.NotEmpty(t, other.CorrelationID)
	assert.NotEqual(t, env.CorrelationID, other.CorrelationID)
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		env := NewEvent("x.y", nil, EventOptions{})
		_, dup := seen[env.ID]
		require.False(t, dup, "id %q reused", env.ID)
		seen[env.ID] = struct{}{}
	}
}

func TestNewEvent_DoesNotMutatePayload(t *testing.T) {
	payload := map[string]any{"k": "v"}
	env := NewEvent("x.y", payload, EventOptions{})

	got, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"k": "v"}, payload)
	// stored by reference, not copied
	got["k2"] = "v2"
	assert.Contains(t, payload, "k2")
}

func TestNewEvent_TenantAndUserContext(t *testing.T) {
	env := NewEvent("employee.hired", nil, EventOptions{
		TenantID:    "t1",
		TenantSlug:  "acme",
		UserID:      "u9",
		CausationID: "cause-1",
		Metadata:    map[string]string{"requestId": "r1"},
	})
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, "acme", env.TenantSlug)
	assert.Equal(t, "u9", env.UserID)
	assert.Equal(t, "cause-1", env.CausationID)
	assert.Equal(t, "r1", env.Metadata["requestId"])
}

func TestEnvelope_WireRoundTrip(t *testing.T) {
	type body struct {
		RecipientID string `json:"recipientId"`
	}
	src := NewEvent("notification.send", body{RecipientID: "u1"}, EventOptions{
		Source:     "recruitment",
		TenantID:   "t1",
		OccurredAt: time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC),
	})

	data, err := json.Marshal(src)
	require.NoError(t, err)

	var dst Envelope
	require.NoError(t, json.Unmarshal(data, &dst))

	assert.Equal(t, src.ID, dst.ID)
	assert.Equal(t, src.Type, dst.Type)
	assert.Equal(t, src.Source, dst.Source)
	assert.Equal(t, src.CorrelationID, dst.CorrelationID)
	assert.Equal(t, src.TenantID, dst.TenantID)
	assert.True(t, src.OccurredAt.Equal(dst.OccurredAt))

	// inbound payload stays raw until decoded
	_, isRaw := dst.Payload.(json.RawMessage)
	assert.True(t, isRaw)

	decoded, err := DecodePayload[body](JSONCodec{}, &dst)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded.RecipientID)
}

func TestDecodePayload_OutboundValue(t *testing.T) {
	// A producer-side envelope still holds the typed value; decoding goes
	// through one codec round trip.
	env := NewEvent("audit.log", AuditPayload{Action: "update", Resource: "employee"}, EventOptions{})

	decoded, err := DecodePayload[AuditPayload](nil, env)
	require.NoError(t, err)
	assert.Equal(t, "update", decoded.Action)
	assert.Equal(t, "employee", decoded.Resource)
}
