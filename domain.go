package eventbus

import (
	"context"
	"time"
)

// Pre-addressed wrappers over the core operations. They fix the queue/topic
// identifier and inject tenant/user context so calling services never
// hand-roll identifiers or drift on payload shape. No new semantics beyond
// the underlying operation.

// MessageContext carries tenant/user identity and causal metadata injected
// into envelopes by the convenience operations.
type MessageContext struct {
	TenantID      string
	TenantSlug    string
	UserID        string
	CorrelationID string
	CausationID   string
}

func (c MessageContext) eventOptions() EventOptions {
	return EventOptions{
		TenantID:      c.TenantID,
		TenantSlug:    c.TenantSlug,
		UserID:        c.UserID,
		CorrelationID: c.CorrelationID,
		CausationID:   c.CausationID,
	}
}

// Notification priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// NotificationPayload is the body of a notification.send work item.
type NotificationPayload struct {
	RecipientID  string         `json:"recipientId"`
	Channel      string         `json:"channel"`
	TemplateID   string         `json:"templateId"`
	TemplateData map[string]any `json:"templateData,omitempty"`
	Priority     string         `json:"priority,omitempty"`
}

// AuditPayload is the body of an audit.log work item.
type AuditPayload struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resourceId,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
}

// UsagePayload is the body of a billing.usage work item; Metric keys into
// the registry's meter table.
type UsagePayload struct {
	Metric   string    `json:"metric"`
	Quantity float64   `json:"quantity"`
	At       time.Time `json:"at,omitempty"`
}

// EmitTenantEvent publishes a tenant-scoped domain event on the shared
// tenant-events topic.
func (b *Bus) EmitTenantEvent(ctx context.Context, eventType string, payload any, mc MessageContext) (string, error) {
	return b.PublishToTopic(ctx, TopicTenantEvents, eventType, payload, mc.eventOptions())
}

// EmitUserEvent publishes a user-scoped domain event on the shared
// user-events topic.
func (b *Bus) EmitUserEvent(ctx context.Context, eventType string, payload any, mc MessageContext) (string, error) {
	return b.PublishToTopic(ctx, TopicUserEvents, eventType, payload, mc.eventOptions())
}

// SendNotification enqueues a notification for delivery, defaulting the
// priority to normal.
func (b *Bus) SendNotification(ctx context.Context, n NotificationPayload, mc MessageContext) (string, error) {
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	return b.SendToQueue(ctx, QueueNotificationSend, "notification.send", n, MessageOptions{EventOptions: mc.eventOptions()})
}

// LogAudit enqueues an audit entry for persistence.
func (b *Bus) LogAudit(ctx context.Context, a AuditPayload, mc MessageContext) (string, error) {
	return b.SendToQueue(ctx, QueueAuditLog, "audit.log", a, MessageOptions{EventOptions: mc.eventOptions()})
}

// RecordUsage enqueues a metered usage sample for billing.
func (b *Bus) RecordUsage(ctx context.Context, u UsagePayload, mc MessageContext) (string, error) {
	if u.At.IsZero() {
		u.At = b.clock.Now().UTC()
	}
	return b.SendToQueue(ctx, QueueBillingMeter, "billing.usage", u, MessageOptions{EventOptions: mc.eventOptions()})
}

// FilterByType invokes next only for envelopes whose Type is one of types;
// everything else succeeds untouched. Use this on a registered topic rather
// than deriving per-type channel names at runtime.
func FilterByType(next Handler, types ...string) Handler {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return func(ctx context.Context, env *Envelope) error {
		if _, ok := want[env.Type]; !ok {
			return nil
		}
		return next(ctx, env)
	}
}
