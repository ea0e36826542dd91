package eventbus

// The queue/topic registry is the closed, named set of channel identifiers
// shared by all services. Using an identifier outside the registry is a
// caller error; the facade rejects it before touching a transport. Topic and
// queue names never get invented at runtime - "subscribe by event type"
// conveniences filter by Envelope.Type on a registered topic instead (see
// FilterByType).

// Queue identifies a point-to-point channel: each message is delivered to
// exactly one consumer among possibly many competing consumers.
type Queue string

const (
	QueueNotificationSend Queue = "notification-send"
	QueueAuditLog         Queue = "audit-log"
	QueueBillingMeter     Queue = "billing-meter"
	QueueEmailOutbound    Queue = "email-outbound"
)

// Topic identifies a fan-out channel: each message is delivered to every
// active subscriber.
type Topic string

const (
	TopicTenantEvents Topic = "tenant-events"
	TopicUserEvents   Topic = "user-events"
)

var registeredQueues = map[Queue]struct{}{
	QueueNotificationSend: {},
	QueueAuditLog:         {},
	QueueBillingMeter:     {},
	QueueEmailOutbound:    {},
}

var registeredTopics = map[Topic]struct{}{
	TopicTenantEvents: {},
	TopicUserEvents:   {},
}

// Valid reports whether q belongs to the registry.
func (q Queue) Valid() bool {
	_, ok := registeredQueues[q]
	return ok
}

func (q Queue) String() string { return string(q) }

// Valid reports whether t belongs to the registry.
func (t Topic) Valid() bool {
	_, ok := registeredTopics[t]
	return ok
}

func (t Topic) String() string { return string(t) }

// Queues returns the registered queue identifiers.
func Queues() []Queue {
	return []Queue{QueueNotificationSend, QueueAuditLog, QueueBillingMeter, QueueEmailOutbound}
}

// Topics returns the registered topic identifiers.
func Topics() []Topic {
	return []Topic{TopicTenantEvents, TopicUserEvents}
}

// MeterRecord is the per-metric billing configuration consumed by the
// metering service. The bus only needs the identifiers; pricing rides along
// here so all services read one table.
type MeterRecord struct {
	Unit      string
	UnitPrice float64
	FreeQuota int64
}

var meters = map[string]MeterRecord{
	"notification.sent": {Unit: "message", UnitPrice: 0.002, FreeQuota: 1000},
	"email.sent":        {Unit: "message", UnitPrice: 0.004, FreeQuota: 500},
	"audit.entry":       {Unit: "entry", UnitPrice: 0.0005, FreeQuota: 10000},
}

// MeterFor returns the billing record for a metric name.
func MeterFor(metric string) (MeterRecord, bool) {
	m, ok := meters[metric]
	return m, ok
}
