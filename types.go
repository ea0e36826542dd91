package eventbus

import (
	"context"
	"time"
)

// Handler processes a single delivered Envelope. Returned errors are caught
// per message inside the active adapter, logged with the envelope's
// id/type/source, and never terminate the consumer loop.
type Handler func(ctx context.Context, env *Envelope) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Mode selects the backing transport. It is resolved once at construction
// and immutable thereafter; changing it requires a process restart.
type Mode string

const (
	// ModeCloud routes through the managed queue/topic service (SQS/SNS).
	ModeCloud Mode = "cloud"
	// ModeLocal routes through a local Redis broker (dev/single-box).
	ModeLocal Mode = "local"
)

// SendOptions tunes a single queue send at the transport boundary.
type SendOptions struct {
	// DelaySeconds defers visibility to consumers. The cloud backend defers
	// durably; the local backend emulates the delay with a timer and loses
	// it on process restart.
	DelaySeconds int32
}

// MessageOptions combines envelope construction options with per-send
// transport options for the facade's queue operations.
type MessageOptions struct {
	EventOptions
	DelaySeconds int32
}

// ConsumerOptions tunes a queue consumer.
type ConsumerOptions struct {
	// BatchSize is the number of messages fetched per poll. The cloud
	// adapter caps it at the service limit of 10.
	BatchSize int
	// MaxConcurrency bounds concurrent handler invocations per consumer.
	// The local adapter runs a single blocking loop per queue and ignores
	// this; local ordering stays best-effort FIFO.
	MaxConcurrency int
}

// BatchResult reports per-envelope outcomes of a batch send. Partial
// failure is data, not an error: callers retry the failed subset themselves.
type BatchResult struct {
	Successful []string
	Failed     []string
}

func (r BatchResult) SuccessCount() int { return len(r.Successful) }
func (r BatchResult) FailureCount() int { return len(r.Failed) }

// EventType enumerates internal lifecycle events for the Observer pattern.
type EventType string

const (
	SendStart    EventType = "send_start"
	SendDone     EventType = "send_done"
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	HandlerError EventType = "handler_error"
	Error        EventType = "error"
)

// BusEvent carries telemetry for observers.
type BusEvent struct {
	Type      EventType
	Queue     Queue
	Topic     Topic
	MessageID string
	EventName string
	Source    string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

// Metrics is a point-in-time snapshot of bus telemetry.
type Metrics struct {
	Sent                uint64
	Published           uint64
	Consumed            uint64
	Handled             uint64
	HandlerErrors       uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}
