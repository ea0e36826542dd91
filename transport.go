package eventbus

import (
	"context"
	"errors"
	"sync"
)

// Transport is the Strategy interface for message backends. The facade
// never talks to a broker except through these primitives; all concurrency
// (poll loops, worker pools) lives behind this boundary.
type Transport interface {
	// Send delivers one envelope point-to-point. Returns the backend's
	// message identifier. At-least-once semantics.
	Send(ctx context.Context, queue Queue, env *Envelope, opts SendOptions) (string, error)
	// SendBatch delivers envelopes point-to-point, aggregating per-envelope
	// outcomes. A failure in one envelope must not fail the others.
	SendBatch(ctx context.Context, queue Queue, envs []*Envelope) (BatchResult, error)
	// Publish fans an envelope out to every subscriber of the topic.
	Publish(ctx context.Context, topic Topic, env *Envelope) (string, error)
	// StartConsumer begins delivering queue messages to handler in the
	// background and returns immediately with an opaque consumer id.
	StartConsumer(ctx context.Context, queue Queue, handler Handler, opts ConsumerOptions) (string, error)
	// StopConsumer requests a graceful stop: polling ends, in-flight handler
	// invocations finish, bounded by the adapter's shutdown timeout.
	StopConsumer(ctx context.Context, id string) error
	// Close stops everything and releases broker connections.
	Close(ctx context.Context) error
}

// TopicSubscriber is the optional capability of transports that support
// runtime topic subscription. Only the local transport implements it; cloud
// fan-out is modeled as queue subscriptions provisioned out-of-band.
type TopicSubscriber interface {
	Subscribe(ctx context.Context, topic Topic, handler Handler) (string, error)
	Unsubscribe(ctx context.Context, id string) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter under a mode name.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("eventbus: transport name must not be empty")
	}
	if factory == nil {
		return errors.New("eventbus: transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{Name: name}
	}
	return f(cfg)
}
