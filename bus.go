package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Bus state machine: ready -> shutting_down -> shutdown. A Bus is ready from
// construction until Shutdown; after shutdown a fresh instance must be built.
const (
	stateReady int32 = iota
	stateShuttingDown
	stateShutdown
)

// Bus is the single entry point services use to exchange work items and
// domain events. It is a thin dispatcher: beyond the two handle registries
// it holds no state and no threads; concurrency lives inside the transport.
//
// The registries are mutated only by Bus methods; register and deregister
// for the same queue/topic are atomic with respect to each other.
type Bus struct {
	mode      Mode
	transport Transport
	codec     Codec
	clock     clock.Clock
	logger    zerolog.Logger
	source    string

	middlewares     []Middleware
	shutdownTimeout time.Duration

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	state atomic.Int32

	regMu     sync.Mutex
	consumers map[Queue]string
	subs      map[Topic][]string

	metrics   *busMetrics
	closeOnce sync.Once
}

// busMetrics uses lock-free atomics for telemetry on the hot path.
type busMetrics struct {
	sentCount       atomic.Uint64
	publishCount    atomic.Uint64
	consumeCount    atomic.Uint64
	handledCount    atomic.Uint64
	handlerErrCount atomic.Uint64
	errorCount      atomic.Uint64
	processingNs    atomic.Int64
}

// Mode returns the transport mode resolved at construction.
func (b *Bus) Mode() Mode { return b.mode }

// Codec returns the configured codec.
func (b *Bus) Codec() Codec { return b.codec }

// newEvent builds an envelope with the bus filling the gaps the caller left:
// source defaults to the bus's service name, the timestamp comes from the
// injected clock, and NewEvent generates id/correlation.
func (b *Bus) newEvent(eventType string, payload any, opts EventOptions) *Envelope {
	if opts.Source == "" {
		opts.Source = b.source
	}
	if opts.OccurredAt.IsZero() {
		opts.OccurredAt = b.clock.Now().UTC()
	}
	return NewEvent(eventType, payload, opts)
}

// SendToQueue wraps payload in an Envelope and delivers it point-to-point.
// Returns the transport's message identifier. Transport errors propagate:
// a rejected send means "not yet delivered" and the caller owns the retry.
func (b *Bus) SendToQueue(ctx context.Context, queue Queue, eventType string, payload any, opts MessageOptions) (string, error) {
	if b.state.Load() != stateReady {
		return "", ErrBusClosed
	}
	if !queue.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if eventType == "" {
		return "", ErrInvalidEventType
	}

	env := b.newEvent(eventType, payload, opts.EventOptions)

	b.metrics.sentCount.Add(1)
	b.notifyAsync(BusEvent{Type: SendStart, Queue: queue, MessageID: env.ID, EventName: eventType})

	start := b.clock.Now()
	id, err := b.transport.Send(ctx, queue, env, SendOptions{DelaySeconds: opts.DelaySeconds})
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notifyAsync(BusEvent{Type: SendDone, Queue: queue, MessageID: env.ID, EventName: eventType, Duration: duration, Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
		return "", err
	}
	return id, nil
}

// SendBatchToQueue builds one Envelope per payload and delivers the batch.
// Partial failure is reported in the BatchResult, never as an error.
func (b *Bus) SendBatchToQueue(ctx context.Context, queue Queue, eventType string, payloads []any, opts MessageOptions) (BatchResult, error) {
	if b.state.Load() != stateReady {
		return BatchResult{}, ErrBusClosed
	}
	if !queue.Valid() {
		return BatchResult{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if eventType == "" {
		return BatchResult{}, ErrInvalidEventType
	}
	if len(payloads) == 0 {
		return BatchResult{}, nil
	}

	envs := make([]*Envelope, len(payloads))
	for i := range payloads {
		envs[i] = b.newEvent(eventType, payloads[i], opts.EventOptions)
	}

	b.metrics.sentCount.Add(uint64(len(envs)))
	b.notifyAsync(BusEvent{Type: SendStart, Queue: queue, EventName: eventType})

	start := b.clock.Now()
	res, err := b.transport.SendBatch(ctx, queue, envs)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notifyAsync(BusEvent{Type: SendDone, Queue: queue, EventName: eventType, Duration: duration, Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
		return res, err
	}
	if res.FailureCount() > 0 {
		b.metrics.errorCount.Add(uint64(res.FailureCount()))
		b.logger.Warn().
			Str("queue", string(queue)).
			Int("failed", res.FailureCount()).
			Int("successful", res.SuccessCount()).
			Msg("batch send partially failed")
	}
	return res, nil
}

// PublishToTopic wraps payload in an Envelope and fans it out to every
// subscriber of the topic.
func (b *Bus) PublishToTopic(ctx context.Context, topic Topic, eventType string, payload any, opts EventOptions) (string, error) {
	if b.state.Load() != stateReady {
		return "", ErrBusClosed
	}
	if !topic.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if eventType == "" {
		return "", ErrInvalidEventType
	}

	env := b.newEvent(eventType, payload, opts)

	b.metrics.publishCount.Add(1)
	b.notifyAsync(BusEvent{Type: PublishStart, Topic: topic, MessageID: env.ID, EventName: eventType})

	start := b.clock.Now()
	id, err := b.transport.Publish(ctx, topic, env)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notifyAsync(BusEvent{Type: PublishDone, Topic: topic, MessageID: env.ID, EventName: eventType, Duration: duration, Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
		return "", err
	}
	return id, nil
}

// StartQueueConsumer delegates to the active transport and records the
// returned id. The bus tracks at most one consumer per queue: starting a
// second consumer for an already-consumed queue stops the previous one and
// replaces the registry entry, atomically with respect to racing stops.
func (b *Bus) StartQueueConsumer(ctx context.Context, queue Queue, handler Handler, opts ConsumerOptions) (string, error) {
	if b.state.Load() != stateReady {
		return "", ErrBusClosed
	}
	if !queue.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if handler == nil {
		return "", ErrNilHandler
	}

	wrapped := b.instrumentQueue(queue, Chain(RecoveryMiddleware()(handler), b.middlewares...))

	b.regMu.Lock()
	defer b.regMu.Unlock()

	if prev, ok := b.consumers[queue]; ok {
		if err := b.transport.StopConsumer(ctx, prev); err != nil {
			b.logger.Warn().Err(err).
				Str("queue", string(queue)).
				Str("consumer_id", prev).
				Msg("failed to stop replaced consumer")
		}
		delete(b.consumers, queue)
	}

	id, err := b.transport.StartConsumer(ctx, queue, wrapped, opts)
	if err != nil {
		return "", err
	}
	b.consumers[queue] = id
	return id, nil
}

// StopQueueConsumer gracefully stops the tracked consumer for queue and
// removes the registry entry. No-op when nothing is registered.
func (b *Bus) StopQueueConsumer(ctx context.Context, queue Queue) error {
	b.regMu.Lock()
	id, ok := b.consumers[queue]
	if ok {
		delete(b.consumers, queue)
	}
	b.regMu.Unlock()

	if !ok {
		return nil
	}
	return b.transport.StopConsumer(ctx, id)
}

// SubscribeToTopic registers a runtime fan-out handler. Only valid in local
// mode: cloud fan-out is provisioned out-of-band, so this fails fast with
// ErrTopicSubscribeUnsupported rather than silently succeeding. Fan-out is
// the point of a topic, so unlike queue consumers every subscription stays
// live; the bus tracks them all and UnsubscribeFromTopic removes the lot.
func (b *Bus) SubscribeToTopic(ctx context.Context, topic Topic, handler Handler) (string, error) {
	if b.state.Load() != stateReady {
		return "", ErrBusClosed
	}
	if !topic.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if handler == nil {
		return "", ErrNilHandler
	}
	ts, ok := b.transport.(TopicSubscriber)
	if !ok {
		return "", fmt.Errorf("%w (mode %q)", ErrTopicSubscribeUnsupported, b.mode)
	}

	wrapped := b.instrumentTopic(topic, Chain(RecoveryMiddleware()(handler), b.middlewares...))

	b.regMu.Lock()
	defer b.regMu.Unlock()

	id, err := ts.Subscribe(ctx, topic, wrapped)
	if err != nil {
		return "", err
	}
	b.subs[topic] = append(b.subs[topic], id)
	return id, nil
}

// UnsubscribeFromTopic removes every tracked subscription for the topic.
// Local mode only; no-op when nothing is registered.
func (b *Bus) UnsubscribeFromTopic(ctx context.Context, topic Topic) error {
	ts, ok := b.transport.(TopicSubscriber)
	if !ok {
		return fmt.Errorf("%w (mode %q)", ErrTopicSubscribeUnsupported, b.mode)
	}

	b.regMu.Lock()
	ids := b.subs[topic]
	delete(b.subs, topic)
	b.regMu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := ts.Unsubscribe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every tracked queue consumer and topic subscription and
// clears both registries. Idempotent; safe when some consumers already
// stopped on their own.
func (b *Bus) StopAll(ctx context.Context) error {
	b.regMu.Lock()
	consumers := b.consumers
	subs := b.subs
	b.consumers = make(map[Queue]string)
	b.subs = make(map[Topic][]string)
	b.regMu.Unlock()

	var errs []error
	for queue, id := range consumers {
		if err := b.transport.StopConsumer(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %s: %w", queue, err))
		}
	}
	if len(subs) > 0 {
		if ts, ok := b.transport.(TopicSubscriber); ok {
			for topic, ids := range subs {
				for _, id := range ids {
					if err := ts.Unsubscribe(ctx, id); err != nil {
						errs = append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops all consumers and subscriptions, drains the observer pool,
// and releases the transport's connections. Idempotent: a second call
// returns nil without touching the transport again.
func (b *Bus) Shutdown(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.state.Store(stateShuttingDown)

		var errs []error
		if err := b.StopAll(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("stop-all during shutdown failed")
			errs = append(errs, err)
		}
		if b.observerPool != nil {
			if err := b.observerPool.Close(b.shutdownTimeout); err != nil {
				b.logger.Warn().Err(err).Msg("observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("transport close failed")
			errs = append(errs, err)
		}

		b.state.Store(stateShutdown)
		closeErr = errors.Join(errs...)
	})

	return closeErr
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Sent:                b.metrics.sentCount.Load(),
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Handled:             b.metrics.handledCount.Load(),
		HandlerErrors:       b.metrics.handlerErrCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes a previously added observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// instrumentQueue wraps a consumer handler with metrics and observer
// notifications. The returned error still reaches the adapter, which logs
// it and leaves the message for the transport's retry policy.
func (b *Bus) instrumentQueue(queue Queue, h Handler) Handler {
	return func(ctx context.Context, env *Envelope) error {
		b.metrics.consumeCount.Add(1)
		b.notifyAsync(BusEvent{Type: ConsumeStart, Queue: queue, MessageID: env.ID, EventName: env.Type, Source: env.Source})

		start := b.clock.Now()
		err := h(ctx, env)
		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		if err != nil {
			b.metrics.handlerErrCount.Add(1)
			b.notifyAsync(BusEvent{Type: HandlerError, Queue: queue, MessageID: env.ID, EventName: env.Type, Source: env.Source, Duration: duration, Err: err})
			return err
		}
		b.metrics.handledCount.Add(1)
		b.notifyAsync(BusEvent{Type: ConsumeDone, Queue: queue, MessageID: env.ID, EventName: env.Type, Source: env.Source, Duration: duration})
		return nil
	}
}

func (b *Bus) instrumentTopic(topic Topic, h Handler) Handler {
	return func(ctx context.Context, env *Envelope) error {
		b.metrics.consumeCount.Add(1)
		b.notifyAsync(BusEvent{Type: ConsumeStart, Topic: topic, MessageID: env.ID, EventName: env.Type, Source: env.Source})

		start := b.clock.Now()
		err := h(ctx, env)
		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		if err != nil {
			b.metrics.handlerErrCount.Add(1)
			b.notifyAsync(BusEvent{Type: HandlerError, Topic: topic, MessageID: env.ID, EventName: env.Type, Source: env.Source, Duration: duration, Err: err})
			return err
		}
		b.metrics.handledCount.Add(1)
		b.notifyAsync(BusEvent{Type: ConsumeDone, Topic: topic, MessageID: env.ID, EventName: env.Type, Source: env.Source, Duration: duration})
		return nil
	}
}

// notifyAsync dispatches events asynchronously without blocking callers.
func (b *Bus) notifyAsync(e BusEvent) {
	if b.observerPool == nil {
		return
	}

	b.observersMu.RLock()
	count := len(b.observers)
	if count == 0 {
		b.observersMu.RUnlock()
		return
	}
	if count == 1 {
		obs := b.observers[0]
		b.observersMu.RUnlock()
		b.observerPool.Notify(e, []Observer{obs})
		return
	}
	observers := make([]Observer, count)
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
