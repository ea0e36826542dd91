// Package local emulates the bus's two delivery shapes on a single Redis
// instance for development and single-box deployments. Queues are Redis
// lists consumed with BRPOP, so each enqueued message reaches exactly one
// active consumer and ordering is best-effort FIFO per queue. Topics use
// Redis's native pub/sub channels, which are genuine fan-out. Send delay is
// a timer before the push and does not survive a process restart.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stafflane/eventbus"
)

const TransportName = string(eventbus.ModeLocal)

func init() {
	if err := eventbus.RegisterTransport(TransportName, func(cfg map[string]any) (eventbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("eventbus/local: failed to register transport: %w", err))
	}
}

var errClosed = errors.New("eventbus/local: transport is closed")

// Transport implements eventbus.Transport and eventbus.TopicSubscriber on a
// Redis broker.
type Transport struct {
	cfg    Config
	client *redis.Client
	codec  eventbus.Codec
	logger zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
	subs      map[string]*topicSub

	closed atomic.Bool
}

var (
	_ eventbus.Transport       = (*Transport)(nil)
	_ eventbus.TopicSubscriber = (*Transport)(nil)
)

type consumer struct {
	queue  eventbus.Queue
	cancel context.CancelFunc
	done   chan struct{}
}

type topicSub struct {
	topic eventbus.Topic
	ps    *redis.PubSub
	done  chan struct{}
}

// Option configures the transport.
type Option func(*Transport)

// WithLogger injects a logger (default: no-op).
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithCodec overrides the envelope codec (default: JSON).
func WithCodec(c eventbus.Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithClient injects a ready Redis client, skipping the config-driven
// connection (tests, shared pools).
func WithClient(c *redis.Client) Option {
	return func(t *Transport) { t.client = c }
}

// NewTransport connects to Redis per cfg and returns a ready transport.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	cfg.applyDefaults()

	t := &Transport{
		cfg:       cfg,
		codec:     eventbus.JSONCodec{},
		logger:    zerolog.Nop(),
		consumers: make(map[string]*consumer),
		subs:      make(map[string]*topicSub),
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}

	if t.client == nil {
		t.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.client.Ping(pctx).Err(); err != nil {
			return nil, fmt.Errorf("eventbus/local: redis ping: %w", err)
		}
	}

	return t, nil
}

func (t *Transport) queueKey(q eventbus.Queue) string {
	return t.cfg.KeyPrefix + ":queue:" + string(q)
}

func (t *Transport) topicChannel(tp eventbus.Topic) string {
	return t.cfg.KeyPrefix + ":topic:" + string(tp)
}

// Send pushes one envelope onto the queue's list. A delay is emulated with
// a timer before the push; the envelope id doubles as the message id.
func (t *Transport) Send(ctx context.Context, queue eventbus.Queue, env *eventbus.Envelope, opts eventbus.SendOptions) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}
	data, err := t.codec.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("eventbus/local: encode envelope: %w", err)
	}

	key := t.queueKey(queue)
	if opts.DelaySeconds > 0 {
		delay := time.Duration(opts.DelaySeconds) * time.Second
		time.AfterFunc(delay, func() {
			if t.closed.Load() {
				return
			}
			if err := t.client.LPush(context.Background(), key, data).Err(); err != nil {
				t.logger.Warn().Err(err).
					Str("queue", string(queue)).
					Str("message_id", env.ID).
					Msg("delayed send failed")
			}
		})
		return env.ID, nil
	}

	if err := t.client.LPush(ctx, key, data).Err(); err != nil {
		return "", fmt.Errorf("eventbus/local: push to %s: %w", queue, err)
	}
	return env.ID, nil
}

// SendBatch sends strictly sequentially, preserving the queue's best-effort
// FIFO, and aggregates per-envelope outcomes as the cloud backend would.
func (t *Transport) SendBatch(ctx context.Context, queue eventbus.Queue, envs []*eventbus.Envelope) (eventbus.BatchResult, error) {
	var res eventbus.BatchResult
	if t.closed.Load() {
		return res, errClosed
	}
	for _, env := range envs {
		if _, err := t.Send(ctx, queue, env, eventbus.SendOptions{}); err != nil {
			res.Failed = append(res.Failed, env.ID)
			t.logger.Warn().Err(err).
				Str("queue", string(queue)).
				Str("message_id", env.ID).
				Msg("batch entry failed")
			continue
		}
		res.Successful = append(res.Successful, env.ID)
	}
	return res, nil
}

// Publish broadcasts the envelope to every currently-subscribed handler via
// the topic's pub/sub channel.
func (t *Transport) Publish(ctx context.Context, topic eventbus.Topic, env *eventbus.Envelope) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}
	data, err := t.codec.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("eventbus/local: encode envelope: %w", err)
	}
	if err := t.client.Publish(ctx, t.topicChannel(topic), data).Err(); err != nil {
		return "", fmt.Errorf("eventbus/local: publish to %s: %w", topic, err)
	}
	return env.ID, nil
}

// StartConsumer runs a single blocking BRPOP loop for the queue. Exactly
// one active local consumer receives each enqueued message; messages are
// never broadcast.
func (t *Transport) StartConsumer(ctx context.Context, queue eventbus.Queue, handler eventbus.Handler, _ eventbus.ConsumerOptions) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &consumer{
		queue:  queue,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	id := uuid.NewString()

	t.mu.Lock()
	t.consumers[id] = c
	t.mu.Unlock()

	go t.consumeLoop(cctx, c, handler)
	return id, nil
}

func (t *Transport) consumeLoop(ctx context.Context, c *consumer, handler eventbus.Handler) {
	defer close(c.done)
	key := t.queueKey(c.queue)

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := t.client.BRPop(ctx, t.cfg.Block, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, poll again
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			t.logger.Warn().Err(err).
				Str("queue", string(c.queue)).
				Msg("poll failed, backing off")
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		// In-flight work outlives a cancel so a graceful stop can drain it.
		t.dispatch(context.WithoutCancel(ctx), handler, []byte(res[1]), string(c.queue))
	}
}

// dispatch decodes and hands one message to the handler. Handler errors and
// panics are contained and logged here, never propagated to the loop.
func (t *Transport) dispatch(ctx context.Context, handler eventbus.Handler, body []byte, channel string) {
	var env eventbus.Envelope
	if err := t.codec.Unmarshal(body, &env); err != nil {
		t.logger.Error().Err(err).
			Str("channel", channel).
			Msg("undecodable message dropped")
		return
	}
	if err := safeHandle(ctx, handler, &env); err != nil {
		t.logger.Warn().Err(err).
			Str("channel", channel).
			Str("message_id", env.ID).
			Str("event", env.Type).
			Str("source", env.Source).
			Msg("handler failed")
	}
}

func safeHandle(ctx context.Context, handler eventbus.Handler, env *eventbus.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", eventbus.ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, env)
}

// StopConsumer cancels the queue loop and waits for it to drain, bounded by
// the shutdown timeout.
func (t *Transport) StopConsumer(ctx context.Context, id string) error {
	t.mu.Lock()
	c, ok := t.consumers[id]
	if ok {
		delete(t.consumers, id)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", eventbus.ErrUnknownConsumer, id)
	}

	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-time.After(t.cfg.ShutdownTimeout):
		return fmt.Errorf("eventbus/local: consumer %q did not stop within %s", id, t.cfg.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a fan-out handler on the topic's pub/sub channel.
func (t *Transport) Subscribe(ctx context.Context, topic eventbus.Topic, handler eventbus.Handler) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}

	ps := t.client.Subscribe(ctx, t.topicChannel(topic))
	// Force the SUBSCRIBE round trip so misconfiguration fails here, not
	// silently in the background.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return "", fmt.Errorf("eventbus/local: subscribe to %s: %w", topic, err)
	}

	s := &topicSub{
		topic: topic,
		ps:    ps,
		done:  make(chan struct{}),
	}
	id := uuid.NewString()

	t.mu.Lock()
	t.subs[id] = s
	t.mu.Unlock()

	hctx := context.WithoutCancel(ctx)
	go func() {
		defer close(s.done)
		for m := range ps.Channel() {
			t.dispatch(hctx, handler, []byte(m.Payload), m.Channel)
		}
	}()
	return id, nil
}

// Unsubscribe closes the subscription's channel and waits for its dispatch
// goroutine to drain.
func (t *Transport) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	s, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", eventbus.ErrUnknownConsumer, id)
	}

	if err := s.ps.Close(); err != nil {
		return fmt.Errorf("eventbus/local: close subscription %q: %w", id, err)
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(t.cfg.ShutdownTimeout):
		return fmt.Errorf("eventbus/local: subscription %q did not stop within %s", id, t.cfg.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all consumers and subscriptions and releases the Redis
// connection. Idempotent.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	consumers := t.consumers
	subs := t.subs
	t.consumers = make(map[string]*consumer)
	t.subs = make(map[string]*topicSub)
	t.mu.Unlock()

	var errs []error
	for id, c := range consumers {
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(t.cfg.ShutdownTimeout):
			errs = append(errs, fmt.Errorf("eventbus/local: consumer %q did not stop", id))
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	for id, s := range subs {
		if err := s.ps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("eventbus/local: close subscription %q: %w", id, err))
			continue
		}
		select {
		case <-s.done:
		case <-time.After(t.cfg.ShutdownTimeout):
			errs = append(errs, fmt.Errorf("eventbus/local: subscription %q did not stop", id))
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if err := t.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
