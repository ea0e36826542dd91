package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/stafflane/eventbus"
)

type consumer struct {
	queue  eventbus.Queue
	cancel context.CancelFunc
	done   chan struct{}
}

// StartConsumer begins a long-poll loop for the queue: receive up to
// BatchSize messages, invoke the handler with at most MaxConcurrency in
// flight, delete only on handler success. Failed messages stay on the queue
// for the service's own retry/redrive policy.
func (t *Transport) StartConsumer(ctx context.Context, queue eventbus.Queue, handler eventbus.Handler, opts eventbus.ConsumerOptions) (string, error) {
	if t.closed.Load() {
		return "", errClosed
	}
	url, err := t.queueURL(queue)
	if err != nil {
		return "", err
	}

	batch := opts.BatchSize
	if batch < 1 || batch > maxReceiveBatch {
		batch = t.cfg.BatchSize
	}
	concurrency := opts.MaxConcurrency
	if concurrency < 1 {
		concurrency = t.cfg.MaxConcurrency
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

	go t.pollLoop(cctx, c, url, handler, batch, concurrency)
	return id, nil
}

func (t *Transport) pollLoop(ctx context.Context, c *consumer, url string, handler eventbus.Handler, batch, concurrency int) {
	defer close(c.done)

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	// In-flight work outlives a cancel so a graceful stop can drain it;
	// StopConsumer bounds the wait.
	hctx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, err := t.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   int32(batch),
			WaitTimeSeconds:       int32(t.cfg.WaitTime / time.Second),
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn().Err(err).
				Str("queue", string(c.queue)).
				Msg("receive failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range out.Messages {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer sem.Release(1)
				t.handleMessage(hctx, c.queue, url, m, handler)
			}(msg)
		}
	}
}

// handleMessage decodes, dispatches, and acknowledges one message. Handler
// errors and panics are contained here: the message is left un-deleted for
// the transport's retry policy and the loop keeps running.
func (t *Transport) handleMessage(ctx context.Context, queue eventbus.Queue, url string, msg sqstypes.Message, handler eventbus.Handler) {
	body := unwrapSNS(aws.ToString(msg.Body))

	var env eventbus.Envelope
	if err := t.codec.Unmarshal([]byte(body), &env); err != nil {
		t.logger.Error().Err(err).
			Str("queue", string(queue)).
			Str("receipt", aws.ToString(msg.MessageId)).
			Msg("undecodable message left for redrive")
		return
	}

	if err := safeHandle(ctx, handler, &env); err != nil {
		t.logger.Warn().Err(err).
			Str("queue", string(queue)).
			Str("message_id", env.ID).
			Str("event", env.Type).
			Str("source", env.Source).
			Msg("handler failed, message left for retry")
		return
	}

	if _, err := t.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		t.logger.Warn().Err(err).
			Str("queue", string(queue)).
			Str("message_id", env.ID).
			Msg("delete failed, message may be redelivered")
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

// StopConsumer cancels the poll loop and waits for in-flight handlers,
// bounded by the shutdown timeout.
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
	return t.waitStop(ctx, id, c)
}

func (t *Transport) waitStop(ctx context.Context, id string, c *consumer) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-time.After(t.cfg.ShutdownTimeout):
		return fmt.Errorf("eventbus/cloud: consumer %q did not stop within %s", id, t.cfg.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
