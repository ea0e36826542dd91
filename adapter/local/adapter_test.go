package local

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafflane/eventbus"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	tr, err := NewTransport(Config{
		Block:           100 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, WithClient(client))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func testEnvelope(eventType string, payload any) *eventbus.Envelope {
	return eventbus.NewEvent(eventType, payload, eventbus.EventOptions{Source: "test"})
}

func TestQueue_PointToPoint(t *testing.T) {
	tr := newTestTransport(t)

	received := make(chan *eventbus.Envelope, 1)
	_, err := tr.StartConsumer(context.Background(), eventbus.QueueNotificationSend,
		func(ctx context.Context, env *eventbus.Envelope) error {
			received <- env
			return nil
		}, eventbus.ConsumerOptions{})
	require.NoError(t, err)

	env := testEnvelope("notification.send", eventbus.NotificationPayload{RecipientID: "u1", Channel: "email"})
	id, err := tr.Send(context.Background(), eventbus.QueueNotificationSend, env, eventbus.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, env.ID, id)

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, "notification.send", got.Type)
		assert.Equal(t, "test", got.Source)

		n, err := eventbus.DecodePayload[eventbus.NotificationPayload](nil, got)
		require.NoError(t, err)
		assert.Equal(t, "u1", n.RecipientID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestQueue_SingleDeliveryAcrossConsumers(t *testing.T) {
	tr := newTestTransport(t)

	var delivered atomic.Int32
	handler := func(ctx context.Context, env *eventbus.Envelope) error {
		delivered.Add(1)
		return nil
	}
	for i := 0; i < 2; i++ {
		_, err := tr.StartConsumer(context.Background(), eventbus.QueueAuditLog, handler, eventbus.ConsumerOptions{})
		require.NoError(t, err)
	}

	_, err := tr.Send(context.Background(), eventbus.QueueAuditLog, testEnvelope("audit.log", nil), eventbus.SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return delivered.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	// Give the competing consumer a chance to misbehave.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load(), "a queued message reaches exactly one consumer")
}

func TestQueue_HandlerErrorDoesNotStopLoop(t *testing.T) {
	tr := newTestTransport(t)

	var seen []string
	var mu sync.Mutex
	_, err := tr.StartConsumer(context.Background(), eventbus.QueueAuditLog,
		func(ctx context.Context, env *eventbus.Envelope) error {
			mu.Lock()
			seen = append(seen, env.Type)
			mu.Unlock()
			if env.Type == "audit.bad" {
				return errors.New("rejected")
			}
			return nil
		}, eventbus.ConsumerOptions{})
	require.NoError(t, err)

	for _, typ := range []string{"audit.bad", "audit.log"} {
		_, err := tr.Send(context.Background(), eventbus.QueueAuditLog, testEnvelope(typ, nil), eventbus.SendOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond, "the loop must survive a handler error")
}

func TestQueue_HandlerPanicContained(t *testing.T) {
	tr := newTestTransport(t)

	var after atomic.Int32
	_, err := tr.StartConsumer(context.Background(), eventbus.QueueAuditLog,
		func(ctx context.Context, env *eventbus.Envelope) error {
			if env.Type == "audit.panic" {
				panic("bad entry")
			}
			after.Add(1)
			return nil
		}, eventbus.ConsumerOptions{})
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), eventbus.QueueAuditLog, testEnvelope("audit.panic", nil), eventbus.SendOptions{})
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), eventbus.QueueAuditLog, testEnvelope("audit.log", nil), eventbus.SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return after.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "the loop must survive a handler panic")
}

func TestSendBatch_SequentialWithPartialFailure(t *testing.T) {
	tr := newTestTransport(t)

	envs := []*eventbus.Envelope{
		testEnvelope("email.send", map[string]any{"n": 1}),
		testEnvelope("email.send", make(chan int)), // not serializable
		testEnvelope("email.send", map[string]any{"n": 2}),
	}

	res, err := tr.SendBatch(context.Background(), eventbus.QueueEmailOutbound, envs)
	require.NoError(t, err, "partial failure is reported, not returned")
	assert.Equal(t, []string{envs[0].ID, envs[2].ID}, res.Successful)
	assert.Equal(t, []string{envs[1].ID}, res.Failed)
}

func TestSend_DelayedDelivery(t *testing.T) {
	tr := newTestTransport(t)

	received := make(chan struct{}, 1)
	_, err := tr.StartConsumer(context.Background(), eventbus.QueueNotificationSend,
		func(ctx context.Context, env *eventbus.Envelope) error {
			received <- struct{}{}
			return nil
		}, eventbus.ConsumerOptions{})
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.Send(context.Background(), eventbus.QueueNotificationSend,
		testEnvelope("notification.send", nil), eventbus.SendOptions{DelaySeconds: 1})
	require.NoError(t, err)

	select {
	case <-received:
		assert.GreaterOrEqual(t, time.Since(start), time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed message never arrived")
	}
}

func TestTopic_FanOut(t *testing.T) {
	tr := newTestTransport(t)

	var mu sync.Mutex
	var got []string
	mk := func(name string) eventbus.Handler {
		return func(ctx context.Context, env *eventbus.Envelope) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		}
	}

	_, err := tr.Subscribe(context.Background(), eventbus.TopicTenantEvents, mk("a"))
	require.NoError(t, err)
	_, err = tr.Subscribe(context.Background(), eventbus.TopicTenantEvents, mk("b"))
	require.NoError(t, err)

	_, err = tr.Publish(context.Background(), eventbus.TopicTenantEvents, testEnvelope("tenant.created", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestTopic_SubscriberFailureIsolation(t *testing.T) {
	tr := newTestTransport(t)

	var okCount atomic.Int32
	var badCount atomic.Int32

	_, err := tr.Subscribe(context.Background(), eventbus.TopicUserEvents,
		func(ctx context.Context, env *eventbus.Envelope) error {
			badCount.Add(1)
			return errors.New("subscriber down")
		})
	require.NoError(t, err)
	_, err = tr.Subscribe(context.Background(), eventbus.TopicUserEvents,
		func(ctx context.Context, env *eventbus.Envelope) error {
			okCount.Add(1)
			return nil
		})
	require.NoError(t, err)

	_, err = tr.Publish(context.Background(), eventbus.TopicUserEvents, testEnvelope("user.invited", nil))
	require.NoError(t, err, "a failing subscriber never surfaces to the publisher")

	require.Eventually(t, func() bool {
		return okCount.Load() == 1 && badCount.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "both subscribers are attempted independently")
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	tr := newTestTransport(t)

	var count atomic.Int32
	id, err := tr.Subscribe(context.Background(), eventbus.TopicTenantEvents,
		func(ctx context.Context, env *eventbus.Envelope) error {
			count.Add(1)
			return nil
		})
	require.NoError(t, err)

	_, err = tr.Publish(context.Background(), eventbus.TopicTenantEvents, testEnvelope("tenant.created", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return count.Load() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Unsubscribe(context.Background(), id))

	_, err = tr.Publish(context.Background(), eventbus.TopicTenantEvents, testEnvelope("tenant.created", nil))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestStopConsumer(t *testing.T) {
	tr := newTestTransport(t)

	id, err := tr.StartConsumer(context.Background(), eventbus.QueueAuditLog,
		func(ctx context.Context, env *eventbus.Envelope) error { return nil },
		eventbus.ConsumerOptions{})
	require.NoError(t, err)

	require.NoError(t, tr.StopConsumer(context.Background(), id))

	err = tr.StopConsumer(context.Background(), id)
	assert.ErrorIs(t, err, eventbus.ErrUnknownConsumer)
	assert.ErrorIs(t, tr.Unsubscribe(context.Background(), "no-such-sub"), eventbus.ErrUnknownConsumer)
}

func TestClose_Idempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr, err := NewTransport(Config{Block: 100 * time.Millisecond, ShutdownTimeout: time.Second}, WithClient(client))
	require.NoError(t, err)

	_, err = tr.StartConsumer(context.Background(), eventbus.QueueAuditLog,
		func(ctx context.Context, env *eventbus.Envelope) error { return nil },
		eventbus.ConsumerOptions{})
	require.NoError(t, err)

	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	_, err = tr.Send(context.Background(), eventbus.QueueAuditLog, testEnvelope("audit.log", nil), eventbus.SendOptions{})
	assert.Error(t, err)
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":             "redis:6380",
		"db":               3,
		"key_prefix":       "hrbus",
		"block":            "500ms",
		"shutdown_timeout": "5s",
	})
	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "hrbus", cfg.KeyPrefix)
	assert.Equal(t, 500*time.Millisecond, cfg.Block)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestFacadeIntegration_FanOutThroughBus(t *testing.T) {
	tr := newTestTransport(t)

	bus, shutdown, err := eventbus.New(func(b *eventbus.BusBuilder) {
		b.WithTransportInstance(eventbus.ModeLocal, tr).WithSource("tenant-service")
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	var mu sync.Mutex
	var got []string
	mk := func(name string) eventbus.Handler {
		return func(ctx context.Context, env *eventbus.Envelope) error {
			mu.Lock()
			got = append(got, name+":"+env.TenantID)
			mu.Unlock()
			return nil
		}
	}

	_, err = bus.SubscribeToTopic(context.Background(), eventbus.TopicTenantEvents, mk("billing"))
	require.NoError(t, err)
	_, err = bus.SubscribeToTopic(context.Background(), eventbus.TopicTenantEvents, mk("search"))
	require.NoError(t, err)

	_, err = bus.EmitTenantEvent(context.Background(), "tenant.created",
		map[string]any{"plan": "starter"}, eventbus.MessageContext{TenantID: "t1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"billing:t1", "search:t1"}, got)
}
