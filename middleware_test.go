package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	h := func(ctx context.Context, env *Envelope) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}

	wrapped := RetryMiddleware(RetryConfig{MaxAttempts: 5})(h)
	err := wrapped(context.Background(), NewEvent("x.y", nil, EventOptions{}))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddleware_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	h := func(ctx context.Context, env *Envelope) error {
		attempts++
		return boom
	}

	wrapped := RetryMiddleware(RetryConfig{MaxAttempts: 3})(h)
	err := wrapped(context.Background(), NewEvent("x.y", nil, EventOptions{}))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddleware_RetryIfStopsEarly(t *testing.T) {
	attempts := 0
	fatal := errors.New("fatal")
	h := func(ctx context.Context, env *Envelope) error {
		attempts++
		return fatal
	}

	wrapped := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	})(h)
	err := wrapped(context.Background(), NewEvent("x.y", nil, EventOptions{}))

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestTimeoutMiddleware_CutsOffSlowHandler(t *testing.T) {
	h := func(ctx context.Context, env *Envelope) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	wrapped := TimeoutMiddleware(20 * time.Millisecond)(h)
	err := wrapped(context.Background(), NewEvent("x.y", nil, EventOptions{}))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutMiddleware_ZeroIsPassthrough(t *testing.T) {
	called := false
	h := func(ctx context.Context, env *Envelope) error {
		called = true
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return nil
	}

	require.NoError(t, TimeoutMiddleware(0)(h)(context.Background(), NewEvent("x.y", nil, EventOptions{})))
	assert.True(t, called)
}

func TestRecoveryMiddleware_ConvertsPanic(t *testing.T) {
	h := func(ctx context.Context, env *Envelope) error {
		panic("handler blew up")
	}

	err := RecoveryMiddleware()(h)(context.Background(), NewEvent("x.y", nil, EventOptions{}))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "handler blew up")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *Envelope) error {
				order = append(order, name+":before")
				err := next(ctx, env)
				order = append(order, name+":after")
				return err
			}
		}
	}
	h := func(ctx context.Context, env *Envelope) error {
		order = append(order, "handler")
		return nil
	}

	require.NoError(t, Chain(h, mw("outer"), mw("inner"))(context.Background(), NewEvent("x.y", nil, EventOptions{})))
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}

func TestChain_SkipsNilMiddleware(t *testing.T) {
	called := false
	h := func(ctx context.Context, env *Envelope) error {
		called = true
		return nil
	}
	require.NoError(t, Chain(h, nil, RecoveryMiddleware())(context.Background(), NewEvent("x.y", nil, EventOptions{})))
	assert.True(t, called)
}
