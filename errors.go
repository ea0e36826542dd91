package eventbus

import (
	"errors"
	"fmt"
)

var (
	// ErrBusClosed is returned by every facade operation once shutdown has
	// begun.
	ErrBusClosed = errors.New("eventbus: bus is shut down")

	// ErrUnknownQueue / ErrUnknownTopic flag identifiers outside the closed
	// registry. This is a caller error, not a transport error.
	ErrUnknownQueue = errors.New("eventbus: queue not in registry")
	ErrUnknownTopic = errors.New("eventbus: topic not in registry")

	// ErrTopicSubscribeUnsupported is returned when runtime topic
	// subscription is attempted against a transport that models fan-out as
	// provisioned, infrastructure-level subscriptions (cloud mode).
	ErrTopicSubscribeUnsupported = errors.New("eventbus: runtime topic subscribe is only available in local mode; cloud subscriptions are provisioned out-of-band")

	ErrInvalidEventType      = errors.New("eventbus: event type must not be empty")
	ErrNilHandler            = errors.New("eventbus: handler must not be nil")
	ErrNoTransportConfigured = errors.New("eventbus: no transport configured")
	ErrHandlerPanic          = errors.New("eventbus: handler panicked")

	// ErrUnknownConsumer flags a stop/unsubscribe for a handle the transport
	// does not track.
	ErrUnknownConsumer = errors.New("eventbus: unknown consumer id")

	ErrObserverPoolShutdownTimeout = errors.New("eventbus: observer pool shutdown timed out")
)

// ErrUnknownTransport reports a mode/transport name with no registered
// factory.
type ErrUnknownTransport struct{ Name string }

func (e ErrUnknownTransport) Error() string {
	return fmt.Sprintf("eventbus: unknown transport: %s", e.Name)
}
