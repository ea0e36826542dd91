package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// BusBuilder constructs Bus instances. The mode is resolved exactly once
// here; the built Bus never branches on it again.
type BusBuilder struct {
	mode          Mode
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	source      string
	middlewares []Middleware
	observers   []Observer

	logger    *zerolog.Logger
	clock     clock.Clock
	poolCtx   context.Context
	poolSize  int
	poolDepth int

	shutdownTimeout time.Duration
}

// NewBusBuilder returns a builder with production defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:       "json",
		source:          "eventbus",
		poolSize:        4,
		poolDepth:       1024,
		shutdownTimeout: 30 * time.Second,
	}
}

// WithMode selects the transport by mode name ("cloud" or "local") with a
// config blob handed to the registered factory.
func (bb *BusBuilder) WithMode(mode Mode, cfg map[string]any) *BusBuilder {
	bb.mode = mode
	bb.transportCfg = cfg
	return bb
}

// WithTransportConfig replaces the config blob for the mode-selected
// transport without changing the mode.
func (bb *BusBuilder) WithTransportConfig(cfg map[string]any) *BusBuilder {
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport (e.g. from an adapter's
// constructor); mode is kept for diagnostics only.
func (bb *BusBuilder) WithTransportInstance(mode Mode, t Transport) *BusBuilder {
	bb.mode = mode
	bb.transportInst = t
	return bb
}

// WithSource sets the producing service name stamped on every envelope whose
// caller did not set one.
func (bb *BusBuilder) WithSource(name string) *BusBuilder {
	if name != "" {
		bb.source = name
	}
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l zerolog.Logger) *BusBuilder {
	bb.logger = &l
	return bb
}

func (bb *BusBuilder) WithClock(c clock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithObserverPool sizes the async observer dispatch pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolSize = workers
	bb.poolDepth = bufferSize
	return bb
}

// WithShutdownTimeout bounds how long Shutdown waits for in-flight work.
func (bb *BusBuilder) WithShutdownTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.shutdownTimeout = d
	}
	return bb
}

// Build resolves the transport, codec, clock and logger and returns a ready
// Bus.
func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.mode != "":
		tr, err = NewTransport(string(bb.mode), bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = clock.New()
	}

	var lg zerolog.Logger
	if bb.logger != nil {
		lg = *bb.logger
	} else {
		lg = zerolog.Nop()
	}

	b := &Bus{
		mode:            bb.mode,
		transport:       tr,
		codec:           cd,
		clock:           clk,
		logger:          lg,
		source:          bb.source,
		middlewares:     bb.middlewares,
		shutdownTimeout: bb.shutdownTimeout,
		consumers:       make(map[Queue]string),
		subs:            make(map[Topic][]string),
		metrics:         &busMetrics{},
	}
	b.observerPool = NewObserverPool(context.Background(), bb.poolSize, bb.poolDepth)
	b.state.Store(stateReady)

	// Attach the logging observer unless the caller supplied one.
	hasLogging := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLogging = true
			break
		}
	}
	if !hasLogging {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// BuilderOption lets adapters and entry points configure the builder
// without importing each other.
type BuilderOption func(*BusBuilder)

// New constructs a Bus via the builder and returns a shutdown func for
// convenience. The Bus itself holds no global state; services own their
// instance and pass it to their handlers.
func New(init func(b *BusBuilder)) (*Bus, func(context.Context) error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	return bus, bus.Shutdown, nil
}

// Process-wide default bus: a thin get-or-create wrapper kept only for
// entry-point parity. Tests and services should prefer explicit instances
// from New.
var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide Bus, building it with init on first use.
func Default(init func(b *BusBuilder)) (*Bus, error) {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus, nil
	}
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, err
	}
	defaultBus = bus
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Shutdown shuts down the process-wide default Bus and clears the
// singleton so a subsequent Default builds a fresh instance (process
// restart and test isolation). Safe to call with no default installed.
func Shutdown(ctx context.Context) error {
	defaultBusMu.Lock()
	b := defaultBus
	defaultBus = nil
	defaultBusMu.Unlock()

	if b == nil {
		return nil
	}
	return b.Shutdown(ctx)
}
