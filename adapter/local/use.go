package local

import (
	"fmt"

	"github.com/stafflane/eventbus"
)

// Use builds a Bus backed by the local Redis transport and installs it as
// the process-wide default. Intended for process entry points; tests and
// services should construct explicit instances via eventbus.New.
//
// Example:
//
//	bus := local.Use(local.Config{Addr: "127.0.0.1:6379"},
//	    func(b *eventbus.BusBuilder) { b.WithSource("attendance") },
//	)
func Use(cfg Config, opts ...eventbus.BuilderOption) *eventbus.Bus {
	bus, err := eventbus.Default(func(b *eventbus.BusBuilder) {
		b.WithMode(eventbus.ModeLocal, cfg.toMap())
		for _, o := range opts {
			if o != nil {
				o(b)
			}
		}
	})
	if err != nil {
		panic(fmt.Errorf("local.Use: %w", err))
	}
	return bus
}
