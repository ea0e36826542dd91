package cloud

import (
	"fmt"

	"github.com/stafflane/eventbus"
)

// Use builds a Bus backed by the SQS/SNS transport and installs it as the
// process-wide default. It panics on failure: the transport must be
// available at startup in production.
//
// Example:
//
//	bus := cloud.Use(cloud.Config{
//	    Region:    "eu-central-1",
//	    QueueURLs: map[string]string{"notification-send": notifyURL},
//	    TopicARNs: map[string]string{"tenant-events": tenantARN},
//	}, func(b *eventbus.BusBuilder) { b.WithSource("billing") })
func Use(cfg Config, opts ...eventbus.BuilderOption) *eventbus.Bus {
	bus, err := eventbus.Default(func(b *eventbus.BusBuilder) {
		b.WithMode(eventbus.ModeCloud, cfg.toMap())
		for _, o := range opts {
			if o != nil {
				o(b)
			}
		}
	})
	if err != nil {
		panic(fmt.Errorf("cloud.Use: %w", err))
	}
	return bus
}
