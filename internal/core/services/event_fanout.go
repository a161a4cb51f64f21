package services

import (
	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
)

// FanOut publishes every event to each sink in order. Sinks must not
// block, as with any ports.EventSink.
type FanOut []ports.EventSink

func (f FanOut) Publish(ev domain.Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}
