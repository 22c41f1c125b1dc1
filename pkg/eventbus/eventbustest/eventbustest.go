// Package eventbustest provides an in-memory stand-in for pkg/eventbus so
// unit tests exercising publish/subscribe semantics don't need a live Redis
// instance.
package eventbustest

import (
	"context"
	"sync"

	"github.com/xiebiao/tracseq-core/pkg/eventbus"
)

// Bus is a minimal in-memory event bus: every Publish fans out synchronously
// to every currently-registered handler whose filter matches, in
// registration order. It does not model consumer groups, redelivery, or
// dead-lettering — those are integration-level concerns exercised against a
// real Redis instance.
type Bus struct {
	mu       sync.Mutex
	handlers []registration
	Events   []eventbus.Event // every event ever published, in order
}

type registration struct {
	cfg     eventbus.SubscriptionConfig
	handler eventbus.Handler
}

// New returns an empty fake bus.
func New() *Bus {
	return &Bus{}
}

// Publish records e and synchronously delivers it to every matching
// registered handler. It matches the signature of eventbus.Bus.Publish so
// it can stand in anywhere that depends on sagacore.EventPublisher.
func (b *Bus) Publish(_ context.Context, e eventbus.Event) (eventbus.PublishResult, error) {
	b.mu.Lock()
	b.Events = append(b.Events, e)
	regs := make([]registration, len(b.handlers))
	copy(regs, b.handlers)
	b.mu.Unlock()

	for _, r := range regs {
		if !r.cfg.Matches(e) {
			continue
		}
		evtCtx := &eventbus.EventContext{
			Event:         e,
			DeliveryCount: 1,
			Subscription:  r.cfg.Name,
		}
		_ = r.handler(evtCtx)
	}

	return eventbus.PublishResult{EventID: e.ID, Stream: eventbus.StreamName(e.Type)}, nil
}

// Subscribe registers handler for config; there is no background goroutine,
// no streams, and no acknowledgement bookkeeping — delivery happens inline
// during Publish.
func (b *Bus) Subscribe(cfg eventbus.SubscriptionConfig, handler eventbus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, registration{cfg: cfg, handler: handler})
}
