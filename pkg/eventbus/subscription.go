package eventbus

import (
	"strings"
	"time"
)

// Filter narrows a Subscription to a subset of events on top of its
// event-type patterns. An empty/zero field in Filter means "accept all"
// for that dimension.
type Filter struct {
	// SourceAllowList restricts delivery to these source services. Empty
	// means accept any source.
	SourceAllowList []string
	// MetadataEquals requires every listed key to be present in the
	// event's metadata with an equal value.
	MetadataEquals map[string]string
	// SubjectPatterns restricts delivery to subjects matching at least one
	// pattern (same wildcard rules as event-type patterns). Empty means
	// accept any subject.
	SubjectPatterns []string
	// MinPriority and MaxPriority bound the event's priority, inclusive.
	// Zero values default to the full 1..5 range.
	MinPriority int
	MaxPriority int
}

// SubscriptionConfig configures a call to Subscribe.
type SubscriptionConfig struct {
	// Name identifies this subscription for metrics and logging.
	Name string
	// EventTypePatterns selects which event types this subscription
	// receives. A pattern is a dot-separated hierarchical name where each
	// segment may be a literal or a single "*" wildcard; "*" alone matches
	// every event type.
	EventTypePatterns []string
	// ConsumerGroup and ConsumerName identify this subscription's position
	// in a Redis Streams consumer group. Each event is delivered to
	// exactly one consumer within a group; every group receives every
	// event.
	ConsumerGroup string
	ConsumerName  string
	// BatchSize bounds how many events are read per poll.
	BatchSize int64
	// ProcessingTimeout is how long a delivered-but-unacked event is
	// allowed to sit pending before it is reclaimed and redelivered.
	ProcessingTimeout time.Duration
	// AutoAck acknowledges automatically on handler success; the handler
	// error determines ack/nack. When false, the handler receives an
	// EventContext it must ack/nack itself.
	AutoAck bool
	// FromLatest, if true, starts a brand new consumer group at "$"
	// (only new events); otherwise starts at "0" (full backlog).
	FromLatest bool

	Filter Filter
}

// EventContext wraps a delivered event with delivery metadata and, when
// AutoAck is false, the means to acknowledge it explicitly.
type EventContext struct {
	Event         Event
	DeliveryCount int64
	Subscription  string
	StreamID      string

	ack  func() error
	nack func() error
}

// Ack acknowledges the event, advancing the consumer group's offset. A
// no-op (returns nil) when the subscription uses AutoAck.
func (c *EventContext) Ack() error {
	if c.ack == nil {
		return nil
	}
	return c.ack()
}

// Nack leaves the event pending; it becomes eligible for redelivery after
// the subscription's ProcessingTimeout.
func (c *EventContext) Nack() error {
	if c.nack == nil {
		return nil
	}
	return c.nack()
}

// Handler processes one delivered event. A returned error (or panic, which
// the bus converts to an error) leaves the event pending for redelivery.
type Handler func(ctx *EventContext) error

// matchesEventType reports whether eventType matches pattern, where pattern
// segments separated by "." may be "*" (matches exactly one segment).
func matchesEventType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	eSegs := strings.Split(eventType, ".")
	if len(pSegs) != len(eSegs) {
		return false
	}
	for i, p := range pSegs {
		if p != "*" && p != eSegs[i] {
			return false
		}
	}
	return true
}

// matchesAnyEventType reports whether eventType matches any of patterns.
func matchesAnyEventType(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if matchesEventType(p, eventType) {
			return true
		}
	}
	return false
}

// Matches evaluates the five-step filter order against e: event-type
// patterns, source allow-list, metadata equality, subject patterns,
// priority range. Any mismatch rejects the event.
func (cfg SubscriptionConfig) Matches(e Event) bool {
	if len(cfg.EventTypePatterns) > 0 && !matchesAnyEventType(cfg.EventTypePatterns, e.Type) {
		return false
	}

	f := cfg.Filter

	if len(f.SourceAllowList) > 0 {
		found := false
		for _, s := range f.SourceAllowList {
			if s == e.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for k, v := range f.MetadataEquals {
		if e.Metadata[k] != v {
			return false
		}
	}

	if len(f.SubjectPatterns) > 0 && !matchesAnyEventType(f.SubjectPatterns, e.Subject) {
		return false
	}

	minP, maxP := f.MinPriority, f.MaxPriority
	if minP == 0 {
		minP = 1
	}
	if maxP == 0 {
		maxP = 5
	}
	if e.Priority < minP || e.Priority > maxP {
		return false
	}

	return true
}
