// Package eventbus decouples event producers from consumers via a durable
// append-only log, built on Redis Streams. Delivery is ordered per stream
// and at-least-once within a consumer group.
package eventbus

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamPrefix is the platform-reserved prefix for every stream this bus
// manages.
const StreamPrefix = "tracseq:events:"

// DeadLetterSuffix is appended to a stream name to derive its dead-letter
// stream.
const DeadLetterSuffix = ":dlq"

// DefaultPriority is assigned to an event whose Priority field is zero.
const DefaultPriority = 3

// Event is the envelope carried on the bus.
type Event struct {
	ID            string
	Type          string
	Source        string
	SchemaVersion string
	Timestamp     time.Time
	CorrelationID string
	Subject       string
	Priority      int
	Metadata      map[string]string
	Payload       []byte
}

// StreamName derives the Redis stream key for an event type: dots become
// colons, and the result is prefixed with StreamPrefix. Callers never
// construct a stream name directly.
func StreamName(eventType string) string {
	return StreamPrefix + strings.ReplaceAll(eventType, ".", ":")
}

// DeadLetterStreamName derives the dead-letter stream for an event type.
func DeadLetterStreamName(eventType string) string {
	return StreamName(eventType) + DeadLetterSuffix
}

// normalize fills in defaults for a to-be-published event: priority,
// timestamp, and id. It never overwrites a field the caller already set.
func normalize(e Event) Event {
	if e.Priority == 0 {
		e.Priority = DefaultPriority
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e
}

// validate checks the envelope's required fields. It runs before any
// network call so a validation failure never produces a partial append.
func validate(e Event) error {
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if e.Priority < 1 || e.Priority > 5 {
		return &ValidationError{Field: "priority", Reason: "must be in 1..5"}
	}
	return nil
}

// ValidationError reports a malformed event envelope.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "eventbus: invalid event: " + e.Field + " " + e.Reason
}
