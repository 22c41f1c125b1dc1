package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc/panics"

	"github.com/xiebiao/tracseq-core/pkg/metrics"
	"github.com/xiebiao/tracseq-core/pkg/tracing"
)

// ErrBackendUnavailable wraps any error talking to the streaming backend.
var ErrBackendUnavailable = errors.New("eventbus: backend unavailable")

// DefaultDeadLetterThreshold is the delivery-count threshold (inclusive)
// above which an event is routed to the dead-letter stream instead of
// being redelivered again.
const DefaultDeadLetterThreshold = 10

// Config configures a Bus.
type Config struct {
	// DeadLetterThreshold overrides DefaultDeadLetterThreshold; zero means
	// use the default.
	DeadLetterThreshold int64
	// ReclaimInterval is how often a subscription scans for pending
	// entries that have sat idle past their ProcessingTimeout.
	ReclaimInterval time.Duration
}

func (c Config) deadLetterThreshold() int64 {
	if c.DeadLetterThreshold > 0 {
		return c.DeadLetterThreshold
	}
	return DefaultDeadLetterThreshold
}

func (c Config) reclaimInterval() time.Duration {
	if c.ReclaimInterval > 0 {
		return c.ReclaimInterval
	}
	return 5 * time.Second
}

// Bus is a Redis-Streams-backed event bus: one stream per event type,
// consumer groups for at-least-once delivery, and XPENDING/XCLAIM-driven
// redelivery of entries whose processing timeout has elapsed.
type Bus struct {
	client *redis.Client
	cfg    Config
}

// New wraps an existing Redis client. The client is expected to be a
// long-lived handle shared by the whole process, the same way
// the client built by internal/persistence.NewRedisClient is used elsewhere
// in this service.
func New(client *redis.Client, cfg Config) *Bus {
	return &Bus{client: client, cfg: cfg}
}

// PublishResult is returned by a successful Publish.
type PublishResult struct {
	EventID   string
	StreamID  string
	Stream    string
	Published time.Time
}

// Publish appends e to its derived stream. Missing id/timestamp/priority
// are filled with defaults; missing required fields fail validation before
// any network call, so a validation failure never produces a partial
// append.
func (b *Bus) Publish(ctx context.Context, e Event) (PublishResult, error) {
	ctx, span := tracing.StartSpan(ctx, "eventbus", "Publish")
	defer span.End()

	e = normalize(e)
	if err := validate(e); err != nil {
		return PublishResult{}, err
	}

	stream := StreamName(e.Type)
	values := map[string]interface{}{
		"id":             e.ID,
		"type":           e.Type,
		"source":         e.Source,
		"schema_version": e.SchemaVersion,
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
		"correlation_id": e.CorrelationID,
		"subject":        e.Subject,
		"priority":       strconv.Itoa(e.Priority),
		"payload":        e.Payload,
	}
	for k, v := range e.Metadata {
		values["meta:"+k] = v
	}

	streamID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		metrics.IncCounterVec(metrics.MessagesPublishedTotal, map[string]string{"event_type": "error", "source": e.Source})
		return PublishResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	metrics.IncCounterVec(metrics.MessagesPublishedTotal, map[string]string{"event_type": e.Type, "source": e.Source})

	return PublishResult{
		EventID:   e.ID,
		StreamID:  streamID,
		Stream:    stream,
		Published: e.Timestamp,
	}, nil
}

// Subscription is a live handle returned by Subscribe. Dropping it (calling
// Close) stops consuming; in-flight events complete or time out and are
// redelivered to another consumer in the group.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops this subscription's consume loop.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe registers config against one stream per entry of
// concreteEventTypes that matches one of its event-type patterns, and starts
// a background goroutine delivering matching events to handler. Streams come
// from concreteEventTypes only: a pattern, wildcard or not, opens no stream
// unless a matching concrete event type is listed, since Redis Streams
// consumer groups are created per physical stream.
func (b *Bus) Subscribe(ctx context.Context, cfg SubscriptionConfig, concreteEventTypes []string, handler Handler) (*Subscription, error) {
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.ProcessingTimeout == 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}

	streams := make([]string, 0, len(concreteEventTypes))
	for _, t := range concreteEventTypes {
		if !matchesAnyEventType(cfg.EventTypePatterns, t) {
			continue
		}
		streams = append(streams, StreamName(t))
	}

	start := "0"
	if cfg.FromLatest {
		start = "$"
	}
	for _, stream := range streams {
		if err := b.client.XGroupCreateMkStream(ctx, stream, cfg.ConsumerGroup, start).Err(); err != nil {
			if !isBusyGroupErr(err) {
				return nil, fmt.Errorf("%w: create group on %s: %v", ErrBackendUnavailable, stream, err)
			}
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		b.consumeLoop(subCtx, cfg, streams, handler)
	}()
	go func() {
		b.reclaimLoop(subCtx, cfg, streams, handler)
	}()

	return sub, nil
}

func (b *Bus) consumeLoop(ctx context.Context, cfg SubscriptionConfig, streams []string, handler Handler) {
	if len(streams) == 0 {
		<-ctx.Done()
		return
	}

	args := make([]string, 0, len(streams)*2)
	for _, s := range streams {
		args = append(args, s)
	}
	for range streams {
		args = append(args, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
			Streams:  args,
			Count:    cfg.BatchSize,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Printf("eventbus: XReadGroup error on group %s: %v", cfg.ConsumerGroup, err)
			continue
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				b.deliver(ctx, cfg, streamRes.Stream, msg, handler)
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, cfg SubscriptionConfig, stream string, msg redis.XMessage, handler Handler) {
	ctx, span := tracing.StartSpan(ctx, "eventbus", "Deliver")
	defer span.End()

	e, err := decodeEvent(msg)
	if err != nil {
		log.Printf("eventbus: dropping undecodable message %s on %s: %v", msg.ID, stream, err)
		b.client.XAck(ctx, stream, cfg.ConsumerGroup, msg.ID)
		return
	}

	if !cfg.Matches(e) {
		// Matched by stream membership but rejected by a finer filter
		// dimension (source/metadata/subject/priority); ack so it never
		// blocks this consumer's offset.
		b.client.XAck(ctx, stream, cfg.ConsumerGroup, msg.ID)
		return
	}

	deliveryCount := int64(1)
	if pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  cfg.ConsumerGroup,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result(); err == nil && len(pending) == 1 {
		deliveryCount = pending[0].RetryCount + 1
	}

	evtCtx := &EventContext{
		Event:         e,
		DeliveryCount: deliveryCount,
		Subscription:  cfg.Name,
		StreamID:      msg.ID,
		ack: func() error {
			return b.client.XAck(ctx, stream, cfg.ConsumerGroup, msg.ID).Err()
		},
		nack: func() error { return nil },
	}
	if cfg.AutoAck {
		evtCtx.ack = nil
	}

	start := time.Now()
	success := b.runHandler(handler, evtCtx)
	metrics.ObserveHistogram(metrics.MessageProcessingDuration, time.Since(start).Seconds())

	result := "success"
	if !success {
		result = "failure"
	}
	metrics.IncCounterVec(metrics.MessagesConsumedTotal, map[string]string{"subscription": cfg.Name, "result": result})

	if success && cfg.AutoAck {
		b.client.XAck(ctx, stream, cfg.ConsumerGroup, msg.ID)
	}
}

// runHandler invokes handler, converting a panic into a failed outcome
// without tearing down the consumer goroutine.
func (b *Bus) runHandler(handler Handler, evtCtx *EventContext) (success bool) {
	var p panics.Catcher
	p.Try(func() {
		if err := handler(evtCtx); err != nil {
			success = false
			return
		}
		success = true
	})
	if recovered := p.Recovered(); recovered != nil {
		log.Printf("eventbus: handler panic in subscription %s: %v", evtCtx.Subscription, recovered.AsError())
		return false
	}
	return success
}

// reclaimLoop periodically scans pending entries past ProcessingTimeout and
// XCLAIMs them back to this consumer, redelivering each claimed message to
// handler via the same deliver path consumeLoop uses, or routes them to the
// dead-letter stream once they exceed the delivery-count threshold.
func (b *Bus) reclaimLoop(ctx context.Context, cfg SubscriptionConfig, streams []string, handler Handler) {
	ticker := time.NewTicker(b.cfg.reclaimInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range streams {
				b.reclaimStream(ctx, cfg, stream, handler)
			}
		}
	}
}

func (b *Bus) reclaimStream(ctx context.Context, cfg SubscriptionConfig, stream string, handler Handler) {
	entries, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  cfg.ConsumerGroup,
		Idle:   cfg.ProcessingTimeout,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return
	}

	threshold := b.cfg.deadLetterThreshold()

	for _, entry := range entries {
		if entry.RetryCount+1 >= threshold {
			b.deadLetter(ctx, cfg, stream, entry.ID)
			continue
		}

		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
			MinIdle:  cfg.ProcessingTimeout,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			log.Printf("eventbus: XClaim failed for %s on %s: %v", entry.ID, stream, err)
			continue
		}

		for _, msg := range claimed {
			b.deliver(ctx, cfg, stream, msg, handler)
		}
	}
}

// deadLetter copies a poison entry's fields into the dead-letter stream and
// acks it off the original stream so it stops counting against pending
// entries.
func (b *Bus) deadLetter(ctx context.Context, cfg SubscriptionConfig, stream, entryID string) {
	msgs, err := b.client.XRange(ctx, stream, entryID, entryID).Result()
	if err != nil || len(msgs) == 0 {
		return
	}

	dlq := stream + DeadLetterSuffix
	b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		Values: msgs[0].Values,
	})
	b.client.XAck(ctx, stream, cfg.ConsumerGroup, entryID)

	log.Printf("eventbus: routed poison entry %s on %s to %s after exceeding delivery threshold", entryID, stream, dlq)
}

func decodeEvent(msg redis.XMessage) (Event, error) {
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}

	priority, _ := strconv.Atoi(str("priority"))
	ts, _ := time.Parse(time.RFC3339Nano, str("timestamp"))

	metadata := map[string]string{}
	for k, v := range msg.Values {
		if after, ok := trimMetaPrefix(k); ok {
			if sv, ok := v.(string); ok {
				metadata[after] = sv
			}
		}
	}

	var payload []byte
	if p, ok := msg.Values["payload"].(string); ok {
		payload = []byte(p)
	}

	return Event{
		ID:            str("id"),
		Type:          str("type"),
		Source:        str("source"),
		SchemaVersion: str("schema_version"),
		Timestamp:     ts,
		CorrelationID: str("correlation_id"),
		Subject:       str("subject"),
		Priority:      priority,
		Metadata:      metadata,
		Payload:       payload,
	}, nil
}

const metaPrefix = "meta:"

func trimMetaPrefix(key string) (string, bool) {
	if len(key) > len(metaPrefix) && key[:len(metaPrefix)] == metaPrefix {
		return key[len(metaPrefix):], true
	}
	return "", false
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
