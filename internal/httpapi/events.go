package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker/httpfacade"
	"github.com/xiebiao/tracseq-core/pkg/eventbus"
)

// publishEventHandler appends one event onto the bus.
//
// @Summary		Publish an event
// @Tags		events
// @Accept		json
// @Produce		json
// @Param		request	body		PublishEventRequest	true	"event envelope"
// @Success		201	{object}	Response{data=PublishEventResponse}
// @Router		/events/publish [post]
func (s *Server) publishEventHandler(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Failure(1, err.Error()))
		return
	}

	result, err := s.bus.Publish(c.Request.Context(), eventbus.Event{
		Type:          req.Type,
		Source:        req.Source,
		CorrelationID: req.CorrelationID,
		Subject:       req.Subject,
		Priority:      req.Priority,
		Metadata:      req.Metadata,
		Payload:       req.Payload,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, Success(PublishEventResponse{
		EventID:  result.EventID,
		StreamID: result.StreamID,
		Stream:   result.Stream,
	}))
}

// webhookPayload is what a subscriber's callback URL receives: the event
// envelope plus delivery metadata, mirroring eventbus.EventContext.
type webhookPayload struct {
	Event         eventbus.Event `json:"event"`
	DeliveryCount int64          `json:"delivery_count"`
	Subscription  string         `json:"subscription"`
}

// subscribeEventsHandler registers a webhook subscription: every consumed
// event matching the filter is POSTed as JSON to CallbackURL, guarded by a
// circuit breaker named after the subscription so one misbehaving
// subscriber's webhook cannot stall the coordinator's consumer goroutine.
// The request's event_type_patterns double as the concrete event types, so
// each listed type is read from its own stream; a wildcard pattern names a
// stream nothing is published to and delivers no events.
//
// @Summary		Subscribe to events via webhook
// @Tags		events
// @Accept		json
// @Produce		json
// @Param		request	body		SubscribeRequest	true	"subscription parameters"
// @Success		201	{object}	Response{data=SubscribeResponse}
// @Router		/events/subscribe [post]
func (s *Server) subscribeEventsHandler(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Failure(1, err.Error()))
		return
	}

	consumerGroup := req.ConsumerGroup
	if consumerGroup == "" {
		consumerGroup = req.Name
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = 10
	}
	processingTimeout := time.Duration(req.ProcessingTimeoutMs) * time.Millisecond
	if processingTimeout == 0 {
		processingTimeout = 30 * time.Second
	}

	cfg := eventbus.SubscriptionConfig{
		Name:              req.Name,
		EventTypePatterns: req.EventTypePatterns,
		ConsumerGroup:     consumerGroup,
		ConsumerName:      "webhook-" + uuid.NewString(),
		BatchSize:         batchSize,
		ProcessingTimeout: processingTimeout,
		AutoAck:           req.AutoAck,
		FromLatest:        req.FromLatest,
		Filter: eventbus.Filter{
			SourceAllowList: req.SourceAllowList,
			MetadataEquals:  req.MetadataEquals,
			SubjectPatterns: req.SubjectPatterns,
			MinPriority:     req.MinPriority,
			MaxPriority:     req.MaxPriority,
		},
	}

	webhook := httpfacade.New(s.breakers, "webhook:"+req.Name, req.CallbackURL, circuitbreaker.DefaultConfig())

	handler := func(evtCtx *eventbus.EventContext) error {
		body, err := json.Marshal(webhookPayload{
			Event:         evtCtx.Event,
			DeliveryCount: evtCtx.DeliveryCount,
			Subscription:  evtCtx.Subscription,
		})
		if err != nil {
			return err
		}
		_, err = webhook.Post(s.ctx, "", body, nil)
		return err
	}

	if _, err := s.bus.Subscribe(s.ctx, cfg, req.EventTypePatterns, handler); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, Success(SubscribeResponse{
		Name:          req.Name,
		ConsumerGroup: consumerGroup,
		ConsumerName:  cfg.ConsumerName,
	}))
}
