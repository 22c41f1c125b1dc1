package httpapi

import "time"

// Response is the coordinator's uniform HTTP envelope: Code 0 means
// success, any other value is an AppError Kind-derived code; Message is
// always safe to surface to a caller; Data carries the handler's payload.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success wraps data in the standard envelope.
func Success(data interface{}) Response {
	return Response{Code: 0, Message: "ok", Data: data}
}

// Failure wraps an error code/message in the standard envelope.
func Failure(code int, message string) Response {
	return Response{Code: code, Message: message}
}

// CreateTransactionRequest starts a new saga of a registered type.
type CreateTransactionRequest struct {
	SagaName      string            `json:"saga_name" binding:"required"`
	TransactionID string            `json:"transaction_id"`
	UserID        string            `json:"user_id"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata"`
	TimeoutMs     int64             `json:"timeout_ms"`
	MaxRetries    int               `json:"max_retries"`
	Input         map[string]any    `json:"input"`
}

// TransactionResponse is returned immediately on creation/resume, before
// the saga necessarily reaches a terminal state.
type TransactionResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}

// TransactionStatusResponse is the full status snapshot for GET
// /transactions/{id}.
type TransactionStatusResponse struct {
	SagaID             string    `json:"saga_id"`
	Name               string    `json:"name"`
	State              string    `json:"state"`
	CompletedSteps     int       `json:"completed_steps"`
	TotalSteps         int       `json:"total_steps"`
	ProgressPercent    float64   `json:"progress_percent"`
	CurrentStepName    string    `json:"current_step_name,omitempty"`
	FailedStepName     string    `json:"failed_step_name,omitempty"`
	RetryCount         int       `json:"retry_count"`
	CompensationErrors []string  `json:"compensation_errors,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	StartedAt          time.Time `json:"started_at,omitempty"`
	CompletedAt        time.Time `json:"completed_at,omitempty"`
}

// CancelTransactionRequest cancels a non-terminal saga.
type CancelTransactionRequest struct {
	Reason string `json:"reason"`
}

// PublishEventRequest publishes one event onto the bus.
type PublishEventRequest struct {
	Type          string            `json:"type" binding:"required"`
	Source        string            `json:"source" binding:"required"`
	CorrelationID string            `json:"correlation_id"`
	Subject       string            `json:"subject"`
	Priority      int               `json:"priority"`
	Metadata      map[string]string `json:"metadata"`
	Payload       []byte            `json:"payload"`
}

// PublishEventResponse confirms where the event landed.
type PublishEventResponse struct {
	EventID  string `json:"event_id"`
	StreamID string `json:"stream_id"`
	Stream   string `json:"stream"`
}

// SubscribeRequest registers a webhook subscription: delivered events are
// POSTed as JSON to CallbackURL, guarded by a circuit breaker named after
// the subscription.
type SubscribeRequest struct {
	Name              string   `json:"name" binding:"required"`
	CallbackURL       string   `json:"callback_url" binding:"required"`
	EventTypePatterns []string `json:"event_type_patterns" binding:"required"`
	ConsumerGroup     string   `json:"consumer_group"`
	BatchSize         int64    `json:"batch_size"`
	ProcessingTimeoutMs int64  `json:"processing_timeout_ms"`
	AutoAck           bool     `json:"auto_ack"`
	FromLatest        bool     `json:"from_latest"`

	SourceAllowList []string          `json:"source_allow_list"`
	MetadataEquals  map[string]string `json:"metadata_equals"`
	SubjectPatterns []string          `json:"subject_patterns"`
	MinPriority     int               `json:"min_priority"`
	MaxPriority     int               `json:"max_priority"`
}

// SubscribeResponse confirms a subscription was registered.
type SubscribeResponse struct {
	Name          string `json:"name"`
	ConsumerGroup string `json:"consumer_group"`
	ConsumerName  string `json:"consumer_name"`
}

// HealthResponse reports the coordinator's liveness plus each downstream
// dependency's circuit breaker state.
type HealthResponse struct {
	Status string                    `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one dependency's health: database, event bus, or a named
// circuit breaker.
type HealthCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StatsResponse surfaces the counters spec §6 asks for at GET /stats,
// read from the Prometheus registry rather than a parallel set of atomics.
type StatsResponse struct {
	MessagesPublished float64                    `json:"messages_published"`
	MessagesConsumed  float64                    `json:"messages_consumed"`
	MessagesFailed    float64                    `json:"messages_failed"`
	SagasByResult     map[string]float64         `json:"sagas_by_result"`
	Breakers          []BreakerStats             `json:"breakers"`
}

// BreakerStats is one circuit breaker's current snapshot.
type BreakerStats struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	TotalSuccesses   uint64 `json:"total_successes"`
	TotalFailures    uint64 `json:"total_failures"`
	TotalRejections  uint64 `json:"total_rejections"`
	ConsecutiveFails uint32 `json:"consecutive_fails"`
}
