package sagacore

import (
	"time"

	"github.com/google/uuid"
)

// Builder accumulates a saga's definition. Build() returns a Saga in state
// Created with a fresh id; the returned Saga has not been persisted or
// executed yet.
type Builder struct {
	name          string
	transactionID string
	userID        string
	correlationID string
	metadata      map[string]string
	steps         []Step
	compensations []Compensation
	timeout       time.Duration
	maxRetries    int
}

// NewBuilder starts a saga definition named name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:       name,
		metadata:   map[string]string{},
		timeout:    30 * time.Second,
		maxRetries: 3,
	}
}

// WithTransactionContext sets the transaction/user/correlation identifiers
// threaded into every step's Context.
func (b *Builder) WithTransactionContext(transactionID, userID, correlationID string) *Builder {
	b.transactionID = transactionID
	b.userID = userID
	b.correlationID = correlationID
	return b
}

// WithMetadata adds a free-form metadata entry.
func (b *Builder) WithMetadata(key, value string) *Builder {
	b.metadata[key] = value
	return b
}

// WithTimeout sets the saga's absolute wall-clock timeout.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// WithMaxRetries sets the per-step retry budget (exponential backoff
// starting at 100ms, doubling each attempt).
func (b *Builder) WithMaxRetries(n int) *Builder {
	b.maxRetries = n
	return b
}

// AddStep appends a step to the end of the ordered plan.
func (b *Builder) AddStep(step Step) *Builder {
	b.steps = append(b.steps, step)
	return b
}

// AddCompensation appends a compensation, index-aligned to the step added
// at the same position. Call AddCompensation immediately after the AddStep
// it pairs with; a step with no paired compensation is legal — pass a
// Compensation with a nil Execute, or simply omit the call (missing
// trailing compensations are treated as no-ops).
func (b *Builder) AddCompensation(comp Compensation) *Builder {
	b.compensations = append(b.compensations, comp)
	return b
}

// Build finalizes the definition into a Saga in state Created.
func (b *Builder) Build() *Saga {
	now := time.Now().UTC()
	return &Saga{
		ID:            uuid.NewString(),
		Name:          b.name,
		SchemaVersion: "v1",
		TransactionID: b.transactionID,
		UserID:        b.userID,
		CorrelationID: b.correlationID,
		Metadata:      b.metadata,
		Timeout:       b.timeout,
		CreatedAt:     now,
		Steps:         b.steps,
		Compensations: b.compensations,
		MaxRetries:    b.maxRetries,
		State:         StateCreated,
		TotalSteps:    len(b.steps),
		CustomData:    map[string]any{},
		UpdatedAt:     now,
	}
}
