package sagacore

import "context"

// Store is the persistence port the executor depends on. It is injected as
// an explicit long-lived handle rather than consumed as an ambient
// singleton, so unit tests can substitute a deterministic in-memory
// implementation (see sagacoretest) without a database.
//
// Implementations must make every method safe for concurrent use: many
// sagas run concurrently and each writes through the same Store.
type Store interface {
	// SaveSaga persists the full current state of s. Called after every
	// state transition, before the executor returns control to its caller.
	SaveSaga(ctx context.Context, s *Saga) error
	// LoadSaga returns the persisted state for id, or ErrNotFound.
	LoadSaga(ctx context.Context, id string) (*Saga, error)
	// ListNonTerminal returns every saga whose last-persisted state is not
	// terminal — consulted once at coordinator startup to recover or
	// fail sagas interrupted by a restart.
	ListNonTerminal(ctx context.Context) ([]*Saga, error)

	// AppendStepExecution records one attempt at one step.
	AppendStepExecution(ctx context.Context, rec *StepExecution) error
	// AppendCompensationExecution records one attempt at one compensation.
	AppendCompensationExecution(ctx context.Context, rec *CompensationExecution) error
	// AppendEvent records one audit-trail entry. Sequence must be assigned
	// by the implementation as a monotonically increasing per-saga
	// counter.
	AppendEvent(ctx context.Context, rec *EventRecord) error
	// SaveCheckpoint records the fast-resume checkpoint for a saga.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
}
