// Package sagacoretest provides an in-memory sagacore.Store for unit tests
// that don't want a database.
package sagacoretest

import (
	"context"
	"sync"

	"github.com/xiebiao/tracseq-core/pkg/sagacore"
)

// Store is a trivial, non-durable implementation of sagacore.Store backed
// by in-process maps.
type Store struct {
	mu            sync.Mutex
	sagas         map[string]*sagacore.Saga
	steps         []*sagacore.StepExecution
	compensations []*sagacore.CompensationExecution
	events        []*sagacore.EventRecord
	checkpoints   []*sagacore.Checkpoint
	sequences     map[string]int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sagas:     map[string]*sagacore.Saga{},
		sequences: map[string]int64{},
	}
}

func (s *Store) SaveSaga(_ context.Context, saga *sagacore.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *saga
	s.sagas[saga.ID] = &cp
	return nil
}

func (s *Store) LoadSaga(_ context.Context, id string) (*sagacore.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return nil, sagacore.ErrNotFound
	}
	cp := *saga
	return &cp, nil
}

func (s *Store) ListNonTerminal(_ context.Context) ([]*sagacore.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sagacore.Saga
	for _, saga := range s.sagas {
		if !saga.State.Terminal() {
			cp := *saga
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AppendStepExecution(_ context.Context, rec *sagacore.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.steps = append(s.steps, &cp)
	return nil
}

func (s *Store) AppendCompensationExecution(_ context.Context, rec *sagacore.CompensationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.compensations = append(s.compensations, &cp)
	return nil
}

func (s *Store) AppendEvent(_ context.Context, rec *sagacore.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[rec.SagaID]++
	cp := *rec
	cp.Sequence = s.sequences[rec.SagaID]
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp *sagacore.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := *cp
	s.checkpoints = append(s.checkpoints, &v)
	return nil
}

// StepExecutions returns every recorded step-execution attempt, across all
// sagas, in append order — used by tests to assert attempt counts and
// backoff behaviour.
func (s *Store) StepExecutions() []*sagacore.StepExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sagacore.StepExecution, len(s.steps))
	copy(out, s.steps)
	return out
}

// CompensationExecutions returns every recorded compensation attempt.
func (s *Store) CompensationExecutions() []*sagacore.CompensationExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sagacore.CompensationExecution, len(s.compensations))
	copy(out, s.compensations)
	return out
}

// Events returns every recorded audit-trail entry, across all sagas, in
// append order.
func (s *Store) Events() []*sagacore.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sagacore.EventRecord, len(s.events))
	copy(out, s.events)
	return out
}
