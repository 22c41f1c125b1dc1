package sagacore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	apperrors "github.com/xiebiao/tracseq-core/pkg/errors"
	"github.com/xiebiao/tracseq-core/pkg/eventbus"
	"github.com/xiebiao/tracseq-core/pkg/metrics"
	"github.com/xiebiao/tracseq-core/pkg/tracing"
)

// EventPublisher is the narrow slice of pkg/eventbus that the coordinator
// needs to emit lifecycle events. Lifecycle publishing is always
// best-effort: a publish failure is logged and never fails the saga.
type EventPublisher interface {
	Publish(ctx context.Context, e eventbus.Event) (eventbus.PublishResult, error)
}

// TxRunner groups a saga-state write with its checkpoint write into a single
// backing-store transaction, so a crash between the two can never leave a
// saga's CompletedSteps ahead of its last durable checkpoint. Optional: a
// nil TxRunner (the default, and what every in-memory test store uses) just
// runs the two writes back to back.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// RecoveryPolicy decides what happens to a non-terminal saga found at
// startup.
type RecoveryPolicy int

const (
	// RecoveryResume re-enters the step loop at CompletedSteps for every
	// non-terminal saga found at startup except Paused ones, which stay
	// Paused until Resume is called.
	RecoveryResume RecoveryPolicy = iota
	// RecoveryFail marks every non-terminal saga except Paused ones Failed
	// with reason "coordinator restart" instead of resuming it.
	RecoveryFail
)

// Definition is the reusable, registered shape of a saga: its ordered
// steps and index-paired compensations. Step/Compensation closures can't be
// persisted (a database row can't hold a Go function), so Resume and
// Recover can't reconstruct them from storage alone — they reattach a
// saga's Steps/Compensations by looking up its Definition by name instead.
// Execute doesn't need this: its caller already supplies a fully-built
// Saga (via Builder) with Steps attached for that one call.
type Definition struct {
	Steps         []Step
	Compensations []Compensation
}

// Executor runs sagas against a Store, publishing lifecycle events
// best-effort and reporting metrics/traces as it goes.
type Executor struct {
	store                  Store
	publisher              EventPublisher
	source                 string // service name recorded as Event.Source
	policy                 RecoveryPolicy
	maxRecoveryConcurrency int
	txRunner               TxRunner

	mu              sync.Mutex
	pauseRequested  map[string]bool
	cancelRequested map[string]string
	cancelFuncs     map[string]context.CancelFunc
	definitions     map[string]Definition
}

// NewExecutor builds an Executor. source identifies this coordinator
// instance as the Event.Source of every lifecycle event it publishes.
func NewExecutor(store Store, publisher EventPublisher, source string, policy RecoveryPolicy) *Executor {
	return &Executor{
		store:                  store,
		publisher:              publisher,
		source:                 source,
		policy:                 policy,
		maxRecoveryConcurrency: 8,
		pauseRequested:         map[string]bool{},
		cancelRequested:        map[string]string{},
		cancelFuncs:            map[string]context.CancelFunc{},
		definitions:            map[string]Definition{},
	}
}

// SetTxRunner wires a TxRunner (e.g. internal/persistence.TxManager) so every
// step's saga-state write and checkpoint write commit atomically. Call once
// at startup; a nil runner (the zero value) is the default and requires no
// call.
func (e *Executor) SetTxRunner(tx TxRunner) {
	e.txRunner = tx
}

// RegisterDefinition associates name (a Saga.Name) with the step/
// compensation plan Resume and Recover should reattach when reloading a
// persisted saga of that name. Register every saga type the coordinator
// can run before calling Resume or Recover — typically done once at
// startup, e.g. by internal/labworkflow.
func (e *Executor) RegisterDefinition(name string, def Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[name] = def
}

// Definition returns the registered step/compensation plan for name, if one
// was registered via RegisterDefinition. internal/httpapi uses this to build
// a fresh Saga (via Builder) from a request that only names the saga type.
func (e *Executor) Definition(name string) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.definitions[name]
	return def, ok
}

// attachDefinition fills s.Steps/s.Compensations from the registered
// Definition for s.Name, if one exists. Sagas with no registered
// definition can still be queried via GetStatus but cannot Resume/Recover.
func (e *Executor) attachDefinition(s *Saga) error {
	e.mu.Lock()
	def, ok := e.definitions[s.Name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("sagacore: no definition registered for saga %q (name %q)", s.ID, s.Name)
	}
	s.Steps = def.Steps
	s.Compensations = def.Compensations
	return nil
}

// Result is the outcome of one Execute/Resume call. It is always a value —
// Execute never raises a failed saga to the caller as an error.
type Result struct {
	SagaID               string
	Status               State
	CompletedSteps       int
	FailedStep           string
	ErrorMessage         string
	WallClockMillis      int64
	CompensationExecuted bool
}

func (e *Executor) emit(ctx context.Context, kind string, s *Saga, detail string) {
	if e.publisher == nil {
		return
	}
	_, err := e.publisher.Publish(ctx, eventbus.Event{
		Type:          kind,
		Source:        e.source,
		CorrelationID: s.CorrelationID,
		Subject:       "saga." + s.ID,
		Metadata:      map[string]string{"saga_id": s.ID, "saga_name": s.Name},
		Payload:       []byte(detail),
	})
	if err != nil {
		log.Printf("sagacore: best-effort event %s for saga %s not published: %v", kind, s.ID, err)
	}
}

func (e *Executor) appendEvent(ctx context.Context, s *Saga, kind, detail string) {
	_ = e.store.AppendEvent(ctx, &EventRecord{
		SagaID:        s.ID,
		Kind:          kind,
		CorrelationID: s.CorrelationID,
		Detail:        detail,
		RecordedAt:    time.Now().UTC(),
	})
}

func (e *Executor) persist(ctx context.Context, s *Saga) error {
	s.UpdatedAt = time.Now().UTC()
	return e.store.SaveSaga(ctx, s)
}

// persistWithCheckpoint saves s and records a matching checkpoint as one
// atomic unit via txRunner, if one is set.
func (e *Executor) persistWithCheckpoint(ctx context.Context, s *Saga) error {
	write := func(ctx context.Context) error {
		if err := e.persist(ctx, s); err != nil {
			return err
		}
		return e.store.SaveCheckpoint(ctx, &Checkpoint{SagaID: s.ID, CompletedStep: s.CompletedSteps, RecordedAt: time.Now().UTC()})
	}
	if e.txRunner != nil {
		return e.txRunner.Transaction(ctx, write)
	}
	return write(ctx)
}

// Execute runs saga from Created through to a terminal state. If a saga
// with the same id has already reached Completed or Compensated, Execute
// is a no-op: it returns the previously recorded result without re-running
// any step (the idempotency law).
func (e *Executor) Execute(ctx context.Context, s *Saga) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sagacore", "Execute:"+s.Name)
	defer span.End()

	if existing, err := e.store.LoadSaga(ctx, s.ID); err == nil && existing.State.Terminal() {
		return resultFromSaga(existing), nil
	}

	s.State = StateExecuting
	s.StartedAt = time.Now().UTC()
	if err := e.persist(ctx, s); err != nil {
		return Result{}, fmt.Errorf("sagacore: persist Executing transition: %w", err)
	}
	e.appendEvent(ctx, s, "saga.created", "")
	e.emit(ctx, "saga.created", s, "")

	return e.runFrom(ctx, s, 0)
}

// Resume re-enters the step loop for a Paused saga at its CompletedSteps
// index, re-loading state from persistence first.
func (e *Executor) Resume(ctx context.Context, sagaID string) (Result, error) {
	s, err := e.store.LoadSaga(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if s.State != StatePaused {
		return Result{}, ErrIllegalTransition
	}
	if err := e.attachDefinition(s); err != nil {
		return Result{}, err
	}

	s.State = StateExecuting
	if err := e.persist(ctx, s); err != nil {
		return Result{}, err
	}
	e.appendEvent(ctx, s, "saga.resumed", "")

	return e.runFrom(ctx, s, s.CompletedSteps)
}

// runFrom executes steps[from:] of s, handling retry, timeout, pause, and
// cancel checks, then compensation on failure. It is the shared core of
// Execute and Resume.
//
// ctx is derived into a per-saga cancellable stepCtx registered in
// e.cancelFuncs for the saga's lifetime: Cancel(id) calls this function
// directly, so a step blocked on a downstream call observes cancellation
// immediately rather than only at the next between-step check.
func (e *Executor) runFrom(ctx context.Context, s *Saga, from int) (Result, error) {
	stepCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFuncs[s.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancelFuncs, s.ID)
		e.mu.Unlock()
		cancel()
	}()

	var failIdx = -1

	for i := from; i < len(s.Steps); i++ {
		if e.consumePause(s.ID) {
			s.State = StatePaused
			if err := e.persist(ctx, s); err != nil {
				return Result{}, err
			}
			e.appendEvent(ctx, s, "saga.paused", "")
			return resultFromSaga(s), nil
		}

		if reason, cancelled := e.consumeCancel(s.ID); cancelled {
			return e.cancelNow(ctx, s, reason)
		}

		if s.Timeout > 0 && time.Since(s.StartedAt) > s.Timeout {
			s.State = StateTimedOut
			s.FailedStepName = s.Steps[i].Name
			failIdx = i
			e.appendEvent(ctx, s, "saga.timed_out", s.Steps[i].Name)
			break
		}

		step := s.Steps[i]
		s.CurrentStepName = step.Name
		if err := e.persist(ctx, s); err != nil {
			return Result{}, err
		}
		e.appendEvent(ctx, s, "saga.step_started", step.Name)
		e.emit(ctx, "saga.step_started", s, step.Name)

		output, err := e.runStepWithRetry(ctx, stepCtx, s, i, step)
		if err != nil {
			s.State = StateCompensating
			s.FailedStepName = step.Name
			failIdx = i
			e.appendEvent(ctx, s, "saga.step_failed", step.Name+": "+err.Error())
			break
		}

		if output != nil {
			if s.CustomData == nil {
				s.CustomData = map[string]any{}
			}
			s.CustomData[step.Name] = output
		}
		s.CompletedSteps = i + 1
		if err := e.persistWithCheckpoint(ctx, s); err != nil {
			return Result{}, err
		}
		e.appendEvent(ctx, s, "saga.step_completed", step.Name)
		e.emit(ctx, "saga.step_completed", s, step.Name)
	}

	if failIdx == -1 {
		s.State = StateCompleted
		s.CompletedAt = time.Now().UTC()
		s.TotalDuration = s.CompletedAt.Sub(s.StartedAt)
		if err := e.persist(ctx, s); err != nil {
			return Result{}, err
		}
		e.appendEvent(ctx, s, "saga.completed", "")
		e.emit(ctx, "saga.completed", s, "")
		metrics.IncCounterVec(metrics.SagaExecutionsTotal, map[string]string{"result": "success"})
		metrics.ObserveHistogram(metrics.SagaExecutionDuration, s.TotalDuration.Seconds())
		return resultFromSaga(s), nil
	}

	return e.compensate(ctx, s)
}

// runStepWithRetry runs one step up to s.MaxRetries attempts, sleeping an
// exponential backoff (100ms doubling) after every failed attempt
// including the last, matching the worked scenario in spec §8.
//
// ctx persists step-execution records and survives a Cancel call; execCtx is
// the per-saga cancellable context passed to step.Execute itself, so Cancel
// interrupts an in-flight step's downstream call without also aborting the
// record of that attempt.
func (e *Executor) runStepWithRetry(ctx, execCtx context.Context, s *Saga, idx int, step Step) (map[string]any, error) {
	sagaCtx := &Context{
		TransactionID: s.TransactionID,
		UserID:        s.UserID,
		CorrelationID: s.CorrelationID,
		Metadata:      s.Metadata,
		CustomData:    s.CustomData,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		started := time.Now().UTC()
		output, err := runStepOnce(execCtx, s.ID, step, sagaCtx)
		completed := time.Now().UTC()

		rec := &StepExecution{
			SagaID:      s.ID,
			StepName:    step.Name,
			StepIndex:   idx,
			Attempt:     attempt,
			StartedAt:   started,
			CompletedAt: completed,
			Input:       s.CustomData,
		}

		var already *AlreadyAppliedError
		if errors.As(err, &already) {
			rec.Status = StepSucceeded
			rec.Output = already.Output
			_ = e.store.AppendStepExecution(ctx, rec)
			return already.Output, nil
		}

		if err == nil {
			rec.Status = StepSucceeded
			rec.Output = output
			_ = e.store.AppendStepExecution(ctx, rec)
			return output, nil
		}

		rec.Status = StepFailed
		rec.ErrorMsg = err.Error()
		_ = e.store.AppendStepExecution(ctx, rec)
		lastErr = err
		s.RetryCount++

		if errors.Is(err, ErrInvariantViolation) {
			log.Printf("sagacore: invariant violation in step %s (saga %s): %v", step.Name, s.ID, err)
			metrics.IncCounter(metrics.SagaInvariantViolationsTotal)
			return nil, lastErr
		}

		var appErr *apperrors.AppError
		if step.NoRetry || isDoNotRetry(err) || (errors.As(err, &appErr) && !appErr.Retryable) {
			return nil, lastErr
		}

		select {
		case <-execCtx.Done():
			return nil, execCtx.Err()
		case <-time.After(bo.NextBackOff()):
		}

		if attempt >= maxRetries {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// runStepOnce invokes a step's Execute function, converting a panic into an
// InvariantError instead of tearing down the coordinator.
func runStepOnce(ctx context.Context, sagaID string, step Step, sagaCtx *Context) (output map[string]any, err error) {
	var p panics.Catcher
	p.Try(func() {
		output, err = step.Execute(ctx, sagaCtx)
	})
	if r := p.Recovered(); r != nil {
		return nil, &InvariantError{Saga: sagaID, Message: "step " + step.Name + " panicked: " + r.AsError().Error()}
	}
	return output, err
}

func isDoNotRetry(err error) bool {
	se, ok := err.(*StepError)
	return ok && se.DoNotRetry
}

// compensate runs compensations for indices [completedSteps-1 .. 0] in
// reverse order, collecting errors rather than aborting on failure.
func (e *Executor) compensate(ctx context.Context, s *Saga) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sagacore", "Compensate:"+s.Name)
	defer span.End()

	for i := s.CompletedSteps - 1; i >= 0; i-- {
		comp, ok := s.compensationFor(i)
		if !ok || comp.Execute == nil {
			continue
		}
		if err := e.runCompensationWithRetry(ctx, s, i, comp); err != nil {
			s.CompensationErrors = append(s.CompensationErrors, fmt.Sprintf("%s: %v", comp.Name, err))
		}
	}

	metrics.IncCounter(metrics.SagaCompensationsTotal)

	if len(s.CompensationErrors) == 0 {
		s.State = StateCompensated
	} else {
		s.State = StateFailed
	}
	s.CompletedAt = time.Now().UTC()
	s.TotalDuration = s.CompletedAt.Sub(s.StartedAt)
	if err := e.persist(ctx, s); err != nil {
		return Result{}, err
	}

	kind := "saga.compensated"
	if s.State == StateFailed {
		kind = "saga.failed"
	}
	e.appendEvent(ctx, s, kind, s.FailedStepName)
	e.emit(ctx, kind, s, s.FailedStepName)

	result := "failure"
	metrics.IncCounterVec(metrics.SagaExecutionsTotal, map[string]string{"result": result})
	metrics.ObserveHistogram(metrics.SagaExecutionDuration, s.TotalDuration.Seconds())

	res := resultFromSaga(s)
	res.CompensationExecuted = true
	return res, nil
}

// runCompensationWithRetry retries a compensation a bounded number of times
// with no backoff — compensation failures are collected, never aborted.
func (e *Executor) runCompensationWithRetry(ctx context.Context, s *Saga, idx int, comp Compensation) error {
	sagaCtx := &Context{
		TransactionID: s.TransactionID,
		UserID:        s.UserID,
		CorrelationID: s.CorrelationID,
		Metadata:      s.Metadata,
		CustomData:    s.CustomData,
	}

	const maxCompensationAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxCompensationAttempts; attempt++ {
		started := time.Now().UTC()
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = comp.Execute(ctx, sagaCtx) })
		if r := pc.Recovered(); r != nil {
			err = &InvariantError{Saga: s.ID, Message: "compensation " + comp.Name + " panicked: " + r.AsError().Error()}
		}
		completed := time.Now().UTC()

		rec := &CompensationExecution{
			SagaID:           s.ID,
			CompensationName: comp.Name,
			StepIndex:        idx,
			Attempt:          attempt,
			StartedAt:        started,
			CompletedAt:      completed,
			Succeeded:        err == nil,
		}
		if err != nil {
			rec.ErrorMsg = err.Error()
		}
		_ = e.store.AppendCompensationExecution(ctx, rec)

		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// cancelNow runs the full compensation pass for a saga being cancelled from
// a non-terminal, non-Compensating state, then records Cancelled or Failed
// depending on whether compensation was clean.
func (e *Executor) cancelNow(ctx context.Context, s *Saga, reason string) (Result, error) {
	s.State = StateCompensating
	if err := e.persist(ctx, s); err != nil {
		return Result{}, err
	}
	e.appendEvent(ctx, s, "saga.cancel_requested", reason)

	result, err := e.compensate(ctx, s)
	if err != nil {
		return result, err
	}
	if s.State == StateCompensated {
		s.State = StateCancelled
		if err := e.persist(ctx, s); err != nil {
			return Result{}, err
		}
		e.appendEvent(ctx, s, "saga.cancelled", reason)
		e.emit(ctx, "saga.cancelled", s, reason)
		result = resultFromSaga(s)
	}
	return result, nil
}

// GetStatus returns the persisted status snapshot for id.
func (e *Executor) GetStatus(ctx context.Context, id string) (*Saga, error) {
	return e.store.LoadSaga(ctx, id)
}

// Pause requests that a saga currently Executing halt after its in-flight
// step completes. Legal only from Executing.
func (e *Executor) Pause(ctx context.Context, id string) error {
	s, err := e.store.LoadSaga(ctx, id)
	if err != nil {
		return err
	}
	if s.State != StateExecuting {
		return ErrIllegalTransition
	}
	e.mu.Lock()
	e.pauseRequested[id] = true
	e.mu.Unlock()
	return nil
}

func (e *Executor) consumePause(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauseRequested[id] {
		delete(e.pauseRequested, id)
		return true
	}
	return false
}

// Cancel requests cancellation of a non-terminal saga. If the saga is
// currently Compensating, the in-flight compensation pass is allowed to
// finish (it always ends Compensated or Failed); Cancel only takes effect
// for sagas in Created, Executing, or Paused.
func (e *Executor) Cancel(ctx context.Context, id, reason string) (*Saga, error) {
	s, err := e.store.LoadSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return nil, ErrIllegalTransition
	}

	if s.State == StateCompensating {
		e.appendEvent(ctx, s, "saga.cancel_requested_during_compensation", reason)
		return s, nil
	}

	e.mu.Lock()
	e.cancelRequested[id] = reason
	cancelStep, inFlight := e.cancelFuncs[id]
	e.mu.Unlock()
	if inFlight {
		// Interrupts a step blocked on a downstream call right now, instead
		// of waiting for the next between-step check.
		cancelStep()
	}

	if s.State == StatePaused {
		if _, err := e.cancelNow(ctx, s, reason); err != nil {
			return nil, err
		}
		return e.store.LoadSaga(ctx, id)
	}

	return s, nil
}

func (e *Executor) consumeCancel(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.cancelRequested[id]
	if ok {
		delete(e.cancelRequested, id)
	}
	return reason, ok
}

// Recover scans the store for non-terminal sagas at startup and either
// resumes them (RecoveryResume) or marks them Failed with reason
// "coordinator restart" (RecoveryFail). Resumption is bounded-concurrency
// and panic-isolated so one crash-looping saga cannot take down recovery
// for the rest.
func (e *Executor) Recover(ctx context.Context) error {
	sagas, err := e.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}

	if e.policy == RecoveryFail {
		for _, s := range sagas {
			if s.State == StatePaused {
				continue
			}
			s.State = StateFailed
			s.FailedStepName = s.CurrentStepName
			s.CompensationErrors = append(s.CompensationErrors, "coordinator restart")
			_ = e.persist(ctx, s)
			e.appendEvent(ctx, s, "saga.failed", "coordinator restart")
		}
		return nil
	}

	p := pool.New().WithMaxGoroutines(e.maxRecoveryConcurrency).WithContext(ctx)
	for _, s := range sagas {
		s := s
		if s.State == StatePaused {
			continue
		}
		p.Go(func(ctx context.Context) error {
			var pc panics.Catcher
			pc.Try(func() {
				if err := e.attachDefinition(s); err != nil {
					log.Printf("sagacore: recovery of saga %s skipped: %v", s.ID, err)
					return
				}
				_, _ = e.runFrom(ctx, s, s.CompletedSteps)
			})
			if r := pc.Recovered(); r != nil {
				log.Printf("sagacore: recovery of saga %s panicked: %v", s.ID, r.AsError())
			}
			return nil
		})
	}
	return p.Wait()
}

func resultFromSaga(s *Saga) Result {
	return Result{
		SagaID:               s.ID,
		Status:               s.State,
		CompletedSteps:       s.CompletedSteps,
		FailedStep:           s.FailedStepName,
		WallClockMillis:      s.TotalDuration.Milliseconds(),
		CompensationExecuted: s.State == StateCompensated || s.State == StateFailed || s.State == StateCancelled,
	}
}
