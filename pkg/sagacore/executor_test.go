package sagacore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xiebiao/tracseq-core/pkg/eventbus/eventbustest"
	"github.com/xiebiao/tracseq-core/pkg/sagacore/sagacoretest"
)

func newTestExecutor() (*Executor, *sagacoretest.Store, *eventbustest.Bus) {
	store := sagacoretest.New()
	bus := eventbustest.New()
	exec := NewExecutor(store, bus, "registration-service", RecoveryResume)
	return exec, store, bus
}

func noopStep(name string) Step {
	return Step{Name: name, Execute: func(ctx context.Context, sc *Context) (map[string]any, error) { return map[string]any{"ok": true}, nil }}
}

func noopCompensation(name string) Compensation {
	return Compensation{Name: name, Execute: func(ctx context.Context, sc *Context) error { return nil }}
}

func TestExecute_HappyPath_FourSteps(t *testing.T) {
	exec, _, bus := newTestExecutor()

	saga := NewBuilder("sample_registration").
		WithTransactionContext("txn-1", "U1", "C1").
		WithMaxRetries(3).
		AddStep(noopStep("create_sample_record")).
		AddCompensation(noopCompensation("delete_sample_record")).
		AddStep(noopStep("reserve_storage")).
		AddCompensation(noopCompensation("release_storage")).
		AddStep(noopStep("create_sequencing_job")).
		AddCompensation(noopCompensation("cancel_sequencing_job")).
		AddStep(noopStep("emit_audit_event")).
		Build()

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != StateCompleted {
		t.Fatalf("expected Completed, got %s", result.Status)
	}
	if result.CompletedSteps != 4 {
		t.Errorf("expected 4 completed steps, got %d", result.CompletedSteps)
	}
	if result.CompensationExecuted {
		t.Error("expected no compensation on happy path")
	}

	var kinds []string
	for _, e := range bus.Events {
		kinds = append(kinds, e.Type)
	}
	wantPrefix := []string{"saga.created", "saga.step_started", "saga.step_completed", "saga.step_started", "saga.step_completed"}
	for i, w := range wantPrefix {
		if kinds[i] != w {
			t.Errorf("event %d: expected %q, got %q (full sequence: %v)", i, w, kinds[i], kinds)
		}
	}
	if kinds[len(kinds)-1] != "saga.completed" {
		t.Errorf("expected final event saga.completed, got %q", kinds[len(kinds)-1])
	}
}

func TestExecute_StorageReservationFailsAfterRetries(t *testing.T) {
	exec, store, _ := newTestExecutor()

	attempts := 0
	saga := NewBuilder("sample_registration").
		WithMaxRetries(3).
		AddStep(noopStep("create_sample_record")).
		AddCompensation(noopCompensation("delete_sample_record")).
		AddStep(Step{Name: "reserve_storage", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			attempts++
			return nil, errors.New("storage full")
		}}).
		AddCompensation(noopCompensation("release_storage")).
		Build()

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if attempts != 3 {
		t.Errorf("expected 3 attempts of reserve_storage, got %d", attempts)
	}
	if result.Status != StateCompensated {
		t.Fatalf("expected Compensated, got %s", result.Status)
	}
	if result.FailedStep != "reserve_storage" {
		t.Errorf("expected failed_step=reserve_storage, got %q", result.FailedStep)
	}
	if result.CompletedSteps != 1 {
		t.Errorf("expected completed_steps=1, got %d", result.CompletedSteps)
	}

	comps := store.CompensationExecutions()
	succeeded := 0
	for _, c := range comps {
		if c.CompensationName == "delete_sample_record" && c.Succeeded {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("expected compensation 1 (delete_sample_record) to run exactly once successfully, got %d", succeeded)
	}
}

func TestExecute_CompensationFailure_EndsFailed(t *testing.T) {
	exec, _, bus := newTestExecutor()

	saga := NewBuilder("sample_registration").
		WithMaxRetries(1).
		AddStep(noopStep("create_sample_record")).
		AddCompensation(Compensation{Name: "delete_sample_record", Execute: func(ctx context.Context, sc *Context) error {
			return errors.New("delete failed")
		}}).
		AddStep(Step{Name: "reserve_storage", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			return nil, errors.New("storage full")
		}}).
		AddCompensation(noopCompensation("release_storage")).
		Build()

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != StateFailed {
		t.Fatalf("expected Failed, got %s", result.Status)
	}

	foundFailedEvent := false
	for _, e := range bus.Events {
		if e.Type == "saga.failed" {
			foundFailedEvent = true
		}
	}
	if !foundFailedEvent {
		t.Error("expected a saga.failed lifecycle event")
	}
}

func TestExecute_ZeroSteps_ImmediateCompleted(t *testing.T) {
	exec, _, _ := newTestExecutor()
	saga := NewBuilder("empty_saga").Build()

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StateCompleted {
		t.Errorf("expected Completed for a zero-step saga, got %s", result.Status)
	}
	if result.CompletedSteps != 0 {
		t.Errorf("expected 0 completed steps, got %d", result.CompletedSteps)
	}
}

func TestExecute_FirstStepFails_EmptyCompensationList(t *testing.T) {
	exec, _, _ := newTestExecutor()

	saga := NewBuilder("sample_registration").
		WithMaxRetries(1).
		AddStep(Step{Name: "create_sample_record", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			return nil, errors.New("db unreachable")
		}}).
		AddCompensation(noopCompensation("delete_sample_record")).
		Build()

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StateCompensated {
		t.Fatalf("expected Compensated (no steps succeeded, nothing to actually compensate), got %s", result.Status)
	}
	if result.CompletedSteps != 0 {
		t.Errorf("expected 0 completed steps, got %d", result.CompletedSteps)
	}
}

func TestExecute_ReExecutingCompletedSagaIsNoOp(t *testing.T) {
	exec, _, _ := newTestExecutor()
	calls := 0
	saga := NewBuilder("idempotent_saga").
		AddStep(Step{Name: "step", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			calls++
			return nil, nil
		}}).
		Build()

	first, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StateCompleted {
		t.Fatalf("setup: expected Completed, got %s", first.Status)
	}

	second, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error on re-execute: %v", err)
	}
	if second.Status != StateCompleted {
		t.Errorf("expected re-execute to report Completed, got %s", second.Status)
	}
	if calls != 1 {
		t.Errorf("expected the step to run exactly once across both Execute calls, ran %d times", calls)
	}
}

func TestExecute_ReExecutingCompensatedSagaIsNoOp(t *testing.T) {
	exec, _, _ := newTestExecutor()
	calls := 0
	saga := NewBuilder("idempotent_compensated_saga").
		WithMaxRetries(1).
		AddStep(Step{Name: "step", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			calls++
			return nil, errors.New("always fails")
		}}).
		Build()

	first, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StateCompensated {
		t.Fatalf("setup: expected Compensated, got %s", first.Status)
	}

	second, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error on re-execute: %v", err)
	}
	if second.Status != StateCompensated {
		t.Errorf("expected re-execute to report Compensated, got %s", second.Status)
	}
	if calls != 1 {
		t.Errorf("expected the step to run exactly once across both Execute calls, ran %d times", calls)
	}
}

func TestExecute_StepReportsAlreadyApplied_CountsAsSuccessWithoutRetry(t *testing.T) {
	exec, store, _ := newTestExecutor()

	attempts := 0
	saga := NewBuilder("idempotency_key_collision").
		WithMaxRetries(3).
		AddStep(Step{Name: "create_sample_record", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			attempts++
			return nil, AlreadyApplied(map[string]any{"sample_id": "existing-123"})
		}}).
		Build()

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt (no retry on already-applied), got %d", attempts)
	}
	if result.Status != StateCompleted {
		t.Fatalf("expected Completed, got %s", result.Status)
	}

	steps := store.StepExecutions()
	if len(steps) != 1 || steps[0].Status != StepSucceeded {
		t.Errorf("expected the already-applied attempt recorded as succeeded, got %+v", steps)
	}
}

func TestExecute_StepReportsInvariantViolation_FailsImmediatelyNoRetry(t *testing.T) {
	exec, _, _ := newTestExecutor()

	attempts := 0
	saga := NewBuilder("invariant_break").
		WithMaxRetries(3).
		AddStep(Step{Name: "reserve_storage", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			attempts++
			return nil, fmt.Errorf("storage slot already reserved by another saga: %w", ErrInvariantViolation)
		}}).
		AddCompensation(noopCompensation("release_storage")).
		Build()

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt (invariant violations never retry), got %d", attempts)
	}
	if result.Status != StateCompensated {
		t.Fatalf("expected Compensated, got %s", result.Status)
	}
}

func TestPauseThenResume_ContinuesFromCompletedSteps(t *testing.T) {
	exec, _, _ := newTestExecutor()

	var ran []string
	var sagaID string
	saga := NewBuilder("pausable_saga").
		AddStep(Step{Name: "step1", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			ran = append(ran, "step1")
			// Simulates an administrative pause request arriving while
			// step1 is the in-flight step: by the time this returns, the
			// saga is already persisted as Executing, so Pause's
			// precondition holds. The loop observes the request at the
			// top of the next iteration, after step1's completion record
			// is persisted.
			if err := exec.Pause(context.Background(), sagaID); err != nil {
				t.Errorf("unexpected error from Pause: %v", err)
			}
			return nil, nil
		}}).
		AddStep(Step{Name: "step2", Execute: func(ctx context.Context, sc *Context) (map[string]any, error) {
			ran = append(ran, "step2")
			return nil, nil
		}}).
		Build()
	sagaID = saga.ID
	exec.RegisterDefinition("pausable_saga", Definition{Steps: saga.Steps})

	result, err := exec.Execute(context.Background(), saga)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatePaused {
		t.Fatalf("expected Paused, got %s", result.Status)
	}
	if len(ran) != 1 {
		t.Fatalf("expected exactly 1 step to run before pausing, got %d (%v)", len(ran), ran)
	}

	resumed, err := exec.Resume(context.Background(), saga.ID)
	if err != nil {
		t.Fatalf("unexpected error resuming: %v", err)
	}
	if resumed.Status != StateCompleted {
		t.Fatalf("expected Completed after resume, got %s", resumed.Status)
	}
	if len(ran) != 2 {
		t.Errorf("expected step2 to run after resume, total runs: %v", ran)
	}
}
