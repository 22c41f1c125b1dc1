// Package labworkflow is the worked example of spec §4.3/§8: registering a
// laboratory sample is modeled as one saga with four steps — create sample
// record, reserve storage slot, create sequencing job, emit audit event —
// each paired with an index-aligned compensation (the fourth step is a
// terminal audit write and has none).
//
// A real deployment's steps would call out to the sample, storage, and
// sequencing services over pkg/circuitbreaker/httpfacade; this package
// models those calls behind a small Dependencies interface so tests can
// substitute deterministic fakes without a network.
package labworkflow

import (
	"context"
	"fmt"

	"github.com/xiebiao/tracseq-core/pkg/sagacore"
)

// SagaName is the registered Definition name for this worked example,
// passed as CreateTransactionRequest.SagaName by an HTTP caller.
const SagaName = "sample_registration"

// Dependencies is the narrow set of downstream calls the sample
// registration saga makes. A production wiring implements this over
// pkg/circuitbreaker/httpfacade clients to the sample, storage, and
// sequencing services; tests implement it directly against fakes.
type Dependencies interface {
	CreateSample(ctx context.Context, userID string) (sampleID string, err error)
	DeleteSample(ctx context.Context, sampleID string) error

	ReserveStorageSlot(ctx context.Context, sampleID string) (slotID string, err error)
	ReleaseStorageSlot(ctx context.Context, slotID string) error

	CreateSequencingJob(ctx context.Context, sampleID string) (jobID string, err error)
	CancelSequencingJob(ctx context.Context, jobID string) error

	EmitAuditEvent(ctx context.Context, sampleID, jobID string) error
}

// Definition builds the sample-registration saga's step/compensation plan
// against deps, a single process-wide set of dependency clients shared by
// every saga of this type — matching spec §9's "capability set" design:
// steps close over their capabilities rather than threading them through
// saga state, since a Saga is meant to be persisted and its Steps can't be.
// Register the result once at startup via
// Executor.RegisterDefinition(SagaName, labworkflow.Definition(deps)).
func Definition(deps Dependencies) sagacore.Definition {
	return sagacore.Definition{
		Steps: []sagacore.Step{
			{Name: "create_sample", Execute: createSample(deps)},
			{Name: "reserve_storage", Execute: reserveStorage(deps)},
			{Name: "create_sequencing_job", Execute: createSequencingJob(deps)},
			{Name: "emit_audit_event", Execute: emitAuditEvent(deps)},
		},
		Compensations: []sagacore.Compensation{
			{Name: "delete_sample", Execute: deleteSample(deps)},
			{Name: "release_storage", Execute: releaseStorage(deps)},
			{Name: "cancel_sequencing_job", Execute: cancelSequencingJob(deps)},
			// No compensation for emit_audit_event: an emitted audit record
			// is never undone (spec's worked example lists compensation 4
			// as a no-op).
		},
	}
}

func createSample(deps Dependencies) sagacore.StepFunc {
	return func(ctx context.Context, sc *sagacore.Context) (map[string]any, error) {
		sampleID, err := deps.CreateSample(ctx, sc.UserID)
		if err != nil {
			return nil, fmt.Errorf("create sample: %w", err)
		}
		return map[string]any{"sample_id": sampleID}, nil
	}
}

func deleteSample(deps Dependencies) sagacore.CompensationFunc {
	return func(ctx context.Context, sc *sagacore.Context) error {
		return deps.DeleteSample(ctx, sampleIDFrom(sc))
	}
}

func reserveStorage(deps Dependencies) sagacore.StepFunc {
	return func(ctx context.Context, sc *sagacore.Context) (map[string]any, error) {
		slotID, err := deps.ReserveStorageSlot(ctx, sampleIDFrom(sc))
		if err != nil {
			return nil, fmt.Errorf("reserve storage slot: %w", err)
		}
		return map[string]any{"slot_id": slotID}, nil
	}
}

func releaseStorage(deps Dependencies) sagacore.CompensationFunc {
	return func(ctx context.Context, sc *sagacore.Context) error {
		slotID := stringFrom(sc, "reserve_storage", "slot_id")
		return deps.ReleaseStorageSlot(ctx, slotID)
	}
}

func createSequencingJob(deps Dependencies) sagacore.StepFunc {
	return func(ctx context.Context, sc *sagacore.Context) (map[string]any, error) {
		jobID, err := deps.CreateSequencingJob(ctx, sampleIDFrom(sc))
		if err != nil {
			return nil, fmt.Errorf("create sequencing job: %w", err)
		}
		return map[string]any{"job_id": jobID}, nil
	}
}

func cancelSequencingJob(deps Dependencies) sagacore.CompensationFunc {
	return func(ctx context.Context, sc *sagacore.Context) error {
		jobID := stringFrom(sc, "create_sequencing_job", "job_id")
		return deps.CancelSequencingJob(ctx, jobID)
	}
}

func emitAuditEvent(deps Dependencies) sagacore.StepFunc {
	return func(ctx context.Context, sc *sagacore.Context) (map[string]any, error) {
		jobID := stringFrom(sc, "create_sequencing_job", "job_id")
		if err := deps.EmitAuditEvent(ctx, sampleIDFrom(sc), jobID); err != nil {
			return nil, fmt.Errorf("emit audit event: %w", err)
		}
		return nil, nil
	}
}

// sampleIDFrom reads the sample id that create_sample recorded in
// CustomData — every later step and every compensation needs it.
func sampleIDFrom(sc *sagacore.Context) string {
	return stringFrom(sc, "create_sample", "sample_id")
}

func stringFrom(sc *sagacore.Context, stepName, field string) string {
	out, _ := sc.CustomData[stepName].(map[string]any)
	v, _ := out[field].(string)
	return v
}
