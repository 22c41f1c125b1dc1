package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/xiebiao/tracseq-core/pkg/sagacore"
)

// Store implements sagacore.Store over GORM/MySQL. It is safe for
// concurrent use: every method opens its own statement(s) against either
// the ambient db handle or, if present on ctx, the transactional handle a
// TxManager.Transaction call injected.
type Store struct {
	db *gorm.DB

	// seqMu serializes AppendEvent's sequence-number assignment; a
	// SELECT-max-then-INSERT without it would race under concurrent
	// writers for the same saga.
	seqMu sync.Mutex
}

// NewStore builds a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

func (s *Store) SaveSaga(ctx context.Context, saga *sagacore.Saga) error {
	model := sagaToModel(saga)
	return s.conn(ctx).Save(&model).Error
}

func (s *Store) LoadSaga(ctx context.Context, id string) (*sagacore.Saga, error) {
	var model SagaModel
	err := s.conn(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sagacore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return modelToSaga(&model), nil
}

func (s *Store) ListNonTerminal(ctx context.Context) ([]*sagacore.Saga, error) {
	terminal := []string{
		string(sagacore.StateCompleted),
		string(sagacore.StateCompensated),
		string(sagacore.StateFailed),
		string(sagacore.StateCancelled),
		string(sagacore.StateTimedOut),
	}
	var models []SagaModel
	if err := s.conn(ctx).Where("state NOT IN ?", terminal).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*sagacore.Saga, len(models))
	for i := range models {
		out[i] = modelToSaga(&models[i])
	}
	return out, nil
}

func (s *Store) AppendStepExecution(ctx context.Context, rec *sagacore.StepExecution) error {
	model := SagaStepModel{
		SagaID:      rec.SagaID,
		StepName:    rec.StepName,
		StepIndex:   rec.StepIndex,
		Attempt:     rec.Attempt,
		Status:      string(rec.Status),
		Input:       JSONMap(rec.Input),
		Output:      JSONMap(rec.Output),
		ErrorMsg:    rec.ErrorMsg,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	return s.conn(ctx).Create(&model).Error
}

func (s *Store) AppendCompensationExecution(ctx context.Context, rec *sagacore.CompensationExecution) error {
	model := SagaCompensationModel{
		SagaID:           rec.SagaID,
		CompensationName: rec.CompensationName,
		StepIndex:        rec.StepIndex,
		Attempt:          rec.Attempt,
		Succeeded:        rec.Succeeded,
		ErrorMsg:         rec.ErrorMsg,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
	}
	return s.conn(ctx).Create(&model).Error
}

func (s *Store) AppendEvent(ctx context.Context, rec *sagacore.EventRecord) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var maxSeq int64
	if err := s.conn(ctx).Model(&SagaEventModel{}).
		Where("saga_id = ?", rec.SagaID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq).Error; err != nil {
		return err
	}

	model := SagaEventModel{
		SagaID:        rec.SagaID,
		Sequence:      maxSeq + 1,
		Kind:          rec.Kind,
		CorrelationID: rec.CorrelationID,
		Detail:        rec.Detail,
		RecordedAt:    rec.RecordedAt,
	}
	return s.conn(ctx).Create(&model).Error
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *sagacore.Checkpoint) error {
	model := SagaCheckpointModel{
		SagaID:        cp.SagaID,
		CompletedStep: cp.CompletedStep,
		RecordedAt:    cp.RecordedAt,
	}
	return s.conn(ctx).Create(&model).Error
}

func sagaToModel(saga *sagacore.Saga) SagaModel {
	var completedAt *time.Time
	if !saga.CompletedAt.IsZero() {
		t := saga.CompletedAt
		completedAt = &t
	}
	return SagaModel{
		ID:                 saga.ID,
		Name:               saga.Name,
		SchemaVersion:      saga.SchemaVersion,
		TransactionID:      saga.TransactionID,
		UserID:             saga.UserID,
		CorrelationID:      saga.CorrelationID,
		Metadata:           JSONMap(toAnyMap(saga.Metadata)),
		TimeoutNanos:       int64(saga.Timeout),
		State:              string(saga.State),
		CompletedSteps:     saga.CompletedSteps,
		TotalSteps:         saga.TotalSteps,
		CurrentStepName:    saga.CurrentStepName,
		FailedStepName:     saga.FailedStepName,
		RetryCount:         saga.RetryCount,
		CompensationErrors: JSONStringList(saga.CompensationErrors),
		CustomData:         JSONMap(saga.CustomData),
		StartedAt:          saga.StartedAt,
		CompletedAt:        completedAt,
		CreatedAt:          saga.CreatedAt,
		UpdatedAt:          saga.UpdatedAt,
	}
}

func modelToSaga(m *SagaModel) *sagacore.Saga {
	saga := &sagacore.Saga{
		ID:                 m.ID,
		Name:               m.Name,
		SchemaVersion:      m.SchemaVersion,
		TransactionID:      m.TransactionID,
		UserID:             m.UserID,
		CorrelationID:      m.CorrelationID,
		Metadata:           toStringMap(m.Metadata),
		Timeout:            time.Duration(m.TimeoutNanos),
		State:              sagacore.State(m.State),
		CompletedSteps:     m.CompletedSteps,
		TotalSteps:         m.TotalSteps,
		CurrentStepName:    m.CurrentStepName,
		FailedStepName:     m.FailedStepName,
		RetryCount:         m.RetryCount,
		CompensationErrors: []string(m.CompensationErrors),
		CustomData:         map[string]any(m.CustomData),
		StartedAt:          m.StartedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if m.CompletedAt != nil {
		saga.CompletedAt = *m.CompletedAt
	}
	return saga
}

func toAnyMap(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toStringMap(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

var _ sagacore.Store = (*Store)(nil)
