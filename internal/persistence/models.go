// Package persistence implements sagacore.Store over GORM/MySQL — the five
// logical tables of the saga data model: sagas, saga_steps,
// saga_compensations, saga_checkpoints, saga_events.
package persistence

import (
	"time"

	"gorm.io/gorm"
)

// SagaModel is the GORM row for a saga's current state snapshot.
type SagaModel struct {
	ID                 string         `gorm:"primaryKey;size:36"`
	Name               string         `gorm:"size:100;not null;index"`
	SchemaVersion      string         `gorm:"size:20;not null"`
	TransactionID      string         `gorm:"size:100;index"`
	UserID             string         `gorm:"size:100;index"`
	CorrelationID      string         `gorm:"size:100;index"`
	Metadata           JSONMap        `gorm:"type:json"`
	TimeoutNanos       int64          `gorm:"not null"`
	State              string         `gorm:"size:20;not null;index"`
	CompletedSteps     int            `gorm:"not null;default:0"`
	TotalSteps         int            `gorm:"not null;default:0"`
	CurrentStepName    string         `gorm:"size:100"`
	FailedStepName     string         `gorm:"size:100"`
	RetryCount         int            `gorm:"not null;default:0"`
	CompensationErrors JSONStringList `gorm:"type:json"`
	CustomData         JSONMap        `gorm:"type:json"`
	StartedAt          time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (SagaModel) TableName() string { return "sagas" }

// SagaStepModel is one row per step execution attempt.
type SagaStepModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SagaID      string `gorm:"size:36;not null;index"`
	StepName    string `gorm:"size:100;not null"`
	StepIndex   int    `gorm:"not null"`
	Attempt     int    `gorm:"not null"`
	Status      string `gorm:"size:20;not null"`
	Input       JSONMap `gorm:"type:json"`
	Output      JSONMap `gorm:"type:json"`
	ErrorMsg    string  `gorm:"type:text"`
	StartedAt   time.Time
	CompletedAt time.Time
}

func (SagaStepModel) TableName() string { return "saga_steps" }

// SagaCompensationModel is one row per compensation execution attempt.
type SagaCompensationModel struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	SagaID           string `gorm:"size:36;not null;index"`
	CompensationName string `gorm:"size:100;not null"`
	StepIndex        int    `gorm:"not null"`
	Attempt          int    `gorm:"not null"`
	Succeeded        bool   `gorm:"not null"`
	ErrorMsg         string `gorm:"type:text"`
	StartedAt        time.Time
	CompletedAt      time.Time
}

func (SagaCompensationModel) TableName() string { return "saga_compensations" }

// SagaCheckpointModel records a fast-resume marker: the highest completed
// step index known durable at RecordedAt.
type SagaCheckpointModel struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SagaID        string `gorm:"size:36;not null;index"`
	CompletedStep int    `gorm:"not null"`
	RecordedAt    time.Time
}

func (SagaCheckpointModel) TableName() string { return "saga_checkpoints" }

// SagaEventModel is the audit trail: one row per lifecycle transition, with
// a per-saga monotonic sequence number so replay order is unambiguous.
type SagaEventModel struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SagaID        string `gorm:"size:36;not null;index"`
	Sequence      int64  `gorm:"not null"`
	Kind          string `gorm:"size:50;not null"`
	CorrelationID string `gorm:"size:100;index"`
	Detail        string `gorm:"type:text"`
	RecordedAt    time.Time
}

func (SagaEventModel) TableName() string { return "saga_events" }

// AutoMigrate creates/updates the five saga tables. Mirrors the teacher's
// db.go autoMigrate convention: AutoMigrate only adds tables/columns, never
// drops or alters existing ones.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SagaModel{},
		&SagaStepModel{},
		&SagaCompensationModel{},
		&SagaCheckpointModel{},
		&SagaEventModel{},
	)
}
