package models

import (
	"time"

	"github.com/google/uuid"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// SyncHistoryModel is the GORM model for the operation audit trail.
type SyncHistoryModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	OperationID   uuid.UUID `gorm:"type:uuid;not null;index"`
	CorrelationID uuid.UUID `gorm:"type:uuid;not null;index"`
	EntityType    string    `gorm:"type:varchar(32);not null;index:idx_sync_history_entity"`
	Operation     string    `gorm:"type:varchar(32);not null"`
	Source        string    `gorm:"type:varchar(64);not null"`
	Target        string    `gorm:"type:varchar(64);not null"`
	EntityID      string    `gorm:"type:varchar(128);not null;index:idx_sync_history_entity"`
	Status        string    `gorm:"type:varchar(32);not null"`
	RetryCount    int       `gorm:"not null;default:0"`
	LastError     string    `gorm:"type:text"`
	RecordedAt    time.Time `gorm:"not null;index"`
}

// TableName returns the table name for SyncHistoryModel.
func (SyncHistoryModel) TableName() string {
	return "sync_history"
}

// NewSyncHistoryModel snapshots the operation's current state.
func NewSyncHistoryModel(op *syncdomain.SyncOperation) *SyncHistoryModel {
	return &SyncHistoryModel{
		ID:            uuid.New(),
		OperationID:   op.ID,
		CorrelationID: op.CorrelationID,
		EntityType:    string(op.EntityType),
		Operation:     string(op.Operation),
		Source:        op.Source,
		Target:        op.Target,
		EntityID:      op.EntityID,
		Status:        string(op.Status),
		RetryCount:    op.RetryCount,
		LastError:     op.LastError,
		RecordedAt:    time.Now(),
	}
}

// ToDomain converts the model to a domain history entry.
func (m *SyncHistoryModel) ToDomain() syncdomain.HistoryEntry {
	return syncdomain.HistoryEntry{
		ID:            m.ID,
		OperationID:   m.OperationID,
		CorrelationID: m.CorrelationID,
		EntityType:    syncdomain.EntityType(m.EntityType),
		Operation:     syncdomain.OperationType(m.Operation),
		Source:        m.Source,
		Target:        m.Target,
		EntityID:      m.EntityID,
		Status:        syncdomain.Status(m.Status),
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		RecordedAt:    m.RecordedAt,
	}
}
