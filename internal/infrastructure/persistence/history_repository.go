package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/persistence/models"
)

// GormHistoryRepository implements HistoryRepository using GORM.
type GormHistoryRepository struct {
	db *gorm.DB
}

// NewGormHistoryRepository creates a new GormHistoryRepository.
func NewGormHistoryRepository(db *gorm.DB) *GormHistoryRepository {
	return &GormHistoryRepository{db: db}
}

// Append records the operation's current state as a new history row.
func (r *GormHistoryRepository) Append(ctx context.Context, op *syncdomain.SyncOperation) error {
	model := models.NewSyncHistoryModel(op)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListByCorrelation returns all history rows for a correlation id, oldest first.
func (r *GormHistoryRepository) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]syncdomain.HistoryEntry, error) {
	var rows []models.SyncHistoryModel
	if err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("recorded_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history by correlation: %w", err)
	}

	entries := make([]syncdomain.HistoryEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.ToDomain()
	}
	return entries, nil
}

// ListByEntity returns the most recent history rows for one entity.
func (r *GormHistoryRepository) ListByEntity(ctx context.Context, entityType syncdomain.EntityType, entityID string, limit int) ([]syncdomain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.SyncHistoryModel
	if err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", string(entityType), entityID).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history by entity: %w", err)
	}

	entries := make([]syncdomain.HistoryEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.ToDomain()
	}
	return entries, nil
}

// PurgeOlderThan deletes history rows recorded before the cutoff.
func (r *GormHistoryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("recorded_at < ?", cutoff).
		Delete(&models.SyncHistoryModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ syncdomain.HistoryRepository = (*GormHistoryRepository)(nil)
