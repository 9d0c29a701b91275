package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/persistence/models"
)

// GormAlertRepository implements AlertRepository using GORM.
type GormAlertRepository struct {
	db *gorm.DB
}

// NewGormAlertRepository creates a new GormAlertRepository.
func NewGormAlertRepository(db *gorm.DB) *GormAlertRepository {
	return &GormAlertRepository{db: db}
}

// Save inserts a new alert.
func (r *GormAlertRepository) Save(ctx context.Context, alert *syncdomain.Alert) error {
	model, err := models.NewAlertModel(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// Update persists status transitions of an existing alert.
func (r *GormAlertRepository) Update(ctx context.Context, alert *syncdomain.Alert) error {
	model, err := models.NewAlertModel(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	result := r.db.WithContext(ctx).
		Model(&models.AlertModel{}).
		Where("id = ?", alert.ID).
		Updates(map[string]any{
			"status":          model.Status,
			"acknowledged_at": model.AcknowledgedAt,
			"resolved_at":     model.ResolvedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update alert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return syncdomain.ErrNotFound
	}
	return nil
}

// FindByID loads one alert.
func (r *GormAlertRepository) FindByID(ctx context.Context, id uuid.UUID) (*syncdomain.Alert, error) {
	var model models.AlertModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, syncdomain.ErrNotFound
		}
		return nil, fmt.Errorf("find alert: %w", err)
	}
	return model.ToDomain()
}

// List returns alerts newest first, filtered by status when given.
func (r *GormAlertRepository) List(ctx context.Context, status syncdomain.AlertStatus, limit int) ([]*syncdomain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.WithContext(ctx).Model(&models.AlertModel{})
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var rows []models.AlertModel
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	alerts := make([]*syncdomain.Alert, 0, len(rows))
	for i := range rows {
		alert, err := rows[i].ToDomain()
		if err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

var _ syncdomain.AlertRepository = (*GormAlertRepository)(nil)
