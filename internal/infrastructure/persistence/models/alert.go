package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// AlertModel is the GORM model for monitoring alerts.
type AlertModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Rule           string    `gorm:"type:varchar(64);not null;index"`
	Severity       string    `gorm:"type:varchar(16);not null"`
	Message        string    `gorm:"type:text;not null"`
	Details        []byte    `gorm:"type:jsonb"`
	Status         string    `gorm:"type:varchar(16);not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
}

// TableName returns the table name for AlertModel.
func (AlertModel) TableName() string {
	return "sync_alerts"
}

// NewAlertModel converts a domain alert to its persistence model.
func NewAlertModel(alert *syncdomain.Alert) (*AlertModel, error) {
	var details []byte
	if alert.Details != nil {
		var err error
		details, err = json.Marshal(alert.Details)
		if err != nil {
			return nil, err
		}
	}
	return &AlertModel{
		ID:             alert.ID,
		Rule:           alert.Rule,
		Severity:       string(alert.Severity),
		Message:        alert.Message,
		Details:        details,
		Status:         string(alert.Status),
		CreatedAt:      alert.CreatedAt,
		AcknowledgedAt: alert.AcknowledgedAt,
		ResolvedAt:     alert.ResolvedAt,
	}, nil
}

// ToDomain converts the model to a domain alert.
func (m *AlertModel) ToDomain() (*syncdomain.Alert, error) {
	var details map[string]any
	if len(m.Details) > 0 {
		if err := json.Unmarshal(m.Details, &details); err != nil {
			return nil, err
		}
	}
	return &syncdomain.Alert{
		ID:             m.ID,
		Rule:           m.Rule,
		Severity:       syncdomain.AlertSeverity(m.Severity),
		Message:        m.Message,
		Details:        details,
		Status:         syncdomain.AlertStatus(m.Status),
		CreatedAt:      m.CreatedAt,
		AcknowledgedAt: m.AcknowledgedAt,
		ResolvedAt:     m.ResolvedAt,
	}, nil
}
