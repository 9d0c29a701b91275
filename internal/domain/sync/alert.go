package sync

import (
	"time"

	"github.com/google/uuid"
)

// AlertSeverity ranks an alert's urgency.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus tracks an alert through its operator workflow.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is raised when a monitoring rule fires: dead letters accumulating,
// a circuit stuck open, queue depth past its threshold.
type Alert struct {
	ID             uuid.UUID      `json:"id"`
	Rule           string         `json:"rule"`
	Severity       AlertSeverity  `json:"severity"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	Status         AlertStatus    `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// NewAlert creates an active alert for the rule.
func NewAlert(rule string, severity AlertSeverity, message string, details map[string]any) *Alert {
	return &Alert{
		ID:        uuid.New(),
		Rule:      rule,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Status:    AlertActive,
		CreatedAt: time.Now(),
	}
}

// Acknowledge marks an active alert as seen by an operator.
func (a *Alert) Acknowledge() error {
	if a.Status != AlertActive {
		return ErrInvalidTransition
	}
	now := time.Now()
	a.Status = AlertAcknowledged
	a.AcknowledgedAt = &now
	return nil
}

// Resolve closes the alert.
func (a *Alert) Resolve() error {
	if a.Status == AlertResolved {
		return ErrInvalidTransition
	}
	now := time.Now()
	a.Status = AlertResolved
	a.ResolvedAt = &now
	return nil
}
