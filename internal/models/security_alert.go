package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlertStatus is the lifecycle state of a SecurityAlert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// AlertSeverity ranks alerts for notification routing.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Rank orders severities so providers can filter by a minimum level.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SecurityAlert is derived from one or more SecurityEvents when an alert rule fires.
// It changes only through explicit status transitions and is never deleted.
type SecurityAlert struct {
	ID             uint          `json:"id" gorm:"primaryKey"`
	UUID           string        `json:"uuid" gorm:"uniqueIndex"`
	IdentityKey    string        `json:"identity_key" gorm:"index"`
	Rule           string        `json:"rule" gorm:"index"`
	Severity       AlertSeverity `json:"severity"`
	Status         AlertStatus   `json:"status" gorm:"index"`
	Title          string        `json:"title"`
	Details        string        `json:"details" gorm:"type:text"`
	EventCount     int           `json:"event_count"`
	FirstEventUUID string        `json:"first_event_uuid"`
	LastEventUUID  string        `json:"last_event_uuid"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

func (a *SecurityAlert) BeforeCreate(tx *gorm.DB) (err error) {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AlertOpen
	}
	return
}

// SecurityAlertEvent links an alert to every event that contributed to it.
type SecurityAlertEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	AlertUUID string    `json:"alert_uuid" gorm:"index"`
	EventUUID string    `json:"event_uuid" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
}
