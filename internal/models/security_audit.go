package models

import (
	"time"
)

// SecurityAudit records admin actions against the perimeter (manual blocks,
// session terminations, alert transitions).
type SecurityAudit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action" gorm:"index"`
	Target    string    `json:"target"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
