package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventType classifies a SecurityEvent by the decision branch that produced it.
type EventType string

const (
	EventRequest           EventType = "request"
	EventSuspicious        EventType = "suspicious_activity"
	EventHighRisk          EventType = "high_risk"
	EventThreatDetected    EventType = "threat_detected"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventDDoSAttempt       EventType = "ddos_attempt"
	EventAuthFailure       EventType = "auth_failure"
	EventBlockedKey        EventType = "blocked_key"
	EventDegradedSignal    EventType = "degraded_signal"
)

// IsThreat reports whether the event type counts as a threat in analytics.
func (t EventType) IsThreat() bool {
	switch t {
	case EventSuspicious, EventHighRisk, EventThreatDetected, EventDDoSAttempt, EventAuthFailure:
		return true
	}
	return false
}

// SecurityEvent is the append-only record written once per perimeter decision.
// Rows are never updated after insert.
type SecurityEvent struct {
	ID              uint              `json:"id" gorm:"primaryKey"`
	UUID            string            `json:"uuid" gorm:"uniqueIndex"`
	IdentityKey     string            `json:"identity_key" gorm:"index"`
	IP              string            `json:"ip" gorm:"index"`
	SessionID       string            `json:"session_id,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	Tier            Tier              `json:"tier"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	EventType       EventType         `json:"event_type" gorm:"index"`
	Decision        string            `json:"decision" gorm:"index"`
	RiskScore       float64           `json:"risk_score"`
	SignatureScore  float64           `json:"signature_score"`
	BehaviorScore   float64           `json:"behavior_score"`
	ReputationScore float64           `json:"reputation_score"`
	Reasons         string            `json:"reasons" gorm:"type:text"`
	Degraded        string            `json:"degraded,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt       time.Time         `json:"created_at" gorm:"index"`
}

func (e *SecurityEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return
}
