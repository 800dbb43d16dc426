package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationProvider is a shoutrrr destination that receives security alerts.
type NotificationProvider struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	Name        string        `json:"name"`
	Type        string        `json:"type"` // discord, slack, gotify, telegram, generic
	URL         string        `json:"url"`  // The shoutrrr URL
	MinSeverity AlertSeverity `json:"min_severity" gorm:"default:high"`
	Enabled     bool          `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if strings.TrimSpace(string(n.MinSeverity)) == "" {
		n.MinSeverity = SeverityHigh
	}
	return
}

// Accepts reports whether an alert of the given severity should be sent to this provider.
func (n *NotificationProvider) Accepts(s AlertSeverity) bool {
	return n.Enabled && s.Rank() >= n.MinSeverity.Rank()
}
