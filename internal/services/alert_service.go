package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Wikid82/perimeter/internal/logger"
	"github.com/Wikid82/perimeter/internal/metrics"
	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/util"
)

var (
	ErrAlertNotFound          = errors.New("security alert not found")
	ErrInvalidAlertTransition = errors.New("invalid alert status transition")
)

// Notifier delivers a newly raised alert to humans.
type Notifier interface {
	SendAlert(alert models.SecurityAlert)
}

// AlertInput describes one rule firing for one identity key.
type AlertInput struct {
	IdentityKey string
	Rule        string
	Severity    models.AlertSeverity
	Title       string
	Details     string
	EventUUID   string
}

type openAlert struct {
	mu      sync.Mutex
	alert   models.SecurityAlert
	lastAt  time.Time
	evicted bool
}

// AlertManager derives SecurityAlerts from events. Repeated firings of the same
// rule for the same key within the cooldown fold into the open alert.
type AlertManager struct {
	db       *gorm.DB
	events   *EventStore
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time

	open *util.ShardedMap[*openAlert]
}

// NewAlertManager returns a manager persisting through events. notifier may be nil.
func NewAlertManager(db *gorm.DB, events *EventStore, notifier Notifier, cooldown time.Duration, now func() time.Time) *AlertManager {
	if now == nil {
		now = time.Now
	}
	return &AlertManager{
		db:       db,
		events:   events,
		notifier: notifier,
		cooldown: cooldown,
		now:      now,
		open:     util.NewShardedMap[*openAlert](util.DefaultShards),
	}
}

func dedupKey(identityKey, rule string) string {
	return identityKey + "|" + rule
}

// Raise records a rule firing. It returns the alert and whether it is new.
// It never blocks on storage or notification delivery.
func (m *AlertManager) Raise(in AlertInput) (models.SecurityAlert, bool) {
	now := m.now()
	key := dedupKey(in.IdentityKey, in.Rule)

	for {
		rec := m.open.GetOrCreate(key, func() *openAlert { return &openAlert{} })
		rec.mu.Lock()
		if rec.evicted {
			rec.mu.Unlock()
			continue
		}

		if rec.alert.UUID != "" && now.Sub(rec.lastAt) <= m.cooldown {
			rec.alert.EventCount++
			if in.EventUUID != "" {
				rec.alert.LastEventUUID = in.EventUUID
			}
			rec.alert.UpdatedAt = now
			rec.lastAt = now
			alert := rec.alert
			rec.mu.Unlock()

			m.enqueue(AlertChange{Alert: alert, EventUUID: in.EventUUID})
			return alert, false
		}

		alert := models.SecurityAlert{
			UUID:           uuid.NewString(),
			IdentityKey:    in.IdentityKey,
			Rule:           in.Rule,
			Severity:       in.Severity,
			Status:         models.AlertOpen,
			Title:          in.Title,
			Details:        in.Details,
			EventCount:     1,
			FirstEventUUID: in.EventUUID,
			LastEventUUID:  in.EventUUID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		rec.alert = alert
		rec.lastAt = now
		rec.mu.Unlock()

		m.enqueue(AlertChange{Alert: alert, New: true, EventUUID: in.EventUUID})
		metrics.IncAlert(string(alert.Severity))
		logger.Component("alerts").WithFields(map[string]interface{}{
			"alert":    alert.UUID,
			"rule":     alert.Rule,
			"severity": alert.Severity,
			"key":      util.SanitizeForLog(alert.IdentityKey),
		}).Warn("security alert raised")
		if m.notifier != nil {
			m.notifier.SendAlert(alert)
		}
		return alert, true
	}
}

func (m *AlertManager) enqueue(change AlertChange) {
	if m.events != nil {
		m.events.Enqueue(nil, &change)
	}
}

// Sweep forgets dedup state older than the cooldown.
func (m *AlertManager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cooldown)
	return m.open.Sweep(func(_ string, rec *openAlert) bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if !rec.lastAt.Before(cutoff) {
			return false
		}
		rec.evicted = true
		return true
	})
}

func (m *AlertManager) forget(a models.SecurityAlert) {
	m.open.DeleteIf(dedupKey(a.IdentityKey, a.Rule), func(rec *openAlert) bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.alert.UUID != a.UUID {
			return false
		}
		rec.evicted = true
		return true
	})
}

// Acknowledge moves an open alert to acknowledged.
func (m *AlertManager) Acknowledge(alertUUID string) (*models.SecurityAlert, error) {
	return m.transition(alertUUID, models.AlertAcknowledged)
}

// Resolve closes an open or acknowledged alert.
func (m *AlertManager) Resolve(alertUUID string) (*models.SecurityAlert, error) {
	return m.transition(alertUUID, models.AlertResolved)
}

func allowedTransition(from, to models.AlertStatus) bool {
	switch from {
	case models.AlertOpen:
		return to == models.AlertAcknowledged || to == models.AlertResolved
	case models.AlertAcknowledged:
		return to == models.AlertResolved
	}
	return false
}

func (m *AlertManager) transition(alertUUID string, to models.AlertStatus) (*models.SecurityAlert, error) {
	var alert models.SecurityAlert
	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", alertUUID).First(&alert).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAlertNotFound
			}
			return err
		}
		if !allowedTransition(alert.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidAlertTransition, alert.Status, to)
		}

		now := m.now()
		updates := map[string]interface{}{"status": to, "updated_at": now}
		switch to {
		case models.AlertAcknowledged:
			alert.AcknowledgedAt = &now
			updates["acknowledged_at"] = now
		case models.AlertResolved:
			alert.ResolvedAt = &now
			updates["resolved_at"] = now
		}
		alert.Status = to
		alert.UpdatedAt = now
		return tx.Model(&models.SecurityAlert{}).Where("uuid = ?", alertUUID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	// later firings start a fresh alert
	m.forget(alert)
	return &alert, nil
}

// ListAlerts returns alerts newest first, optionally filtered by status.
func (m *AlertManager) ListAlerts(status models.AlertStatus, limit int) ([]models.SecurityAlert, error) {
	var res []models.SecurityAlert
	q := m.db.Order("created_at desc, id desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if err := q.Limit(limit).Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// AlertEvents returns the uuids of the events linked to an alert, oldest first.
func (m *AlertManager) AlertEvents(alertUUID string) ([]string, error) {
	var ids []string
	err := m.db.Model(&models.SecurityAlertEvent{}).
		Where("alert_uuid = ?", alertUUID).
		Order("id").
		Pluck("event_uuid", &ids).Error
	return ids, err
}
