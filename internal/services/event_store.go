package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/Wikid82/perimeter/internal/logger"
	"github.com/Wikid82/perimeter/internal/metrics"
	"github.com/Wikid82/perimeter/internal/models"
)

// ErrEventStoreStopped is returned by Flush once the writer has stopped.
var ErrEventStoreStopped = errors.New("event store stopped")

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
)

// EventSink receives every persisted batch of events, e.g. a Kafka topic.
type EventSink interface {
	Publish(ctx context.Context, events []models.SecurityEvent) error
	Close() error
}

// AlertChange is an alert write produced by AlertManager.Raise. New alerts are
// inserted; deduplicated ones bump the existing row's event count.
type AlertChange struct {
	Alert     models.SecurityAlert
	New       bool
	EventUUID string
}

type queued struct {
	event *models.SecurityEvent
	alert *AlertChange
}

// EventStoreConfig tunes the async writer.
type EventStoreConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Sink          EventSink
}

// EventStore persists SecurityEvents and alert changes off the request path.
// Enqueue never blocks: when the queue is full the oldest item is dropped and counted.
type EventStore struct {
	db    *gorm.DB
	cfg   EventStoreConfig
	queue chan queued

	dropped atomic.Int64
	warn    rate.Sometimes

	mu      sync.Mutex
	flushes chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewEventStore returns a stopped store. Call Start to run the background writer.
func NewEventStore(db *gorm.DB, cfg EventStoreConfig) *EventStore {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &EventStore{
		db:    db,
		cfg:   cfg,
		queue: make(chan queued, cfg.QueueSize),
		warn:  rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Enqueue queues an event and an optional alert change.
func (s *EventStore) Enqueue(event *models.SecurityEvent, alert *AlertChange) {
	if event == nil && alert == nil {
		return
	}
	item := queued{event: event, alert: alert}
	for {
		select {
		case s.queue <- item:
			return
		default:
		}
		select {
		case old := <-s.queue:
			n := s.dropped.Add(1)
			metrics.IncEventDropped()
			if old.alert != nil {
				// the next change for this alert re-inserts it
				logger.Component("events").WithField("alert", old.alert.Alert.UUID).Warn("event queue full, dropped an alert write")
			}
			s.warn.Do(func() {
				logger.Component("events").WithField("dropped_total", n).Warn("event queue full, dropping oldest events")
			})
		default:
		}
	}
}

// Dropped returns how many queued items were discarded because the queue was full.
func (s *EventStore) Dropped() int64 { return s.dropped.Load() }

// Pending returns the number of queued items not yet written.
func (s *EventStore) Pending() int { return len(s.queue) }

// DB returns the database events are written to.
func (s *EventStore) DB() *gorm.DB { return s.db }

// Start launches the background writer. It is a no-op when already running.
func (s *EventStore) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.flushes = make(chan chan struct{})
	go s.run(s.stop, s.done, s.flushes)
}

// Stop drains the queue, stops the writer and closes the sink.
func (s *EventStore) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done, s.flushes = nil, nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if s.cfg.Sink != nil {
		if err := s.cfg.Sink.Close(); err != nil {
			logger.Component("events").WithError(err).Warn("closing event sink")
		}
	}
}

// Flush writes everything queued before the call. Without a running writer the
// queue is drained on the caller's goroutine.
func (s *EventStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	flushes := s.flushes
	s.mu.Unlock()

	if flushes == nil {
		s.drain(ctx)
		return nil
	}

	ack := make(chan struct{})
	select {
	case flushes <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventStore) run(stop, done chan struct{}, flushes chan chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]queued, 0, s.cfg.BatchSize)
	for {
		select {
		case item := <-s.queue:
			batch = append(batch, item)
			if len(batch) >= s.cfg.BatchSize {
				s.write(context.Background(), batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.write(context.Background(), batch)
				batch = batch[:0]
			}
		case ack := <-flushes:
			s.write(context.Background(), batch)
			batch = batch[:0]
			s.drain(context.Background())
			close(ack)
		case <-stop:
			s.write(context.Background(), batch)
			s.drain(context.Background())
			return
		}
	}
}

// drain writes whatever is currently queued.
func (s *EventStore) drain(ctx context.Context) {
	batch := make([]queued, 0, s.cfg.BatchSize)
	for {
		select {
		case item := <-s.queue:
			batch = append(batch, item)
			if len(batch) >= s.cfg.BatchSize {
				s.write(ctx, batch)
				batch = batch[:0]
			}
		default:
			s.write(ctx, batch)
			return
		}
	}
}

func (s *EventStore) write(ctx context.Context, batch []queued) {
	if len(batch) == 0 {
		return
	}
	log := logger.Component("events")

	events := make([]models.SecurityEvent, 0, len(batch))
	var alerts []*AlertChange
	for _, item := range batch {
		if item.event != nil {
			events = append(events, *item.event)
		}
		if item.alert != nil {
			alerts = append(alerts, item.alert)
		}
	}

	if len(events) > 0 {
		if err := s.db.WithContext(ctx).CreateInBatches(&events, s.cfg.BatchSize).Error; err != nil {
			metrics.IncPersistFailed(len(events))
			log.WithError(err).WithField("events", len(events)).Error("failed to persist security events")
		}
	}

	for _, change := range alerts {
		if err := s.writeAlert(ctx, change); err != nil {
			metrics.IncPersistFailed(1)
			log.WithError(err).WithField("alert", change.Alert.UUID).Error("failed to persist security alert")
		}
	}

	if s.cfg.Sink != nil && len(events) > 0 {
		if err := s.cfg.Sink.Publish(ctx, events); err != nil {
			log.WithError(err).WithField("events", len(events)).Warn("failed to forward security events")
		}
	}
}

func (s *EventStore) writeAlert(ctx context.Context, change *AlertChange) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if change.New {
			alert := change.Alert
			if err := tx.Create(&alert).Error; err != nil {
				return err
			}
		} else {
			res := tx.Model(&models.SecurityAlert{}).
				Where("uuid = ?", change.Alert.UUID).
				Updates(map[string]interface{}{
					"event_count":     change.Alert.EventCount,
					"last_event_uuid": change.Alert.LastEventUUID,
					"updated_at":      change.Alert.UpdatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// the insert was dropped from a full queue
				alert := change.Alert
				if err := tx.Create(&alert).Error; err != nil {
					return err
				}
			}
		}
		if change.EventUUID == "" {
			return nil
		}
		return tx.Create(&models.SecurityAlertEvent{
			AlertUUID: change.Alert.UUID,
			EventUUID: change.EventUUID,
			CreatedAt: change.Alert.UpdatedAt,
		}).Error
	})
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	IdentityKey string
	EventType   models.EventType
	From        time.Time
	To          time.Time
	Limit       int
}

// ListEvents returns persisted events, newest first.
func (s *EventStore) ListEvents(f EventFilter) ([]models.SecurityEvent, error) {
	var res []models.SecurityEvent
	q := s.db.Order("created_at desc, id desc")
	if f.IdentityKey != "" {
		q = q.Where("identity_key = ?", f.IdentityKey)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	q = timeRange(q, f.From, f.To)
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if err := q.Limit(limit).Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// Analytics summarizes persisted events in [from, to). Zero bounds are open.
type Analytics struct {
	TotalEvents     int64   `json:"total_events"`
	ThreatEvents    int64   `json:"threat_events"`
	BlockedRequests int64   `json:"blocked_requests"`
	UniqueKeys      int64   `json:"unique_keys"`
	ThreatRate      float64 `json:"threat_rate"`
	DroppedEvents   int64   `json:"dropped_events"`
}

func (s *EventStore) Analytics(from, to time.Time) (Analytics, error) {
	a := Analytics{DroppedEvents: s.Dropped()}
	base := func() *gorm.DB {
		return timeRange(s.db.Model(&models.SecurityEvent{}), from, to)
	}

	if err := base().Count(&a.TotalEvents).Error; err != nil {
		return Analytics{}, err
	}
	if err := base().Where("event_type IN ?", threatEventTypes()).Count(&a.ThreatEvents).Error; err != nil {
		return Analytics{}, err
	}
	if err := base().Where("decision = ?", "block").Count(&a.BlockedRequests).Error; err != nil {
		return Analytics{}, err
	}
	if err := base().Distinct("identity_key").Count(&a.UniqueKeys).Error; err != nil {
		return Analytics{}, err
	}
	if a.TotalEvents > 0 {
		a.ThreatRate = float64(a.ThreatEvents) / float64(a.TotalEvents)
	}
	return a, nil
}

func threatEventTypes() []models.EventType {
	var out []models.EventType
	for _, t := range []models.EventType{
		models.EventRequest, models.EventSuspicious, models.EventHighRisk, models.EventThreatDetected,
		models.EventRateLimitExceeded, models.EventDDoSAttempt, models.EventAuthFailure,
		models.EventBlockedKey, models.EventDegradedSignal,
	} {
		if t.IsThreat() {
			out = append(out, t)
		}
	}
	return out
}

func timeRange(q *gorm.DB, from, to time.Time) *gorm.DB {
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to)
	}
	return q
}
