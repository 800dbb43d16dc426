package reputation

import (
	"context"
)

// Service combines a Store with an optional threat feed.
type Service struct {
	store Store
	feed  ThreatIndicatorFeed
}

// NewService returns a service over store. feed may be nil.
func NewService(store Store, feed ThreatIndicatorFeed) *Service {
	return &Service{store: store, feed: feed}
}

// Lookup returns the reputation of ip as the larger of the stored and feed
// scores. A store failure marks the reading unavailable instead of erroring.
func (s *Service) Lookup(ctx context.Context, ip string) Reading {
	var r Reading
	if score, err := s.store.Get(ctx, ip); err == nil {
		r.Score = clamp(score)
		r.Available = true
	}
	if s.feed != nil {
		if score, ok := s.feed.Lookup(ip); ok && score > r.Score {
			r.Score = score
			r.FromFeed = true
		}
	}
	return r
}

func (s *Service) Penalize(ctx context.Context, ip string, amount float64) (float64, error) {
	return s.store.Penalize(ctx, ip, amount)
}

func (s *Service) DecayTick(ctx context.Context) error {
	return s.store.DecayTick(ctx)
}

// Store returns the underlying backend.
func (s *Service) Store() Store { return s.store }
