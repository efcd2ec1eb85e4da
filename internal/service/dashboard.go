package service

import (
	"context"
	"time"

	"bloodbank-api/internal/cache"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"

	"go.uber.org/zap"
)

// DashboardStats is the admin dashboard payload.
type DashboardStats struct {
	*repository.Stats
	// Swept is the number of units the load-time sweep discarded.
	Swept       int       `json:"swept"`
	Cached      bool      `json:"cached"`
	GeneratedAt time.Time `json:"generated_at"`
}

type cachedStats struct {
	Stats       *repository.Stats `json:"stats"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// DashboardService assembles admin dashboard data.
type DashboardService struct {
	base
	sweeper Sweeper
	ttl     time.Duration
}

// NewDashboardService creates a dashboard service. Stats are cached for ttl
// when d.Cache is set.
func NewDashboardService(d Deps, sweeper Sweeper, ttl time.Duration) *DashboardService {
	return &DashboardService{base: newBase(d, "dashboard"), sweeper: sweeper, ttl: ttl}
}

// DashboardStats sweeps expired stock, then returns current statistics.
// A failed sweep is logged and does not fail the load.
func (s *DashboardService) DashboardStats(ctx context.Context, actor *model.Actor) (*DashboardStats, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	swept := 0
	if s.sweeper != nil {
		n, err := s.sweeper.SweepExpired(ctx)
		if err != nil {
			s.log.Warn("dashboard sweep failed", zap.Error(err))
		}
		swept = n
	}

	load := func() (cachedStats, error) {
		now, today := s.clock()
		stats, err := s.store.GetStats(ctx, today)
		if err != nil {
			return cachedStats{}, err
		}
		return cachedStats{Stats: stats, GeneratedAt: now}, nil
	}

	if s.stats == nil || s.ttl <= 0 {
		cs, err := load()
		if err != nil {
			return nil, err
		}
		return &DashboardStats{Stats: cs.Stats, Swept: swept, GeneratedAt: cs.GeneratedAt}, nil
	}

	cs, hit, err := cache.GetOrSetJSON(ctx, s.stats, cache.KeyDashboardStats, s.ttl, load)
	if err != nil {
		return nil, err
	}
	return &DashboardStats{Stats: cs.Stats, Swept: swept, Cached: hit, GeneratedAt: cs.GeneratedAt}, nil
}
