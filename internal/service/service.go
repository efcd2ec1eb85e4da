package service

import (
	"context"
	"errors"
	"time"

	"bloodbank-api/internal/cache"
	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/realtime"
	"bloodbank-api/internal/repository"

	"go.uber.org/zap"
)

// ErrForbidden is returned when the actor may not perform the action.
var ErrForbidden = errors.New("admin role required")

// Deps are the collaborators shared by every service. Only Store is required.
type Deps struct {
	Store     repository.Store
	Publisher realtime.Publisher
	Cache     cache.Cache
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Now is the service clock. "Today" for expiry purposes is its UTC date.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = realtime.NopPublisher{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// base carries the helpers the services have in common.
type base struct {
	store   repository.Store
	pub     realtime.Publisher
	stats   cache.Cache
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func newBase(d Deps, name string) base {
	d = d.withDefaults()
	return base{
		store:   d.Store,
		pub:     d.Publisher,
		stats:   d.Cache,
		metrics: d.Metrics,
		log:     d.Logger.Named(name),
		now:     d.Now,
	}
}

func (b *base) clock() (now, today time.Time) {
	now = b.now().UTC()
	return now, model.Day(now)
}

// changed publishes events and drops cached aggregates.
func (b *base) changed(ctx context.Context, events ...model.ChangeEvent) {
	for _, ev := range events {
		b.pub.Publish(ctx, ev)
	}
	if b.stats != nil {
		if err := b.stats.Delete(ctx, cache.KeyDashboardStats); err != nil {
			b.log.Warn("failed to invalidate stats cache", zap.Error(err))
		}
	}
}

func requireAdmin(actor *model.Actor) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

func unitEvent(action string, u *model.InventoryUnit, at time.Time) model.ChangeEvent {
	return model.ChangeEvent{
		Table:  model.TableInventory,
		Action: action,
		ID:     u.ID,
		Status: string(u.Status),
		At:     at,
	}
}

func requestEvent(action string, r *model.BloodRequest, at time.Time) model.ChangeEvent {
	return model.ChangeEvent{
		Table:  model.TableRequests,
		Action: action,
		ID:     r.ID,
		Status: string(r.Status),
		At:     at,
	}
}
