package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
	"bloodbank-api/pkg/uid"

	"go.uber.org/zap"
)

// MaxUnitsPerBatch caps AddStock.Count.
const MaxUnitsPerBatch = 100

// InventoryService handles inventory business logic.
type InventoryService struct {
	base
}

// NewInventoryService creates a new inventory service.
func NewInventoryService(d Deps) *InventoryService {
	return &InventoryService{base: newBase(d, "inventory")}
}

// AddStockInput describes one or more identical units entering stock, from an
// admin stock entry or a completed donation.
type AddStockInput struct {
	BloodGroup model.BloodGroup
	// VolumeML defaults to DefaultVolumeML.
	VolumeML int
	// CollectedOn defaults to today.
	CollectedOn time.Time
	// ExpiresOn defaults to CollectedOn + ShelfLifeDays.
	ExpiresOn time.Time
	// ShelfLifeDays defaults to DefaultShelfLifeDays; ignored when ExpiresOn is set.
	ShelfLifeDays int
	Location      string
	// Count is the number of units to create; defaults to 1.
	Count int
}

// AddStock creates new available units.
func (s *InventoryService) AddStock(ctx context.Context, actor *model.Actor, in AddStockInput) ([]model.InventoryUnit, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	now, today := s.clock()

	count := in.Count
	if count == 0 {
		count = 1
	}
	if count < 0 || count > MaxUnitsPerBatch {
		return nil, &model.ValidationError{Field: "count", Message: fmt.Sprintf("must be between 1 and %d", MaxUnitsPerBatch)}
	}

	volume := in.VolumeML
	if volume == 0 {
		volume = model.DefaultVolumeML
	}
	collected := today
	if !in.CollectedOn.IsZero() {
		collected = model.Day(in.CollectedOn)
	}
	if collected.After(today) {
		return nil, &model.ValidationError{Field: "collected_on", Message: "must not be in the future"}
	}
	expires := model.Day(in.ExpiresOn)
	if in.ExpiresOn.IsZero() {
		days := in.ShelfLifeDays
		if days == 0 {
			days = model.DefaultShelfLifeDays
		}
		expires = collected.AddDate(0, 0, days)
	}

	units := make([]model.InventoryUnit, 0, count)
	for i := 0; i < count; i++ {
		u := model.InventoryUnit{
			ID:          uid.New(),
			BloodGroup:  in.BloodGroup,
			VolumeML:    volume,
			CollectedOn: collected,
			ExpiresOn:   expires,
			Status:      model.UnitAvailable,
			Location:    strings.TrimSpace(in.Location),
			CreatedBy:   actor.ID,
			CreatedAt:   now,
		}
		if err := u.Validate(); err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	events := make([]model.ChangeEvent, 0, len(units))
	for i := range units {
		if err := s.store.CreateUnit(ctx, &units[i]); err != nil {
			// Units created so far stay; report them so the caller can see the partial batch.
			s.changed(ctx, events...)
			return units[:i], fmt.Errorf("created %d of %d units: %w", i, len(units), err)
		}
		events = append(events, unitEvent(model.ActionInsert, &units[i], now))
	}

	s.log.Info("stock added",
		zap.String("blood_group", string(in.BloodGroup)),
		zap.Int("units", len(units)),
		zap.String("expires_on", expires.Format(model.DateLayout)),
		zap.String("actor", actor.ID))
	s.changed(ctx, events...)
	return units, nil
}

// GetUnit returns one unit.
func (s *InventoryService) GetUnit(ctx context.Context, id string) (*model.InventoryUnit, error) {
	return s.store.GetUnit(ctx, id)
}

// ListUnits returns a filtered page of units and the total count.
func (s *InventoryService) ListUnits(ctx context.Context, f repository.UnitFilter) ([]model.InventoryUnit, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, &model.ValidationError{Field: "status", Message: "unknown unit status"}
	}
	if f.BloodGroup != "" && !f.BloodGroup.Valid() {
		return nil, 0, &model.ValidationError{Field: "blood_group", Message: "unknown blood group"}
	}
	return s.store.ListUnits(ctx, f)
}

// DiscardUnit moves an available unit to discarded.
func (s *InventoryService) DiscardUnit(ctx context.Context, actor *model.Actor, id string) (*model.InventoryUnit, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	u, err := s.store.DiscardUnit(ctx, id)
	if err != nil {
		return nil, err
	}

	now, _ := s.clock()
	s.metrics.UnitsDiscarded(metrics.SourceAdmin, 1)
	s.log.Info("unit discarded", zap.String("unit_id", id), zap.String("actor", actor.ID))
	s.changed(ctx, unitEvent(model.ActionUpdate, u, now))
	return u, nil
}

// DeleteUnit removes a unit that was never allocated.
func (s *InventoryService) DeleteUnit(ctx context.Context, actor *model.Actor, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.store.DeleteUnit(ctx, id); err != nil {
		return err
	}

	now, _ := s.clock()
	s.log.Info("unit deleted", zap.String("unit_id", id), zap.String("actor", actor.ID))
	s.changed(ctx, model.ChangeEvent{Table: model.TableInventory, Action: model.ActionDelete, ID: id, At: now})
	return nil
}

// SweepExpired discards every available unit that expired before today.
func (s *InventoryService) SweepExpired(ctx context.Context) (int, error) {
	now, today := s.clock()
	ids, err := s.store.DiscardExpired(ctx, today)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.metrics.UnitsDiscarded(metrics.SourceSweep, len(ids))
	s.log.Info("expired units discarded", zap.Int("units", len(ids)))
	events := make([]model.ChangeEvent, len(ids))
	for i, id := range ids {
		events[i] = model.ChangeEvent{
			Table:  model.TableInventory,
			Action: model.ActionUpdate,
			ID:     id,
			Status: string(model.UnitDiscarded),
			At:     now,
		}
	}
	s.changed(ctx, events...)
	return len(ids), nil
}
