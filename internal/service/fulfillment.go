package service

import (
	"context"
	"errors"
	"fmt"

	"bloodbank-api/internal/fefo"
	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
	"bloodbank-api/pkg/uid"

	"go.uber.org/zap"
)

// InsufficientStockError reports a request that cannot be fully served from
// current stock. It matches repository.ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	BloodGroup model.BloodGroup
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: %d of %d %s units available", e.Available, e.Requested, e.BloodGroup)
}

func (e *InsufficientStockError) Unwrap() error {
	return repository.ErrInsufficientStock
}

// FulfillmentService previews and commits FEFO allocations.
type FulfillmentService struct {
	base
}

// NewFulfillmentService creates a new fulfillment service.
func NewFulfillmentService(d Deps) *FulfillmentService {
	return &FulfillmentService{base: newBase(d, "fulfillment")}
}

// CalculateAllocation returns the FEFO plan for quantity units of group
// without changing anything.
func (s *FulfillmentService) CalculateAllocation(ctx context.Context, group model.BloodGroup, quantity int) (*fefo.Plan, error) {
	if !group.Valid() {
		return nil, &model.ValidationError{Field: "blood_group", Message: "must be one of A+ A- B+ B- AB+ AB- O+ O-"}
	}
	if quantity <= 0 {
		return nil, &model.ValidationError{Field: "quantity", Message: "must be a positive integer"}
	}

	plan, err := s.plan(ctx, group, quantity)
	if err != nil {
		return nil, err
	}
	s.metrics.Preview(plan.CanFulfill)
	return plan, nil
}

func (s *FulfillmentService) plan(ctx context.Context, group model.BloodGroup, quantity int) (*fefo.Plan, error) {
	_, today := s.clock()
	candidates, err := s.store.QueryAvailableUnits(ctx, repository.AvailabilityQuery{
		BloodGroup:       group,
		NotExpiredBefore: today,
		Limit:            fefo.CandidateLimit(quantity),
	})
	if err != nil {
		return nil, err
	}
	plan := fefo.Allocate(candidates, quantity)
	return &plan, nil
}

// FulfillInput names the units chosen for a request.
type FulfillInput struct {
	RequestID string
	UnitIDs   []string
	// IdempotencyKey makes retries safe: a repeat with the same key after
	// success returns the original result. Generated when empty.
	IdempotencyKey string
}

// FulfillRequest commits the given units to a pending or approved request.
// The number of distinct units must equal the requested quantity.
func (s *FulfillmentService) FulfillRequest(ctx context.Context, actor *model.Actor, in FulfillInput) (*repository.CommitResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if len(in.UnitIDs) == 0 {
		return nil, &model.ValidationError{Field: "unit_ids", Message: "at least one unit is required"}
	}
	seen := make(map[string]struct{}, len(in.UnitIDs))
	for _, id := range in.UnitIDs {
		if id == "" {
			return nil, &model.ValidationError{Field: "unit_ids", Message: "must not contain empty ids"}
		}
		if _, dup := seen[id]; dup {
			return nil, &model.ValidationError{Field: "unit_ids", Message: "must not contain duplicates"}
		}
		seen[id] = struct{}{}
	}

	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	replay := req.Status == model.RequestFulfilled && in.IdempotencyKey != "" && in.IdempotencyKey == req.FulfillmentKey
	if !replay && len(in.UnitIDs) != req.Quantity {
		return nil, &model.ValidationError{
			Field:   "unit_ids",
			Message: fmt.Sprintf("request needs %d units, got %d", req.Quantity, len(in.UnitIDs)),
		}
	}

	return s.commit(ctx, actor, req, in.UnitIDs, in.IdempotencyKey)
}

// AutoAllocateResult is the outcome of ApproveAndAutoAllocate.
type AutoAllocateResult struct {
	*repository.CommitResult
	Plan *fefo.Plan
}

// ApproveAndAutoAllocate selects FEFO units for a pending or approved request
// and fulfills it in one step. When stock is short it returns an
// *InsufficientStockError and writes nothing.
func (s *FulfillmentService) ApproveAndAutoAllocate(ctx context.Context, actor *model.Actor, requestID, idempotencyKey string) (*AutoAllocateResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == model.RequestFulfilled && idempotencyKey != "" && idempotencyKey == req.FulfillmentKey {
		res, err := s.commit(ctx, actor, req, nil, idempotencyKey)
		if err != nil {
			return nil, err
		}
		return &AutoAllocateResult{CommitResult: res}, nil
	}
	if !model.CanTransition(req.Status, model.RequestFulfilled) {
		s.metrics.AllocationFailed(metrics.ReasonConflict)
		return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, repository.ErrConflict)
	}

	plan, err := s.plan(ctx, req.BloodGroup, req.Quantity)
	if err != nil {
		s.metrics.AllocationFailed(metrics.ReasonError)
		return nil, err
	}
	if !plan.CanFulfill {
		s.metrics.AllocationFailed(metrics.ReasonInsufficientStock)
		s.log.Info("auto-allocate short of stock",
			zap.String("request_id", req.ID),
			zap.String("blood_group", string(req.BloodGroup)),
			zap.Int("requested", req.Quantity),
			zap.Int("available", len(plan.Units)))
		return &AutoAllocateResult{Plan: plan}, &InsufficientStockError{
			BloodGroup: req.BloodGroup,
			Requested:  req.Quantity,
			Available:  len(plan.Units),
		}
	}

	res, err := s.commit(ctx, actor, req, plan.UnitIDs(), idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &AutoAllocateResult{CommitResult: res, Plan: plan}, nil
}

func (s *FulfillmentService) commit(ctx context.Context, actor *model.Actor, req *model.BloodRequest, unitIDs []string, key string) (*repository.CommitResult, error) {
	if key == "" {
		key = uid.New()
	}
	now, today := s.clock()

	res, err := s.store.CommitAllocation(ctx, repository.CommitInput{
		RequestID:      req.ID,
		UnitIDs:        unitIDs,
		ActedBy:        actor.ID,
		IdempotencyKey: key,
		Today:          today,
		At:             now,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientStock):
			s.metrics.AllocationFailed(metrics.ReasonInsufficientStock)
		case errors.Is(err, repository.ErrConflict):
			s.metrics.AllocationFailed(metrics.ReasonConflict)
		case !errors.Is(err, repository.ErrNotFound):
			s.metrics.AllocationFailed(metrics.ReasonError)
		}
		s.log.Info("commit rejected", zap.String("request_id", req.ID), zap.Error(err))
		return nil, err
	}
	if res.Replayed {
		s.log.Info("commit replayed", zap.String("request_id", req.ID))
		return res, nil
	}

	s.metrics.AllocationCommitted(string(req.BloodGroup), len(res.Allocations))
	s.log.Info("request fulfilled",
		zap.String("request_id", req.ID),
		zap.String("actor", actor.ID),
		zap.Int("units", len(res.Allocations)))

	events := make([]model.ChangeEvent, 0, 1+2*len(res.Allocations))
	events = append(events, requestEvent(model.ActionUpdate, res.Request, now))
	for _, a := range res.Allocations {
		events = append(events,
			model.ChangeEvent{Table: model.TableInventory, Action: model.ActionUpdate, ID: a.InventoryID, Status: string(model.UnitFulfilled), At: now},
			model.ChangeEvent{Table: model.TableAllocations, Action: model.ActionInsert, ID: a.ID, At: now},
		)
	}
	s.changed(ctx, events...)
	return res, nil
}
