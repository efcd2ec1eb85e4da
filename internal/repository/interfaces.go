package repository

import (
	"context"
	"errors"
	"time"

	"bloodbank-api/internal/model"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional status transition finds the row
	// in a state that does not permit it.
	ErrConflict = errors.New("status conflict")

	// ErrInsufficientStock is returned when fewer units could be claimed than requested.
	// A commit that returns it has written nothing.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// UnitFilter narrows ListUnits. Zero values mean "any".
type UnitFilter struct {
	BloodGroup model.BloodGroup
	Status     model.UnitStatus
	Limit      int
	Offset     int
}

// RequestFilter narrows ListRequests. Zero values mean "any".
type RequestFilter struct {
	BloodGroup model.BloodGroup
	Status     model.RequestStatus
	Limit      int
	Offset     int
}

// AvailabilityQuery selects allocation candidates: available units of one group
// expiring on or after NotExpiredBefore, soonest expiry first, ties by ID.
type AvailabilityQuery struct {
	BloodGroup       model.BloodGroup
	NotExpiredBefore time.Time
	Limit            int
}

// CommitInput describes one fulfillment commit.
type CommitInput struct {
	RequestID      string
	UnitIDs        []string
	ActedBy        string
	IdempotencyKey string
	// Today bounds unit expiry: units expiring before it cannot be claimed.
	Today time.Time
	At    time.Time
}

// CommitResult is returned by a successful commit.
type CommitResult struct {
	Request     *model.BloodRequest
	Allocations []model.Allocation
	// Replayed is set when the request was already fulfilled under the same
	// idempotency key and nothing was written.
	Replayed bool
}

// GroupStock summarizes available stock of one blood group.
type GroupStock struct {
	Units    int64 `json:"units"`
	VolumeML int64 `json:"volume_ml"`
}

// Stats is the dashboard summary.
type Stats struct {
	AvailableByGroup map[model.BloodGroup]GroupStock `json:"available_by_group"`
	UnitsByStatus    map[model.UnitStatus]int64      `json:"units_by_status"`
	RequestsByStatus map[model.RequestStatus]int64   `json:"requests_by_status"`
	ExpiringSoon     int64                           `json:"expiring_soon"`
	Allocations      int64                           `json:"allocations"`
	Backend          map[string]interface{}          `json:"backend,omitempty"`
}

func newStats() *Stats {
	return &Stats{
		AvailableByGroup: make(map[model.BloodGroup]GroupStock),
		UnitsByStatus:    make(map[model.UnitStatus]int64),
		RequestsByStatus: make(map[model.RequestStatus]int64),
		Backend:          make(map[string]interface{}),
	}
}

// ExpiringSoonDays is the window used for Stats.ExpiringSoon.
const ExpiringSoonDays = 7

// InventoryRepository defines inventory unit data access methods.
type InventoryRepository interface {
	// CreateUnit inserts a new unit.
	CreateUnit(ctx context.Context, unit *model.InventoryUnit) error

	// GetUnit returns one unit or ErrNotFound.
	GetUnit(ctx context.Context, id string) (*model.InventoryUnit, error)

	// ListUnits returns a page of units and the total matching count.
	ListUnits(ctx context.Context, f UnitFilter) ([]model.InventoryUnit, int64, error)

	// QueryAvailableUnits returns allocation candidates in FEFO order.
	QueryAvailableUnits(ctx context.Context, q AvailabilityQuery) ([]model.InventoryUnit, error)

	// DiscardUnit moves an available unit to discarded. ErrConflict if it is not available.
	DiscardUnit(ctx context.Context, id string) (*model.InventoryUnit, error)

	// DeleteUnit removes a unit. ErrConflict if it is referenced by an allocation.
	DeleteUnit(ctx context.Context, id string) error

	// DiscardExpired moves every available unit that expired before today to
	// discarded and returns the affected IDs.
	DiscardExpired(ctx context.Context, today time.Time) ([]string, error)
}

// RequestRepository defines blood request data access methods.
type RequestRepository interface {
	// CreateRequest inserts a new request.
	CreateRequest(ctx context.Context, req *model.BloodRequest) error

	// GetRequest returns one request or ErrNotFound.
	GetRequest(ctx context.Context, id string) (*model.BloodRequest, error)

	// ListRequests returns a page of requests, newest first, and the total count.
	ListRequests(ctx context.Context, f RequestFilter) ([]model.BloodRequest, int64, error)

	// TransitionRequest moves a request to the target status only if its current
	// status is a legal source. ErrConflict otherwise.
	TransitionRequest(ctx context.Context, id string, to model.RequestStatus, actedBy string, at time.Time) (*model.BloodRequest, error)

	// ListAllocations returns the allocation rows of one request.
	ListAllocations(ctx context.Context, requestID string) ([]model.Allocation, error)
}

// Store is the full persistence boundary used by the services.
type Store interface {
	InventoryRepository
	RequestRepository

	// CommitAllocation atomically fulfills a request: the request moves to
	// fulfilled, every named unit moves from available to fulfilled, and one
	// allocation row is written per unit. Either all of it happens or none.
	CommitAllocation(ctx context.Context, in CommitInput) (*CommitResult, error)

	// GetStats returns dashboard statistics.
	GetStats(ctx context.Context, today time.Time) (*Stats, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the repository connection.
	Close() error
}

// dedupe returns ids without repeats, preserving order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
