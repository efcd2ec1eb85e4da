package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"bloodbank-api/internal/model"
)

// The suite below runs against every Store backend. SQLite runs always;
// the server backends opt in through environment variables.

var testToday = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func testUnit(id string, group model.BloodGroup, expiresInDays int) *model.InventoryUnit {
	expires := testToday.AddDate(0, 0, expiresInDays)
	return &model.InventoryUnit{
		ID:          id,
		BloodGroup:  group,
		VolumeML:    450,
		CollectedOn: expires.AddDate(0, 0, -42),
		ExpiresOn:   expires,
		Status:      model.UnitAvailable,
		Location:    "fridge-1",
		CreatedBy:   "admin-1",
		CreatedAt:   testToday.Add(-time.Hour),
	}
}

func testRequest(id string, group model.BloodGroup, quantity int, status model.RequestStatus) *model.BloodRequest {
	return &model.BloodRequest{
		ID:             id,
		RequesterName:  "Jane Doe",
		RequesterEmail: "jane@example.com",
		BloodGroup:     group,
		Quantity:       quantity,
		Hospital:       "General",
		City:           "Springfield",
		Urgency:        model.UrgencyHigh,
		Status:         status,
		CreatedAt:      testToday.Add(-2 * time.Hour),
		UpdatedAt:      testToday.Add(-2 * time.Hour),
	}
}

func seedUnits(t *testing.T, s Store, units ...*model.InventoryUnit) {
	t.Helper()
	for _, u := range units {
		if err := s.CreateUnit(context.Background(), u); err != nil {
			t.Fatalf("seed unit %s: %v", u.ID, err)
		}
	}
}

func seedRequest(t *testing.T, s Store, r *model.BloodRequest) {
	t.Helper()
	if err := s.CreateRequest(context.Background(), r); err != nil {
		t.Fatalf("seed request %s: %v", r.ID, err)
	}
}

func mustUnitStatus(t *testing.T, s Store, id string, want model.UnitStatus) {
	t.Helper()
	u, err := s.GetUnit(context.Background(), id)
	if err != nil {
		t.Fatalf("get unit %s: %v", id, err)
	}
	if u.Status != want {
		t.Fatalf("unit %s status = %s, want %s", id, u.Status, want)
	}
}

func mustRequestStatus(t *testing.T, s Store, id string, want model.RequestStatus) {
	t.Helper()
	r, err := s.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get request %s: %v", id, err)
	}
	if r.Status != want {
		t.Fatalf("request %s status = %s, want %s", id, r.Status, want)
	}
}

func unitIDs(units []model.InventoryUnit) []string {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// runStoreSuite exercises the Store contract. newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("QueryAvailableUnits_FEFOOrderAndFilters", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s,
			testUnit("u-c", model.OPositive, 9),
			testUnit("u-a", model.OPositive, 3),
			testUnit("u-b", model.OPositive, 3),
			testUnit("u-expired", model.OPositive, -1),
			testUnit("u-today", model.OPositive, 0),
			testUnit("u-other", model.ANegative, 1),
		)
		if _, err := s.DiscardUnit(context.Background(), "u-c"); err != nil {
			t.Fatalf("discard: %v", err)
		}
		seedUnits(t, s, testUnit("u-d", model.OPositive, 20))

		got, err := s.QueryAvailableUnits(context.Background(), AvailabilityQuery{
			BloodGroup:       model.OPositive,
			NotExpiredBefore: testToday,
			Limit:            10,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		want := []string{"u-today", "u-a", "u-b", "u-d"}
		if !equalStrings(unitIDs(got), want) {
			t.Fatalf("ids = %v, want %v", unitIDs(got), want)
		}

		got, err = s.QueryAvailableUnits(context.Background(), AvailabilityQuery{
			BloodGroup:       model.OPositive,
			NotExpiredBefore: testToday,
			Limit:            2,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if !equalStrings(unitIDs(got), []string{"u-today", "u-a"}) {
			t.Fatalf("limited ids = %v", unitIDs(got))
		}

		got, err = s.QueryAvailableUnits(context.Background(), AvailabilityQuery{
			BloodGroup:       model.ABNegative,
			NotExpiredBefore: testToday,
			Limit:            10,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("expected empty non-nil slice, got %#v", got)
		}
	})

	t.Run("GetUnit_RoundTripsDates", func(t *testing.T) {
		s := newStore(t)
		u := testUnit("u-1", model.BNegative, 5)
		seedUnits(t, s, u)

		got, err := s.GetUnit(context.Background(), "u-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.ExpiresOn.Equal(u.ExpiresOn) || !got.CollectedOn.Equal(u.CollectedOn) {
			t.Fatalf("dates = %s/%s, want %s/%s", got.CollectedOn, got.ExpiresOn, u.CollectedOn, u.ExpiresOn)
		}
		if got.BloodGroup != model.BNegative || got.VolumeML != 450 || got.Location != "fridge-1" {
			t.Fatalf("unexpected unit: %+v", got)
		}

		if _, err := s.GetUnit(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing unit err = %v, want ErrNotFound", err)
		}
	})

	t.Run("CommitAllocation_FulfillsAtomically", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s, testUnit("u-1", model.OPositive, 2), testUnit("u-2", model.OPositive, 4))
		seedRequest(t, s, testRequest("r-1", model.OPositive, 2, model.RequestApproved))

		at := testToday.Add(9 * time.Hour)
		res, err := s.CommitAllocation(context.Background(), CommitInput{
			RequestID:      "r-1",
			UnitIDs:        []string{"u-1", "u-2"},
			ActedBy:        "admin-1",
			IdempotencyKey: "key-1",
			Today:          testToday,
			At:             at,
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if res.Replayed {
			t.Fatal("first commit reported as replay")
		}
		if res.Request.Status != model.RequestFulfilled || res.Request.ActedBy != "admin-1" {
			t.Fatalf("request = %+v", res.Request)
		}
		if len(res.Allocations) != 2 {
			t.Fatalf("allocations = %d, want 2", len(res.Allocations))
		}

		mustRequestStatus(t, s, "r-1", model.RequestFulfilled)
		mustUnitStatus(t, s, "u-1", model.UnitFulfilled)
		mustUnitStatus(t, s, "u-2", model.UnitFulfilled)

		allocs, err := s.ListAllocations(context.Background(), "r-1")
		if err != nil {
			t.Fatalf("list allocations: %v", err)
		}
		if len(allocs) != 2 {
			t.Fatalf("stored allocations = %d, want 2", len(allocs))
		}
		for _, a := range allocs {
			if a.RequestID != "r-1" || a.AllocatedBy != "admin-1" || !a.AllocatedAt.Equal(at) {
				t.Fatalf("allocation = %+v", a)
			}
		}
	})

	t.Run("CommitAllocation_ReplaySameKeyWritesNothing", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s, testUnit("u-1", model.APositive, 2), testUnit("u-2", model.APositive, 3))
		seedRequest(t, s, testRequest("r-1", model.APositive, 1, model.RequestPending))

		in := CommitInput{
			RequestID:      "r-1",
			UnitIDs:        []string{"u-1"},
			ActedBy:        "admin-1",
			IdempotencyKey: "key-1",
			Today:          testToday,
			At:             testToday.Add(time.Hour),
		}
		if _, err := s.CommitAllocation(context.Background(), in); err != nil {
			t.Fatalf("commit: %v", err)
		}

		// Replay names a different unit; nothing may change.
		in.UnitIDs = []string{"u-2"}
		res, err := s.CommitAllocation(context.Background(), in)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !res.Replayed {
			t.Fatal("expected replay")
		}
		if len(res.Allocations) != 1 || res.Allocations[0].InventoryID != "u-1" {
			t.Fatalf("replay allocations = %+v", res.Allocations)
		}
		mustUnitStatus(t, s, "u-2", model.UnitAvailable)

		// A different key on a fulfilled request is a conflict.
		in.IdempotencyKey = "key-2"
		if _, err := s.CommitAllocation(context.Background(), in); !errors.Is(err, ErrConflict) {
			t.Fatalf("different key err = %v, want ErrConflict", err)
		}
		mustUnitStatus(t, s, "u-2", model.UnitAvailable)
	})

	t.Run("CommitAllocation_InsufficientStockRollsBack", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s,
			testUnit("u-1", model.OPositive, 2),
			testUnit("u-gone", model.OPositive, 3),
			testUnit("u-wrong", model.BPositive, 3),
			testUnit("u-expired", model.OPositive, -2),
		)
		if _, err := s.DiscardUnit(context.Background(), "u-gone"); err != nil {
			t.Fatalf("discard: %v", err)
		}
		seedRequest(t, s, testRequest("r-1", model.OPositive, 2, model.RequestApproved))

		for _, second := range []string{"u-gone", "u-wrong", "u-expired", "u-missing"} {
			_, err := s.CommitAllocation(context.Background(), CommitInput{
				RequestID: "r-1",
				UnitIDs:   []string{"u-1", second},
				ActedBy:   "admin-1",
				Today:     testToday,
				At:        testToday.Add(time.Hour),
			})
			if !errors.Is(err, ErrInsufficientStock) {
				t.Fatalf("with %s: err = %v, want ErrInsufficientStock", second, err)
			}
		}

		mustRequestStatus(t, s, "r-1", model.RequestApproved)
		mustUnitStatus(t, s, "u-1", model.UnitAvailable)
		mustUnitStatus(t, s, "u-wrong", model.UnitAvailable)
		allocs, err := s.ListAllocations(context.Background(), "r-1")
		if err != nil {
			t.Fatalf("list allocations: %v", err)
		}
		if len(allocs) != 0 {
			t.Fatalf("allocations after rollback = %d", len(allocs))
		}
	})

	t.Run("CommitAllocation_UnitCannotBeAllocatedTwice", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s, testUnit("u-1", model.ONegative, 2))
		seedRequest(t, s, testRequest("r-1", model.ONegative, 1, model.RequestApproved))
		seedRequest(t, s, testRequest("r-2", model.ONegative, 1, model.RequestApproved))

		in := CommitInput{RequestID: "r-1", UnitIDs: []string{"u-1"}, Today: testToday, At: testToday}
		if _, err := s.CommitAllocation(context.Background(), in); err != nil {
			t.Fatalf("first commit: %v", err)
		}
		in.RequestID = "r-2"
		if _, err := s.CommitAllocation(context.Background(), in); !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("second commit err = %v, want ErrInsufficientStock", err)
		}
		mustRequestStatus(t, s, "r-2", model.RequestApproved)
	})

	t.Run("CommitAllocation_TerminalAndMissing", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s, testUnit("u-1", model.ABPositive, 2))
		seedRequest(t, s, testRequest("r-rejected", model.ABPositive, 1, model.RequestRejected))

		_, err := s.CommitAllocation(context.Background(), CommitInput{
			RequestID: "r-rejected", UnitIDs: []string{"u-1"}, Today: testToday, At: testToday,
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("rejected err = %v, want ErrConflict", err)
		}
		_, err = s.CommitAllocation(context.Background(), CommitInput{
			RequestID: "r-missing", UnitIDs: []string{"u-1"}, Today: testToday, At: testToday,
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing err = %v, want ErrNotFound", err)
		}
		mustUnitStatus(t, s, "u-1", model.UnitAvailable)
	})

	t.Run("TransitionRequest", func(t *testing.T) {
		s := newStore(t)
		seedRequest(t, s, testRequest("r-1", model.APositive, 1, model.RequestPending))
		seedRequest(t, s, testRequest("r-2", model.APositive, 1, model.RequestPending))

		at := testToday.Add(3 * time.Hour)
		r, err := s.TransitionRequest(context.Background(), "r-1", model.RequestApproved, "admin-1", at)
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if r.Status != model.RequestApproved || r.ActedBy != "admin-1" || !r.UpdatedAt.Equal(at) {
			t.Fatalf("approved request = %+v", r)
		}

		if _, err := s.TransitionRequest(context.Background(), "r-1", model.RequestRejected, "admin-1", at); !errors.Is(err, ErrConflict) {
			t.Fatalf("reject approved err = %v, want ErrConflict", err)
		}
		if _, err := s.TransitionRequest(context.Background(), "r-2", model.RequestRejected, "admin-1", at); err != nil {
			t.Fatalf("reject: %v", err)
		}
		if _, err := s.TransitionRequest(context.Background(), "r-2", model.RequestApproved, "admin-1", at); !errors.Is(err, ErrConflict) {
			t.Fatalf("approve rejected err = %v, want ErrConflict", err)
		}
		if _, err := s.TransitionRequest(context.Background(), "nope", model.RequestApproved, "admin-1", at); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DiscardAndDelete", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s, testUnit("u-1", model.BPositive, 2), testUnit("u-2", model.BPositive, 3))
		seedRequest(t, s, testRequest("r-1", model.BPositive, 1, model.RequestApproved))

		if _, err := s.CommitAllocation(context.Background(), CommitInput{
			RequestID: "r-1", UnitIDs: []string{"u-1"}, Today: testToday, At: testToday,
		}); err != nil {
			t.Fatalf("commit: %v", err)
		}

		if _, err := s.DiscardUnit(context.Background(), "u-1"); !errors.Is(err, ErrConflict) {
			t.Fatalf("discard fulfilled err = %v, want ErrConflict", err)
		}
		if err := s.DeleteUnit(context.Background(), "u-1"); !errors.Is(err, ErrConflict) {
			t.Fatalf("delete allocated err = %v, want ErrConflict", err)
		}

		u, err := s.DiscardUnit(context.Background(), "u-2")
		if err != nil {
			t.Fatalf("discard: %v", err)
		}
		if u.Status != model.UnitDiscarded {
			t.Fatalf("status = %s", u.Status)
		}
		if err := s.DeleteUnit(context.Background(), "u-2"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.DeleteUnit(context.Background(), "u-2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete twice err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DiscardExpired", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s,
			testUnit("u-old", model.OPositive, -3),
			testUnit("u-yesterday", model.ANegative, -1),
			testUnit("u-today", model.OPositive, 0),
			testUnit("u-fresh", model.OPositive, 10),
		)

		ids, err := s.DiscardExpired(context.Background(), testToday)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if len(ids) != 2 {
			t.Fatalf("swept %v, want 2 units", ids)
		}
		mustUnitStatus(t, s, "u-old", model.UnitDiscarded)
		mustUnitStatus(t, s, "u-yesterday", model.UnitDiscarded)
		mustUnitStatus(t, s, "u-today", model.UnitAvailable)
		mustUnitStatus(t, s, "u-fresh", model.UnitAvailable)

		ids, err = s.DiscardExpired(context.Background(), testToday)
		if err != nil {
			t.Fatalf("second sweep: %v", err)
		}
		if len(ids) != 0 {
			t.Fatalf("second sweep = %v, want none", ids)
		}
	})

	t.Run("ListUnitsAndRequests", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s,
			testUnit("u-1", model.OPositive, 5),
			testUnit("u-2", model.OPositive, 1),
			testUnit("u-3", model.ANegative, 2),
		)
		r1 := testRequest("r-1", model.OPositive, 1, model.RequestPending)
		r2 := testRequest("r-2", model.OPositive, 1, model.RequestPending)
		r2.CreatedAt = r1.CreatedAt.Add(time.Minute)
		seedRequest(t, s, r1)
		seedRequest(t, s, r2)

		units, total, err := s.ListUnits(context.Background(), UnitFilter{BloodGroup: model.OPositive})
		if err != nil {
			t.Fatalf("list units: %v", err)
		}
		if total != 2 || !equalStrings(unitIDs(units), []string{"u-2", "u-1"}) {
			t.Fatalf("units = %v (total %d)", unitIDs(units), total)
		}

		units, total, err = s.ListUnits(context.Background(), UnitFilter{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("list page: %v", err)
		}
		if total != 3 || len(units) != 1 || units[0].ID != "u-3" {
			t.Fatalf("page = %v (total %d)", unitIDs(units), total)
		}

		requests, total, err := s.ListRequests(context.Background(), RequestFilter{Status: model.RequestPending})
		if err != nil {
			t.Fatalf("list requests: %v", err)
		}
		if total != 2 || len(requests) != 2 || requests[0].ID != "r-2" {
			t.Fatalf("requests = %+v (total %d)", requests, total)
		}
	})

	t.Run("GetStats", func(t *testing.T) {
		s := newStore(t)
		seedUnits(t, s,
			testUnit("u-1", model.OPositive, 2),
			testUnit("u-2", model.OPositive, 30),
			testUnit("u-3", model.BNegative, 1),
			testUnit("u-4", model.BNegative, -1),
		)
		seedRequest(t, s, testRequest("r-1", model.BNegative, 1, model.RequestApproved))
		seedRequest(t, s, testRequest("r-2", model.OPositive, 1, model.RequestPending))
		if _, err := s.CommitAllocation(context.Background(), CommitInput{
			RequestID: "r-1", UnitIDs: []string{"u-3"}, Today: testToday, At: testToday,
		}); err != nil {
			t.Fatalf("commit: %v", err)
		}

		stats, err := s.GetStats(context.Background(), testToday)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if got := stats.AvailableByGroup[model.OPositive]; got.Units != 2 || got.VolumeML != 900 {
			t.Fatalf("O+ stock = %+v", got)
		}
		if _, ok := stats.AvailableByGroup[model.BNegative]; ok {
			t.Fatalf("B- should have no usable stock: %+v", stats.AvailableByGroup)
		}
		if stats.UnitsByStatus[model.UnitAvailable] != 3 || stats.UnitsByStatus[model.UnitFulfilled] != 1 {
			t.Fatalf("units by status = %v", stats.UnitsByStatus)
		}
		if stats.RequestsByStatus[model.RequestFulfilled] != 1 || stats.RequestsByStatus[model.RequestPending] != 1 {
			t.Fatalf("requests by status = %v", stats.RequestsByStatus)
		}
		if stats.ExpiringSoon != 1 {
			t.Fatalf("expiring soon = %d, want 1", stats.ExpiringSoon)
		}
		if stats.Allocations != 1 {
			t.Fatalf("allocations = %d, want 1", stats.Allocations)
		}
		if stats.Backend["type"] == nil {
			t.Fatalf("backend type missing: %v", stats.Backend)
		}
	})
}
