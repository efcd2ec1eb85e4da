package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
)

func TestAddStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewInventoryService(f.deps)

	units, err := svc.AddStock(ctx, admin, AddStockInput{BloodGroup: model.ABNegative, Count: 3, Location: "  fridge-2 "})
	if err != nil {
		t.Fatalf("AddStock() error = %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("units = %d, want 3", len(units))
	}
	today := model.Day(testNow)
	for _, u := range units {
		if !u.CollectedOn.Equal(today) {
			t.Errorf("collected_on = %v, want today", u.CollectedOn)
		}
		if want := today.AddDate(0, 0, model.DefaultShelfLifeDays); !u.ExpiresOn.Equal(want) {
			t.Errorf("expires_on = %v, want %v", u.ExpiresOn, want)
		}
		if u.VolumeML != model.DefaultVolumeML || u.Status != model.UnitAvailable || u.Location != "fridge-2" {
			t.Errorf("unexpected unit %+v", u)
		}
		if u.CreatedBy != admin.ID {
			t.Errorf("created_by = %q, want %q", u.CreatedBy, admin.ID)
		}
	}
	if got := f.pub.count(model.TableInventory, model.ActionInsert); got != 3 {
		t.Errorf("insert events = %d, want 3", got)
	}

	_, total, err := svc.ListUnits(ctx, repository.UnitFilter{BloodGroup: model.ABNegative})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("stored units = %d, want 3", total)
	}
}

func TestAddStockValidation(t *testing.T) {
	f := newFixture(t)
	svc := NewInventoryService(f.deps)
	today := model.Day(testNow)

	tests := []struct {
		name  string
		in    AddStockInput
		field string
	}{
		{"unknown group", AddStockInput{BloodGroup: "Z"}, "blood_group"},
		{"too many", AddStockInput{BloodGroup: model.APositive, Count: MaxUnitsPerBatch + 1}, "count"},
		{"negative count", AddStockInput{BloodGroup: model.APositive, Count: -1}, "count"},
		{"future collection", AddStockInput{BloodGroup: model.APositive, CollectedOn: today.AddDate(0, 0, 1)}, "collected_on"},
		{"shelf life too long", AddStockInput{BloodGroup: model.APositive, ShelfLifeDays: 43}, "expires_on"},
		{"expiry before collection", AddStockInput{BloodGroup: model.APositive, ExpiresOn: today.AddDate(0, 0, -1)}, "expires_on"},
		{"negative volume", AddStockInput{BloodGroup: model.APositive, VolumeML: -5}, "volume_ml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddStock(context.Background(), admin, tt.in)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	if _, err := svc.AddStock(context.Background(), staff, AddStockInput{BloodGroup: model.APositive}); !errors.Is(err, ErrForbidden) {
		t.Errorf("staff error = %v, want ErrForbidden", err)
	}
	if f.pub.len() != 0 {
		t.Errorf("rejected stock published %d events", f.pub.len())
	}
}

func TestDiscardAndDeleteUnit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUnit(t, "u1", model.APositive, 5)
	f.addUnit(t, "u2", model.APositive, 5)
	svc := NewInventoryService(f.deps)

	u, err := svc.DiscardUnit(ctx, admin, "u1")
	if err != nil {
		t.Fatalf("DiscardUnit() error = %v", err)
	}
	if u.Status != model.UnitDiscarded {
		t.Errorf("status = %s, want discarded", u.Status)
	}
	if _, err := svc.DiscardUnit(ctx, admin, "u1"); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("second discard error = %v, want ErrConflict", err)
	}

	if err := svc.DeleteUnit(ctx, admin, "u2"); err != nil {
		t.Fatalf("DeleteUnit() error = %v", err)
	}
	if _, err := svc.GetUnit(ctx, "u2"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetUnit after delete error = %v, want ErrNotFound", err)
	}
	if got := f.pub.count(model.TableInventory, model.ActionDelete); got != 1 {
		t.Errorf("delete events = %d, want 1", got)
	}
}

func TestDeleteUnitAllocated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUnit(t, "u1", model.APositive, 5)
	f.addRequest(t, "r1", model.APositive, 1, model.RequestPending)

	if _, err := NewFulfillmentService(f.deps).FulfillRequest(ctx, admin, FulfillInput{RequestID: "r1", UnitIDs: []string{"u1"}}); err != nil {
		t.Fatal(err)
	}
	if err := NewInventoryService(f.deps).DeleteUnit(ctx, admin, "u1"); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUnit(t, "old-1", model.BPositive, -1)
	f.addUnit(t, "old-2", model.BPositive, -20)
	f.addUnit(t, "today", model.BPositive, 0)
	svc := NewInventoryService(f.deps)

	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}
	for id, want := range map[string]model.UnitStatus{
		"old-1": model.UnitDiscarded,
		"old-2": model.UnitDiscarded,
		"today": model.UnitAvailable,
	} {
		if got := f.unitStatus(t, id); got != want {
			t.Errorf("unit %s status = %s, want %s", id, got, want)
		}
	}

	n, err = svc.SweepExpired(ctx)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v; want 0, nil", n, err)
	}
}

func TestListUnitsFilterValidation(t *testing.T) {
	svc := NewInventoryService(newFixture(t).deps)
	if _, _, err := svc.ListUnits(context.Background(), repository.UnitFilter{Status: "lost"}); !isValidation(err) {
		t.Errorf("status error = %v, want ValidationError", err)
	}
	if _, _, err := svc.ListUnits(context.Background(), repository.UnitFilter{BloodGroup: "Q"}); !isValidation(err) {
		t.Errorf("group error = %v, want ValidationError", err)
	}
}

func TestExportInventory(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", model.APositive, 3)
	f.addUnit(t, "u2", model.APositive, 30)
	f.addUnit(t, "u3", model.ONegative, 10)
	svc := NewInventoryService(f.deps)

	if _, _, err := svc.ExportInventory(context.Background(), staff, repository.UnitFilter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("staff error = %v, want ErrForbidden", err)
	}

	x, name, err := svc.ExportInventory(context.Background(), admin, repository.UnitFilter{})
	if err != nil {
		t.Fatalf("ExportInventory() error = %v", err)
	}
	defer x.Close()

	if name != "inventory_20260310.xlsx" {
		t.Errorf("filename = %q", name)
	}
	rows, err := x.GetRows("Inventory")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("inventory rows = %d, want 4", len(rows))
	}
	if rows[0][0] != "ID" || rows[1][0] != "u1" {
		t.Errorf("unexpected first rows %v", rows[:2])
	}

	summary, err := x.GetRows("Summary")
	if err != nil {
		t.Fatal(err)
	}
	if len(summary) != 1+len(model.BloodGroups) {
		t.Fatalf("summary rows = %d", len(summary))
	}
	if summary[1][0] != "A+" || summary[1][1] != "2" || summary[1][2] != "900" {
		t.Errorf("A+ summary = %v, want [A+ 2 900]", summary[1])
	}
}

func TestRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewRequestService(f.deps)

	req, err := svc.CreateRequest(ctx, CreateRequestInput{
		RequesterName: " Sam ",
		BloodGroup:    model.OPositive,
		Quantity:      2,
		Hospital:      "St. Mary",
		City:          "Leeds",
	})
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if req.Status != model.RequestPending || req.Urgency != model.UrgencyMedium || req.RequesterName != "Sam" {
		t.Errorf("unexpected request %+v", req)
	}

	approved, err := svc.ApproveRequest(ctx, admin, req.ID)
	if err != nil {
		t.Fatalf("ApproveRequest() error = %v", err)
	}
	if approved.Status != model.RequestApproved || approved.ActedBy != admin.ID {
		t.Errorf("approved = %+v", approved)
	}
	if _, err := svc.RejectRequest(ctx, admin, req.ID); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("reject approved error = %v, want ErrConflict", err)
	}
	if _, err := svc.ApproveRequest(ctx, staff, req.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("staff approve error = %v, want ErrForbidden", err)
	}

	allocs, err := svc.ListAllocations(ctx, req.ID)
	if err != nil || len(allocs) != 0 {
		t.Errorf("ListAllocations() = %v, %v; want empty", allocs, err)
	}
	if _, err := svc.ListAllocations(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("missing request error = %v, want ErrNotFound", err)
	}

	list, total, err := svc.ListRequests(ctx, repository.RequestFilter{Status: model.RequestApproved})
	if err != nil || total != 1 || len(list) != 1 {
		t.Errorf("ListRequests() = %d/%d, %v", len(list), total, err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	svc := NewRequestService(newFixture(t).deps)
	tests := []struct {
		name string
		in   CreateRequestInput
	}{
		{"no name", CreateRequestInput{BloodGroup: model.APositive, Quantity: 1, Hospital: "H"}},
		{"bad group", CreateRequestInput{RequesterName: "a", BloodGroup: "AB", Quantity: 1, Hospital: "H"}},
		{"zero quantity", CreateRequestInput{RequesterName: "a", BloodGroup: model.APositive, Hospital: "H"}},
		{"no hospital", CreateRequestInput{RequesterName: "a", BloodGroup: model.APositive, Quantity: 1, Hospital: "  "}},
		{"bad urgency", CreateRequestInput{RequesterName: "a", BloodGroup: model.APositive, Quantity: 1, Hospital: "H", Urgency: "now"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateRequest(context.Background(), tt.in); !isValidation(err) {
				t.Errorf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestDashboardStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUnit(t, "u1", model.APositive, 3)
	f.addUnit(t, "u2", model.APositive, 20)
	f.addUnit(t, "stale", model.APositive, -2)
	inventory := NewInventoryService(f.deps)
	dash := NewDashboardService(f.deps, inventory, time.Minute)

	if _, err := dash.DashboardStats(ctx, staff); !errors.Is(err, ErrForbidden) {
		t.Fatalf("staff error = %v, want ErrForbidden", err)
	}

	first, err := dash.DashboardStats(ctx, admin)
	if err != nil {
		t.Fatalf("DashboardStats() error = %v", err)
	}
	if first.Swept != 1 {
		t.Errorf("swept = %d, want 1", first.Swept)
	}
	if first.Cached {
		t.Error("first load served from cache")
	}
	if got := first.AvailableByGroup[model.APositive].Units; got != 2 {
		t.Errorf("A+ available = %d, want 2", got)
	}
	if first.ExpiringSoon != 1 {
		t.Errorf("expiring soon = %d, want 1", first.ExpiringSoon)
	}

	second, err := dash.DashboardStats(ctx, admin)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || second.Swept != 0 {
		t.Errorf("second load cached=%v swept=%d, want cached and 0", second.Cached, second.Swept)
	}

	if _, err := inventory.AddStock(ctx, admin, AddStockInput{BloodGroup: model.APositive}); err != nil {
		t.Fatal(err)
	}
	third, err := dash.DashboardStats(ctx, admin)
	if err != nil {
		t.Fatal(err)
	}
	if third.Cached {
		t.Error("stats served from cache after a mutation")
	}
	if got := third.AvailableByGroup[model.APositive].Units; got != 3 {
		t.Errorf("A+ available = %d, want 3", got)
	}
}
