package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"bloodbank-api/internal/cache"
	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
)

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

var (
	admin = &model.Actor{ID: "admin-1", Role: model.RoleAdmin}
	staff = &model.Actor{ID: "staff-1", Role: model.RoleStaff}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.ChangeEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(table, action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Table == table && ev.Action == action {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	store *repository.SQLiteStore
	pub   *recordingPublisher
	cache *cache.MemoryCache
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := cache.NewMemoryCache()
	t.Cleanup(func() { c.Close() })

	pub := &recordingPublisher{}
	return &fixture{
		store: store,
		pub:   pub,
		cache: c,
		deps: Deps{
			Store:     store,
			Publisher: pub,
			Cache:     c,
			Metrics:   metrics.New(),
			Now:       func() time.Time { return testNow },
		},
	}
}

func (f *fixture) addUnit(t *testing.T, id string, group model.BloodGroup, expiresInDays int) {
	t.Helper()
	today := model.Day(testNow)
	expires := today.AddDate(0, 0, expiresInDays)
	u := &model.InventoryUnit{
		ID:          id,
		BloodGroup:  group,
		VolumeML:    450,
		CollectedOn: expires.AddDate(0, 0, -42),
		ExpiresOn:   expires,
		Status:      model.UnitAvailable,
		Location:    "fridge-1",
		CreatedAt:   testNow.Add(-time.Hour),
	}
	if err := f.store.CreateUnit(context.Background(), u); err != nil {
		t.Fatalf("create unit %s: %v", id, err)
	}
}

func (f *fixture) addRequest(t *testing.T, id string, group model.BloodGroup, quantity int, status model.RequestStatus) {
	t.Helper()
	r := &model.BloodRequest{
		ID:            id,
		RequesterName: "Jane Doe",
		BloodGroup:    group,
		Quantity:      quantity,
		Hospital:      "General",
		City:          "Springfield",
		Urgency:       model.UrgencyHigh,
		Status:        status,
		CreatedAt:     testNow.Add(-2 * time.Hour),
		UpdatedAt:     testNow.Add(-2 * time.Hour),
	}
	if err := f.store.CreateRequest(context.Background(), r); err != nil {
		t.Fatalf("create request %s: %v", id, err)
	}
}

func (f *fixture) unitStatus(t *testing.T, id string) model.UnitStatus {
	t.Helper()
	u, err := f.store.GetUnit(context.Background(), id)
	if err != nil {
		t.Fatalf("get unit %s: %v", id, err)
	}
	return u.Status
}

func (f *fixture) requestStatus(t *testing.T, id string) model.RequestStatus {
	t.Helper()
	r, err := f.store.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get request %s: %v", id, err)
	}
	return r.Status
}

func ids(units []model.InventoryUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
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
