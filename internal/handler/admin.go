package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
	"bloodbank-api/internal/service"
	"bloodbank-api/pkg/apierror"
	"bloodbank-api/pkg/response"

	"go.uber.org/zap"
)

// SweepRunner triggers an expiry sweep on demand.
type SweepRunner interface {
	RunNow(ctx context.Context) (int, error)
}

// AdminHandler handles admin-related HTTP requests.
type AdminHandler struct {
	dashboard *service.DashboardService
	inventory *service.InventoryService
	sweeper   SweepRunner
	storeType string
	cacheType string
	startTime time.Time
	log       *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	dashboard *service.DashboardService,
	inventory *service.InventoryService,
	sweeper SweepRunner,
	storeType, cacheType string,
	log *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		dashboard: dashboard,
		inventory: inventory,
		sweeper:   sweeper,
		storeType: storeType,
		cacheType: cacheType,
		startTime: time.Now(),
		log:       log.Named("admin"),
	}
}

// StatsResponse is the admin dashboard payload.
type StatsResponse struct {
	*service.DashboardStats
	System map[string]interface{} `json:"system"`
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dashboard.DashboardStats(r.Context(), actor(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	system := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"uptime_human":   time.Since(h.startTime).Round(time.Second).String(),
		"server_time":    time.Now().Format(time.RFC3339),
		"store_type":     h.storeType,
		"cache_type":     h.cacheType,
		"memory": map[string]interface{}{
			"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
			"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
			"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
			"num_gc":        memStats.NumGC,
			"goroutines":    runtime.NumGoroutine(),
		},
		"runtime": map[string]interface{}{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       runtime.NumCPU(),
		},
	}

	w.Header().Set("Cache-Control", "no-store")
	response.OK(w, StatsResponse{DashboardStats: stats, System: system})
}

// Sweep handles POST /api/v1/admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if a := actor(r); !a.IsAdmin() {
		writeError(w, h.log, service.ErrForbidden)
		return
	}
	n, err := h.sweeper.RunNow(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, map[string]interface{}{
		"discarded": n,
		"ran_at":    time.Now().UTC().Format(time.RFC3339),
	})
}

// ExportInventory handles GET /api/v1/admin/inventory/export
func (h *AdminHandler) ExportInventory(w http.ResponseWriter, r *http.Request) {
	group, err := queryBloodGroup(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status := model.UnitStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		response.Error(w, apierror.BadRequest("unknown unit status"))
		return
	}

	x, filename, err := h.inventory.ExportInventory(r.Context(), actor(r), repository.UnitFilter{BloodGroup: group, Status: status})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	defer x.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	if err := x.Write(w); err != nil {
		h.log.Error("failed to write export", zap.Error(err))
	}
}
