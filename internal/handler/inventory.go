package handler

import (
	"net/http"
	"time"

	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
	"bloodbank-api/internal/service"
	"bloodbank-api/pkg/apierror"
	"bloodbank-api/pkg/response"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// InventoryHandler handles inventory-related HTTP requests.
type InventoryHandler struct {
	inventoryService *service.InventoryService
	log              *zap.Logger
}

// NewInventoryHandler creates a new inventory handler.
func NewInventoryHandler(inventoryService *service.InventoryService, log *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
		log:              log.Named("inventory"),
	}
}

// AddStockRequest is the body of POST /api/v1/inventory.
type AddStockRequest struct {
	BloodGroup    string `json:"blood_group" validate:"required"`
	VolumeML      int    `json:"volume_ml" validate:"omitempty,gt=0,lte=1000"`
	CollectedOn   string `json:"collected_on" validate:"omitempty,datetime=2006-01-02"`
	ExpiresOn     string `json:"expires_on" validate:"omitempty,datetime=2006-01-02"`
	ShelfLifeDays int    `json:"shelf_life_days" validate:"omitempty,gte=1,lte=42"`
	Location      string `json:"location" validate:"max=100"`
	Count         int    `json:"count" validate:"omitempty,gte=1,lte=100"`
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

// List handles GET /api/v1/inventory
func (h *InventoryHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := pagination(r)
	group, err := queryBloodGroup(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	units, total, err := h.inventoryService.ListUnits(r.Context(), repository.UnitFilter{
		BloodGroup: group,
		Status:     model.UnitStatus(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSONWithMeta(w, http.StatusOK, units, page, limit, total)
}

// Create handles POST /api/v1/inventory
func (h *InventoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req AddStockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	group, err := model.ParseBloodGroup(req.BloodGroup)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	units, err := h.inventoryService.AddStock(r.Context(), actor(r), service.AddStockInput{
		BloodGroup:    group,
		VolumeML:      req.VolumeML,
		CollectedOn:   parseDate(req.CollectedOn),
		ExpiresOn:     parseDate(req.ExpiresOn),
		ShelfLifeDays: req.ShelfLifeDays,
		Location:      req.Location,
		Count:         req.Count,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.Created(w, units)
}

// Get handles GET /api/v1/inventory/{id}
func (h *InventoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	unit, err := h.inventoryService.GetUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, unit)
}

// Discard handles POST /api/v1/inventory/{id}/discard
func (h *InventoryHandler) Discard(w http.ResponseWriter, r *http.Request) {
	unit, err := h.inventoryService.DiscardUnit(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, unit)
}

// Delete handles DELETE /api/v1/inventory/{id}
func (h *InventoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		response.Error(w, apierror.BadRequest("id is required"))
		return
	}
	if err := h.inventoryService.DeleteUnit(r.Context(), actor(r), id); err != nil {
		writeError(w, h.log, err)
		return
	}
	response.NoContent(w)
}
