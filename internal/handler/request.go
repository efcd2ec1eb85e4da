package handler

import (
	"errors"
	"net/http"
	"strconv"

	"bloodbank-api/internal/fefo"
	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
	"bloodbank-api/internal/service"
	"bloodbank-api/pkg/apierror"
	"bloodbank-api/pkg/response"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// IdempotencyHeader may carry the fulfillment idempotency key instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// RequestHandler handles blood request and allocation endpoints.
type RequestHandler struct {
	requests    *service.RequestService
	fulfillment *service.FulfillmentService
	log         *zap.Logger
}

// NewRequestHandler creates a new request handler.
func NewRequestHandler(requests *service.RequestService, fulfillment *service.FulfillmentService, log *zap.Logger) *RequestHandler {
	return &RequestHandler{
		requests:    requests,
		fulfillment: fulfillment,
		log:         log.Named("requests"),
	}
}

// CreateBloodRequest is the body of POST /api/v1/requests.
type CreateBloodRequest struct {
	RequesterName  string `json:"requester_name" validate:"required,max=120"`
	RequesterEmail string `json:"requester_email" validate:"omitempty,email"`
	RequesterPhone string `json:"requester_phone" validate:"max=32"`
	BloodGroup     string `json:"blood_group" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,gt=0,lte=50"`
	Hospital       string `json:"hospital" validate:"required,max=200"`
	City           string `json:"city" validate:"max=100"`
	Urgency        string `json:"urgency" validate:"omitempty,oneof=low medium high"`
}

// FulfillBloodRequest is the body of POST /api/v1/requests/{id}/fulfill.
type FulfillBloodRequest struct {
	UnitIDs        []string `json:"unit_ids" validate:"required,min=1,unique,dive,required"`
	IdempotencyKey string   `json:"idempotency_key" validate:"max=128"`
}

// FulfillResponse reports a committed allocation.
type FulfillResponse struct {
	Request     *model.BloodRequest `json:"request"`
	Allocations []model.Allocation  `json:"allocations"`
	Replayed    bool                `json:"replayed"`
	Plan        *fefo.Plan          `json:"plan,omitempty"`
}

// Create handles POST /api/v1/requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBloodRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	group, err := model.ParseBloodGroup(req.BloodGroup)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	in := service.CreateRequestInput{
		RequesterName:  req.RequesterName,
		RequesterEmail: req.RequesterEmail,
		RequesterPhone: req.RequesterPhone,
		BloodGroup:     group,
		Quantity:       req.Quantity,
		Hospital:       req.Hospital,
		City:           req.City,
		Urgency:        model.Urgency(req.Urgency),
	}
	if a := actor(r); a != nil {
		in.CreatedBy = a.ID
	}

	created, err := h.requests.CreateRequest(r.Context(), in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.Created(w, created)
}

// List handles GET /api/v1/requests
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := pagination(r)
	group, err := queryBloodGroup(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	list, total, err := h.requests.ListRequests(r.Context(), repository.RequestFilter{
		BloodGroup: group,
		Status:     model.RequestStatus(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSONWithMeta(w, http.StatusOK, list, page, limit, total)
}

// Get handles GET /api/v1/requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, req)
}

// Allocations handles GET /api/v1/requests/{id}/allocations
func (h *RequestHandler) Allocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.requests.ListAllocations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, allocs)
}

// Preview handles GET /api/v1/allocation/preview?blood_group=&quantity=
func (h *RequestHandler) Preview(w http.ResponseWriter, r *http.Request) {
	group, err := queryBloodGroup(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	quantity, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil {
		response.Error(w, apierror.ValidationError("quantity must be an integer",
			apierror.FieldError{Field: "quantity", Message: "must be a positive integer"}))
		return
	}

	plan, err := h.fulfillment.CalculateAllocation(r.Context(), group, quantity)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, plan)
}

// Approve handles POST /api/v1/requests/{id}/approve. With ?auto_allocate=true
// the request is fulfilled from FEFO stock in the same call.
func (h *RequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	auto, _ := strconv.ParseBool(r.URL.Query().Get("auto_allocate"))
	if !auto {
		req, err := h.requests.ApproveRequest(r.Context(), actor(r), id)
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		response.OK(w, req)
		return
	}

	res, err := h.fulfillment.ApproveAndAutoAllocate(r.Context(), actor(r), id, r.Header.Get(IdempotencyHeader))
	if err != nil {
		var short *service.InsufficientStockError
		if errors.As(err, &short) && res != nil {
			response.Error(w, apierror.InsufficientStock(short.Error()).WithData(res.Plan))
			return
		}
		writeError(w, h.log, err)
		return
	}
	response.OK(w, FulfillResponse{
		Request:     res.Request,
		Allocations: res.Allocations,
		Replayed:    res.Replayed,
		Plan:        res.Plan,
	})
}

// Reject handles POST /api/v1/requests/{id}/reject
func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.RejectRequest(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, req)
}

// Fulfill handles POST /api/v1/requests/{id}/fulfill
func (h *RequestHandler) Fulfill(w http.ResponseWriter, r *http.Request) {
	var req FulfillBloodRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(IdempotencyHeader)
	}

	res, err := h.fulfillment.FulfillRequest(r.Context(), actor(r), service.FulfillInput{
		RequestID:      chi.URLParam(r, "id"),
		UnitIDs:        req.UnitIDs,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.OK(w, FulfillResponse{
		Request:     res.Request,
		Allocations: res.Allocations,
		Replayed:    res.Replayed,
	})
}
