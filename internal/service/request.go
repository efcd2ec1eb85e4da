package service

import (
	"context"
	"strings"

	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"
	"bloodbank-api/pkg/uid"

	"go.uber.org/zap"
)

// RequestService handles the blood request lifecycle outside fulfillment.
type RequestService struct {
	base
}

// NewRequestService creates a new request service.
func NewRequestService(d Deps) *RequestService {
	return &RequestService{base: newBase(d, "requests")}
}

// CreateRequestInput is a new blood request as submitted.
type CreateRequestInput struct {
	RequesterName  string
	RequesterEmail string
	RequesterPhone string
	BloodGroup     model.BloodGroup
	Quantity       int
	Hospital       string
	City           string
	Urgency        model.Urgency
	// CreatedBy is optional; public submissions leave it empty.
	CreatedBy string
}

// CreateRequest stores a new pending request.
func (s *RequestService) CreateRequest(ctx context.Context, in CreateRequestInput) (*model.BloodRequest, error) {
	now, _ := s.clock()
	urgency := in.Urgency
	if urgency == "" {
		urgency = model.UrgencyMedium
	}

	req := &model.BloodRequest{
		ID:             uid.New(),
		RequesterName:  strings.TrimSpace(in.RequesterName),
		RequesterEmail: strings.TrimSpace(in.RequesterEmail),
		RequesterPhone: strings.TrimSpace(in.RequesterPhone),
		BloodGroup:     in.BloodGroup,
		Quantity:       in.Quantity,
		Hospital:       strings.TrimSpace(in.Hospital),
		City:           strings.TrimSpace(in.City),
		Urgency:        urgency,
		Status:         model.RequestPending,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info("request created",
		zap.String("request_id", req.ID),
		zap.String("blood_group", string(req.BloodGroup)),
		zap.Int("quantity", req.Quantity),
		zap.String("urgency", string(req.Urgency)))
	s.changed(ctx, requestEvent(model.ActionInsert, req, now))
	return req, nil
}

// ApproveRequest moves a pending request to approved.
func (s *RequestService) ApproveRequest(ctx context.Context, actor *model.Actor, id string) (*model.BloodRequest, error) {
	return s.transition(ctx, actor, id, model.RequestApproved)
}

// RejectRequest moves a pending request to rejected.
func (s *RequestService) RejectRequest(ctx context.Context, actor *model.Actor, id string) (*model.BloodRequest, error) {
	return s.transition(ctx, actor, id, model.RequestRejected)
}

func (s *RequestService) transition(ctx context.Context, actor *model.Actor, id string, to model.RequestStatus) (*model.BloodRequest, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	now, _ := s.clock()

	req, err := s.store.TransitionRequest(ctx, id, to, actor.ID, now)
	if err != nil {
		return nil, err
	}

	s.log.Info("request status changed",
		zap.String("request_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.String("actor", actor.ID))
	s.changed(ctx, requestEvent(model.ActionUpdate, req, now))
	return req, nil
}

// GetRequest returns one request.
func (s *RequestService) GetRequest(ctx context.Context, id string) (*model.BloodRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// ListRequests returns a filtered page of requests and the total count.
func (s *RequestService) ListRequests(ctx context.Context, f repository.RequestFilter) ([]model.BloodRequest, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, &model.ValidationError{Field: "status", Message: "unknown request status"}
	}
	if f.BloodGroup != "" && !f.BloodGroup.Valid() {
		return nil, 0, &model.ValidationError{Field: "blood_group", Message: "unknown blood group"}
	}
	return s.store.ListRequests(ctx, f)
}

// ListAllocations returns the units allocated to a request.
func (s *RequestService) ListAllocations(ctx context.Context, requestID string) ([]model.Allocation, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.ListAllocations(ctx, requestID)
}
