package model

import "time"

// RequestStatus is the lifecycle state of a blood request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestRejected  RequestStatus = "rejected"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestFulfilled, RequestRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == RequestFulfilled || s == RequestRejected
}

// allowedFrom maps a target status to the statuses it may be entered from.
var allowedFrom = map[RequestStatus][]RequestStatus{
	RequestApproved:  {RequestPending},
	RequestRejected:  {RequestPending},
	RequestFulfilled: {RequestPending, RequestApproved},
}

// TransitionSources returns the statuses from which a request may move to target.
func TransitionSources(target RequestStatus) []RequestStatus {
	return allowedFrom[target]
}

// CanTransition reports whether from -> to is a legal request transition.
func CanTransition(from, to RequestStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// BloodRequest is one demand for units.
type BloodRequest struct {
	ID             string        `json:"id" bson:"_id"`
	RequesterName  string        `json:"requester_name" bson:"requester_name"`
	RequesterEmail string        `json:"requester_email,omitempty" bson:"requester_email,omitempty"`
	RequesterPhone string        `json:"requester_phone,omitempty" bson:"requester_phone,omitempty"`
	BloodGroup     BloodGroup    `json:"blood_group" bson:"blood_group"`
	Quantity       int           `json:"quantity" bson:"quantity"`
	Hospital       string        `json:"hospital" bson:"hospital"`
	City           string        `json:"city" bson:"city"`
	Urgency        Urgency       `json:"urgency" bson:"urgency"`
	Status         RequestStatus `json:"status" bson:"status"`
	CreatedBy      string        `json:"created_by,omitempty" bson:"created_by,omitempty"`
	ActedBy        string        `json:"acted_by,omitempty" bson:"acted_by,omitempty"`
	FulfillmentKey string        `json:"-" bson:"fulfillment_key,omitempty"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" bson:"updated_at"`
}

// Validate checks the request fields that do not depend on stored state.
func (r *BloodRequest) Validate() error {
	if r.RequesterName == "" {
		return &ValidationError{Field: "requester_name", Message: "is required"}
	}
	if !r.BloodGroup.Valid() {
		return &ValidationError{Field: "blood_group", Message: "unknown blood group"}
	}
	if r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "must be a positive number of units"}
	}
	if r.Hospital == "" {
		return &ValidationError{Field: "hospital", Message: "is required"}
	}
	if !r.Urgency.Valid() {
		return &ValidationError{Field: "urgency", Message: "must be one of low, medium, high"}
	}
	return nil
}
