package model

import "time"

// Allocation links an inventory unit to the request it was committed against.
type Allocation struct {
	ID          string    `json:"id" bson:"_id"`
	RequestID   string    `json:"request_id" bson:"request_id"`
	InventoryID string    `json:"inventory_id" bson:"inventory_id"`
	AllocatedBy string    `json:"allocated_by,omitempty" bson:"allocated_by,omitempty"`
	AllocatedAt time.Time `json:"allocated_at" bson:"allocated_at"`
}
