package model

import "time"

// Tables reported on the change feed.
const (
	TableInventory   = "inventory"
	TableRequests    = "blood_requests"
	TableAllocations = "allocations"
)

// Change actions.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ChangeEvent notifies subscribers that a row changed so they can refresh.
type ChangeEvent struct {
	Table  string    `json:"table"`
	Action string    `json:"action"`
	ID     string    `json:"id"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}
