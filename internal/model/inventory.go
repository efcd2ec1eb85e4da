package model

import (
	"fmt"
	"time"
)

// Shelf-life policy for whole-blood units.
const (
	MinShelfLifeDays     = 1
	MaxShelfLifeDays     = 42
	DefaultShelfLifeDays = 42
	DefaultVolumeML      = 450
)

// UnitStatus is the disposition of an inventory unit.
type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitReserved  UnitStatus = "reserved"
	UnitFulfilled UnitStatus = "fulfilled"
	UnitDiscarded UnitStatus = "discarded"
)

// Valid reports whether s is a known unit status.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitAvailable, UnitReserved, UnitFulfilled, UnitDiscarded:
		return true
	}
	return false
}

// InventoryUnit is one physical blood bag.
type InventoryUnit struct {
	ID          string     `json:"id" bson:"_id"`
	BloodGroup  BloodGroup `json:"blood_group" bson:"blood_group"`
	VolumeML    int        `json:"volume_ml" bson:"volume_ml"`
	CollectedOn time.Time  `json:"collected_on" bson:"collected_on"`
	ExpiresOn   time.Time  `json:"expires_on" bson:"expires_on"`
	Status      UnitStatus `json:"status" bson:"status"`
	Location    string     `json:"location" bson:"location"`
	CreatedBy   string     `json:"created_by,omitempty" bson:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
}

// Expired reports whether the unit is past its expiry date on the given day.
func (u *InventoryUnit) Expired(today time.Time) bool {
	return u.ExpiresOn.Before(Day(today))
}

// Validate checks the unit against the shelf-life policy.
func (u *InventoryUnit) Validate() error {
	if !u.BloodGroup.Valid() {
		return &ValidationError{Field: "blood_group", Message: fmt.Sprintf("unknown blood group %q", u.BloodGroup)}
	}
	if u.VolumeML <= 0 {
		return &ValidationError{Field: "volume_ml", Message: "must be positive"}
	}
	days := DaysBetween(u.CollectedOn, u.ExpiresOn)
	if days < MinShelfLifeDays || days > MaxShelfLifeDays {
		return &ValidationError{
			Field:   "expires_on",
			Message: fmt.Sprintf("must be %d-%d days after collected_on, got %d", MinShelfLifeDays, MaxShelfLifeDays, days),
		}
	}
	if !u.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", u.Status)}
	}
	return nil
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"
