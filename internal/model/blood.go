package model

import (
	"fmt"
	"strings"
)

// BloodGroup is one of the eight ABO/Rh combinations.
type BloodGroup string

const (
	APositive  BloodGroup = "A+"
	ANegative  BloodGroup = "A-"
	BPositive  BloodGroup = "B+"
	BNegative  BloodGroup = "B-"
	ABPositive BloodGroup = "AB+"
	ABNegative BloodGroup = "AB-"
	OPositive  BloodGroup = "O+"
	ONegative  BloodGroup = "O-"
)

// BloodGroups lists every valid group in display order.
var BloodGroups = []BloodGroup{
	APositive, ANegative, BPositive, BNegative,
	ABPositive, ABNegative, OPositive, ONegative,
}

// Valid reports whether g is one of the eight enumerated groups.
func (g BloodGroup) Valid() bool {
	for _, v := range BloodGroups {
		if g == v {
			return true
		}
	}
	return false
}

// ParseBloodGroup normalizes user input ("ab+", " O- ") into a BloodGroup.
func ParseBloodGroup(s string) (BloodGroup, error) {
	g := BloodGroup(strings.ToUpper(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", &ValidationError{Field: "blood_group", Message: fmt.Sprintf("unknown blood group %q", s)}
	}
	return g, nil
}

// Urgency of a blood request.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Valid reports whether u is a known urgency level.
func (u Urgency) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

// ValidationError is returned when input fails a domain rule before any store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
