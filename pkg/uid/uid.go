package uid

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New generates a new unique identifier.
func New() string {
	return uuid.New().String()
}

// NewSortable generates a lexically time-ordered identifier.
func NewSortable() string {
	return ulid.Make().String()
}

// IsValid checks if a string is a valid UUID.
func IsValid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
