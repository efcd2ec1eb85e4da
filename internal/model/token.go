package model

// Roles carried in access tokens.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Actor identifies who performed an administrative action.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// IsAdmin reports whether the actor may perform inventory and fulfillment actions.
func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}
