// Package fefo selects blood units First-Expired-First-Out.
package fefo

import (
	"sort"

	"bloodbank-api/internal/model"
)

// MinCandidates is the floor on how many candidates the availability query fetches,
// so that a preview always has some slack beyond the requested quantity.
const MinCandidates = 10

// CandidateLimit returns how many units the availability query should fetch for a request.
func CandidateLimit(quantity int) int {
	if quantity > MinCandidates {
		return quantity
	}
	return MinCandidates
}

// Plan is the outcome of an allocation over a candidate set.
type Plan struct {
	Units         []model.InventoryUnit `json:"units"`
	TotalVolumeML int                   `json:"total_volume_ml"`
	CanFulfill    bool                  `json:"can_fulfill"`
}

// UnitIDs returns the IDs of the selected units in selection order.
func (p Plan) UnitIDs() []string {
	ids := make([]string, len(p.Units))
	for i, u := range p.Units {
		ids[i] = u.ID
	}
	return ids
}

// Allocate picks the first quantity units by expiry date. Candidates are normally
// already ordered by the store; the stable sort keeps the store order for equal
// expiry dates and guards callers that pass unsorted input. The input slice is not
// modified.
func Allocate(candidates []model.InventoryUnit, quantity int) Plan {
	if quantity <= 0 || len(candidates) == 0 {
		return Plan{Units: []model.InventoryUnit{}}
	}

	sorted := make([]model.InventoryUnit, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExpiresOn.Before(sorted[j].ExpiresOn)
	})

	n := quantity
	if n > len(sorted) {
		n = len(sorted)
	}
	selected := sorted[:n:n]

	total := 0
	for _, u := range selected {
		total += u.VolumeML
	}

	return Plan{
		Units:         selected,
		TotalVolumeML: total,
		CanFulfill:    n == quantity,
	}
}
