package policy

import (
	"github.com/jwalitptl/policy-engine/internal/model"
)

// Hierarchy is a total order over roles. It is pure and read-only;
// unknown roles rank -1 and never satisfy IsAtLeast.
type Hierarchy struct {
	ranks map[model.Role]int
}

// NewHierarchy returns the default clinical role order.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{ranks: map[model.Role]int{
		model.RoleAdmin:        100,
		model.RoleDoctor:       80,
		model.RoleNurse:        60,
		model.RoleReceptionist: 40,
		model.RoleBilling:      30,
		model.RolePatient:      20,
		model.RoleAnonymous:    0,
	}}
}

// NewHierarchyFromRanks builds a hierarchy from an explicit rank map.
func NewHierarchyFromRanks(ranks map[model.Role]int) *Hierarchy {
	copied := make(map[model.Role]int, len(ranks))
	for role, rank := range ranks {
		copied[role] = rank
	}
	return &Hierarchy{ranks: copied}
}

// RankOf returns the rank of role, or -1 for an unknown role.
func (h *Hierarchy) RankOf(role model.Role) int {
	if rank, ok := h.ranks[role]; ok {
		return rank
	}
	return -1
}

// IsAtLeast reports whether role ranks at or above minRole. An unknown
// role on either side fails the check.
func (h *Hierarchy) IsAtLeast(role, minRole model.Role) bool {
	rank := h.RankOf(role)
	minRank := h.RankOf(minRole)
	if rank < 0 || minRank < 0 {
		return false
	}
	return rank >= minRank
}

// Known reports whether the hierarchy ranks role at all.
func (h *Hierarchy) Known(role model.Role) bool {
	_, ok := h.ranks[role]
	return ok
}

// Roles returns every role ranked at or above minRole. Used by the
// compiler to expand hierarchy-aware policies into membership lists.
func (h *Hierarchy) Roles(minRole model.Role) []model.Role {
	minRank := h.RankOf(minRole)
	if minRank < 0 {
		return nil
	}
	var roles []model.Role
	for role, rank := range h.ranks {
		if rank >= minRank {
			roles = append(roles, role)
		}
	}
	return roles
}
