package model

import (
	"github.com/google/uuid"
)

// Operation is the data-store operation a policy applies to.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationRead   Operation = "READ"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Role identifies a caller class. Ranks live in policy.Hierarchy.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleDoctor       Role = "doctor"
	RoleNurse        Role = "nurse"
	RoleReceptionist Role = "receptionist"
	RoleBilling      Role = "billing"
	RolePatient      Role = "patient"
	RoleAnonymous    Role = "anonymous"
)

// AuditLevel controls how a decision is recorded and what happens
// when recording fails.
type AuditLevel string

const (
	AuditLevelBasic         AuditLevel = "basic"
	AuditLevelDetailed      AuditLevel = "detailed"
	AuditLevelComprehensive AuditLevel = "comprehensive"
)

// TimeRestrictions limits a policy to the hours [StartHour, EndHour).
// EmergencyBypass lets a request flagged with emergency access through
// outside that window; it relaxes nothing else.
type TimeRestrictions struct {
	StartHour       int  `json:"start_hour"`
	EndHour         int  `json:"end_hour"`
	EmergencyBypass bool `json:"emergency_bypass"`
}

// Contains reports whether hour falls inside the window, handling
// windows that wrap past midnight.
func (t *TimeRestrictions) Contains(hour int) bool {
	if t.StartHour <= t.EndHour {
		return hour >= t.StartHour && hour < t.EndHour
	}
	return hour >= t.StartHour || hour < t.EndHour
}

// ConsentRequirement gates a policy on valid patient consent for a purpose.
type ConsentRequirement struct {
	Purpose string `json:"purpose"`
}

// AccessPolicy binds a table+operation to allowed roles, temporal
// constraints, consent requirements and extra conditions. Policies are
// built once at registry construction and are read-only afterwards.
type AccessPolicy struct {
	ID               uuid.UUID           `json:"id"`
	Name             string              `json:"name"`
	Table            string              `json:"table"`
	Operation        Operation           `json:"operation"`
	Roles            []Role              `json:"roles"`
	HierarchyAware   bool                `json:"hierarchy_aware"`
	MinRole          Role                `json:"min_role,omitempty"`
	TimeRestrictions *TimeRestrictions   `json:"time_restrictions,omitempty"`
	ConsentRequired  *ConsentRequirement `json:"consent_required,omitempty"`
	Conditions       []Condition         `json:"-"`
	AuditLevel       AuditLevel          `json:"audit_level"`
	Priority         int                 `json:"priority"`
}

// AllowsRole reports whether role is in the policy's explicit role list.
func (p *AccessPolicy) AllowsRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
