package model

import (
	"time"

	"github.com/google/uuid"
)

// RLSContext is the per-request security context. It is created when a
// request enters the system, bound to a database transaction by the
// scope package for the duration of the unit of work, and discarded
// afterwards. It is never persisted.
type RLSContext struct {
	UserID          uuid.UUID  `json:"user_id"`
	Role            Role       `json:"role"`
	ClinicID        uuid.UUID  `json:"clinic_id"`
	ProfessionalID  *uuid.UUID `json:"professional_id,omitempty"`
	EmergencyAccess bool       `json:"emergency_access"`
	AccessTime      time.Time  `json:"access_time"`
	IPAddress       string     `json:"ip_address"`
	Justification   string     `json:"justification,omitempty"`
}

// Deny reasons recorded on evaluation results and audit entries. These
// never reach unauthenticated callers; the API boundary reports a
// generic access denied.
const (
	ReasonNoPolicy           = "no_policy"
	ReasonRoleNotAuthorized  = "role_not_authorized"
	ReasonOutsideWindow      = "outside_access_window"
	ReasonConsentMissing     = "consent_missing_or_expired"
	ReasonConsentTimeout     = "consent_check_timeout"
	ReasonConditionError     = "condition_evaluation_error"
	ReasonAuditWriteFailed   = "audit_write_failed"
	ReasonConditionFailedFmt = "condition_failed:%s"
)

// PolicyEvaluationResult is the single terminal value of every
// evaluation. Allowed is false unless an explicit allow path was taken.
type PolicyEvaluationResult struct {
	Allowed             bool        `json:"allowed"`
	Reason              string      `json:"reason,omitempty"`
	ConditionsApplied   []Condition `json:"-"`
	AuditRequired       bool        `json:"audit_required"`
	EmergencyAccessUsed bool        `json:"emergency_access_used"`
	PolicyID            uuid.UUID   `json:"policy_id,omitempty"`
	PolicyPriority      int         `json:"policy_priority,omitempty"`
}
