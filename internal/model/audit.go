package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit entry kinds.
const (
	AuditKindDecision        = "decision"
	AuditKindEmergencyAccess = "emergency_access"
)

// AuditEntry records one policy evaluation outcome. Exactly one
// decision entry is produced per evaluation, allow or deny; emergency
// use additionally produces an emergency_access entry.
type AuditEntry struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Kind            string     `json:"kind" db:"kind"`
	UserID          uuid.UUID  `json:"user_id" db:"user_id"`
	ClinicID        uuid.UUID  `json:"clinic_id" db:"clinic_id"`
	Role            Role       `json:"role" db:"role"`
	TableName       string     `json:"table_name" db:"table_name"`
	Operation       Operation  `json:"operation" db:"operation"`
	Allowed         bool       `json:"allowed" db:"allowed"`
	Reason          string     `json:"reason" db:"reason"`
	EmergencyAccess bool       `json:"emergency_access" db:"emergency_access"`
	PolicyID        uuid.UUID  `json:"policy_id" db:"policy_id"`
	PolicyPriority  int        `json:"policy_priority" db:"policy_priority"`
	AuditLevel      AuditLevel `json:"audit_level" db:"audit_level"`
	IPAddress       string     `json:"ip_address" db:"ip_address"`
	Justification   string     `json:"justification,omitempty" db:"justification"`
	SealedDetails   []byte     `json:"sealed_details,omitempty" db:"sealed_details"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}
