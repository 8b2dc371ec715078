package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/policy-engine/internal/model"
)

func testFile() *File {
	return &File{
		Sensitivity: map[string]string{
			"medical_record": "HIGHLY_RESTRICTED",
			"appointment":    "CONFIDENTIAL",
		},
		FieldAccess: map[string][]string{
			"medical_record": {"patient_id", "clinic_id", "professional_id"},
			"appointment":    {"patient_id", "clinic_id", "status"},
		},
		Policies: []Definition{
			{
				Name:           "medical_record_clinician_read",
				Table:          "medical_record",
				Operation:      "READ",
				Roles:          []string{"doctor", "nurse"},
				Priority:       100,
				AuditLevel:     "comprehensive",
				ConsentPurpose: "treatment",
				TimeRestrictions: &TimeRestrictionsDefinition{
					StartHour:       6,
					EndHour:         22,
					EmergencyBypass: true,
				},
			},
			{
				Name:           "medical_record_patient_read",
				Table:          "medical_record",
				Operation:      "READ",
				Roles:          []string{"patient"},
				Priority:       50,
				ConsentPurpose: "treatment",
				Conditions: []ConditionDefinition{
					{Type: "ownership", Field: "patient_id"},
				},
			},
			{
				Name:      "appointment_update",
				Table:     "appointment",
				Operation: "UPDATE",
				Roles:     []string{"receptionist"},
				Priority:  10,
				Conditions: []ConditionDefinition{
					{Type: "predicate", Name: "same_clinic", Expr: &model.Expr{
						Op: model.OpEq, Field: "clinic_id", ContextRef: "clinic_id",
					}},
				},
			},
		},
	}
}

func TestRegistryOrdersByDescendingPriority(t *testing.T) {
	reg, err := NewRegistry(testFile(), NewHierarchy())
	require.NoError(t, err)

	policies := reg.PoliciesFor("medical_record", model.OperationRead)
	require.Len(t, policies, 2)
	assert.Equal(t, "medical_record_clinician_read", policies[0].Name)
	assert.Equal(t, "medical_record_patient_read", policies[1].Name)
}

func TestRegistryEmptyForUnknownPair(t *testing.T) {
	reg, err := NewRegistry(testFile(), NewHierarchy())
	require.NoError(t, err)

	assert.Empty(t, reg.PoliciesFor("billing_ledger", model.OperationDelete))
	assert.Empty(t, reg.PoliciesFor("medical_record", model.OperationDelete))
}

func TestRegistryRejectsDuplicatePriorities(t *testing.T) {
	file := testFile()
	file.Policies[1].Priority = 100

	_, err := NewRegistry(file, NewHierarchy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share priority")
}

func TestRegistryRejectsUnknownRole(t *testing.T) {
	file := testFile()
	file.Policies[0].Roles = []string{"doctor", "superuser"}

	_, err := NewRegistry(file, NewHierarchy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestRegistryRejectsFieldOutsideAllowlist(t *testing.T) {
	file := testFile()
	file.Policies[2].Conditions[0].Expr.Field = "internal_notes"

	_, err := NewRegistry(file, NewHierarchy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow-list")
}

func TestRegistryRejectsDeepExpressions(t *testing.T) {
	expr := &model.Expr{Op: model.OpEq, Field: "clinic_id", ContextRef: "clinic_id"}
	for i := 0; i < maxExprDepth+1; i++ {
		expr = &model.Expr{Op: model.OpNot, Args: []*model.Expr{expr}}
	}

	file := testFile()
	file.Policies[2].Conditions[0].Expr = expr

	_, err := NewRegistry(file, NewHierarchy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}

func TestRegistryRejectsInWithContextRef(t *testing.T) {
	file := testFile()
	file.Policies[2].Conditions[0].Expr = &model.Expr{
		Op: model.OpIn, Field: "status", ContextRef: "role",
	}

	_, err := NewRegistry(file, NewHierarchy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context reference")
}

func TestRegistryRequiresConsentOnHighlyRestrictedReads(t *testing.T) {
	file := testFile()
	file.Policies[0].ConsentPurpose = ""

	_, err := NewRegistry(file, NewHierarchy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consent")
}

func TestRegistryAppliesSensitivityDefaultAuditLevel(t *testing.T) {
	reg, err := NewRegistry(testFile(), NewHierarchy())
	require.NoError(t, err)

	// Second medical_record policy sets no audit level; the table is
	// HIGHLY_RESTRICTED so comprehensive applies.
	policies := reg.PoliciesFor("medical_record", model.OperationRead)
	assert.Equal(t, model.AuditLevelComprehensive, policies[1].AuditLevel)

	// appointment is CONFIDENTIAL, so detailed applies.
	updates := reg.PoliciesFor("appointment", model.OperationUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, model.AuditLevelDetailed, updates[0].AuditLevel)
}

func TestRegistryRequiresRolesOrHierarchy(t *testing.T) {
	file := testFile()
	file.Policies[2].Roles = nil

	_, err := NewRegistry(file, NewHierarchy())
	require.Error(t, err)
}

func TestHandleSwapIsAtomic(t *testing.T) {
	first, err := NewRegistry(testFile(), NewHierarchy())
	require.NoError(t, err)

	handle := NewHandle(first)
	assert.Same(t, first, handle.Current())

	file := testFile()
	file.Policies = file.Policies[:1]
	second, err := NewRegistry(file, NewHierarchy())
	require.NoError(t, err)

	handle.Swap(second)
	assert.Same(t, second, handle.Current())
}
