package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/policy-engine/internal/consent"
	"github.com/jwalitptl/policy-engine/internal/model"
)

type fakeResolver struct {
	decision consent.Decision
	err      error
	delay    time.Duration
	calls    int
}

func (f *fakeResolver) CheckConsent(ctx context.Context, _ uuid.UUID, _ string) (consent.Decision, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return consent.Decision{}, ctx.Err()
		}
	}
	return f.decision, f.err
}

func testContext(role model.Role) *model.RLSContext {
	return &model.RLSContext{
		UserID:     uuid.New(),
		Role:       role,
		ClinicID:   uuid.New(),
		AccessTime: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		IPAddress:  "10.0.0.5",
	}
}

func TestEvaluateRoleCondition(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleNurse)

	cond := model.RoleCondition{Allowed: []model.Role{model.RoleDoctor, model.RoleNurse}}
	ok, err := e.Evaluate(context.Background(), cond, rls, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	rls.Role = model.RolePatient
	ok, err = e.Evaluate(context.Background(), cond, rls, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateTimeWindowCondition(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleDoctor)

	cond := model.TimeWindowCondition{StartHour: 6, EndHour: 22}
	ok, err := e.Evaluate(context.Background(), cond, rls, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	rls.AccessTime = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	ok, err = e.Evaluate(context.Background(), cond, rls, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateTimeWindowWrapsMidnight(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleDoctor)
	cond := model.TimeWindowCondition{StartHour: 22, EndHour: 6}

	rls.AccessTime = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	ok, err := e.Evaluate(context.Background(), cond, rls, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	rls.AccessTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ok, err = e.Evaluate(context.Background(), cond, rls, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConsentValid(t *testing.T) {
	e := NewEvaluator(&fakeResolver{decision: consent.Decision{Granted: true}}, 0)
	rls := testContext(model.RoleDoctor)
	record := map[string]any{"patient_id": uuid.New().String()}

	ok, err := e.Evaluate(context.Background(), model.ConsentCondition{Purpose: "treatment"}, rls, record)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateConsentWithdrawn(t *testing.T) {
	yesterday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	e := NewEvaluator(&fakeResolver{decision: consent.Decision{Granted: true, WithdrawnAt: &yesterday}}, 0)
	rls := testContext(model.RoleDoctor)
	record := map[string]any{"patient_id": uuid.New().String()}

	ok, err := e.Evaluate(context.Background(), model.ConsentCondition{Purpose: "treatment"}, rls, record)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConsentTimeoutFailsClosed(t *testing.T) {
	e := NewEvaluator(&fakeResolver{delay: 100 * time.Millisecond}, 10*time.Millisecond)
	rls := testContext(model.RoleDoctor)
	record := map[string]any{"patient_id": uuid.New().String()}

	ok, err := e.Evaluate(context.Background(), model.ConsentCondition{Purpose: "treatment"}, rls, record)
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConsentUnavailable)
}

func TestEvaluateConsentMissingPatientIDIsConditionError(t *testing.T) {
	e := NewEvaluator(&fakeResolver{decision: consent.Decision{Granted: true}}, 0)
	rls := testContext(model.RoleDoctor)

	ok, err := e.Evaluate(context.Background(), model.ConsentCondition{Purpose: "treatment"}, rls, map[string]any{})
	assert.False(t, ok)
	var condErr *ConditionError
	require.ErrorAs(t, err, &condErr)
}

func TestEvaluateOwnership(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RolePatient)

	ok, err := e.Evaluate(context.Background(), model.OwnershipCondition{Field: "patient_id"}, rls,
		map[string]any{"patient_id": rls.UserID.String()})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(context.Background(), model.OwnershipCondition{Field: "patient_id"}, rls,
		map[string]any{"patient_id": uuid.New().String()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateOwnershipMatchesProfessionalIdentity(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleDoctor)
	professionalID := uuid.New()
	rls.ProfessionalID = &professionalID

	ok, err := e.Evaluate(context.Background(), model.OwnershipCondition{Field: "professional_id"}, rls,
		map[string]any{"professional_id": professionalID.String()})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluatePredicateContextRef(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleDoctor)

	cond := model.CustomPredicate{Name: "same_clinic", Expr: &model.Expr{
		Op: model.OpEq, Field: "clinic_id", ContextRef: "clinic_id",
	}}

	ok, err := e.Evaluate(context.Background(), cond, rls,
		map[string]any{"clinic_id": rls.ClinicID.String()})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(context.Background(), cond, rls,
		map[string]any{"clinic_id": uuid.New().String()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluatePredicateBranches(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleDoctor)

	cond := model.CustomPredicate{Name: "active_same_clinic", Expr: &model.Expr{
		Op: model.OpAnd,
		Args: []*model.Expr{
			{Op: model.OpEq, Field: "clinic_id", ContextRef: "clinic_id"},
			{Op: model.OpNe, Field: "status", Value: "cancelled"},
		},
	}}

	ok, err := e.Evaluate(context.Background(), cond, rls,
		map[string]any{"clinic_id": rls.ClinicID.String(), "status": "booked"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(context.Background(), cond, rls,
		map[string]any{"clinic_id": rls.ClinicID.String(), "status": "cancelled"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluatePredicateNumericComparison(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleBilling)

	cond := model.CustomPredicate{Name: "small_amount", Expr: &model.Expr{
		Op: model.OpLt, Field: "amount", Value: 1000,
	}}

	ok, err := e.Evaluate(context.Background(), cond, rls, map[string]any{"amount": 250})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.Evaluate(context.Background(), cond, rls, map[string]any{"amount": "many"})
	var condErr *ConditionError
	require.ErrorAs(t, err, &condErr)
}

func TestEvaluatePredicateMissingFieldFailsComparison(t *testing.T) {
	e := NewEvaluator(&fakeResolver{}, 0)
	rls := testContext(model.RoleDoctor)

	cond := model.CustomPredicate{Name: "same_clinic", Expr: &model.Expr{
		Op: model.OpEq, Field: "clinic_id", ContextRef: "clinic_id",
	}}

	ok, err := e.Evaluate(context.Background(), cond, rls, map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateDeterministic(t *testing.T) {
	e := NewEvaluator(&fakeResolver{decision: consent.Decision{Granted: true}}, 0)
	rls := testContext(model.RoleDoctor)
	record := map[string]any{"patient_id": uuid.New().String()}
	cond := model.ConsentCondition{Purpose: "treatment"}

	first, err1 := e.Evaluate(context.Background(), cond, rls, record)
	second, err2 := e.Evaluate(context.Background(), cond, rls, record)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)
}

func TestResolverErrorMapsToUnavailable(t *testing.T) {
	e := NewEvaluator(&fakeResolver{err: errors.New("connection refused")}, 0)
	rls := testContext(model.RoleDoctor)
	record := map[string]any{"patient_id": uuid.New().String()}

	ok, err := e.Evaluate(context.Background(), model.ConsentCondition{Purpose: "treatment"}, rls, record)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConsentUnavailable)
}
