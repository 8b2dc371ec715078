package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/policy-engine/internal/consent"
	"github.com/jwalitptl/policy-engine/internal/model"
)

// ErrConsentUnavailable marks a consent check that did not complete
// (timeout, open breaker, throttle). It is a deny, but audit must
// record it distinctly from a genuine negative consent answer.
var ErrConsentUnavailable = errors.New("consent check did not complete")

// ConditionError marks a malformed or unsafe condition. It is a deny
// plus a raised alert; a broken condition must never default to allow.
type ConditionError struct {
	Condition string
	Err       error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %s is broken: %v", e.Condition, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// DefaultConsentTimeout bounds every consent resolver call.
const DefaultConsentTimeout = 300 * time.Millisecond

// Evaluator evaluates conditions against a request context and a record
// snapshot. It is side-effect-free except for the consent lookup.
type Evaluator struct {
	resolver       consent.Resolver
	consentTimeout time.Duration
}

func NewEvaluator(resolver consent.Resolver, consentTimeout time.Duration) *Evaluator {
	if consentTimeout <= 0 {
		consentTimeout = DefaultConsentTimeout
	}
	return &Evaluator{resolver: resolver, consentTimeout: consentTimeout}
}

// Evaluate returns whether cond holds for the given context and record.
// Errors fail closed: the engine treats any non-nil error as deny.
func (e *Evaluator) Evaluate(ctx context.Context, cond model.Condition, rls *model.RLSContext, record map[string]any) (bool, error) {
	switch c := cond.(type) {
	case model.RoleCondition:
		for _, role := range c.Allowed {
			if role == rls.Role {
				return true, nil
			}
		}
		return false, nil

	case model.TimeWindowCondition:
		window := model.TimeRestrictions{StartHour: c.StartHour, EndHour: c.EndHour}
		return window.Contains(rls.AccessTime.Hour()), nil

	case model.ConsentCondition:
		return e.evaluateConsent(ctx, c, rls, record)

	case model.OwnershipCondition:
		return e.evaluateOwnership(c, rls, record)

	case model.CustomPredicate:
		ok, err := e.evaluateExpr(c.Expr, rls, record, 0)
		if err != nil {
			return false, &ConditionError{Condition: c.ConditionName(), Err: err}
		}
		return ok, nil
	}
	return false, &ConditionError{Condition: cond.ConditionName(), Err: fmt.Errorf("unknown condition kind %q", cond.Kind())}
}

func (e *Evaluator) evaluateConsent(ctx context.Context, c model.ConsentCondition, rls *model.RLSContext, record map[string]any) (bool, error) {
	patientID, err := patientIDFromRecord(record)
	if err != nil {
		return false, &ConditionError{Condition: c.ConditionName(), Err: err}
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.consentTimeout)
	defer cancel()

	decision, err := e.resolver.CheckConsent(checkCtx, patientID, c.Purpose)
	if err != nil {
		// Timeouts, open breakers, throttles and plain resolver failures
		// all land here: the check did not complete, deny distinctly.
		return false, fmt.Errorf("%w: %v", ErrConsentUnavailable, err)
	}

	return decision.ValidAt(rls.AccessTime), nil
}

func (e *Evaluator) evaluateOwnership(c model.OwnershipCondition, rls *model.RLSContext, record map[string]any) (bool, error) {
	raw, ok := record[c.Field]
	if !ok {
		return false, nil
	}
	owner := stringify(raw)
	if owner == rls.UserID.String() {
		return true, nil
	}
	if rls.ProfessionalID != nil && owner == rls.ProfessionalID.String() {
		return true, nil
	}
	return false, nil
}

func (e *Evaluator) evaluateExpr(expr *model.Expr, rls *model.RLSContext, record map[string]any, depth int) (bool, error) {
	if expr == nil {
		return false, fmt.Errorf("nil expression")
	}
	if depth > maxExprDepth {
		return false, fmt.Errorf("expression exceeds depth %d", maxExprDepth)
	}

	switch expr.Op {
	case model.OpAnd:
		for _, arg := range expr.Args {
			ok, err := e.evaluateExpr(arg, rls, record, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case model.OpOr:
		for _, arg := range expr.Args {
			ok, err := e.evaluateExpr(arg, rls, record, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case model.OpNot:
		if len(expr.Args) != 1 {
			return false, fmt.Errorf("not expression takes exactly one argument")
		}
		ok, err := e.evaluateExpr(expr.Args[0], rls, record, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	left, ok := record[expr.Field]
	if !ok {
		// Missing field is a failed comparison, not an error: records
		// legitimately omit optional fields.
		return false, nil
	}

	right, err := resolveOperand(expr, rls)
	if err != nil {
		return false, err
	}

	switch expr.Op {
	case model.OpEq:
		return stringify(left) == stringify(right), nil
	case model.OpNe:
		return stringify(left) != stringify(right), nil
	case model.OpGt, model.OpLt:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s requires numeric operands", expr.Op)
		}
		if expr.Op == model.OpGt {
			return lf > rf, nil
		}
		return lf < rf, nil
	case model.OpIn:
		values, ok := right.([]any)
		if !ok {
			return false, fmt.Errorf("in operator requires a list value")
		}
		for _, v := range values {
			if stringify(left) == stringify(v) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %q", expr.Op)
}

func resolveOperand(expr *model.Expr, rls *model.RLSContext) (any, error) {
	if expr.ContextRef == "" {
		return expr.Value, nil
	}
	switch expr.ContextRef {
	case "user_id":
		return rls.UserID.String(), nil
	case "clinic_id":
		return rls.ClinicID.String(), nil
	case "professional_id":
		if rls.ProfessionalID == nil {
			return "", nil
		}
		return rls.ProfessionalID.String(), nil
	case "role":
		return string(rls.Role), nil
	}
	return nil, fmt.Errorf("unknown context reference %q", expr.ContextRef)
}

func patientIDFromRecord(record map[string]any) (uuid.UUID, error) {
	raw, ok := record["patient_id"]
	if !ok {
		return uuid.Nil, fmt.Errorf("record has no patient_id field")
	}
	switch v := raw.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, fmt.Errorf("record patient_id is not a uuid: %w", err)
		}
		return id, nil
	}
	return uuid.Nil, fmt.Errorf("record patient_id has unsupported type %T", raw)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case uuid.UUID:
		return t.String()
	case model.Role:
		return string(t)
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
