package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/policy-engine/internal/alert"
	"github.com/jwalitptl/policy-engine/internal/audit"
	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/pkg/logger"
	"github.com/jwalitptl/policy-engine/pkg/metrics"
	"github.com/jwalitptl/policy-engine/pkg/security"
)

// Request is one authorization question: may this context perform this
// operation on this record of this table.
type Request struct {
	Context   *model.RLSContext
	Table     string
	Operation model.Operation
	Record    map[string]any
}

// Engine evaluates access policies. It holds no mutable state of its
// own: the registry handle swaps atomically, and everything else is
// read-only, so Evaluate is safe from any number of goroutines.
type Engine struct {
	registry  *Handle
	evaluator *Evaluator
	auditor   audit.Emitter
	alerts    alert.Notifier
	encryptor security.Encryptor
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

func NewEngine(registry *Handle, evaluator *Evaluator, auditor audit.Emitter, log *logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		registry:  registry,
		evaluator: evaluator,
		auditor:   auditor,
		alerts:    alert.Nop{},
		metrics:   m,
		logger:    log,
	}
}

// WithAlerts routes broken-condition alerts to n.
func (e *Engine) WithAlerts(n alert.Notifier) *Engine {
	e.alerts = n
	return e
}

// WithEncryptor seals justification and caller address on
// comprehensive-level audit entries.
func (e *Engine) WithEncryptor(enc security.Encryptor) *Engine {
	e.encryptor = enc
	return e
}

// Evaluate runs the five ordered guards: policy match, role, time
// window, consent, dynamic conditions. The first failing guard denies
// with its name as the reason; no guard is skipped or reordered.
// Exactly one audit record is produced per call, allow or deny; at
// comprehensive audit level a failed audit write voids the decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (result *model.PolicyEvaluationResult, err error) {
	start := time.Now()
	rls := req.Context

	var selected *model.AccessPolicy

	defer func() {
		e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
		result, err = e.finish(ctx, req, selected, result, err)
	}()

	registry := e.registry.Current()

	// Guard 1: match.
	candidates := registry.PoliciesFor(req.Table, req.Operation)
	if len(candidates) == 0 {
		return deny(model.ReasonNoPolicy), nil
	}

	// Guard 2: select by role. Exact membership by default; rank
	// matching only for policies that opted in.
	for _, p := range candidates {
		if p.AllowsRole(rls.Role) || (p.HierarchyAware && registry.Hierarchy().IsAtLeast(rls.Role, p.MinRole)) {
			selected = p
			break
		}
	}
	if selected == nil {
		return deny(model.ReasonRoleNotAuthorized), nil
	}

	emergencyUsed := false

	// Guard 3: time window. Emergency access relaxes this guard and
	// nothing else.
	if tr := selected.TimeRestrictions; tr != nil && !tr.Contains(rls.AccessTime.Hour()) {
		if !(tr.EmergencyBypass && rls.EmergencyAccess) {
			return deny(model.ReasonOutsideWindow), nil
		}
		emergencyUsed = true
	}

	var applied []model.Condition

	// Guard 4: consent. Checked before dynamic conditions so nothing
	// can shadow a withdrawn consent.
	if cr := selected.ConsentRequired; cr != nil {
		cond := model.ConsentCondition{Purpose: cr.Purpose}
		applied = append(applied, cond)
		ok, evalErr := e.safeEvaluate(ctx, cond, rls, req.Record)
		if evalErr != nil {
			return e.denyOnError(ctx, req, cond, evalErr), nil
		}
		if !ok {
			return denyWith(selected, emergencyUsed, applied, model.ReasonConsentMissing), nil
		}
	}

	// Guard 5: dynamic conditions, in order, AND-combined.
	for _, cond := range selected.Conditions {
		applied = append(applied, cond)
		ok, evalErr := e.safeEvaluate(ctx, cond, rls, req.Record)
		if evalErr != nil {
			return e.denyOnError(ctx, req, cond, evalErr), nil
		}
		if !ok {
			reason := fmt.Sprintf(model.ReasonConditionFailedFmt, cond.ConditionName())
			return denyWith(selected, emergencyUsed, applied, reason), nil
		}
	}

	return &model.PolicyEvaluationResult{
		Allowed:             true,
		ConditionsApplied:   applied,
		AuditRequired:       selected.AuditLevel != model.AuditLevelBasic || emergencyUsed,
		EmergencyAccessUsed: emergencyUsed,
		PolicyID:            selected.ID,
		PolicyPriority:      selected.Priority,
	}, nil
}

// safeEvaluate confines condition evaluation: a panicking condition is
// a broken condition, never an escaped panic and never an allow.
func (e *Engine) safeEvaluate(ctx context.Context, cond model.Condition, rls *model.RLSContext, record map[string]any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &ConditionError{Condition: cond.ConditionName(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return e.evaluator.Evaluate(ctx, cond, rls, record)
}

// denyOnError maps an evaluation error to its deny reason. Consent
// unavailability is recorded distinctly from a negative consent answer;
// a broken condition additionally raises an alert.
func (e *Engine) denyOnError(ctx context.Context, req Request, cond model.Condition, evalErr error) *model.PolicyEvaluationResult {
	var condErr *ConditionError
	if errors.As(evalErr, &condErr) {
		e.logger.Error(evalErr, "broken policy condition",
			"table", req.Table, "operation", string(req.Operation), "condition", cond.ConditionName())
		if alertErr := e.alerts.Notify(ctx,
			"broken access policy condition",
			fmt.Sprintf("table=%s operation=%s condition=%s error=%v", req.Table, req.Operation, cond.ConditionName(), condErr.Err),
		); alertErr != nil {
			e.logger.Error(alertErr, "failed to raise condition alert")
		}
		return deny(model.ReasonConditionError)
	}
	if errors.Is(evalErr, ErrConsentUnavailable) {
		e.logger.Warn("consent check did not complete",
			"table", req.Table, "operation", string(req.Operation), "error", evalErr.Error())
		return deny(model.ReasonConsentTimeout)
	}
	e.logger.Error(evalErr, "condition evaluation failed",
		"table", req.Table, "condition", cond.ConditionName())
	return deny(model.ReasonConditionError)
}

// finish emits the single decision audit record and applies the
// audit-failure policy for the level in effect.
func (e *Engine) finish(ctx context.Context, req Request, selected *model.AccessPolicy, result *model.PolicyEvaluationResult, err error) (*model.PolicyEvaluationResult, error) {
	if result == nil {
		// Belt and braces: no path should get here without a result.
		result = deny(model.ReasonConditionError)
	}

	level := model.AuditLevelBasic
	if selected != nil {
		level = selected.AuditLevel
	}

	decision := "deny"
	reason := result.Reason
	if result.Allowed {
		decision = "allow"
		reason = "allowed"
	}
	e.metrics.Decisions.WithLabelValues(req.Table, string(req.Operation), decision, reason).Inc()
	if result.EmergencyAccessUsed {
		e.metrics.EmergencyAccess.Inc()
	}

	entry := e.buildEntry(req, selected, result, level)
	if auditErr := e.auditor.Record(ctx, entry); auditErr != nil {
		e.metrics.AuditWriteFailures.WithLabelValues("primary", string(level)).Inc()
		if level == model.AuditLevelComprehensive {
			// The decision is void if it cannot be recorded.
			return deny(model.ReasonAuditWriteFailed), &audit.WriteError{Level: level, Err: auditErr}
		}
		e.logger.Error(auditErr, "audit write failed, decision stands", "level", string(level))
	} else {
		e.metrics.AuditWrites.WithLabelValues("primary").Inc()
	}

	if result.EmergencyAccessUsed {
		emergency := *entry
		emergency.ID = uuid.New()
		emergency.Kind = model.AuditKindEmergencyAccess
		if emergencyErr := e.auditor.Record(ctx, &emergency); emergencyErr != nil {
			e.logger.Error(emergencyErr, "failed to record emergency access entry")
		}
	}

	e.logger.Debug("policy decision",
		"table", req.Table, "operation", string(req.Operation),
		"decision", decision, "reason", result.Reason)

	return result, err
}

func (e *Engine) buildEntry(req Request, selected *model.AccessPolicy, result *model.PolicyEvaluationResult, level model.AuditLevel) *model.AuditEntry {
	rls := req.Context
	entry := &model.AuditEntry{
		ID:              uuid.New(),
		Kind:            model.AuditKindDecision,
		UserID:          rls.UserID,
		ClinicID:        rls.ClinicID,
		Role:            rls.Role,
		TableName:       req.Table,
		Operation:       req.Operation,
		Allowed:         result.Allowed,
		Reason:          result.Reason,
		EmergencyAccess: result.EmergencyAccessUsed,
		AuditLevel:      level,
		IPAddress:       rls.IPAddress,
		Justification:   rls.Justification,
		CreatedAt:       time.Now(),
	}
	if selected != nil {
		entry.PolicyID = selected.ID
		entry.PolicyPriority = selected.Priority
	}

	if level == model.AuditLevelComprehensive && e.encryptor != nil {
		details, marshalErr := json.Marshal(map[string]string{
			"justification": rls.Justification,
			"ip_address":    rls.IPAddress,
		})
		if marshalErr == nil {
			if sealed, sealErr := e.encryptor.Encrypt(details); sealErr == nil {
				entry.SealedDetails = sealed
				entry.Justification = ""
				entry.IPAddress = ""
			}
		}
	}
	return entry
}

func deny(reason string) *model.PolicyEvaluationResult {
	return &model.PolicyEvaluationResult{
		Allowed:       false,
		Reason:        reason,
		AuditRequired: true,
	}
}

func denyWith(p *model.AccessPolicy, emergencyUsed bool, applied []model.Condition, reason string) *model.PolicyEvaluationResult {
	return &model.PolicyEvaluationResult{
		Allowed:             false,
		Reason:              reason,
		ConditionsApplied:   applied,
		AuditRequired:       true,
		EmergencyAccessUsed: emergencyUsed,
		PolicyID:            p.ID,
		PolicyPriority:      p.Priority,
	}
}
