package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/internal/policy"
	"github.com/jwalitptl/policy-engine/internal/scope"
)

// Statement is one native row-security statement plus the metadata
// migration tooling needs to trace it back to its policy.
type Statement struct {
	Table     string          `json:"table"`
	Operation model.Operation `json:"operation,omitempty"`
	PolicyID  uuid.UUID       `json:"policy_id,omitempty"`
	Policy    string          `json:"policy,omitempty"`
	SQL       string          `json:"sql"`
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithTimeAccessor overrides the SQL expression the compiler uses for
// the current time (default now()), so compiled time windows stay
// testable against a frozen clock.
func WithTimeAccessor(expr string) Option {
	return func(c *Compiler) { c.timeExpr = expr }
}

// WithConsentRelation overrides the relation consent predicates consult.
func WithConsentRelation(table string) Option {
	return func(c *Compiler) { c.consentTable = table }
}

// Compiler lowers access policies into native CREATE POLICY statements.
// Compile is pure: it produces an ordered statement list and never
// touches a live store; applying the output is migration tooling's job.
type Compiler struct {
	timeExpr     string
	consentTable string
}

func New(opts ...Option) *Compiler {
	c := &Compiler{
		timeExpr:     "now()",
		consentTable: "patient_consents",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile emits, in deterministic order, the enable-RLS statements for
// every governed table followed by one CREATE POLICY per policy. All
// literals are escaped through the driver's quoting; no user-controlled
// value is concatenated raw.
func (c *Compiler) Compile(reg *policy.Registry) ([]Statement, error) {
	var statements []Statement

	for _, table := range reg.Tables() {
		ident := pq.QuoteIdentifier(table)
		statements = append(statements,
			Statement{Table: table, SQL: fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY;", ident)},
			Statement{Table: table, SQL: fmt.Sprintf("ALTER TABLE %s FORCE ROW LEVEL SECURITY;", ident)},
		)
	}

	for _, p := range reg.All() {
		stmt, err := c.compilePolicy(reg, p)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.Name, err)
		}
		statements = append(statements, stmt)
	}

	return statements, nil
}

func (c *Compiler) compilePolicy(reg *policy.Registry, p *model.AccessPolicy) (Statement, error) {
	var guards []string

	guards = append(guards, c.roleGuard(reg, p))

	if p.TimeRestrictions != nil {
		guards = append(guards, c.timeGuard(p.TimeRestrictions))
	}
	if p.ConsentRequired != nil {
		guards = append(guards, c.consentGuard(p.Table, p.ConsentRequired.Purpose))
	}
	for _, cond := range p.Conditions {
		guard, err := c.conditionGuard(p.Table, cond)
		if err != nil {
			return Statement{}, err
		}
		guards = append(guards, guard)
	}

	predicate := strings.Join(guards, "\n  AND ")

	var clause string
	switch p.Operation {
	case model.OperationCreate:
		clause = fmt.Sprintf("FOR INSERT WITH CHECK (%s)", predicate)
	case model.OperationRead:
		clause = fmt.Sprintf("FOR SELECT USING (%s)", predicate)
	case model.OperationUpdate:
		clause = fmt.Sprintf("FOR UPDATE USING (%s) WITH CHECK (%s)", predicate, predicate)
	case model.OperationDelete:
		clause = fmt.Sprintf("FOR DELETE USING (%s)", predicate)
	default:
		return Statement{}, fmt.Errorf("unknown operation %q", p.Operation)
	}

	sql := fmt.Sprintf("CREATE POLICY %s ON %s %s;",
		pq.QuoteIdentifier(p.Name), pq.QuoteIdentifier(p.Table), clause)

	return Statement{
		Table:     p.Table,
		Operation: p.Operation,
		PolicyID:  p.ID,
		Policy:    p.Name,
		SQL:       sql,
	}, nil
}

// roleGuard encodes the policy's role set as a membership predicate
// over the bound session role. Hierarchy-aware policies expand to the
// concrete set of qualifying roles at compile time.
func (c *Compiler) roleGuard(reg *policy.Registry, p *model.AccessPolicy) string {
	roles := make(map[model.Role]bool, len(p.Roles))
	for _, r := range p.Roles {
		roles[r] = true
	}
	if p.HierarchyAware {
		for _, r := range reg.Hierarchy().Roles(p.MinRole) {
			roles[r] = true
		}
	}

	names := make([]string, 0, len(roles))
	for r := range roles {
		names = append(names, string(r))
	}
	sort.Strings(names)

	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = pq.QuoteLiteral(name)
	}
	return fmt.Sprintf("%s IN (%s)", currentSetting(scope.VarRole), strings.Join(quoted, ", "))
}

func (c *Compiler) timeGuard(tr *model.TimeRestrictions) string {
	hour := fmt.Sprintf("EXTRACT(HOUR FROM %s)", c.timeExpr)
	var window string
	if tr.StartHour <= tr.EndHour {
		window = fmt.Sprintf("(%s >= %d AND %s < %d)", hour, tr.StartHour, hour, tr.EndHour)
	} else {
		window = fmt.Sprintf("(%s >= %d OR %s < %d)", hour, tr.StartHour, hour, tr.EndHour)
	}
	if tr.EmergencyBypass {
		return fmt.Sprintf("(%s OR %s = 'true')", window, currentSetting(scope.VarEmergencyAccess))
	}
	return window
}

func (c *Compiler) consentGuard(table, purpose string) string {
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM %s pc WHERE pc.patient_id = %s.patient_id AND pc.purpose = %s AND pc.granted AND (pc.withdrawn_at IS NULL OR pc.withdrawn_at > %s) AND (pc.expires_at IS NULL OR pc.expires_at > %s))",
		pq.QuoteIdentifier(c.consentTable),
		pq.QuoteIdentifier(table),
		pq.QuoteLiteral(purpose),
		c.timeExpr,
		c.timeExpr,
	)
}

func (c *Compiler) conditionGuard(table string, cond model.Condition) (string, error) {
	switch v := cond.(type) {
	case model.RoleCondition:
		quoted := make([]string, len(v.Allowed))
		for i, r := range v.Allowed {
			quoted[i] = pq.QuoteLiteral(string(r))
		}
		return fmt.Sprintf("%s IN (%s)", currentSetting(scope.VarRole), strings.Join(quoted, ", ")), nil
	case model.TimeWindowCondition:
		return c.timeGuard(&model.TimeRestrictions{StartHour: v.StartHour, EndHour: v.EndHour}), nil
	case model.ConsentCondition:
		return c.consentGuard(table, v.Purpose), nil
	case model.OwnershipCondition:
		return fmt.Sprintf("%s::text IN (%s, %s)",
			pq.QuoteIdentifier(v.Field),
			currentSetting(scope.VarUserID),
			currentSetting(scope.VarProfessionalID),
		), nil
	case model.CustomPredicate:
		return c.compileExpr(v.Expr)
	}
	return "", fmt.Errorf("unknown condition kind %q", cond.Kind())
}

func (c *Compiler) compileExpr(expr *model.Expr) (string, error) {
	if expr == nil {
		return "", fmt.Errorf("nil expression")
	}

	switch expr.Op {
	case model.OpAnd, model.OpOr:
		parts := make([]string, 0, len(expr.Args))
		for _, arg := range expr.Args {
			part, err := c.compileExpr(arg)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		joiner := " AND "
		if expr.Op == model.OpOr {
			joiner = " OR "
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	case model.OpNot:
		if len(expr.Args) != 1 {
			return "", fmt.Errorf("not expression takes exactly one argument")
		}
		inner, err := c.compileExpr(expr.Args[0])
		if err != nil {
			return "", err
		}
		return "NOT " + inner, nil
	}

	field := pq.QuoteIdentifier(expr.Field) + "::text"
	operand, err := c.compileOperand(expr)
	if err != nil {
		return "", err
	}

	switch expr.Op {
	case model.OpEq:
		return fmt.Sprintf("%s = %s", field, operand), nil
	case model.OpNe:
		return fmt.Sprintf("%s <> %s", field, operand), nil
	case model.OpGt:
		return fmt.Sprintf("%s::numeric > %s", pq.QuoteIdentifier(expr.Field), operand), nil
	case model.OpLt:
		return fmt.Sprintf("%s::numeric < %s", pq.QuoteIdentifier(expr.Field), operand), nil
	case model.OpIn:
		values, ok := expr.Value.([]any)
		if !ok {
			return "", fmt.Errorf("in operator requires a list value")
		}
		quoted := make([]string, len(values))
		for i, v := range values {
			lit, err := literal(v)
			if err != nil {
				return "", err
			}
			quoted[i] = lit
		}
		return fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted, ", ")), nil
	}
	return "", fmt.Errorf("unknown operator %q", expr.Op)
}

func (c *Compiler) compileOperand(expr *model.Expr) (string, error) {
	if expr.ContextRef != "" {
		switch expr.ContextRef {
		case "user_id":
			return currentSetting(scope.VarUserID), nil
		case "clinic_id":
			return currentSetting(scope.VarClinicID), nil
		case "professional_id":
			return currentSetting(scope.VarProfessionalID), nil
		case "role":
			return currentSetting(scope.VarRole), nil
		}
		return "", fmt.Errorf("unknown context reference %q", expr.ContextRef)
	}
	return literal(expr.Value)
}

func literal(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return pq.QuoteLiteral(t), nil
	case bool:
		if t {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int, int32, int64:
		return fmt.Sprintf("%d", t), nil
	case float32, float64:
		return fmt.Sprintf("%v", t), nil
	}
	return "", fmt.Errorf("unsupported literal type %T", v)
}

func currentSetting(name string) string {
	return fmt.Sprintf("current_setting(%s, true)", pq.QuoteLiteral(name))
}
