package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/jwalitptl/policy-engine/internal/model"
)

// ConditionDefinition is the on-disk form of one condition. Type selects
// the variant; the remaining fields feed whichever variant is selected.
type ConditionDefinition struct {
	Type      string       `mapstructure:"type" validate:"required,oneof=role time_window consent ownership predicate"`
	Roles     []string     `mapstructure:"roles"`
	StartHour int          `mapstructure:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int          `mapstructure:"end_hour" validate:"gte=0,lte=24"`
	Purpose   string       `mapstructure:"purpose"`
	Field     string       `mapstructure:"field"`
	Name      string       `mapstructure:"name"`
	Expr      *model.Expr  `mapstructure:"expr"`
}

// TimeRestrictionsDefinition is the on-disk form of a policy time window.
type TimeRestrictionsDefinition struct {
	StartHour       int  `mapstructure:"start_hour" validate:"gte=0,lte=23"`
	EndHour         int  `mapstructure:"end_hour" validate:"gte=0,lte=24"`
	EmergencyBypass bool `mapstructure:"emergency_bypass"`
}

// Definition is the on-disk form of one access policy.
type Definition struct {
	Name             string                      `mapstructure:"name" validate:"required"`
	Table            string                      `mapstructure:"table" validate:"required"`
	Operation        string                      `mapstructure:"operation" validate:"required,oneof=CREATE READ UPDATE DELETE"`
	Roles            []string                    `mapstructure:"roles"`
	HierarchyAware   bool                        `mapstructure:"hierarchy_aware"`
	MinRole          string                      `mapstructure:"min_role" validate:"required_if=HierarchyAware true"`
	Priority         int                         `mapstructure:"priority" validate:"gte=0"`
	AuditLevel       string                      `mapstructure:"audit_level" validate:"omitempty,oneof=basic detailed comprehensive"`
	TimeRestrictions *TimeRestrictionsDefinition `mapstructure:"time_restrictions"`
	ConsentPurpose   string                      `mapstructure:"consent_purpose"`
	Conditions       []ConditionDefinition       `mapstructure:"conditions"`
}

// File is the root of a policy definitions document.
type File struct {
	Policies    []Definition                 `mapstructure:"policies"`
	FieldAccess map[string][]string          `mapstructure:"field_access"`
	Sensitivity map[string]string            `mapstructure:"sensitivity"`
	FieldLevels map[string]map[string]string `mapstructure:"field_levels"`
}

// LoadFile reads a policy definitions document from path.
func LoadFile(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file File
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy file: %w", err)
	}
	return &file, nil
}

type policyKey struct {
	table     string
	operation model.Operation
}

// Registry is the immutable set of access policies plus the per-table
// predicate field allow-lists and the sensitivity map. Built once,
// validated at construction, read-only afterwards.
type Registry struct {
	policies    map[policyKey][]*model.AccessPolicy
	allowlist   map[string]map[string]bool
	sensitivity *model.SensitivityMap
	hierarchy   *Hierarchy
}

// NewRegistry builds and validates a registry from a definitions file.
// Any validation failure rejects the whole file; a registry is either
// complete and consistent or it does not exist.
func NewRegistry(file *File, hierarchy *Hierarchy) (*Registry, error) {
	r := &Registry{
		policies:    make(map[policyKey][]*model.AccessPolicy),
		allowlist:   make(map[string]map[string]bool),
		sensitivity: buildSensitivityMap(file),
		hierarchy:   hierarchy,
	}

	for table, fields := range file.FieldAccess {
		set := make(map[string]bool, len(fields))
		for _, f := range fields {
			set[f] = true
		}
		r.allowlist[table] = set
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for i := range file.Policies {
		def := &file.Policies[i]
		if err := validate.Struct(def); err != nil {
			return nil, fmt.Errorf("policy %q failed validation: %w", def.Name, err)
		}

		p, err := r.buildPolicy(def)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", def.Name, err)
		}

		key := policyKey{table: p.Table, operation: p.Operation}
		r.policies[key] = append(r.policies[key], p)
	}

	if err := r.validate(); err != nil {
		return nil, err
	}

	for key := range r.policies {
		sort.SliceStable(r.policies[key], func(i, j int) bool {
			return r.policies[key][i].Priority > r.policies[key][j].Priority
		})
	}

	return r, nil
}

func (r *Registry) buildPolicy(def *Definition) (*model.AccessPolicy, error) {
	p := &model.AccessPolicy{
		ID:             uuid.New(),
		Name:           def.Name,
		Table:          def.Table,
		Operation:      model.Operation(def.Operation),
		HierarchyAware: def.HierarchyAware,
		MinRole:        model.Role(def.MinRole),
		Priority:       def.Priority,
		AuditLevel:     model.AuditLevel(def.AuditLevel),
	}

	if len(def.Roles) == 0 && !def.HierarchyAware {
		return nil, fmt.Errorf("no roles and not hierarchy-aware")
	}
	for _, raw := range def.Roles {
		role := model.Role(raw)
		if !r.hierarchy.Known(role) {
			return nil, fmt.Errorf("unknown role %q", raw)
		}
		p.Roles = append(p.Roles, role)
	}
	if def.HierarchyAware && !r.hierarchy.Known(p.MinRole) {
		return nil, fmt.Errorf("unknown min_role %q", def.MinRole)
	}

	if def.TimeRestrictions != nil {
		p.TimeRestrictions = &model.TimeRestrictions{
			StartHour:       def.TimeRestrictions.StartHour,
			EndHour:         def.TimeRestrictions.EndHour,
			EmergencyBypass: def.TimeRestrictions.EmergencyBypass,
		}
	}
	if def.ConsentPurpose != "" {
		p.ConsentRequired = &model.ConsentRequirement{Purpose: def.ConsentPurpose}
	}

	for i := range def.Conditions {
		cond, err := r.buildCondition(def.Table, &def.Conditions[i])
		if err != nil {
			return nil, err
		}
		p.Conditions = append(p.Conditions, cond)
	}

	if p.AuditLevel == "" {
		p.AuditLevel = r.sensitivity.TableLevel(p.Table).DefaultAuditLevel()
	}

	return p, nil
}

func (r *Registry) buildCondition(table string, def *ConditionDefinition) (model.Condition, error) {
	switch model.ConditionKind(def.Type) {
	case model.ConditionRole:
		var roles []model.Role
		for _, raw := range def.Roles {
			role := model.Role(raw)
			if !r.hierarchy.Known(role) {
				return nil, fmt.Errorf("role condition references unknown role %q", raw)
			}
			roles = append(roles, role)
		}
		return model.RoleCondition{Allowed: roles}, nil
	case model.ConditionTimeWindow:
		return model.TimeWindowCondition{StartHour: def.StartHour, EndHour: def.EndHour}, nil
	case model.ConditionConsent:
		if def.Purpose == "" {
			return nil, fmt.Errorf("consent condition requires a purpose")
		}
		return model.ConsentCondition{Purpose: def.Purpose}, nil
	case model.ConditionOwnership:
		if def.Field == "" {
			return nil, fmt.Errorf("ownership condition requires a field")
		}
		if !r.FieldAllowed(table, def.Field) {
			return nil, fmt.Errorf("ownership field %q not in allow-list for table %q", def.Field, table)
		}
		return model.OwnershipCondition{Field: def.Field}, nil
	case model.ConditionPredicate:
		if def.Expr == nil {
			return nil, fmt.Errorf("predicate condition requires an expression")
		}
		if err := r.checkExpr(table, def.Expr, 0); err != nil {
			return nil, fmt.Errorf("predicate %q: %w", def.Name, err)
		}
		return model.CustomPredicate{Name: def.Name, Expr: def.Expr}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", def.Type)
}

// maxExprDepth bounds predicate nesting so condition expressions cannot
// become an unconstrained query surface.
const maxExprDepth = 8

func (r *Registry) checkExpr(table string, expr *model.Expr, depth int) error {
	if depth > maxExprDepth {
		return fmt.Errorf("expression exceeds depth %d", maxExprDepth)
	}
	if expr.IsBranch() {
		if len(expr.Args) == 0 {
			return fmt.Errorf("%s expression has no arguments", expr.Op)
		}
		if expr.Op == model.OpNot && len(expr.Args) != 1 {
			return fmt.Errorf("not expression takes exactly one argument")
		}
		for _, arg := range expr.Args {
			if err := r.checkExpr(table, arg, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	switch expr.Op {
	case model.OpEq, model.OpNe, model.OpGt, model.OpLt, model.OpIn:
	default:
		return fmt.Errorf("unknown operator %q", expr.Op)
	}
	if expr.Field == "" {
		return fmt.Errorf("comparison is missing a field")
	}
	if !r.FieldAllowed(table, expr.Field) {
		return fmt.Errorf("field %q not in allow-list for table %q", expr.Field, table)
	}
	if expr.ContextRef != "" {
		if expr.Op == model.OpIn {
			return fmt.Errorf("in operator cannot take a context reference")
		}
		switch expr.ContextRef {
		case "user_id", "clinic_id", "professional_id", "role":
		default:
			return fmt.Errorf("unknown context reference %q", expr.ContextRef)
		}
	}
	return nil
}

// validate runs whole-registry checks: duplicate priorities within one
// (table, operation) fail fast, and consent gating is mandatory for
// reads on HIGHLY_RESTRICTED tables.
func (r *Registry) validate() error {
	for key, policies := range r.policies {
		seen := make(map[int]string, len(policies))
		for _, p := range policies {
			if other, ok := seen[p.Priority]; ok {
				return fmt.Errorf("policies %q and %q share priority %d for %s %s",
					other, p.Name, p.Priority, key.table, key.operation)
			}
			seen[p.Priority] = p.Name

			if key.operation == model.OperationRead &&
				r.sensitivity.TableLevel(key.table).RequiresConsent() &&
				p.ConsentRequired == nil {
				return fmt.Errorf("policy %q reads %s table %q without consent gating",
					p.Name, r.sensitivity.TableLevel(key.table), key.table)
			}
		}
	}
	return nil
}

// PoliciesFor returns the policies for a table and operation, highest
// priority first. An empty result means deny; there is no fallback.
func (r *Registry) PoliciesFor(table string, op model.Operation) []*model.AccessPolicy {
	return r.policies[policyKey{table: table, operation: op}]
}

// All returns every policy, ordered by table, operation, then
// descending priority, for deterministic compilation.
func (r *Registry) All() []*model.AccessPolicy {
	keys := make([]policyKey, 0, len(r.policies))
	for key := range r.policies {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].table != keys[j].table {
			return keys[i].table < keys[j].table
		}
		return keys[i].operation < keys[j].operation
	})

	var all []*model.AccessPolicy
	for _, key := range keys {
		all = append(all, r.policies[key]...)
	}
	return all
}

// Tables returns the sorted set of tables with at least one policy.
func (r *Registry) Tables() []string {
	seen := make(map[string]bool)
	for key := range r.policies {
		seen[key.table] = true
	}
	tables := make([]string, 0, len(seen))
	for table := range seen {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// FieldAllowed reports whether a predicate or ownership condition may
// reference field on table.
func (r *Registry) FieldAllowed(table, field string) bool {
	return r.allowlist[table][field]
}

// Allowlist returns the field allow-list for a table, sorted.
func (r *Registry) Allowlist(table string) []string {
	fields := make([]string, 0, len(r.allowlist[table]))
	for f := range r.allowlist[table] {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Sensitivity exposes the table/field classification map.
func (r *Registry) Sensitivity() *model.SensitivityMap {
	return r.sensitivity
}

// Hierarchy exposes the role order the registry was validated against.
func (r *Registry) Hierarchy() *Hierarchy {
	return r.hierarchy
}

func buildSensitivityMap(file *File) *model.SensitivityMap {
	m := &model.SensitivityMap{
		Tables: make(map[string]model.Sensitivity),
		Fields: make(map[string]map[string]model.Sensitivity),
	}
	for table, raw := range file.Sensitivity {
		m.Tables[table] = model.ParseSensitivity(strings.ToUpper(raw))
	}
	for table, fields := range file.FieldLevels {
		m.Fields[table] = make(map[string]model.Sensitivity, len(fields))
		for field, raw := range fields {
			m.Fields[table][field] = model.ParseSensitivity(strings.ToUpper(raw))
		}
	}
	return m
}

// Handle holds the active registry behind an atomic pointer so a reload
// swaps in a fully built replacement without readers ever observing a
// partial set.
type Handle struct {
	current atomic.Pointer[Registry]
}

// NewHandle wraps an initial registry.
func NewHandle(r *Registry) *Handle {
	h := &Handle{}
	h.current.Store(r)
	return h
}

// Current returns the active registry.
func (h *Handle) Current() *Registry {
	return h.current.Load()
}

// Swap replaces the active registry. The replacement must already be
// validated; Swap does not re-check it.
func (h *Handle) Swap(r *Registry) {
	h.current.Store(r)
}
