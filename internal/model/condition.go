package model

// ConditionKind tags the closed set of condition variants. Conditions
// are never interpreted strings; each variant is evaluated in-process
// and lowered to native SQL only inside the compiler.
type ConditionKind string

const (
	ConditionRole       ConditionKind = "role"
	ConditionTimeWindow ConditionKind = "time_window"
	ConditionConsent    ConditionKind = "consent"
	ConditionOwnership  ConditionKind = "ownership"
	ConditionPredicate  ConditionKind = "predicate"
)

// Condition is one evaluable guard attached to a policy.
type Condition interface {
	Kind() ConditionKind
	// ConditionName identifies the condition in deny reasons and audit
	// entries, e.g. "condition_failed:ownership(patient_id)".
	ConditionName() string
}

// RoleCondition passes when the request role is in Allowed.
type RoleCondition struct {
	Allowed []Role `json:"allowed"`
}

func (RoleCondition) Kind() ConditionKind { return ConditionRole }
func (RoleCondition) ConditionName() string { return "role" }

// TimeWindowCondition passes when the access hour falls in
// [StartHour, EndHour).
type TimeWindowCondition struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

func (TimeWindowCondition) Kind() ConditionKind { return ConditionTimeWindow }
func (TimeWindowCondition) ConditionName() string { return "time_window" }

// ConsentCondition passes when the record's patient has valid consent
// for Purpose at evaluation time.
type ConsentCondition struct {
	Purpose string `json:"purpose"`
}

func (ConsentCondition) Kind() ConditionKind { return ConditionConsent }
func (c ConsentCondition) ConditionName() string { return "consent(" + c.Purpose + ")" }

// OwnershipCondition passes when the record field named Field holds the
// identity of the requesting user (or their professional identity).
type OwnershipCondition struct {
	Field string `json:"field"`
}

func (OwnershipCondition) Kind() ConditionKind { return ConditionOwnership }
func (c OwnershipCondition) ConditionName() string { return "ownership(" + c.Field + ")" }

// CustomPredicate is a bounded boolean expression over an allow-listed
// field set for the policy's table.
type CustomPredicate struct {
	Name string `json:"name"`
	Expr *Expr  `json:"expr"`
}

func (CustomPredicate) Kind() ConditionKind { return ConditionPredicate }
func (c CustomPredicate) ConditionName() string { return "predicate(" + c.Name + ")" }

// ExprOp enumerates the operators a CustomPredicate may use.
type ExprOp string

const (
	OpAnd ExprOp = "and"
	OpOr  ExprOp = "or"
	OpNot ExprOp = "not"
	OpEq  ExprOp = "eq"
	OpNe  ExprOp = "ne"
	OpGt  ExprOp = "gt"
	OpLt  ExprOp = "lt"
	OpIn  ExprOp = "in"
)

// Expr is a node in a predicate expression tree. Leaf operators compare
// the record field named Field against either a literal Value or, when
// ContextRef is set, an attribute of the request context
// (user_id, clinic_id, professional_id, role). Branch operators
// (and/or/not) combine Args.
type Expr struct {
	Op         ExprOp  `json:"op" mapstructure:"op"`
	Field      string  `json:"field,omitempty" mapstructure:"field"`
	Value      any     `json:"value,omitempty" mapstructure:"value"`
	ContextRef string  `json:"context,omitempty" mapstructure:"context"`
	Args       []*Expr `json:"args,omitempty" mapstructure:"args"`
}

// IsBranch reports whether the node combines sub-expressions rather
// than comparing a field.
func (e *Expr) IsBranch() bool {
	switch e.Op {
	case OpAnd, OpOr, OpNot:
		return true
	}
	return false
}
