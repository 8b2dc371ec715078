package scope

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/pkg/logger"
)

// Session variable names the compiled row-security policies read.
const (
	VarUserID          = "app.current_user_id"
	VarRole            = "app.current_role"
	VarClinicID        = "app.current_clinic_id"
	VarEmergencyAccess = "app.emergency_access"
	VarProfessionalID  = "app.current_professional_id"
)

// BindError is fatal: the security context could not be attached, so no
// work may proceed on the connection.
type BindError struct {
	Var string
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind session context %s: %v", e.Var, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Scope acquires per-request security contexts bound to database
// transactions. Binding uses transaction-local settings
// (set_config(..., true)) so the variables die with the transaction and
// a pooled connection can never carry one request's context into the
// next.
type Scope struct {
	db     *sqlx.DB
	logger *logger.Logger
}

func New(db *sqlx.DB, log *logger.Logger) *Scope {
	return &Scope{db: db, logger: log}
}

// Handle is one bound unit of work. Release must run on every exit
// path; it is idempotent, and WithScope arranges it automatically.
type Handle struct {
	tx       *sqlx.Tx
	released sync.Once
	relErr   error
}

// Tx returns the transaction carrying the bound context.
func (h *Handle) Tx() *sqlx.Tx {
	return h.tx
}

// Release rolls the transaction back, discarding the bound context and
// any uncommitted work. Safe to call after Commit.
func (h *Handle) Release() error {
	h.released.Do(func() {
		h.relErr = h.tx.Rollback()
	})
	return h.relErr
}

// Commit commits the unit of work. The bound context still ends with
// the transaction.
func (h *Handle) Commit() error {
	var err error
	h.released.Do(func() {
		err = h.tx.Commit()
	})
	return err
}

// Acquire opens a transaction and binds the request context to it. A
// bind failure rolls the transaction back and fails closed with a
// BindError; no work proceeds on a partially bound context.
func (s *Scope) Acquire(ctx context.Context, rls *model.RLSContext) (*Handle, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin scoped transaction: %w", err)
	}

	vars := []struct {
		name  string
		value string
	}{
		{VarUserID, rls.UserID.String()},
		{VarRole, string(rls.Role)},
		{VarClinicID, rls.ClinicID.String()},
		{VarEmergencyAccess, fmt.Sprintf("%t", rls.EmergencyAccess)},
	}
	if rls.ProfessionalID != nil {
		vars = append(vars, struct {
			name  string
			value string
		}{VarProfessionalID, rls.ProfessionalID.String()})
	}

	for _, v := range vars {
		if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, v.name, v.value); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error(rbErr, "rollback after failed context bind")
			}
			return nil, &BindError{Var: v.name, Err: err}
		}
	}

	return &Handle{tx: tx}, nil
}

// WithScope runs fn inside a bound unit of work. The scope is released
// on every exit path, including a panic in fn; a nil error from fn
// commits, anything else rolls back.
func (s *Scope) WithScope(ctx context.Context, rls *model.RLSContext, fn func(tx *sqlx.Tx) error) error {
	handle, err := s.Acquire(ctx, rls)
	if err != nil {
		return err
	}
	defer handle.Release()

	if err := fn(handle.Tx()); err != nil {
		return err
	}
	if err := handle.Commit(); err != nil {
		return fmt.Errorf("failed to commit scoped transaction: %w", err)
	}
	return nil
}
