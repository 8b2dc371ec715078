package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/policy-engine/internal/model"
)

// PostgresEmitter persists audit entries to the audit_entries table.
type PostgresEmitter struct {
	db *sqlx.DB
}

func NewPostgresEmitter(db *sqlx.DB) *PostgresEmitter {
	return &PostgresEmitter{db: db}
}

func (e *PostgresEmitter) Record(ctx context.Context, entry *model.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (
			id, kind, user_id, clinic_id, role, table_name, operation,
			allowed, reason, emergency_access, policy_id, policy_priority,
			audit_level, ip_address, justification, sealed_details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := e.db.ExecContext(ctx, query,
		entry.ID,
		entry.Kind,
		entry.UserID,
		entry.ClinicID,
		entry.Role,
		entry.TableName,
		entry.Operation,
		entry.Allowed,
		entry.Reason,
		entry.EmergencyAccess,
		entry.PolicyID,
		entry.PolicyPriority,
		entry.AuditLevel,
		entry.IPAddress,
		entry.Justification,
		entry.SealedDetails,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Cleanup deletes entries older than before and returns the count.
func (e *PostgresEmitter) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM audit_entries
		WHERE created_at < $1
	`
	result, err := e.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit entries: %w", err)
	}
	return result.RowsAffected()
}
