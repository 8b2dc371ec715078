package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store resolves consent from the patient_consents table. The newest
// grant for a (patient, purpose) pair wins; withdrawal and expiry are
// judged by the caller against access time, not query time, so the
// answer stays deterministic for a fixed context.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CheckConsent(ctx context.Context, patientID uuid.UUID, purpose string) (Decision, error) {
	query := `
		SELECT granted, expires_at, withdrawn_at
		FROM patient_consents
		WHERE patient_id = $1 AND purpose = $2
		ORDER BY granted_at DESC
		LIMIT 1
	`
	var decision Decision
	err := s.db.GetContext(ctx, &decision, query, patientID, purpose)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check consent: %w", err)
	}
	return decision, nil
}
