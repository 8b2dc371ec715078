package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable marks a consent check that could not complete: a
// timeout, an open circuit breaker, or a throttled call. Callers must
// treat it as deny, recorded distinctly from a genuine negative answer.
var ErrUnavailable = errors.New("consent resolver unavailable")

// Decision is the answer to "is there valid consent for purpose P on
// patient X".
type Decision struct {
	Granted     bool       `json:"granted" db:"granted"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty" db:"withdrawn_at"`
}

// ValidAt reports whether the consent holds at t: granted, not
// withdrawn before t, not expired at t.
func (d Decision) ValidAt(t time.Time) bool {
	if !d.Granted {
		return false
	}
	if d.WithdrawnAt != nil && !d.WithdrawnAt.After(t) {
		return false
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(t) {
		return false
	}
	return true
}

// Resolver answers consent lookups. Implementations must be idempotent
// and side-effect-free.
type Resolver interface {
	CheckConsent(ctx context.Context, patientID uuid.UUID, purpose string) (Decision, error)
}
