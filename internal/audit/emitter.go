package audit

import (
	"context"
	"fmt"

	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/pkg/logger"
)

// Emitter is a durable sink for evaluation decisions.
type Emitter interface {
	Record(ctx context.Context, entry *model.AuditEntry) error
}

// WriteError marks a failed audit write together with the audit level
// it was written at; the engine uses the level to decide whether the
// decision is void.
type WriteError struct {
	Level model.AuditLevel
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write failed at level %s: %v", e.Level, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// TeeEmitter writes to a primary sink and fans out to secondaries. The
// primary's error propagates; secondary failures are logged and
// swallowed so a down fan-out channel cannot void decisions.
type TeeEmitter struct {
	primary     Emitter
	secondaries []Emitter
	logger      *logger.Logger
}

func NewTeeEmitter(primary Emitter, log *logger.Logger, secondaries ...Emitter) *TeeEmitter {
	return &TeeEmitter{primary: primary, secondaries: secondaries, logger: log}
}

func (t *TeeEmitter) Record(ctx context.Context, entry *model.AuditEntry) error {
	if err := t.primary.Record(ctx, entry); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	for _, sink := range t.secondaries {
		if err := sink.Record(ctx, entry); err != nil {
			t.logger.Error(err, "secondary audit sink failed", "entry_id", entry.ID)
		}
	}
	return nil
}

// LogEmitter writes entries to the structured log only. It is the
// local fallback when a durable write fails at basic/detailed level,
// and the default sink in tests.
type LogEmitter struct {
	logger *logger.Logger
}

func NewLogEmitter(log *logger.Logger) *LogEmitter {
	return &LogEmitter{logger: log}
}

func (l *LogEmitter) Record(_ context.Context, entry *model.AuditEntry) error {
	l.logger.ZL().Info().
		Str("kind", entry.Kind).
		Str("user_id", entry.UserID.String()).
		Str("table", entry.TableName).
		Str("operation", string(entry.Operation)).
		Bool("allowed", entry.Allowed).
		Str("reason", entry.Reason).
		Bool("emergency_access", entry.EmergencyAccess).
		Msg("audit entry")
	return nil
}
