package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/pkg/logger"
)

type recordingSink struct {
	entries []*model.AuditEntry
	err     error
}

func (s *recordingSink) Record(_ context.Context, entry *model.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func testEntry() *model.AuditEntry {
	return &model.AuditEntry{
		ID:        uuid.New(),
		Kind:      model.AuditKindDecision,
		UserID:    uuid.New(),
		ClinicID:  uuid.New(),
		Role:      model.RoleDoctor,
		TableName: "medical_record",
		Operation: model.OperationRead,
		Allowed:   true,
		CreatedAt: time.Now(),
	}
}

func TestTeeEmitterFansOut(t *testing.T) {
	primary := &recordingSink{}
	secondary := &recordingSink{}
	tee := NewTeeEmitter(primary, logger.Nop(), secondary)

	entry := testEntry()
	require.NoError(t, tee.Record(context.Background(), entry))
	require.Len(t, primary.entries, 1)
	require.Len(t, secondary.entries, 1)
	assert.Same(t, entry, primary.entries[0])
}

func TestTeeEmitterPrimaryErrorPropagates(t *testing.T) {
	boom := errors.New("disk full")
	primary := &recordingSink{err: boom}
	secondary := &recordingSink{}
	tee := NewTeeEmitter(primary, logger.Nop(), secondary)

	err := tee.Record(context.Background(), testEntry())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	// Nothing reaches the secondaries when the primary write failed.
	assert.Empty(t, secondary.entries)
}

func TestTeeEmitterSwallowsSecondaryErrors(t *testing.T) {
	primary := &recordingSink{}
	broken := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}
	tee := NewTeeEmitter(primary, logger.Nop(), broken, healthy)

	require.NoError(t, tee.Record(context.Background(), testEntry()))
	require.Len(t, primary.entries, 1)
	require.Len(t, healthy.entries, 1)
}

func TestLogEmitterNeverFails(t *testing.T) {
	emitter := NewLogEmitter(logger.Nop())
	assert.NoError(t, emitter.Record(context.Background(), testEntry()))
}

func TestWriteErrorUnwraps(t *testing.T) {
	boom := errors.New("disk full")
	err := &WriteError{Level: model.AuditLevelComprehensive, Err: boom}

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "comprehensive")
}
