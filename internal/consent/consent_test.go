package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/policy-engine/pkg/circuitbreaker"
)

type stubResolver struct {
	decision Decision
	err      error
	calls    int
}

func (s *stubResolver) CheckConsent(context.Context, uuid.UUID, string) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func TestDecisionValidAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)
	later := now.Add(time.Hour)

	assert.False(t, Decision{}.ValidAt(now))
	assert.True(t, Decision{Granted: true}.ValidAt(now))
	assert.False(t, Decision{Granted: true, WithdrawnAt: &earlier}.ValidAt(now))
	assert.False(t, Decision{Granted: true, WithdrawnAt: &now}.ValidAt(now))
	assert.True(t, Decision{Granted: true, WithdrawnAt: &later}.ValidAt(now))
	assert.False(t, Decision{Granted: true, ExpiresAt: &earlier}.ValidAt(now))
	assert.True(t, Decision{Granted: true, ExpiresAt: &later}.ValidAt(now))
}

func TestCachingResolverMemoizes(t *testing.T) {
	stub := &stubResolver{decision: Decision{Granted: true}}
	r := NewCachingResolver(stub, time.Minute)
	patientID := uuid.New()

	for i := 0; i < 3; i++ {
		decision, err := r.CheckConsent(context.Background(), patientID, "treatment")
		require.NoError(t, err)
		assert.True(t, decision.Granted)
	}
	assert.Equal(t, 1, stub.calls)
}

func TestCachingResolverKeysOnPatientAndPurpose(t *testing.T) {
	stub := &stubResolver{decision: Decision{Granted: true}}
	r := NewCachingResolver(stub, time.Minute)
	patientID := uuid.New()

	_, err := r.CheckConsent(context.Background(), patientID, "treatment")
	require.NoError(t, err)
	_, err = r.CheckConsent(context.Background(), patientID, "billing")
	require.NoError(t, err)
	_, err = r.CheckConsent(context.Background(), uuid.New(), "treatment")
	require.NoError(t, err)

	assert.Equal(t, 3, stub.calls)
}

func TestCachingResolverNeverCachesErrors(t *testing.T) {
	stub := &stubResolver{err: errors.New("connection refused")}
	r := NewCachingResolver(stub, time.Minute)
	patientID := uuid.New()

	_, err := r.CheckConsent(context.Background(), patientID, "treatment")
	require.Error(t, err)
	_, err = r.CheckConsent(context.Background(), patientID, "treatment")
	require.Error(t, err)
	assert.Equal(t, 2, stub.calls)
}

func TestCachingResolverCapsTTLAtConsentExpiry(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	stub := &stubResolver{decision: Decision{Granted: true, ExpiresAt: &expired}}
	r := NewCachingResolver(stub, time.Hour)
	patientID := uuid.New()

	// Already-expired consent gets no cache entry at all.
	_, err := r.CheckConsent(context.Background(), patientID, "treatment")
	require.NoError(t, err)
	_, err = r.CheckConsent(context.Background(), patientID, "treatment")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}

func TestCachingResolverCapsTTLAtWithdrawal(t *testing.T) {
	withdrawn := time.Now().Add(-time.Minute)
	stub := &stubResolver{decision: Decision{Granted: true, WithdrawnAt: &withdrawn}}
	r := NewCachingResolver(stub, time.Hour)
	patientID := uuid.New()

	// A consent withdrawn in the past gets no cache entry, so every
	// check sees the store's current answer.
	_, err := r.CheckConsent(context.Background(), patientID, "treatment")
	require.NoError(t, err)
	_, err = r.CheckConsent(context.Background(), patientID, "treatment")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}

func TestThrottledResolverFailsClosed(t *testing.T) {
	stub := &stubResolver{decision: Decision{Granted: true}}
	r := NewThrottledResolver(stub, 1, 2)
	patientID := uuid.New()

	_, err := r.CheckConsent(context.Background(), patientID, "treatment")
	require.NoError(t, err)
	_, err = r.CheckConsent(context.Background(), patientID, "treatment")
	require.NoError(t, err)

	_, err = r.CheckConsent(context.Background(), patientID, "treatment")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, stub.calls)
}

func TestBreakerResolverOpensAfterFailures(t *testing.T) {
	stub := &stubResolver{err: errors.New("connection refused")}
	cb := circuitbreaker.New(circuitbreaker.Settings{
		Name:        "consent",
		MaxFailures: 2,
		Timeout:     time.Minute,
	})
	r := NewBreakerResolver(stub, cb)
	patientID := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := r.CheckConsent(context.Background(), patientID, "treatment")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}

	_, err := r.CheckConsent(context.Background(), patientID, "treatment")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, stub.calls)
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())
}

func TestBreakerResolverPassesThroughWhenClosed(t *testing.T) {
	stub := &stubResolver{decision: Decision{Granted: true}}
	r := NewBreakerResolver(stub, circuitbreaker.New(circuitbreaker.Settings{Name: "consent"}))

	decision, err := r.CheckConsent(context.Background(), uuid.New(), "treatment")
	require.NoError(t, err)
	assert.True(t, decision.Granted)
}
