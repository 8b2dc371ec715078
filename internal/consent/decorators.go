package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/policy-engine/pkg/circuitbreaker"
	"github.com/jwalitptl/policy-engine/pkg/metrics"
)

// InstrumentedResolver records lookup latency and outcome.
type InstrumentedResolver struct {
	next    Resolver
	metrics *metrics.Metrics
}

func NewInstrumentedResolver(next Resolver, m *metrics.Metrics) *InstrumentedResolver {
	return &InstrumentedResolver{next: next, metrics: m}
}

func (r *InstrumentedResolver) CheckConsent(ctx context.Context, patientID uuid.UUID, purpose string) (Decision, error) {
	start := time.Now()
	decision, err := r.next.CheckConsent(ctx, patientID, purpose)
	r.metrics.ConsentLatency.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		r.metrics.ConsentChecks.WithLabelValues("error").Inc()
	case decision.Granted:
		r.metrics.ConsentChecks.WithLabelValues("granted").Inc()
	default:
		r.metrics.ConsentChecks.WithLabelValues("denied").Inc()
	}
	return decision, err
}

// CachingResolver memoizes consent answers for a short TTL. An answer
// is never cached beyond its own expiry or a recorded withdrawal time,
// and errors are never cached. A withdrawal that lands after the answer
// was cached is stale for at most the configured TTL; size the TTL for
// that bound.
type CachingResolver struct {
	next  Resolver
	cache *gocache.Cache
	ttl   time.Duration
}

func NewCachingResolver(next Resolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (r *CachingResolver) CheckConsent(ctx context.Context, patientID uuid.UUID, purpose string) (Decision, error) {
	key := patientID.String() + ":" + purpose
	if cached, ok := r.cache.Get(key); ok {
		return cached.(Decision), nil
	}

	decision, err := r.next.CheckConsent(ctx, patientID, purpose)
	if err != nil {
		return Decision{}, err
	}

	ttl := r.ttl
	if decision.ExpiresAt != nil {
		if until := time.Until(*decision.ExpiresAt); until < ttl {
			ttl = until
		}
	}
	if decision.WithdrawnAt != nil {
		if until := time.Until(*decision.WithdrawnAt); until < ttl {
			ttl = until
		}
	}
	if ttl > 0 {
		r.cache.Set(key, decision, ttl)
	}
	return decision, nil
}

// ThrottledResolver bounds the consent lookup rate. A throttled check
// fails closed with ErrUnavailable.
type ThrottledResolver struct {
	next    Resolver
	limiter *rate.Limiter
}

func NewThrottledResolver(next Resolver, perSecond float64, burst int) *ThrottledResolver {
	return &ThrottledResolver{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *ThrottledResolver) CheckConsent(ctx context.Context, patientID uuid.UUID, purpose string) (Decision, error) {
	if !r.limiter.Allow() {
		return Decision{}, fmt.Errorf("consent check throttled: %w", ErrUnavailable)
	}
	return r.next.CheckConsent(ctx, patientID, purpose)
}

// BreakerResolver trips after repeated resolver failures. An open
// breaker fails closed with ErrUnavailable.
type BreakerResolver struct {
	next Resolver
	cb   *circuitbreaker.CircuitBreaker
}

func NewBreakerResolver(next Resolver, cb *circuitbreaker.CircuitBreaker) *BreakerResolver {
	return &BreakerResolver{next: next, cb: cb}
}

func (r *BreakerResolver) CheckConsent(ctx context.Context, patientID uuid.UUID, purpose string) (Decision, error) {
	var decision Decision
	err := r.cb.Execute(func() error {
		var innerErr error
		decision, innerErr = r.next.CheckConsent(ctx, patientID, purpose)
		return innerErr
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return Decision{}, fmt.Errorf("consent breaker open: %w", ErrUnavailable)
		}
		return Decision{}, err
	}
	return decision, nil
}
