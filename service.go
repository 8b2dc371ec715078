// Package policyengine assembles the access control engine from
// configuration: policy registry, consent resolver chain, audit sinks,
// metrics and alerting. Callers embed the Service behind whatever
// transport they run; this package stays transport-free.
package policyengine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/policy-engine/internal/alert"
	"github.com/jwalitptl/policy-engine/internal/audit"
	"github.com/jwalitptl/policy-engine/internal/authctx"
	"github.com/jwalitptl/policy-engine/internal/config"
	"github.com/jwalitptl/policy-engine/internal/consent"
	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/internal/policy"
	"github.com/jwalitptl/policy-engine/internal/scope"
	"github.com/jwalitptl/policy-engine/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/policy-engine/pkg/errors"
	"github.com/jwalitptl/policy-engine/pkg/logger"
	"github.com/jwalitptl/policy-engine/pkg/messaging"
	messagingredis "github.com/jwalitptl/policy-engine/pkg/messaging/redis"
	"github.com/jwalitptl/policy-engine/pkg/metrics"
	"github.com/jwalitptl/policy-engine/pkg/security"
)

// Service is the fully wired engine plus the collaborators a caller
// needs around it: context binding, token verification, hot reload and
// the retention worker.
type Service struct {
	Engine *policy.Engine
	Scope  *scope.Scope

	cfg       *config.Config
	logger    *logger.Logger
	db        *sqlx.DB
	broker    messaging.Broker
	registry  *policy.Handle
	hierarchy *policy.Hierarchy
	retention *audit.RetentionWorker
}

// New builds a Service from configuration. Construction is fail-fast:
// an invalid policy file, unreachable database or bad seal key refuses
// to start rather than degrade.
func New(cfg *config.Config) (*Service, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level %q: %w", cfg.Logging.Level, err)
	}
	log := logger.NewLogger(&logger.Config{Level: level, TimeFormat: time.RFC3339})

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	hierarchy := policy.NewHierarchy()
	file, err := policy.LoadFile(cfg.Policies.Path)
	if err != nil {
		db.Close()
		return nil, err
	}
	registry, err := policy.NewRegistry(file, hierarchy)
	if err != nil {
		db.Close()
		return nil, err
	}
	handle := policy.NewHandle(registry)

	m := metrics.NewMetrics("policyengine")
	resolver := buildResolver(db, cfg.Consent, m)
	evaluator := policy.NewEvaluator(resolver, cfg.Consent.Timeout)

	s := &Service{
		cfg:       cfg,
		logger:    log,
		db:        db,
		registry:  handle,
		hierarchy: hierarchy,
	}

	pgEmitter := audit.NewPostgresEmitter(db)
	var secondaries []audit.Emitter
	if cfg.Redis.URL != "" {
		broker, err := messagingredis.NewRedisBroker(messagingredis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, log.ZL())
		if err != nil {
			db.Close()
			return nil, err
		}
		s.broker = broker
		secondaries = append(secondaries, audit.NewRedisEmitter(broker, cfg.Audit.Channel))
	}
	auditor := audit.NewTeeEmitter(pgEmitter, log, secondaries...)

	engine := policy.NewEngine(handle, evaluator, auditor, log, m)

	if cfg.Audit.SealKey != "" {
		encryptor, err := security.NewAESEncryptor([]byte(cfg.Audit.SealKey))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to build audit seal: %w", err)
		}
		engine.WithEncryptor(encryptor)
	}
	if cfg.Alert.SMTPHost != "" {
		engine.WithAlerts(alert.NewMailer(alert.MailerConfig{
			Host:     cfg.Alert.SMTPHost,
			Port:     cfg.Alert.SMTPPort,
			Username: cfg.Alert.Username,
			Password: cfg.Alert.Password,
			From:     cfg.Alert.From,
			To:       cfg.Alert.To,
		}))
	}

	if cfg.Audit.RetentionDays > 0 {
		s.retention = audit.NewRetentionWorker(pgEmitter, cfg.Audit.RetentionDays, time.Hour, log)
	}

	s.Engine = engine
	s.Scope = scope.New(db, log)
	return s, nil
}

// buildResolver layers the consent decorators around the store:
// instrumentation and breaker innermost so they see real lookups,
// throttle above them, cache outermost so hits cost neither rate
// budget nor a breaker probe.
func buildResolver(db *sqlx.DB, cfg config.ConsentConfig, m *metrics.Metrics) consent.Resolver {
	var resolver consent.Resolver = consent.NewInstrumentedResolver(consent.NewStore(db), m)

	resolver = consent.NewBreakerResolver(resolver, circuitbreaker.New(circuitbreaker.Settings{
		Name:        "consent",
		MaxFailures: 5,
		Timeout:     30 * time.Second,
	}))
	if cfg.RatePerSecond > 0 {
		resolver = consent.NewThrottledResolver(resolver, cfg.RatePerSecond, cfg.RateBurst)
	}
	if cfg.CacheTTL > 0 {
		resolver = consent.NewCachingResolver(resolver, cfg.CacheTTL)
	}
	return resolver
}

// Reload validates the policy file at the configured path and swaps it
// in. An invalid file leaves the active registry untouched.
func (s *Service) Reload() error {
	file, err := policy.LoadFile(s.cfg.Policies.Path)
	if err != nil {
		return err
	}
	registry, err := policy.NewRegistry(file, s.hierarchy)
	if err != nil {
		return err
	}
	s.registry.Swap(registry)
	s.logger.Info("policy registry reloaded", "policies", len(registry.All()))
	return nil
}

// Authenticate verifies a bearer token and builds the request security
// context from it.
func (s *Service) Authenticate(token, ip string) (*model.RLSContext, error) {
	rls, err := authctx.FromToken(token, []byte(s.cfg.JWT.Secret), s.hierarchy, ip, time.Now())
	if err != nil {
		return nil, apperrors.Unauthorized(err)
	}
	return rls, nil
}

// Authorize evaluates req and collapses a deny into the one error
// shape callers may echo outward. The detailed reason stays in the
// audit trail; callers that need it use Engine.Evaluate directly.
func (s *Service) Authorize(ctx context.Context, req policy.Request) error {
	result, err := s.Engine.Evaluate(ctx, req)
	if err != nil {
		return apperrors.NewInternal(err)
	}
	if !result.Allowed {
		return apperrors.Forbidden()
	}
	return nil
}

// StartRetention runs the audit retention worker until ctx is done.
// No-op when retention is not configured.
func (s *Service) StartRetention(ctx context.Context) {
	if s.retention == nil {
		return
	}
	s.retention.Start(ctx)
}

// Close releases the database and broker connections.
func (s *Service) Close() error {
	var firstErr error
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
