package audit

import (
	"context"
	"fmt"

	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/pkg/messaging"
)

// RedisEmitter publishes audit entries to a broker channel so
// downstream consumers (compliance reporting, SIEM) see decisions live.
type RedisEmitter struct {
	broker  messaging.Broker
	channel string
}

func NewRedisEmitter(broker messaging.Broker, channel string) *RedisEmitter {
	return &RedisEmitter{broker: broker, channel: channel}
}

func (e *RedisEmitter) Record(ctx context.Context, entry *model.AuditEntry) error {
	if err := e.broker.Publish(ctx, e.channel, entry); err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}
	return nil
}
