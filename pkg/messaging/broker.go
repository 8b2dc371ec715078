package messaging

import (
	"context"
)

// Broker is the publish side of a message broker; the audit fan-out is
// fire-and-forget, consumers attach out of process.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Close() error
}
