package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/statecraft-io/ordinance/pkg/contracts"
)

// Channel names for external subscribers.
const (
	ChannelPolicyChanged   = "ordinance.policy.changed"
	ChannelProposalDecided = "ordinance.proposal.decided"
)

const publishTimeout = 2 * time.Second

// RedisEmitter publishes events on Redis pub/sub channels for
// out-of-process subscribers (dashboards, downstream consumers).
// Publish failures are logged and dropped; event delivery is best-effort
// by contract and never blocks or fails a pipeline transition.
type RedisEmitter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisEmitter wraps an existing Redis client.
func NewRedisEmitter(client *redis.Client, logger *slog.Logger) *RedisEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisEmitter{client: client, logger: logger.With("component", "events.redis")}
}

func (e *RedisEmitter) PolicyChanged(ctx context.Context, ev contracts.PolicyChangedEvent) {
	e.publish(ctx, ChannelPolicyChanged, ev)
}

func (e *RedisEmitter) ProposalDecided(ctx context.Context, ev contracts.ProposalDecidedEvent) {
	e.publish(ctx, ChannelProposalDecided, ev)
}

func (e *RedisEmitter) publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("event marshal failed", "channel", channel, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.client.Publish(ctx, channel, data).Err(); err != nil {
		e.logger.Error("event publish failed", "channel", channel, "error", err)
	}
}
