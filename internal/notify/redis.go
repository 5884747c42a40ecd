// Package notify pushes fire-and-forget events to the user's other devices.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const conflictChannelPrefix = "sync:conflicts:"

// RedisConflictNotifier publishes conflict resolutions on a per-user
// channel. Delivery is best effort; correctness never depends on it because
// resolutions also ride back on the next delta pull.
type RedisConflictNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisConflictNotifier(client *redis.Client, logger *slog.Logger) *RedisConflictNotifier {
	return &RedisConflictNotifier{client: client, logger: logger}
}

type conflictResolvedEvent struct {
	ConflictID string   `json:"conflict_id"`
	Resolution string   `json:"resolution"`
	Entities   []string `json:"entities"`
}

func (n *RedisConflictNotifier) ConflictResolved(ctx context.Context, c *models.ConflictRecord) {
	event := conflictResolvedEvent{ConflictID: c.ID.String()}
	if c.Resolution != nil {
		event.Resolution = string(*c.Resolution)
	}
	for _, op := range c.Operations {
		event.Entities = append(event.Entities, op.Entity)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to encode conflict notification", "conflict_id", c.ID, "error", err)
		return
	}

	channel := fmt.Sprintf("%s%s", conflictChannelPrefix, c.UserID)
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		n.logger.Warn("failed to publish conflict notification",
			"conflict_id", c.ID, "channel", channel, "error", err)
	}
}
