package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	deviceStateKeyPrefix = "device_sync:"
	userDevicesPrefix    = "user:%s:devices"
	deviceStateTTL       = 30 * 24 * time.Hour
)

// RedisDeviceStateRepository caches the last-seen sync status per device.
// Entries expire on their own; the user set is cleaned lazily on read.
type RedisDeviceStateRepository struct {
	client *redis.Client
}

func NewRedisDeviceStateRepository(client *redis.Client) *RedisDeviceStateRepository {
	return &RedisDeviceStateRepository{client: client}
}

func deviceStateKey(deviceID uuid.UUID) string {
	return fmt.Sprintf("%s%s", deviceStateKeyPrefix, deviceID)
}

func (r *RedisDeviceStateRepository) Set(ctx context.Context, st *models.DeviceSyncState) error {
	st.LastSync = time.Now().UTC()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal device state: %w", err)
	}

	if err := r.client.Set(ctx, deviceStateKey(st.DeviceID), data, deviceStateTTL).Err(); err != nil {
		return fmt.Errorf("failed to set device state: %w", err)
	}

	userKey := fmt.Sprintf(userDevicesPrefix, st.UserID)
	if err := r.client.SAdd(ctx, userKey, st.DeviceID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add device to user set: %w", err)
	}
	return nil
}

func (r *RedisDeviceStateRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSyncState, error) {
	userKey := fmt.Sprintf(userDevicesPrefix, userID)
	deviceIDs, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user devices: %w", err)
	}

	var states []*models.DeviceSyncState
	var expired []interface{}

	for _, id := range deviceIDs {
		data, err := r.client.Get(ctx, deviceStateKeyPrefix+id).Result()
		if err == redis.Nil {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get device state %s: %w", id, err)
		}

		var st models.DeviceSyncState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device state %s: %w", id, err)
		}
		states = append(states, &st)
	}

	if len(expired) > 0 {
		if err := r.client.SRem(ctx, userKey, expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to remove expired device states: %w", err)
		}
	}
	return states, nil
}
