package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclock/attendsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "push:presence:"
	presenceTTL       = 60 * time.Second // expires without a poll; push devices poll every few seconds
)

type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client}
}

// Touch marks the device online and refreshes the TTL. Called on every
// request a push device makes.
func (r *RedisPresenceRepository) Touch(ctx context.Context, serial string) error {
	presence := models.Presence{
		SerialNumber: serial,
		Status:       models.PresenceOnline,
		LastSeen:     time.Now().UTC(),
	}

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	if err := r.client.Set(ctx, presenceKeyPrefix+serial, data, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Get(ctx context.Context, serial string) (*models.Presence, error) {
	data, err := r.client.Get(ctx, presenceKeyPrefix+serial).Result()
	if err == redis.Nil {
		// No key = device is offline; zero LastSeen means never seen
		return &models.Presence{
			SerialNumber: serial,
			Status:       models.PresenceOffline,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.Presence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}

	return &presence, nil
}
