package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openclock/attendsync/internal/models"
	"github.com/redis/go-redis/v9"
)

// One slot per device: queuing a new command before the device polls
// replaces the old one.
const commandKeyPrefix = "command:"

type RedisCommandRepository struct {
	client *redis.Client
}

func NewRedisCommandRepository(client *redis.Client) *RedisCommandRepository {
	return &RedisCommandRepository{client: client}
}

func (r *RedisCommandRepository) Queue(ctx context.Context, serial, command string) error {
	cmd := models.OutboundCommand{
		SerialNumber: serial,
		Command:      command,
		QueuedAt:     time.Now().UTC(),
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	if err := r.client.Set(ctx, commandKeyPrefix+serial, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}
	return nil
}

// Take atomically removes and returns the pending command, or nil when the
// slot is empty.
func (r *RedisCommandRepository) Take(ctx context.Context, serial string) (*models.OutboundCommand, error) {
	data, err := r.client.GetDel(ctx, commandKeyPrefix+serial).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take command: %w", err)
	}

	var cmd models.OutboundCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return &cmd, nil
}
