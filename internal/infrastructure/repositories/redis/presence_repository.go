package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
)

// unregisterScript deletes the owner key only while it still holds connID.
var unregisterScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

type RedisPresenceRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{
		client: client,
		prefix: "fieldgw:presence:",
	}
}

func (r *RedisPresenceRepository) ownerKey(project string, device domain.DeviceID) string {
	return r.prefix + project + ":" + string(device)
}

func (r *RedisPresenceRepository) projectKey(project string) string {
	return r.prefix + project + ":devices"
}

func (r *RedisPresenceRepository) Register(ctx context.Context, project string, device domain.DeviceID, connID string) (string, error) {
	prev, err := r.client.SetArgs(ctx, r.ownerKey(project, device), connID, redis.SetArgs{Get: true}).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("failed to register device in Redis: %w", err)
	}
	if err := r.client.SAdd(ctx, r.projectKey(project), string(device)).Err(); err != nil {
		return "", fmt.Errorf("failed to add device to project set: %w", err)
	}
	return prev, nil
}

func (r *RedisPresenceRepository) Unregister(ctx context.Context, project string, device domain.DeviceID, connID string) error {
	keys := []string{r.ownerKey(project, device), r.projectKey(project)}
	if err := unregisterScript.Run(ctx, r.client, keys, connID, string(device)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to unregister device in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) ListProject(ctx context.Context, project string) ([]domain.DeviceID, error) {
	members, err := r.client.SMembers(ctx, r.projectKey(project)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list project devices: %w", err)
	}
	sort.Strings(members)
	devices := make([]domain.DeviceID, 0, len(members))
	for _, m := range members {
		devices = append(devices, domain.DeviceID(m))
	}
	return devices, nil
}
