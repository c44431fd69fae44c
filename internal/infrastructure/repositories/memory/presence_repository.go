package memory

import (
	"context"
	"sort"
	"sync"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
)

type presenceKey struct {
	project string
	device  domain.DeviceID
}

type MemoryPresenceRepository struct {
	owners map[presenceKey]string
	mu     sync.Mutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		owners: make(map[presenceKey]string),
	}
}

func (r *MemoryPresenceRepository) Register(ctx context.Context, project string, device domain.DeviceID, connID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := presenceKey{project, device}
	prev := r.owners[key]
	r.owners[key] = connID
	return prev, nil
}

func (r *MemoryPresenceRepository) Unregister(ctx context.Context, project string, device domain.DeviceID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := presenceKey{project, device}
	if r.owners[key] == connID {
		delete(r.owners, key)
	}
	return nil
}

func (r *MemoryPresenceRepository) ListProject(ctx context.Context, project string) ([]domain.DeviceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var devices []domain.DeviceID
	for key := range r.owners {
		if key.project == project {
			devices = append(devices, key.device)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices, nil
}
