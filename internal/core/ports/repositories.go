package ports

import (
	"context"

	"fieldgw/internal/core/domain"
)

type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	Update(ctx context.Context, stream *domain.Stream) error
	Delete(ctx context.Context, id domain.StreamID) error
	ListActive(ctx context.Context) ([]*domain.Stream, error)
}

// PresenceRepository tracks which connection currently owns a device login
// on the rendezvous server.
type PresenceRepository interface {
	// Register makes connID the owner of device and returns the connection
	// it replaced, empty if the device was offline.
	Register(ctx context.Context, project string, device domain.DeviceID, connID string) (string, error)
	// Unregister removes the device only while connID still owns it.
	Unregister(ctx context.Context, project string, device domain.DeviceID, connID string) error
	ListProject(ctx context.Context, project string) ([]domain.DeviceID, error)
}
