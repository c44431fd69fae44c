package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
)

// MemoryStreamRepository keeps copies of the streams it stores so callers
// never share mutable state with the repository.
type MemoryStreamRepository struct {
	streams map[domain.StreamID]*domain.Stream
	mu      sync.RWMutex
}

func NewMemoryStreamRepository() ports.StreamRepository {
	return &MemoryStreamRepository{
		streams: make(map[domain.StreamID]*domain.Stream),
	}
}

func (r *MemoryStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; exists {
		return fmt.Errorf("%w: %d", domain.ErrStreamExists, stream.ID)
	}

	r.streams[stream.ID] = stream.Clone()
	return nil
}

func (r *MemoryStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}

	return stream.Clone(), nil
}

func (r *MemoryStreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; !exists {
		return domain.ErrStreamNotFound
	}

	r.streams[stream.ID] = stream.Clone()
	return nil
}

func (r *MemoryStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[id]; !exists {
		return domain.ErrStreamNotFound
	}

	delete(r.streams, id)
	return nil
}

// ListActive returns every stream not yet disconnected, ordered by id.
func (r *MemoryStreamRepository) ListActive(ctx context.Context) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var activeStreams []*domain.Stream
	for _, stream := range r.streams {
		if stream.State != domain.Disconnected {
			activeStreams = append(activeStreams, stream.Clone())
		}
	}
	sort.Slice(activeStreams, func(i, j int) bool { return activeStreams[i].ID < activeStreams[j].ID })

	return activeStreams, nil
}
