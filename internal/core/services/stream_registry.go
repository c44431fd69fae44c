package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
)

// StreamRegistry owns the lifecycle of active streams. Every transition is
// reported on the dispatcher's StreamState slot.
type StreamRegistry struct {
	repo    ports.StreamRepository
	events  *Dispatcher
	metrics ports.MetricsRecorder
	log     *zap.SugaredLogger

	mu sync.Mutex
}

func NewStreamRegistry(repo ports.StreamRepository, events *Dispatcher, metrics ports.MetricsRecorder, log *zap.SugaredLogger) *StreamRegistry {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &StreamRegistry{repo: repo, events: events, metrics: metrics, log: log}
}

// Start registers stream in Connecting state. A duplicate id fails with
// ConnectStreamExists and leaves the existing stream untouched.
func (r *StreamRegistry) Start(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := stream.Clone()
	s.State = domain.Connecting
	s.StartedAt = time.Now()
	if err := r.repo.Create(ctx, s); err != nil {
		if errors.Is(err, domain.ErrStreamExists) {
			return fgerrors.Newf(fgerrors.ConnectStreamExists, "stream %d is already active", stream.ID).WithContext("stream_id", int(stream.ID))
		}
		return fgerrors.Wrap(err, fgerrors.ConnectError, "failed to register stream")
	}

	r.log.Infow("stream started", "stream_id", s.ID, "protocol", s.Protocol)
	r.publish(s.ID, domain.Connecting)
	return nil
}

// SetState moves an active stream to state. Unchanged states emit nothing.
func (r *StreamRegistry) SetState(ctx context.Context, id domain.StreamID, state domain.ConnState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if s.State == state {
		return nil
	}
	s.State = state
	if err := r.repo.Update(ctx, s); err != nil {
		return fgerrors.Wrap(err, fgerrors.ConnectError, "failed to update stream")
	}
	r.publish(id, state)
	return nil
}

// Stop releases an active stream. The id may be reused afterwards.
func (r *StreamRegistry) Stop(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if s.State != domain.Disconnecting {
		r.publish(id, domain.Disconnecting)
	}
	if err := r.repo.Delete(ctx, id); err != nil {
		return fgerrors.Wrap(err, fgerrors.ConnectError, "failed to release stream")
	}
	r.log.Infow("stream stopped", "stream_id", id)
	r.publish(id, domain.Disconnected)
	return nil
}

// StopAll releases every active stream.
func (r *StreamRegistry) StopAll(ctx context.Context) {
	for _, s := range r.List(ctx) {
		if err := r.Stop(ctx, s.ID); err != nil {
			r.log.Warnw("failed to stop stream", "stream_id", s.ID, "error", err)
		}
	}
}

// Get returns a copy of an active stream.
func (r *StreamRegistry) Get(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ctx, id)
}

func (r *StreamRegistry) get(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	s, err := r.repo.GetByID(ctx, id)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return nil, fgerrors.Newf(fgerrors.ConnectStreamUnknown, "stream %d is not active", id).WithContext("stream_id", int(id))
	}
	if err != nil {
		return nil, fgerrors.Wrap(err, fgerrors.ConnectError, "failed to load stream")
	}
	return s, nil
}

// Active reports whether id is registered.
func (r *StreamRegistry) Active(id domain.StreamID) bool {
	_, err := r.repo.GetByID(context.Background(), id)
	return err == nil
}

// ActiveGuard returns a delivery guard for events of stream id.
func (r *StreamRegistry) ActiveGuard(id domain.StreamID) func() bool {
	return func() bool { return r.Active(id) }
}

func (r *StreamRegistry) List(ctx context.Context) []*domain.Stream {
	streams, err := r.repo.ListActive(ctx)
	if err != nil {
		r.log.Warnw("failed to list streams", "error", err)
		return nil
	}
	return streams
}

// SetMaster records the operator holding master permission on all streams.
func (r *StreamRegistry) SetMaster(ctx context.Context, master domain.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	streams, err := r.repo.ListActive(ctx)
	if err != nil {
		return
	}
	for _, s := range streams {
		s.Master = master
		if err := r.repo.Update(ctx, s); err != nil {
			r.log.Warnw("failed to record stream master", "stream_id", s.ID, "error", err)
		}
	}
}

func (r *StreamRegistry) publish(id domain.StreamID, state domain.ConnState) {
	r.metrics.SetStreamState(id, state)
	r.events.StreamState.Emit(domain.StreamStateChange{StreamID: id, State: state})
}
