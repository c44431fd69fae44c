package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/tracing"
)

// CaptureService owns application-started capture sources and the sources
// backing internal-capture streams.
type CaptureService struct {
	drivers map[domain.CaptureProtocol]ports.CaptureDriver
	events  *Dispatcher
	log     *zap.SugaredLogger

	mu      sync.Mutex
	handles map[domain.CaptureID]ports.CaptureHandle
	subs    map[domain.CaptureID]Subscription
	lastID  domain.CaptureID
}

func NewCaptureService(drivers map[domain.CaptureProtocol]ports.CaptureDriver, events *Dispatcher, log *zap.SugaredLogger) *CaptureService {
	return &CaptureService{
		drivers: drivers,
		events:  events,
		log:     log,
		handles: make(map[domain.CaptureID]ports.CaptureHandle),
		subs:    make(map[domain.CaptureID]Subscription),
	}
}

// StartVideoCapture opens src and delivers its frames as CaptureFrame
// events keyed by the returned id. A zero src.ID asks for a generated id.
// A non-nil sink is registered for the id before the source opens, so no
// frame of a generated id is missed.
func (s *CaptureService) StartVideoCapture(ctx context.Context, src domain.CaptureSource, sink func(domain.CaptureFrame)) (domain.CaptureID, error) {
	if !src.Protocol.Known() {
		return 0, fgerrors.Newf(fgerrors.CaptureUnknownType, "unknown capture protocol %d", src.Protocol)
	}
	driver, ok := s.drivers[src.Protocol]
	if !ok {
		return 0, fgerrors.Newf(fgerrors.CaptureUnknownType, "no driver for capture protocol %d", src.Protocol)
	}
	if src.Width < 0 || src.Height < 0 || src.FPS < 0 {
		return 0, fgerrors.Newf(fgerrors.InitParamError, "invalid capture geometry %dx%d@%d", src.Width, src.Height, src.FPS)
	}

	id, err := s.reserve(src.ID)
	if err != nil {
		return 0, err
	}
	src.ID = id

	ctx, span := tracing.TraceCapture(ctx, "start", uint64(id))
	defer span.End()

	var sub Subscription
	if sink != nil {
		sub = s.events.CaptureFrame.Register(id, sink)
	}

	handle, err := driver.Open(ctx, src, func(f domain.CaptureFrame) {
		f.CaptureID = id
		s.events.CaptureFrame.Emit(id, f)
	})
	if err != nil {
		sub.Cancel()
		s.mu.Lock()
		delete(s.handles, id)
		s.mu.Unlock()
		err = fgerrors.Wrap(err, fgerrors.CaptureOpenDeviceFailed, fmt.Sprintf("failed to open %s", src.URL))
		tracing.RecordError(ctx, err)
		return 0, err
	}

	s.mu.Lock()
	s.handles[id] = handle
	s.subs[id] = sub
	s.mu.Unlock()

	s.log.Infow("Video capture started", "capture_id", id, "url", src.URL, "protocol", src.Protocol)
	return id, nil
}

func (s *CaptureService) reserve(id domain.CaptureID) (domain.CaptureID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 {
		for {
			s.lastID++
			if s.lastID == 0 {
				continue
			}
			if _, used := s.handles[s.lastID]; !used {
				id = s.lastID
				break
			}
		}
	} else if _, exists := s.handles[id]; exists {
		return 0, fgerrors.Newf(fgerrors.StartCaptureIDExist, "capture id %d already in use", id)
	}
	// nil marks an id whose source is still opening
	s.handles[id] = nil
	return id, nil
}

// StopVideoCapture closes the capture source id.
func (s *CaptureService) StopVideoCapture(id domain.CaptureID) error {
	if id == 0 {
		return fgerrors.New(fgerrors.InitParamError, "capture id must be nonzero")
	}
	s.mu.Lock()
	handle, ok := s.handles[id]
	if !ok || handle == nil {
		s.mu.Unlock()
		return fgerrors.Newf(fgerrors.CaptureUnknownID, "no capture with id %d", id)
	}
	sub := s.subs[id]
	delete(s.handles, id)
	delete(s.subs, id)
	s.mu.Unlock()

	sub.Cancel()
	if err := handle.Close(); err != nil {
		s.log.Warnw("Failed to close capture source", "capture_id", id, "error", err)
	}
	s.log.Infow("Video capture stopped", "capture_id", id)
	return nil
}

// Active lists running capture ids in ascending order.
func (s *CaptureService) Active() []domain.CaptureID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]domain.CaptureID, 0, len(s.handles))
	for id, h := range s.handles {
		if h != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StopAll closes every application capture source.
func (s *CaptureService) StopAll() {
	for _, id := range s.Active() {
		_ = s.StopVideoCapture(id)
	}
}

// OpenStreamSource opens the camera configured for an internal-capture
// stream. Frames go to deliver from the driver goroutine.
func (s *CaptureService) OpenStreamSource(ctx context.Context, stream *domain.Stream, deliver func(domain.CaptureFrame)) (ports.CaptureHandle, error) {
	src := domain.CaptureSource{
		Width:  stream.Width,
		Height: stream.Height,
		FPS:    stream.FPS,
	}
	switch stream.Protocol {
	case domain.ProtocolRTSPEnc:
		src.Protocol = domain.CaptureRTSP
		src.URL = stream.SourceURL
		src.Format = stream.Codec.Color()
	default:
		src.Protocol = domain.CaptureV4L2MMAP
		src.URL = stream.SourceURL
		if src.URL == "" {
			src.URL = fmt.Sprintf("/dev/video%d", stream.Camera)
		}
		src.Format = domain.ColorI420
	}

	driver, ok := s.drivers[src.Protocol]
	if !ok {
		return nil, fgerrors.Newf(fgerrors.CaptureUnknownType, "no driver for stream %d protocol %s", stream.ID, stream.Protocol)
	}
	handle, err := driver.Open(ctx, src, deliver)
	if err != nil {
		return nil, fgerrors.Wrap(err, fgerrors.CaptureOpenDeviceFailed, fmt.Sprintf("failed to open camera for stream %d", stream.ID))
	}
	return handle, nil
}
