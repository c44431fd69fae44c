package services

import (
	"sync"

	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
)

type recorder struct {
	id     domain.RecorderID
	spec   domain.RecorderSpec
	writer ports.RecordWriter
	seen   int
}

// skip reports whether the next frame falls on the jump slot.
func (r *recorder) skip() bool {
	r.seen++
	return r.spec.Jump > 0 && r.seen%(r.spec.Jump+1) == 0
}

// RecorderService runs local recordings through a RecorderSink.
type RecorderService struct {
	enabled bool
	sink    ports.RecorderSink
	log     *zap.SugaredLogger

	mu        sync.Mutex
	recorders map[domain.RecorderID]*recorder
}

func NewRecorderService(enabled bool, sink ports.RecorderSink, log *zap.SugaredLogger) *RecorderService {
	return &RecorderService{
		enabled:   enabled,
		sink:      sink,
		log:       log,
		recorders: make(map[domain.RecorderID]*recorder),
	}
}

func (s *RecorderService) StartRecorder(id domain.RecorderID, spec domain.RecorderSpec) error {
	if !s.enabled || s.sink == nil {
		return fgerrors.New(fgerrors.StorUnenable, "recording is not enabled")
	}
	if id < 0 {
		return fgerrors.Newf(fgerrors.StorIDIllegal, "recorder id %d is negative", id)
	}
	if spec.Format != domain.RecordH264 || spec.Width <= 0 || spec.Height <= 0 ||
		spec.Width%2 != 0 || spec.Height%2 != 0 || spec.FPS <= 0 || spec.Bitrate <= 0 || spec.Jump < 0 {
		return fgerrors.Newf(fgerrors.StorParamIllegal, "invalid recorder parameters %+v", spec)
	}
	if spec.Filename == "" {
		return fgerrors.New(fgerrors.StorUnsetFilename, "recorder file name not set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recorders[id]; exists {
		return fgerrors.Newf(fgerrors.StorIDExist, "recorder %d already running", id)
	}
	w, err := s.sink.Open(id, spec)
	if err != nil {
		return fgerrors.Wrap(err, fgerrors.StorError, "failed to open recorder")
	}
	s.recorders[id] = &recorder{id: id, spec: spec, writer: w}
	s.log.Infow("Recorder started", "recorder_id", id, "file", spec.Filename, "width", spec.Width, "height", spec.Height)
	return nil
}

// SendRecordFrame writes an I420 or YUYV frame to recorder id.
func (s *RecorderService) SendRecordFrame(id domain.RecorderID, frame domain.RecordFrame) error {
	if frame.Format != domain.ColorI420 && frame.Format != domain.ColorYUYV {
		return fgerrors.Newf(fgerrors.StorParamIllegal, "recorder input must be i420 or yuyv, got %s", frame.Format)
	}
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) < frame.Format.FrameSize(frame.Width, frame.Height) {
		return fgerrors.Newf(fgerrors.StorParamIllegal, "invalid %dx%d %s frame of %d bytes", frame.Width, frame.Height, frame.Format, len(frame.Data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recorders[id]
	if !ok {
		return fgerrors.Newf(fgerrors.StorIDIllegal, "no recorder with id %d", id)
	}
	if r.skip() {
		return nil
	}
	if err := r.writer.WriteFrame(frame); err != nil {
		return fgerrors.Wrap(err, fgerrors.StorError, "failed to write record frame")
	}
	return nil
}

// HasRecorder reports whether recorder id is running.
func (s *RecorderService) HasRecorder(id domain.RecorderID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recorders[id]
	return ok
}

func (s *RecorderService) SwitchRecorderFile(id domain.RecorderID, filename string) error {
	if filename == "" {
		return fgerrors.New(fgerrors.StorUnsetFilename, "recorder file name not set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recorders[id]
	if !ok {
		return fgerrors.Newf(fgerrors.StorIDIllegal, "no recorder with id %d", id)
	}
	if err := r.writer.Switch(filename); err != nil {
		return fgerrors.Wrap(err, fgerrors.StorError, "failed to switch recorder file")
	}
	r.spec.Filename = filename
	s.log.Infow("Recorder file switched", "recorder_id", id, "file", filename)
	return nil
}

func (s *RecorderService) StopRecorder(id domain.RecorderID) error {
	s.mu.Lock()
	r, ok := s.recorders[id]
	if ok {
		delete(s.recorders, id)
	}
	s.mu.Unlock()
	if !ok {
		return fgerrors.Newf(fgerrors.StorIDIllegal, "no recorder with id %d", id)
	}
	if err := r.writer.Close(); err != nil {
		s.log.Warnw("Failed to close recorder", "recorder_id", id, "error", err)
	}
	s.log.Infow("Recorder stopped", "recorder_id", id)
	return nil
}

func (s *RecorderService) StopAll() {
	s.mu.Lock()
	ids := make([]domain.RecorderID, 0, len(s.recorders))
	for id := range s.recorders {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.StopRecorder(id)
	}
}
