package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
)

type fakeEncoder struct {
	mu        sync.Mutex
	frames    []domain.RawFrame
	keyframes int
	bitrates  []int
	roi       []domain.ROIRect
	closed    bool
	err       error
	nextKey   bool
}

func (e *fakeEncoder) Encode(frame domain.RawFrame) (domain.EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return domain.EncodedFrame{}, e.err
	}
	e.frames = append(e.frames, frame)
	typ := domain.PFrame
	if e.nextKey || len(e.frames) == 1 {
		typ = domain.IFrame
		e.nextKey = false
	}
	return domain.EncodedFrame{Data: []byte{byte(len(e.frames))}, Width: frame.Width, Height: frame.Height, Codec: domain.ColorH264, Type: typ}, nil
}

func (e *fakeEncoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyframes++
	e.nextKey = true
}

func (e *fakeEncoder) SetBitrate(kbps int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bitrates = append(e.bitrates, kbps)
}

func (e *fakeEncoder) SetROI(rects []domain.ROIRect) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roi = rects
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type fakeNativeEncoder struct {
	fakeEncoder
	fds []int
}

func (e *fakeNativeEncoder) EncodeNative(frame domain.NativeFrame) (domain.EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fds = append(e.fds, frame.FD)
	return domain.EncodedFrame{Data: []byte{1}, Width: frame.Width, Height: frame.Height, Codec: domain.ColorH264, Type: domain.IFrame}, nil
}

type fakeEncoderFactory struct {
	mu       sync.Mutex
	encoders map[domain.StreamID]*fakeEncoder
	err      error
}

func (f *fakeEncoderFactory) NewEncoder(stream *domain.Stream) (ports.Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.encoders == nil {
		f.encoders = make(map[domain.StreamID]*fakeEncoder)
	}
	enc := &fakeEncoder{}
	f.encoders[stream.ID] = enc
	return enc, nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	rendered []domain.TextOverlay
	font     string
}

func (r *fakeRenderer) SetFont(path string, size float64, charset string) error {
	if path == "" {
		return errors.New("font path required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.font = path
	return nil
}

func (r *fakeRenderer) Render(frame *domain.RawFrame, overlay domain.TextOverlay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, overlay)
	frame.Data[0] = 0xFF
	return nil
}

type fakeMediaTransport struct {
	mu        sync.Mutex
	obs       ports.MediaObserver
	open      map[domain.StreamID]bool
	connected map[domain.StreamID]bool
	sent      map[domain.StreamID][]domain.EncodedFrame
	audio     []domain.AudioFrame
	muted     map[domain.DeviceID]bool
	stats     map[domain.StreamID]domain.MediaState
	sendErr   error
	openErr   error
	measured  []domain.LinkMeasurement
	measErr   error
	closed    bool
	// autoConnect marks streams connected as soon as they are opened
	autoConnect bool
}

func newFakeMediaTransport() *fakeMediaTransport {
	return &fakeMediaTransport{
		open:        make(map[domain.StreamID]bool),
		connected:   make(map[domain.StreamID]bool),
		sent:        make(map[domain.StreamID][]domain.EncodedFrame),
		muted:       make(map[domain.DeviceID]bool),
		stats:       make(map[domain.StreamID]domain.MediaState),
		autoConnect: true,
	}
}

func (t *fakeMediaTransport) Open(ctx context.Context, obs ports.MediaObserver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.obs = obs
	return nil
}

func (t *fakeMediaTransport) OpenStream(ctx context.Context, stream *domain.Stream) error {
	t.mu.Lock()
	if t.openErr != nil {
		t.mu.Unlock()
		return t.openErr
	}
	t.open[stream.ID] = true
	obs := t.obs
	auto := t.autoConnect
	if auto {
		t.connected[stream.ID] = true
	}
	t.mu.Unlock()
	if auto && obs != nil {
		obs.OnTransportState(stream.ID, domain.Connected)
	}
	return nil
}

func (t *fakeMediaTransport) CloseStream(id domain.StreamID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, id)
	delete(t.connected, id)
	return nil
}

func (t *fakeMediaTransport) SendVideo(id domain.StreamID, frame domain.EncodedFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent[id] = append(t.sent[id], frame)
	return nil
}

func (t *fakeMediaTransport) SendAudio(frame domain.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = append(t.audio, frame)
	return nil
}

func (t *fakeMediaTransport) MuteRemote(peer domain.DeviceID, mute bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted[peer] = mute
	return nil
}

func (t *fakeMediaTransport) Connected(id domain.StreamID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[id]
}

func (t *fakeMediaTransport) setConnected(id domain.StreamID, v bool) {
	t.mu.Lock()
	t.connected[id] = v
	t.mu.Unlock()
}

func (t *fakeMediaTransport) Stats(id domain.StreamID) (domain.MediaState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[id]
	return s, ok
}

func (t *fakeMediaTransport) AudioStats() (domain.MediaState, bool) {
	return domain.MediaState{}, false
}

func (t *fakeMediaTransport) Measure(ctx context.Context, ids []domain.StreamID, d time.Duration) ([]domain.LinkMeasurement, error) {
	t.mu.Lock()
	res, err := t.measured, t.measErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *fakeMediaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeMediaTransport) frames(id domain.StreamID) []domain.EncodedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.EncodedFrame(nil), t.sent[id]...)
}
