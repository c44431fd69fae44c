package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
)

type fakeCaptureHandle struct {
	mu     sync.Mutex
	closed bool
}

func (h *fakeCaptureHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type fakeCaptureDriver struct {
	mu       sync.Mutex
	err      error
	opened   []domain.CaptureSource
	delivers []func(domain.CaptureFrame)
	handles  []*fakeCaptureHandle
	// delivered from inside Open, before it returns
	frameOnOpen *domain.CaptureFrame
}

func (d *fakeCaptureDriver) Open(ctx context.Context, src domain.CaptureSource, deliver func(domain.CaptureFrame)) (ports.CaptureHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	h := &fakeCaptureHandle{}
	d.opened = append(d.opened, src)
	d.delivers = append(d.delivers, deliver)
	d.handles = append(d.handles, h)
	if d.frameOnOpen != nil {
		deliver(*d.frameOnOpen)
	}
	return h, nil
}

func newTestCaptureService(t *testing.T) (*CaptureService, *fakeCaptureDriver, *Dispatcher) {
	t.Helper()
	driver := &fakeCaptureDriver{}
	events := newTestDispatcher(t)
	drivers := map[domain.CaptureProtocol]ports.CaptureDriver{
		domain.CaptureV4L2DMA:  driver,
		domain.CaptureV4L2MMAP: driver,
		domain.CaptureRTSP:     driver,
	}
	return NewCaptureService(drivers, events, zap.NewNop().Sugar()), driver, events
}

func TestCaptureService_GeneratesAndAcceptsIDs(t *testing.T) {
	s, _, _ := newTestCaptureService(t)
	ctx := context.Background()

	id, err := s.StartVideoCapture(ctx, domain.CaptureSource{URL: "/dev/video0", Protocol: domain.CaptureV4L2MMAP}, nil)
	require.NoError(t, err)
	assert.NotZero(t, id)

	chosen, err := s.StartVideoCapture(ctx, domain.CaptureSource{ID: 42, URL: "rtsp://cam/1", Protocol: domain.CaptureRTSP}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CaptureID(42), chosen)

	_, err = s.StartVideoCapture(ctx, domain.CaptureSource{ID: 42, URL: "rtsp://cam/2", Protocol: domain.CaptureRTSP}, nil)
	assert.Equal(t, fgerrors.StartCaptureIDExist, fgerrors.CodeOf(err))

	assert.ElementsMatch(t, []domain.CaptureID{id, 42}, s.Active())
}

func TestCaptureService_GeneratedIDSkipsTaken(t *testing.T) {
	s, _, _ := newTestCaptureService(t)
	ctx := context.Background()

	_, err := s.StartVideoCapture(ctx, domain.CaptureSource{ID: 1, Protocol: domain.CaptureV4L2DMA}, nil)
	require.NoError(t, err)
	id, err := s.StartVideoCapture(ctx, domain.CaptureSource{Protocol: domain.CaptureV4L2DMA}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CaptureID(2), id)
}

func TestCaptureService_StartErrors(t *testing.T) {
	s, driver, _ := newTestCaptureService(t)
	ctx := context.Background()

	_, err := s.StartVideoCapture(ctx, domain.CaptureSource{Protocol: domain.CaptureProtocol(9)}, nil)
	assert.Equal(t, fgerrors.CaptureUnknownType, fgerrors.CodeOf(err))

	driver.err = errors.New("no such device")
	_, err = s.StartVideoCapture(ctx, domain.CaptureSource{ID: 5, URL: "/dev/video9", Protocol: domain.CaptureV4L2MMAP}, nil)
	assert.Equal(t, fgerrors.CaptureOpenDeviceFailed, fgerrors.CodeOf(err))

	// a failed open releases the id
	driver.err = nil
	id, err := s.StartVideoCapture(ctx, domain.CaptureSource{ID: 5, URL: "/dev/video0", Protocol: domain.CaptureV4L2MMAP}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CaptureID(5), id)
}

func TestCaptureService_Stop(t *testing.T) {
	s, driver, _ := newTestCaptureService(t)

	assert.Equal(t, fgerrors.InitParamError, fgerrors.CodeOf(s.StopVideoCapture(0)))
	assert.Equal(t, fgerrors.CaptureUnknownID, fgerrors.CodeOf(s.StopVideoCapture(77)))

	id, err := s.StartVideoCapture(context.Background(), domain.CaptureSource{Protocol: domain.CaptureRTSP, URL: "rtsp://cam"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.StopVideoCapture(id))
	assert.True(t, driver.handles[0].closed)
	assert.Equal(t, fgerrors.CaptureUnknownID, fgerrors.CodeOf(s.StopVideoCapture(id)))
	assert.Empty(t, s.Active())
}

func TestCaptureService_FramesDeliveredPerID(t *testing.T) {
	s, driver, events := newTestCaptureService(t)

	id, err := s.StartVideoCapture(context.Background(), domain.CaptureSource{Protocol: domain.CaptureV4L2MMAP}, nil)
	require.NoError(t, err)

	var got []domain.CaptureFrame
	events.CaptureFrame.Register(id, func(f domain.CaptureFrame) { got = append(got, f) })

	driver.delivers[0](domain.CaptureFrame{Data: []byte{1, 2}, Width: 2, Height: 1, Format: domain.ColorYUYV})
	events.Flush()

	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].CaptureID)
}

func TestCaptureService_SinkSeesFramesDuringOpen(t *testing.T) {
	s, driver, events := newTestCaptureService(t)
	driver.frameOnOpen = &domain.CaptureFrame{Data: []byte{1, 2}, Width: 2, Height: 1, Format: domain.ColorYUYV}

	var mu sync.Mutex
	var got []domain.CaptureID
	id, err := s.StartVideoCapture(context.Background(), domain.CaptureSource{Protocol: domain.CaptureRTSP}, func(f domain.CaptureFrame) {
		mu.Lock()
		got = append(got, f.CaptureID)
		mu.Unlock()
	})
	require.NoError(t, err)
	events.Flush()

	mu.Lock()
	assert.Equal(t, []domain.CaptureID{id}, got)
	mu.Unlock()

	// stopping removes the sink so a reused id starts clean
	require.NoError(t, s.StopVideoCapture(id))
	driver.frameOnOpen = nil
	_, err = s.StartVideoCapture(context.Background(), domain.CaptureSource{ID: id, Protocol: domain.CaptureRTSP}, nil)
	require.NoError(t, err)
	driver.delivers[1](domain.CaptureFrame{Data: []byte{3, 4}, Width: 2, Height: 1, Format: domain.ColorYUYV})
	events.Flush()

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestCaptureService_FailedOpenDropsSink(t *testing.T) {
	s, driver, events := newTestCaptureService(t)
	driver.err = errors.New("no such device")

	_, err := s.StartVideoCapture(context.Background(), domain.CaptureSource{ID: 3, Protocol: domain.CaptureV4L2DMA}, func(domain.CaptureFrame) {})
	require.Error(t, err)
	assert.False(t, events.CaptureFrame.Registered(3))
}

func TestCaptureService_OpenStreamSource(t *testing.T) {
	s, driver, _ := newTestCaptureService(t)

	stream := testStream(0, domain.ProtocolV4L2)
	stream.Camera = 2
	_, err := s.OpenStreamSource(context.Background(), stream, func(domain.CaptureFrame) {})
	require.NoError(t, err)

	rtsp := testStream(1, domain.ProtocolRTSPEnc)
	rtsp.SourceURL = "rtsp://10.0.0.5/live"
	_, err = s.OpenStreamSource(context.Background(), rtsp, func(domain.CaptureFrame) {})
	require.NoError(t, err)

	require.Len(t, driver.opened, 2)
	assert.Equal(t, "/dev/video2", driver.opened[0].URL)
	assert.Equal(t, domain.CaptureV4L2MMAP, driver.opened[0].Protocol)
	assert.Equal(t, domain.CaptureRTSP, driver.opened[1].Protocol)
	assert.Equal(t, domain.ColorH264, driver.opened[1].Format)
	// stream sources are not application captures
	assert.Empty(t, s.Active())
}
