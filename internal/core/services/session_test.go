package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/internal/infrastructure/repositories/memory"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/framing"
)

type staticConfig struct {
	cfg *config.Config
	err error
}

func (l staticConfig) Parse(data []byte) (*config.Config, error) {
	if l.err != nil {
		return nil, l.err
	}
	c := *l.cfg
	return &c, nil
}

func (l staticConfig) Load(path string) (*config.Config, error) { return l.Parse(nil) }

type fakeSignalClient struct {
	mu        sync.Mutex
	obs       ports.SignalingObserver
	onOpen    *domain.SignalState
	openErr   error
	receivers int
	frames    [][]byte
	updates   [][]domain.PermissionChange
	updateErr error
	signals   []domain.MediaSignal
	closed    bool
}

func (c *fakeSignalClient) Open(ctx context.Context, obs ports.SignalingObserver) error {
	c.mu.Lock()
	if c.openErr != nil {
		c.mu.Unlock()
		return c.openErr
	}
	c.obs = obs
	state := c.onOpen
	c.mu.Unlock()
	if state != nil {
		obs.OnSignalState(*state, nil)
	}
	return nil
}

func (c *fakeSignalClient) observer() ports.SignalingObserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obs
}

func (c *fakeSignalClient) SendControl(ctx context.Context, frame []byte, qos domain.QoS) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeSignalClient) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

func (c *fakeSignalClient) SendPermissionUpdate(ctx context.Context, changes []domain.PermissionChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, changes)
	return c.updateErr
}

func (c *fakeSignalClient) SendMediaSignal(ctx context.Context, sig domain.MediaSignal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	return nil
}

func (c *fakeSignalClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeSignalClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeSignaling hands out a fresh client per init.
type fakeSignaling struct {
	mu      sync.Mutex
	onOpen  *domain.SignalState
	clients []*fakeSignalClient
}

func (f *fakeSignaling) NewSignalingClient(cfg *config.Config) (ports.SignalingClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeSignalClient{onOpen: f.onOpen, receivers: 1}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeSignaling) last() *fakeSignalClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}

func signalState(s domain.SignalState) *domain.SignalState { return &s }

func testSessionConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DeviceID = "field-01"
	cfg.ServerIP = "127.0.0.1"
	cfg.Signal.ConnectTimeout = 200 * time.Millisecond
	cfg.Network.MediaStatsTick = 20 * time.Millisecond
	cfg.DeviceStreams = 2
	cfg.Streams = []config.StreamConfig{
		{FPS: 30, Width: 640, Height: 480, Bps: 2000, MinBps: 500, Protocol: "outside"},
		{FPS: 30, Width: 1280, Height: 720, Bps: 4000, MinBps: 1000, Protocol: "out_enc"},
	}
	return cfg
}

type sessionFixture struct {
	session   *Session
	signaling *fakeSignaling
	media     *fakeMediaTransport
	encoders  *fakeEncoderFactory
	cfg       *config.Config
}

func newSessionFixture(t *testing.T, onOpen *domain.SignalState) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		signaling: &fakeSignaling{onOpen: onOpen},
		media:     newFakeMediaTransport(),
		encoders:  &fakeEncoderFactory{},
		cfg:       testSessionConfig(),
	}
	f.session = NewSession(Dependencies{
		Config:    staticConfig{cfg: f.cfg},
		Signaling: f.signaling,
		Media:     f.media,
		Encoders:  f.encoders,
		Renderer:  &fakeRenderer{},
		Recorder:  &memoryRecorderSink{},
		Streams:   memory.NewMemoryStreamRepository(),
	})
	t.Cleanup(func() { _ = f.session.Close() })
	return f
}

func (f *sessionFixture) initSync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.InitJSON(context.Background(), []byte("{}"), "", ModeSync))
}

func TestSession_InitSyncReady(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))

	states := make(chan domain.SignalState, 4)
	f.session.Events().SignalState.Register(func(e domain.SignalEvent) { states <- e.State })

	f.initSync(t)
	assert.Equal(t, domain.Connected, f.session.State())
	assert.NotEmpty(t, f.session.SessionID())
	assert.Equal(t, Version, f.session.Version())

	select {
	case s := <-states:
		assert.Equal(t, domain.SignalReady, s)
	case <-time.After(time.Second):
		t.Fatal("no signal state event")
	}
}

func TestSession_InitInputErrors(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()

	err := f.session.InitJSON(ctx, []byte("{}"), "", InitMode(3))
	assert.Equal(t, fgerrors.InitInputIllegal, fgerrors.CodeOf(err))
	assert.Equal(t, domain.Disconnected, f.session.State())

	f.initSync(t)
	err = f.session.InitJSON(ctx, []byte("{}"), "", ModeSync)
	assert.Equal(t, fgerrors.InitRepeat, fgerrors.CodeOf(err))
	assert.Equal(t, domain.Connected, f.session.State())
}

func TestSession_InitConfigErrorLeavesPristine(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.session.deps.Config = staticConfig{err: fgerrors.New(fgerrors.ConfigIllegal, "device_id must not be empty")}

	err := f.session.InitJSON(context.Background(), []byte("{}"), "", ModeSync)
	assert.Equal(t, fgerrors.ConfigIllegal, fgerrors.CodeOf(err))
	assert.Equal(t, domain.Disconnected, f.session.State())
	assert.Empty(t, f.session.SessionID())
}

func TestSession_InitSyncCredentialRejected(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalAuthFailed))

	err := f.session.InitJSON(context.Background(), []byte("{}"), "", ModeSync)
	assert.Equal(t, fgerrors.SignalCredentialRejected, fgerrors.CodeOf(err))
	assert.Equal(t, domain.Disconnected, f.session.State())
	assert.True(t, f.signaling.last().isClosed())

	// a failed init can be retried
	f.signaling.mu.Lock()
	f.signaling.onOpen = signalState(domain.SignalReady)
	f.signaling.mu.Unlock()
	f.initSync(t)
}

func TestSession_InitSyncTimeout(t *testing.T) {
	f := newSessionFixture(t, nil)

	start := time.Now()
	err := f.session.InitJSON(context.Background(), []byte("{}"), "", ModeSync)
	assert.Equal(t, fgerrors.SignalConnectTimeout, fgerrors.CodeOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, domain.Disconnected, f.session.State())
	assert.True(t, f.signaling.last().isClosed())
}

func TestSession_AsyncOutcomeAndKickout(t *testing.T) {
	f := newSessionFixture(t, nil)

	require.NoError(t, f.session.InitJSON(context.Background(), []byte("{}"), "", ModeAsync))
	assert.Equal(t, domain.Connecting, f.session.State())
	assert.Equal(t, fgerrors.InitNotReady, fgerrors.CodeOf(f.session.Start(context.Background())))

	obs := f.signaling.last().observer()
	obs.OnSignalState(domain.SignalReady, nil)
	assert.Equal(t, domain.Connected, f.session.State())

	obs.OnSignalState(domain.SignalKickout, nil)
	require.Eventually(t, func() bool { return f.session.State() == domain.Disconnected }, time.Second, 5*time.Millisecond)
	assert.True(t, f.signaling.last().isClosed())

	// late events of the ended login are ignored
	obs.OnSignalState(domain.SignalReady, nil)
	assert.Equal(t, domain.Disconnected, f.session.State())

	require.NoError(t, f.session.InitJSON(context.Background(), []byte("{}"), "", ModeAsync))
}

func TestSession_AsyncConnectFailureReported(t *testing.T) {
	f := newSessionFixture(t, nil)

	codes := make(chan int32, 1)
	f.session.Events().Error.Register(func(e domain.ErrorEvent) { codes <- e.WireCode() })

	require.NoError(t, f.session.InitJSON(context.Background(), []byte("{}"), "", ModeAsync))
	f.signaling.last().observer().OnConnectFailed(1, errors.New("dial tcp: connection refused"))

	select {
	case c := <-codes:
		assert.Equal(t, -fgerrors.SignalRegisterFailed.Value(), c)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestSession_LostKeepsSessionConnected(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	f.initSync(t)

	obs := f.signaling.last().observer()
	obs.OnSignalState(domain.SignalLost, errors.New("read: connection reset"))
	assert.Equal(t, domain.Connected, f.session.State())
	err := f.session.SendControlData(context.Background(), []byte("x"), domain.QoSReliable)
	assert.Equal(t, fgerrors.MessageChannel, fgerrors.CodeOf(err))

	obs.OnSignalState(domain.SignalReup, nil)
	assert.NoError(t, f.session.SendControlData(context.Background(), []byte("x"), domain.QoSReliable))
}

func TestSession_StartOpensStreams(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()

	assert.Equal(t, fgerrors.InitNotReady, fgerrors.CodeOf(f.session.Start(ctx)))
	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))
	require.NoError(t, f.session.Start(ctx))
	assert.True(t, f.session.Ready())

	f.media.mu.Lock()
	assert.True(t, f.media.open[0])
	assert.True(t, f.media.open[1])
	f.media.mu.Unlock()

	// encoded streams get no encoder
	f.encoders.mu.Lock()
	assert.Len(t, f.encoders.encoders, 1)
	f.encoders.mu.Unlock()

	require.NoError(t, f.session.PushRaw(0, i420(640, 480), nil))
	require.NoError(t, f.session.PushEncoded(1, domain.EncodedFrame{Data: []byte{0, 0, 1}, Width: 1280, Height: 720, Codec: domain.ColorH264, Type: domain.IFrame}))
	assert.Len(t, f.media.frames(0), 1)
	assert.Len(t, f.media.frames(1), 1)

	err := f.session.PushEncoded(0, domain.EncodedFrame{Data: []byte{1}, Codec: domain.ColorH264})
	assert.Equal(t, fgerrors.ExternalModeConflict, fgerrors.CodeOf(err))
	assert.Equal(t, fgerrors.ConnectStreamUnknown, fgerrors.CodeOf(f.session.PushRaw(7, i420(640, 480), nil)))

	status := f.session.Snapshot()
	assert.True(t, status.Started)
	assert.Equal(t, "field-01", status.DeviceID)
	assert.Equal(t, "ready", status.SignalState)
	require.Len(t, status.Streams, 2)
	assert.Equal(t, "connected", status.Streams[0].State)
}

func TestSession_StartRollsBackOnTransportFailure(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	f.media.openErr = errors.New("no route to media server")
	f.initSync(t)

	err := f.session.Start(context.Background())
	assert.Equal(t, fgerrors.ConnectError, fgerrors.CodeOf(err))
	assert.False(t, f.session.Ready())
	assert.Empty(t, f.session.Snapshot().Streams)
	assert.Equal(t, domain.Connected, f.session.State())
}

func TestSession_StopReturnsToPristine(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()
	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))

	require.NoError(t, f.session.Stop())
	require.NoError(t, f.session.Stop())
	assert.Equal(t, domain.Disconnected, f.session.State())
	assert.Empty(t, f.session.SessionID())
	assert.True(t, f.signaling.last().isClosed())

	f.media.mu.Lock()
	assert.True(t, f.media.closed)
	assert.Empty(t, f.media.open)
	f.media.mu.Unlock()
	f.encoders.mu.Lock()
	assert.True(t, f.encoders.encoders[0].closed)
	f.encoders.mu.Unlock()

	assert.Equal(t, fgerrors.InitNotReady, fgerrors.CodeOf(f.session.PushRaw(0, i420(640, 480), nil)))
	assert.Equal(t, fgerrors.InitNotReady, fgerrors.CodeOf(f.session.SendControlData(ctx, []byte("x"), domain.QoSReliable)))

	// re-init works after stop
	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))
}

func TestSession_SetPermissionPublishesChanges(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()
	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))

	var mu sync.Mutex
	var changes []domain.PermissionChange
	f.session.Events().PermissionChanged.Register(func(c domain.PermissionChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	require.NoError(t, f.session.SetPermission(ctx, "remote-a", domain.PermissionMaster))
	require.NoError(t, f.session.SetPermission(ctx, "remote-b", domain.PermissionMaster))
	f.session.Events().Flush()

	mu.Lock()
	assert.Equal(t, []domain.PermissionChange{
		{Peer: "remote-a", From: domain.PermissionGuest, To: domain.PermissionMaster},
		{Peer: "remote-a", From: domain.PermissionMaster, To: domain.PermissionGuest},
		{Peer: "remote-b", From: domain.PermissionGuest, To: domain.PermissionMaster},
	}, changes)
	mu.Unlock()

	client := f.signaling.last()
	client.mu.Lock()
	assert.Len(t, client.updates, 2)
	client.mu.Unlock()

	for _, st := range f.session.Snapshot().Streams {
		assert.Equal(t, "remote-b", st.Master)
	}

	err := f.session.SetPermission(ctx, "remote-a", domain.Permission(5))
	assert.Equal(t, fgerrors.InitParamError, fgerrors.CodeOf(err))
}

func TestSession_MasterLeavingIsDemoted(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()
	f.initSync(t)

	changes := make(chan domain.PermissionChange, 4)
	f.session.Events().PermissionChanged.Register(func(c domain.PermissionChange) { changes <- c })

	obs := f.signaling.last().observer()
	obs.OnPeerJoined("remote-a")
	require.NoError(t, f.session.SetPermission(ctx, "remote-a", domain.PermissionMaster))
	<-changes

	obs.OnPeerLeft("remote-a")
	select {
	case c := <-changes:
		assert.Equal(t, domain.PermissionChange{Peer: "remote-a", From: domain.PermissionMaster, To: domain.PermissionGuest}, c)
	case <-time.After(time.Second):
		t.Fatal("no demotion on leave")
	}
	assert.Empty(t, f.session.Snapshot().Peers)
}

func TestSession_ControlDataRoundTrip(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()
	f.initSync(t)

	require.NoError(t, f.session.SendControlData(ctx, []byte("horn"), domain.QoSReliable))
	client := f.signaling.last()
	client.mu.Lock()
	require.Len(t, client.frames, 1)
	client.mu.Unlock()

	received := make(chan domain.ControlMessage, 1)
	f.session.Events().ControlData.Register(func(m domain.ControlMessage) { received <- m })

	codec, err := framing.NewCodec(256)
	require.NoError(t, err)
	defer codec.Close()
	frame, err := codec.Encode(framing.Envelope{Role: framing.RoleRemote, Type: framing.TypeData, Payload: []byte("stop"), Reliable: true})
	require.NoError(t, err)
	client.observer().OnControlData("remote-a", frame)

	select {
	case m := <-received:
		assert.Equal(t, domain.DeviceID("remote-a"), m.Sender)
		assert.Equal(t, []byte("stop"), m.Payload)
		assert.Equal(t, domain.QoSReliable, m.QoS)
	case <-time.After(time.Second):
		t.Fatal("no control data event")
	}
}

func TestSession_CaptureAndRecorderRequireInit(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))

	_, err := f.session.StartVideoCapture(context.Background(), domain.CaptureSource{Protocol: domain.CaptureV4L2MMAP}, nil)
	assert.Equal(t, fgerrors.InitNotReady, fgerrors.CodeOf(err))
	assert.Equal(t, fgerrors.StorUnenable, fgerrors.CodeOf(f.session.StartRecorder(0, validRecorderSpec())))

	f.initSync(t)
	_, err = f.session.StartVideoCapture(context.Background(), domain.CaptureSource{Protocol: domain.CaptureV4L2MMAP}, nil)
	assert.Equal(t, fgerrors.CaptureUnknownType, fgerrors.CodeOf(err))
	// recording is disabled in the configuration
	assert.Equal(t, fgerrors.StorUnenable, fgerrors.CodeOf(f.session.StartRecorder(0, validRecorderSpec())))
}

func TestSession_AudioAndFont(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	f.cfg.AudioEnable = 1
	f.initSync(t)
	require.NoError(t, f.session.Start(context.Background()))

	pcm := domain.AudioFrame{Data: make([]byte, 480*2), Channels: 1, SampleRate: 48000}
	require.NoError(t, f.session.PushAudio(pcm))
	pcm.Data = pcm.Data[:10]
	assert.Equal(t, fgerrors.ExternalFrameInvalid, fgerrors.CodeOf(f.session.PushAudio(pcm)))

	require.NoError(t, f.session.MuteRemoteAudio("remote-a", true))
	assert.Equal(t, fgerrors.InitInvalidInput, fgerrors.CodeOf(f.session.MuteRemoteAudio("", true)))

	require.NoError(t, f.session.SetOverlayFont("/usr/share/fonts/mono.ttf", 24, "utf-8"))
	assert.Equal(t, fgerrors.InitParamError, fgerrors.CodeOf(f.session.SetOverlayFont("", 24, "utf-8")))
}

func TestSession_TestNetworkQuality(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()

	_, err := f.session.TestNetworkQuality(ctx, []domain.StreamID{0}, 2*time.Second)
	assert.Equal(t, fgerrors.InitNotReady, fgerrors.CodeOf(err))

	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))

	_, err = f.session.TestNetworkQuality(ctx, []domain.StreamID{9}, 2*time.Second)
	assert.Equal(t, fgerrors.ConnectStreamUnknown, fgerrors.CodeOf(err))

	f.media.mu.Lock()
	f.media.measured = []domain.LinkMeasurement{{StreamID: 0, RTT: 30 * time.Millisecond, Bandwidth: 300}}
	f.media.mu.Unlock()
	q, err := f.session.TestNetworkQuality(ctx, []domain.StreamID{0}, 2*time.Second)
	require.NoError(t, err)
	// 300 kbps is below the 500 kbps stream minimum
	assert.Equal(t, domain.QualityUnusable, q)
}

func TestSession_MediaFeedbackReachesPipelines(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	ctx := context.Background()
	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))

	hints := make(chan domain.EncodeHint, 1)
	f.session.Events().EncodeFrameInfo.Register(func(h domain.EncodeHint) { hints <- h })

	f.media.mu.Lock()
	obs := f.media.obs
	f.media.mu.Unlock()
	obs.OnKeyframeRequest(1)
	select {
	case h := <-hints:
		assert.Equal(t, domain.EncodeHint{StreamID: 1, Type: domain.HintForceKeyframe}, h)
	case <-time.After(time.Second):
		t.Fatal("no encode hint")
	}

	obs.OnKeyframeRequest(0)
	require.NoError(t, f.session.PushRaw(0, i420(640, 480), nil))
	f.encoders.mu.Lock()
	enc := f.encoders.encoders[0]
	f.encoders.mu.Unlock()
	enc.mu.Lock()
	assert.Equal(t, 1, enc.keyframes)
	enc.mu.Unlock()
}

func TestSession_StartStopSingleStream(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	driver := &fakeCaptureDriver{}
	f.session.deps.Capture = map[domain.CaptureProtocol]ports.CaptureDriver{domain.CaptureV4L2MMAP: driver}
	ctx := context.Background()

	extra := testStream(2, domain.ProtocolV4L2)
	assert.Equal(t, fgerrors.InitNotReady, fgerrors.CodeOf(f.session.StartStream(ctx, extra)))

	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))
	require.NoError(t, f.session.StartStream(ctx, extra))

	// second start of the same id is rejected and the first keeps running
	err := f.session.StartStream(ctx, testStream(2, domain.ProtocolV4L2))
	assert.Equal(t, fgerrors.ConnectStreamExists, fgerrors.CodeOf(err))
	active, err := f.session.registry.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.Connected, active.State)
	require.Len(t, driver.delivers, 1)

	require.NoError(t, f.session.StopStream(ctx, 2))
	assert.True(t, driver.handles[0].closed)
	f.media.mu.Lock()
	assert.False(t, f.media.open[2])
	f.media.mu.Unlock()
	assert.Equal(t, fgerrors.ConnectStreamUnknown, fgerrors.CodeOf(f.session.StopStream(ctx, 2)))

	// the id is free again
	require.NoError(t, f.session.StartStream(ctx, testStream(2, domain.ProtocolV4L2)))
	require.NoError(t, f.session.StopStream(ctx, 2))

	assert.Equal(t, fgerrors.InitParamError, fgerrors.CodeOf(f.session.StartStream(ctx, &domain.Stream{ID: 3})))
}

func TestSession_LateCaptureFrameAfterStopIsDiscarded(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	driver := &fakeCaptureDriver{}
	f.session.deps.Capture = map[domain.CaptureProtocol]ports.CaptureDriver{domain.CaptureV4L2MMAP: driver}
	ctx := context.Background()

	var mu sync.Mutex
	var seen []domain.StreamID
	f.session.Events().VideoCapture.Register(func(e domain.StreamFrame) {
		mu.Lock()
		seen = append(seen, e.StreamID)
		mu.Unlock()
	})

	f.initSync(t)
	require.NoError(t, f.session.Start(ctx))
	require.NoError(t, f.session.StartStream(ctx, testStream(2, domain.ProtocolV4L2)))
	require.Len(t, driver.delivers, 1)
	deliver := driver.delivers[0]

	frame := domain.CaptureFrame{Data: make([]byte, 640*480*3/2), Width: 640, Height: 480, Format: domain.ColorI420}
	deliver(frame)
	f.session.Events().Flush()
	mu.Lock()
	assert.Equal(t, []domain.StreamID{2}, seen)
	mu.Unlock()

	require.NoError(t, f.session.StopStream(ctx, 2))
	// the driver goroutine may still hand over a frame after stop
	deliver(frame)
	f.session.Events().Flush()

	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	assert.Equal(t, fgerrors.ConnectStreamUnknown, fgerrors.CodeOf(f.session.StopStream(ctx, 2)))
	assert.Len(t, f.session.Snapshot().Streams, 2)
}

type negotiatingTransport struct {
	*fakeMediaTransport

	nmu      sync.Mutex
	signaler ports.MediaSignaler
	handled  []domain.MediaSignal
	joined   []domain.DeviceID
	left     []domain.DeviceID
}

func (n *negotiatingTransport) AttachSignaler(sig ports.MediaSignaler) {
	n.nmu.Lock()
	defer n.nmu.Unlock()
	n.signaler = sig
}

func (n *negotiatingTransport) HandleMediaSignal(sig domain.MediaSignal) {
	n.nmu.Lock()
	defer n.nmu.Unlock()
	n.handled = append(n.handled, sig)
}

func (n *negotiatingTransport) PeerJoined(peer domain.DeviceID) {
	n.nmu.Lock()
	defer n.nmu.Unlock()
	n.joined = append(n.joined, peer)
}

func (n *negotiatingTransport) PeerLeft(peer domain.DeviceID) {
	n.nmu.Lock()
	defer n.nmu.Unlock()
	n.left = append(n.left, peer)
}

func TestSession_ForwardsNegotiationToTransport(t *testing.T) {
	f := newSessionFixture(t, signalState(domain.SignalReady))
	neg := &negotiatingTransport{fakeMediaTransport: f.media}
	f.session.deps.Media = neg
	f.initSync(t)

	client := f.signaling.last()
	neg.nmu.Lock()
	assert.Same(t, client, neg.signaler)
	neg.nmu.Unlock()

	obs := client.observer()
	obs.OnPeerJoined("remote-01")
	offer := domain.MediaSignal{Peer: "remote-01", Kind: domain.MediaSignalAnswer, Data: "v=0"}
	obs.OnMediaSignal(offer)
	obs.OnPeerLeft("remote-01")

	neg.nmu.Lock()
	assert.Equal(t, []domain.DeviceID{"remote-01"}, neg.joined)
	assert.Equal(t, []domain.MediaSignal{offer}, neg.handled)
	assert.Equal(t, []domain.DeviceID{"remote-01"}, neg.left)
	neg.nmu.Unlock()

	require.NoError(t, f.session.Stop())
	obs.OnMediaSignal(offer)
	neg.nmu.Lock()
	assert.Len(t, neg.handled, 1)
	neg.nmu.Unlock()
}
