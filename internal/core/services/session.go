package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/framing"
	"fieldgw/pkg/logger"
	"fieldgw/pkg/tracing"
)

// Version of the gateway core reported by Session.Version.
const Version = "1.3.0"

// InitMode selects whether Init waits for the signaling outcome.
type InitMode int

const (
	ModeSync  InitMode = 0
	ModeAsync InitMode = -1
)

// Dependencies are the collaborators of a Session. Nil optional
// collaborators disable the feature they back.
type Dependencies struct {
	Config    ports.ConfigLoader
	License   ports.LicenseValidator // optional
	Signaling ports.SignalingFactory
	Media     ports.MediaTransport
	Encoders  ports.EncoderFactory // optional
	Renderer  ports.TextRenderer   // optional
	Capture   map[domain.CaptureProtocol]ports.CaptureDriver
	Recorder  ports.RecorderSink // optional
	Sampler   ports.PathSampler  // optional
	Streams   ports.StreamRepository
	Metrics   ports.MetricsRecorder
	Logger    *zap.Logger
}

// Session is one gateway login: it owns the signaling channel, the active
// streams and every background loop. Sinks are registered on Events and
// are invoked from the dispatcher goroutine.
type Session struct {
	deps    Dependencies
	events  *Dispatcher
	metrics ports.MetricsRecorder
	ctxLog  *logger.ContextLogger
	log     *zap.SugaredLogger

	lifeMu      sync.Mutex // serializes Start and teardown
	mu          sync.Mutex
	gen         uint64
	state       domain.ConnState
	signalState domain.SignalState
	signalSeen  bool
	mode        InitMode
	started     bool
	sessionID   string
	cfg         *config.Config
	waiter      chan error

	client      ports.SignalingClient
	codec       *framing.Codec
	control     *ControlChannel
	registry    *StreamRegistry
	permissions *PermissionTable
	captures    *CaptureService
	recorders   *RecorderService
	monitor     *PathMonitor
	quality     *NetworkQualityTester
	pipelines   map[domain.StreamID]*MediaPipeline
	sources     map[domain.StreamID]ports.CaptureHandle
	statsCancel context.CancelFunc
	statsDone   chan struct{}
}

func NewSession(deps Dependencies) *Session {
	base := deps.Logger
	if base == nil {
		base = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if deps.Config == nil {
		deps.Config = config.Loader{}
	}

	s := &Session{deps: deps, metrics: metrics}
	s.events = NewDispatcher(base.Sugar().Named("dispatcher"), metrics, 0)

	// gateway log lines are mirrored to the Log sink
	mirrored := logger.Tee(base, zapcore.InfoLevel, func(level zapcore.Level, msg string) {
		s.events.Log.Emit(domain.LogEvent{Level: logLevel(level), Message: msg})
	})
	s.ctxLog = logger.NewContextLogger(mirrored)
	s.log = mirrored.Sugar()
	metrics.SetSessionState(domain.Disconnected)
	return s
}

func logLevel(l zapcore.Level) domain.LogLevel {
	switch {
	case l >= zapcore.ErrorLevel:
		return domain.LogError
	case l == zapcore.WarnLevel:
		return domain.LogWarning
	}
	return domain.LogInfo
}

// Events is where application sinks are registered.
func (s *Session) Events() *Dispatcher { return s.events }

func (s *Session) Version() string { return Version }

func (s *Session) State() domain.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// InitJSON initializes the session from a configuration document.
func (s *Session) InitJSON(ctx context.Context, data []byte, licensePath string, mode InitMode) error {
	return s.init(ctx, func() (*config.Config, error) { return s.deps.Config.Parse(data) }, licensePath, mode)
}

// InitPath initializes the session from a configuration file.
func (s *Session) InitPath(ctx context.Context, path string, licensePath string, mode InitMode) error {
	return s.init(ctx, func() (*config.Config, error) { return s.deps.Config.Load(path) }, licensePath, mode)
}

func (s *Session) init(ctx context.Context, load func() (*config.Config, error), licensePath string, mode InitMode) (err error) {
	if mode != ModeSync && mode != ModeAsync {
		return fgerrors.Newf(fgerrors.InitInputIllegal, "init mode %d is neither sync (0) nor async (-1)", mode)
	}

	s.mu.Lock()
	if s.state != domain.Disconnected {
		s.mu.Unlock()
		return fgerrors.New(fgerrors.InitRepeat, "session already initialized")
	}
	s.gen++
	gen := s.gen
	s.setStateLocked(domain.Connecting)
	s.mu.Unlock()

	// a failed init leaves the session pristine
	defer func() {
		if err != nil {
			s.teardown(gen)
		}
	}()

	cfg, err := load()
	if err != nil {
		return err
	}

	ctx, span := tracing.TraceSession(ctx, "init", cfg.DeviceID)
	defer span.End()
	span.SetAttributes(tracing.ModeKey.Int(int(mode)))

	if licensePath != "" && s.deps.License != nil {
		if err := s.deps.License.ValidateFile(ctx, licensePath, cfg); err != nil {
			tracing.RecordError(ctx, err)
			return err
		}
	}
	if s.deps.Signaling == nil {
		return fgerrors.New(fgerrors.InitParamError, "no signaling client configured")
	}

	codec, err := framing.NewCodec(cfg.Control.CompressThreshold)
	if err != nil {
		return fgerrors.Wrap(err, fgerrors.InitError, "failed to create control codec")
	}
	client, err := s.deps.Signaling.NewSignalingClient(cfg)
	if err != nil {
		codec.Close()
		return fgerrors.Wrap(err, fgerrors.SignalRegisterFailed, "failed to create signaling client")
	}

	sessionID := uuid.New().String()
	ctx = logger.WithSessionID(ctx, sessionID)
	log := s.ctxLog.Sugar(ctx)
	base := s.log

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		codec.Close()
		_ = client.Close()
		return fgerrors.New(fgerrors.InitError, "session stopped during init")
	}
	s.cfg = cfg
	s.mode = mode
	s.sessionID = sessionID
	s.client = client
	s.codec = codec
	s.registry = NewStreamRegistry(s.deps.Streams, s.events, s.metrics, base.Named("streams"))
	s.permissions = NewPermissionTable()
	s.captures = NewCaptureService(s.deps.Capture, s.events, base.Named("capture"))
	s.recorders = NewRecorderService(cfg.Record.Enabled, s.deps.Recorder, base.Named("recorder"))
	s.control = NewControlChannel(cfg.Control, client, codec, s.events, s.metrics, base.Named("control"))
	s.pipelines = make(map[domain.StreamID]*MediaPipeline)
	s.sources = make(map[domain.StreamID]ports.CaptureHandle)
	if s.deps.Sampler != nil {
		s.monitor = NewPathMonitor(cfg.Network, s.deps.Sampler, s.activePipelines, s.events, s.metrics, base.Named("paths"))
	}
	if s.deps.Media != nil {
		s.quality = NewNetworkQualityTester(s.deps.Media, cfg.Signal.ConnectTimeout, DefaultQualityThresholds(), base.Named("quality"))
	}
	var waiter chan error
	if mode == ModeSync {
		waiter = make(chan error, 1)
	}
	s.waiter = waiter
	s.mu.Unlock()

	if n, ok := s.deps.Media.(ports.MediaNegotiator); ok {
		n.AttachSignaler(client)
	}

	log.Infow("Initializing gateway session", "device_id", cfg.DeviceID, "project_id", cfg.ProjectID, "cloud_mode", cfg.CloudMode, "streams", len(cfg.Streams), "mode", mode)

	if err := client.Open(ctx, &signalObserver{s: s, gen: gen}); err != nil {
		return fgerrors.Wrap(err, fgerrors.SignalRegisterFailed, "failed to open signaling channel")
	}
	if mode == ModeAsync {
		return nil
	}

	timeout := cfg.Signal.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case werr := <-waiter:
		if werr != nil {
			tracing.RecordError(ctx, werr)
			log.Warnw("Signaling login failed", "error", werr)
			return werr
		}
		log.Infow("Gateway session ready")
		return nil
	case <-timer.C:
		return fgerrors.Newf(fgerrors.SignalConnectTimeout, "signaling not ready after %s", timeout)
	case <-ctx.Done():
		return fgerrors.Wrap(ctx.Err(), fgerrors.SignalConnectTimeout, "init cancelled")
	}
}

func (s *Session) setStateLocked(state domain.ConnState) {
	s.state = state
	s.metrics.SetSessionState(state)
}

// Start starts every configured stream. The signaling channel must be
// ready. Calling Start on a started session does nothing.
func (s *Session) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.state != domain.Connected {
		s.mu.Unlock()
		return fgerrors.New(fgerrors.InitNotReady, "signaling channel not ready")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	gen, cfg := s.gen, s.cfg
	s.mu.Unlock()

	ctx, span := tracing.TraceSession(ctx, "start", cfg.DeviceID)
	defer span.End()

	if cfg.PublicCloud() && s.deps.License != nil {
		if err := s.deps.License.CheckCloud(ctx, cfg); err != nil {
			tracing.RecordError(ctx, err)
			s.log.Warnw("Cloud license check failed", "error", err)
			return err
		}
	}

	media := s.deps.Media
	if media != nil {
		if err := media.Open(ctx, &mediaObserver{s: s, gen: gen}); err != nil {
			return fgerrors.Wrap(err, fgerrors.InitCreateMediaFailed, "failed to open media transport")
		}
	}

	for i, sc := range cfg.Streams {
		if err := s.startStream(ctx, streamFromConfig(domain.StreamID(i), sc)); err != nil {
			tracing.RecordError(ctx, err)
			s.stopStreams(ctx)
			if media != nil {
				_ = media.Close()
			}
			return err
		}
	}

	if s.monitor != nil {
		s.monitor.Start(context.Background())
	}
	statsCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go s.mediaStatsLoop(statsCtx, done, cfg.Network.MediaStatsTick, cfg.AudioEnable != 0)

	s.mu.Lock()
	s.statsCancel = cancel
	s.statsDone = done
	s.started = true
	s.mu.Unlock()

	s.log.Infow("Gateway session started", "streams", len(cfg.Streams))
	return nil
}

func streamFromConfig(id domain.StreamID, sc config.StreamConfig) *domain.Stream {
	st := &domain.Stream{
		ID:           id,
		Direction:    domain.DirectionCapture,
		Protocol:     domain.StreamProtocol(sc.Protocol),
		Codec:        domain.Codec(sc.Codec),
		Width:        sc.Width,
		Height:       sc.Height,
		EncodeWidth:  sc.EncodeWidth,
		EncodeHeight: sc.EncodeHeight,
		FPS:          sc.FPS,
		Bitrate:      sc.Bps,
		MinBitrate:   sc.MinBps,
		Camera:       sc.Camera,
		Record:       sc.RecordOn != 0,
	}
	if st.Protocol == "" {
		st.Protocol = domain.ProtocolNormal
	}
	if len(sc.Cameras) > 0 {
		st.SourceURL = sc.Cameras[0].URL
	}
	return st
}

func (s *Session) startStream(ctx context.Context, stream *domain.Stream) error {
	ctx, span := tracing.TraceStream(ctx, "start", int(stream.ID))
	defer span.End()

	if err := s.registry.Start(ctx, stream); err != nil {
		return err
	}

	var encoder ports.Encoder
	if stream.Protocol.InputMode() != domain.InputExternalEncoded && !stream.Protocol.Passthrough() && s.deps.Encoders != nil {
		enc, err := s.deps.Encoders.NewEncoder(stream)
		if err != nil {
			_ = s.registry.Stop(ctx, stream.ID)
			return fgerrors.Wrap(err, fgerrors.InitCreateMediaFailed, fmt.Sprintf("failed to create encoder for stream %d", stream.ID))
		}
		encoder = enc
	}
	pipeline := NewMediaPipeline(stream, encoder, s.deps.Renderer, s.deps.Media, s.events, s.metrics, s.log.Named("media"))

	s.mu.Lock()
	s.pipelines[stream.ID] = pipeline
	s.mu.Unlock()

	if s.deps.Media != nil {
		if err := s.deps.Media.OpenStream(ctx, stream); err != nil {
			s.mu.Lock()
			delete(s.pipelines, stream.ID)
			s.mu.Unlock()
			_ = pipeline.Close()
			_ = s.registry.Stop(ctx, stream.ID)
			return fgerrors.Wrap(err, fgerrors.ConnectError, fmt.Sprintf("failed to open transport for stream %d", stream.ID))
		}
	}

	if stream.Protocol.InputMode() == domain.InputInternalCapture {
		s.openStreamSource(ctx, stream, pipeline)
	}
	return nil
}

// openStreamSource starts the camera of an internal-capture stream. A
// camera that cannot be opened is reported on the Error sink and the
// stream stays registered without input.
func (s *Session) openStreamSource(ctx context.Context, stream *domain.Stream, pipeline *MediaPipeline) {
	id := stream.ID
	guard := s.registry.ActiveGuard(id)
	record := stream.Record
	recorders := s.recorders
	log := s.log

	handle, err := s.captures.OpenStreamSource(ctx, stream, func(f domain.CaptureFrame) {
		if err := pipeline.Feed(f); err != nil {
			log.Debugw("capture frame rejected", "stream_id", id, "error", err)
		}
		s.events.VideoCapture.EmitIf(domain.StreamFrame{StreamID: id, Data: f.Data, Width: f.Width, Height: f.Height, Format: f.Format}, guard)
		if record && recorders.HasRecorder(domain.RecorderID(id)) && (f.Format == domain.ColorI420 || f.Format == domain.ColorYUYV) {
			_ = recorders.SendRecordFrame(domain.RecorderID(id), domain.RecordFrame{Data: f.Data, Width: f.Width, Height: f.Height, Format: f.Format})
		}
	})
	if err != nil {
		s.log.Warnw("Failed to open stream camera", "stream_id", id, "error", err)
		s.events.Error.Emit(domain.ErrorEvent{Code: fgerrors.CallbackCamera, Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.sources[id] = handle
	s.mu.Unlock()
}

func (s *Session) stopStreams(ctx context.Context) {
	s.mu.Lock()
	pipelines, sources, registry := s.pipelines, s.sources, s.registry
	s.pipelines = make(map[domain.StreamID]*MediaPipeline)
	s.sources = make(map[domain.StreamID]ports.CaptureHandle)
	s.mu.Unlock()

	for id, h := range sources {
		if err := h.Close(); err != nil {
			s.log.Warnw("Failed to close stream camera", "stream_id", id, "error", err)
		}
	}
	for id, p := range pipelines {
		if s.deps.Media != nil {
			_ = s.deps.Media.CloseStream(id)
		}
		if err := p.Close(); err != nil {
			s.log.Warnw("Failed to close encoder", "stream_id", id, "error", err)
		}
	}
	if registry != nil {
		registry.StopAll(ctx)
	}
}

// StartStream adds one stream to a started session. A duplicate id fails
// with ConnectStreamExists and leaves the active stream untouched.
func (s *Session) StartStream(ctx context.Context, stream *domain.Stream) error {
	if stream == nil {
		return fgerrors.New(fgerrors.InitParamError, "stream must not be nil")
	}
	if stream.Width <= 0 || stream.Height <= 0 || stream.FPS <= 0 {
		return fgerrors.Newf(fgerrors.InitParamError, "invalid stream geometry %dx%d@%d", stream.Width, stream.Height, stream.FPS)
	}
	if stream.Protocol == "" {
		stream.Protocol = domain.ProtocolNormal
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return fgerrors.New(fgerrors.InitNotReady, "session not started")
	}
	return s.startStream(ctx, stream)
}

// StopStream releases one stream. Its id may be started again afterwards;
// events still queued for it are discarded at delivery.
func (s *Session) StopStream(ctx context.Context, id domain.StreamID) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fgerrors.New(fgerrors.InitNotReady, "session not started")
	}
	pipeline, ok := s.pipelines[id]
	if !ok {
		s.mu.Unlock()
		return fgerrors.Newf(fgerrors.ConnectStreamUnknown, "stream %d is not active", id).WithContext("stream_id", int(id))
	}
	source := s.sources[id]
	delete(s.pipelines, id)
	delete(s.sources, id)
	registry := s.registry
	s.mu.Unlock()

	ctx, span := tracing.TraceStream(ctx, "stop", int(id))
	defer span.End()

	if source != nil {
		if err := source.Close(); err != nil {
			s.log.Warnw("Failed to close stream camera", "stream_id", id, "error", err)
		}
	}
	if s.deps.Media != nil {
		if err := s.deps.Media.CloseStream(id); err != nil {
			s.log.Warnw("Failed to close stream transport", "stream_id", id, "error", err)
		}
	}
	if err := pipeline.Close(); err != nil {
		s.log.Warnw("Failed to close encoder", "stream_id", id, "error", err)
	}
	if err := registry.Stop(ctx, id); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (s *Session) activePipelines() []*MediaPipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MediaPipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	return out
}

func (s *Session) pipeline(id domain.StreamID) (*MediaPipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, fgerrors.New(fgerrors.InitNotReady, "session not started")
	}
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fgerrors.Newf(fgerrors.ConnectStreamUnknown, "stream %d is not active", id)
	}
	return p, nil
}

func (s *Session) mediaStatsLoop(ctx context.Context, done chan struct{}, interval time.Duration, audio bool) {
	defer close(done)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	media := s.deps.Media
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if media == nil {
			continue
		}
		for _, p := range s.activePipelines() {
			id := p.StreamID()
			if st, ok := media.Stats(id); ok {
				st.StreamID = id
				s.events.MediaState.EmitIf(st, s.streamGuard(id))
			}
		}
		if audio {
			if st, ok := media.AudioStats(); ok {
				s.events.AudioMediaState.Emit(st)
			}
		}
	}
}

func (s *Session) streamGuard(id domain.StreamID) func() bool {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return func() bool { return false }
	}
	return reg.ActiveGuard(id)
}

// Stop releases every stream, capture and recorder, closes the signaling
// channel and returns the session to its pristine state.
func (s *Session) Stop() error {
	s.mu.Lock()
	gen, state := s.gen, s.state
	s.mu.Unlock()
	if state == domain.Disconnected {
		return nil
	}
	s.teardown(gen)
	return nil
}

// teardown ends session generation gen. It does nothing when that
// generation already ended.
func (s *Session) teardown(gen uint64) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.state == domain.Disconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.setStateLocked(domain.Disconnecting)
	started := s.started
	statsCancel, statsDone := s.statsCancel, s.statsDone
	monitor, captures, recorders := s.monitor, s.captures, s.recorders
	client, codec := s.client, s.codec
	if s.waiter != nil {
		select {
		case s.waiter <- fgerrors.New(fgerrors.InitError, "session stopped"):
		default:
		}
	}
	s.mu.Unlock()

	if statsCancel != nil {
		statsCancel()
		<-statsDone
	}
	if monitor != nil {
		monitor.Stop()
	}
	s.stopStreams(context.Background())
	if captures != nil {
		captures.StopAll()
	}
	if recorders != nil {
		recorders.StopAll()
	}
	if started && s.deps.Media != nil {
		if err := s.deps.Media.Close(); err != nil {
			s.log.Warnw("Failed to close media transport", "error", err)
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			s.log.Warnw("Failed to close signaling channel", "error", err)
		}
	}
	if codec != nil {
		codec.Close()
	}

	s.mu.Lock()
	s.started = false
	s.cfg = nil
	s.sessionID = ""
	s.client = nil
	s.codec = nil
	s.control = nil
	s.registry = nil
	s.permissions = nil
	s.captures = nil
	s.recorders = nil
	s.monitor = nil
	s.quality = nil
	s.pipelines = nil
	s.sources = nil
	s.statsCancel = nil
	s.statsDone = nil
	s.waiter = nil
	s.signalSeen = false
	s.setStateLocked(domain.Disconnected)
	s.mu.Unlock()

	s.log.Infow("Gateway session stopped")
}

// Close stops the session and the dispatcher. The session cannot be used
// afterwards.
func (s *Session) Close() error {
	err := s.Stop()
	s.events.Close()
	return err
}
