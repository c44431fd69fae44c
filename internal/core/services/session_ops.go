package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/tracing"
)

// SetPermission changes the permission of a remote operator. Granting
// master demotes the previous master; both changes are delivered on the
// PermissionChanged sink and pushed to the signaling server.
func (s *Session) SetPermission(ctx context.Context, peer domain.DeviceID, level domain.Permission) error {
	s.mu.Lock()
	table, registry, client := s.permissions, s.registry, s.client
	s.mu.Unlock()
	if table == nil {
		return fgerrors.New(fgerrors.InitNotReady, "session not initialized")
	}

	changes, err := table.Set(peer, level)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		s.events.PermissionChanged.Emit(c)
	}
	registry.SetMaster(ctx, table.Master())

	if err := client.SendPermissionUpdate(ctx, changes); err != nil {
		s.log.Warnw("Failed to publish permission update", "peer_id", peer, "error", err)
		s.events.Error.Emit(domain.ErrorEvent{Code: fgerrors.SignalMessageFailed, Message: err.Error()})
	}
	s.log.Infow("Permission changed", "peer_id", peer, "permission", level)
	return nil
}

// SendControlData sends payload to every connected remote operator.
func (s *Session) SendControlData(ctx context.Context, payload []byte, qos domain.QoS) error {
	s.mu.Lock()
	control, signal, seen := s.control, s.signalState, s.signalSeen
	s.mu.Unlock()
	if control == nil {
		return fgerrors.New(fgerrors.InitNotReady, "session not initialized")
	}
	if !seen || !signal.Usable() {
		return fgerrors.Newf(fgerrors.MessageChannel, "signaling channel is %s", signal)
	}
	return control.Send(ctx, payload, qos)
}

func (s *Session) PushRaw(id domain.StreamID, frame domain.RawFrame, overlay *domain.TextOverlay) error {
	p, err := s.pipeline(id)
	if err != nil {
		return err
	}
	return p.PushRaw(frame, overlay)
}

func (s *Session) PushEncoded(id domain.StreamID, frame domain.EncodedFrame) error {
	p, err := s.pipeline(id)
	if err != nil {
		return err
	}
	return p.PushEncoded(frame)
}

func (s *Session) PushNative(id domain.StreamID, frame domain.NativeFrame) error {
	p, err := s.pipeline(id)
	if err != nil {
		return err
	}
	return p.PushNative(frame)
}

// SetEncodeROI replaces the encoder regions of interest of stream id.
func (s *Session) SetEncodeROI(id domain.StreamID, rects []domain.ROIRect) error {
	p, err := s.pipeline(id)
	if err != nil {
		return err
	}
	return p.SetROI(rects)
}

// PushAudio sends 10ms of 16-bit PCM to remote operators.
func (s *Session) PushAudio(frame domain.AudioFrame) error {
	s.mu.Lock()
	started, cfg := s.started, s.cfg
	s.mu.Unlock()
	if !started {
		return fgerrors.New(fgerrors.InitNotReady, "session not started")
	}
	if cfg.AudioEnable == 0 || s.deps.Media == nil {
		return fgerrors.New(fgerrors.Unsupported, "audio is disabled in the configuration")
	}
	if frame.Channels < 1 || frame.Channels > 2 || frame.SampleRate <= 0 || frame.SampleRate%100 != 0 {
		return fgerrors.Newf(fgerrors.ExternalFrameInvalid, "unsupported audio layout %d ch %d Hz", frame.Channels, frame.SampleRate)
	}
	if want := frame.SampleRate / 100 * frame.Channels * 2; len(frame.Data) != want {
		return fgerrors.Newf(fgerrors.ExternalFrameInvalid, "audio frame is %d bytes, want %d", len(frame.Data), want)
	}
	if err := s.deps.Media.SendAudio(frame); err != nil {
		s.metrics.FrameDropped(-1, "audio")
		s.log.Debugw("audio frame dropped", "error", err)
	}
	return nil
}

func (s *Session) MuteRemoteAudio(peer domain.DeviceID, mute bool) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return fgerrors.New(fgerrors.InitNotReady, "session not started")
	}
	if peer == "" {
		return fgerrors.New(fgerrors.InitInvalidInput, "remote device id must not be empty")
	}
	if s.deps.Media == nil {
		return fgerrors.New(fgerrors.Unsupported, "no media transport configured")
	}
	if err := s.deps.Media.MuteRemote(peer, mute); err != nil {
		return fgerrors.Wrap(err, fgerrors.ConnectError, "failed to mute remote audio")
	}
	return nil
}

// SetOverlayFont loads the font used by text overlays.
func (s *Session) SetOverlayFont(path string, size float64, charset string) error {
	if s.deps.Renderer == nil {
		return fgerrors.New(fgerrors.Unsupported, "no text renderer configured")
	}
	if path == "" || size <= 0 {
		return fgerrors.Newf(fgerrors.InitParamError, "invalid font %q size %.1f", path, size)
	}
	if err := s.deps.Renderer.SetFont(path, size, charset); err != nil {
		return fgerrors.Wrap(err, fgerrors.InitParamError, "failed to load overlay font")
	}
	return nil
}

// StartVideoCapture opens an application capture source. sink, when set,
// receives every frame of the source from the dispatcher goroutine.
func (s *Session) StartVideoCapture(ctx context.Context, src domain.CaptureSource, sink func(domain.CaptureFrame)) (domain.CaptureID, error) {
	captures, err := s.captureService()
	if err != nil {
		return 0, err
	}
	return captures.StartVideoCapture(ctx, src, sink)
}

func (s *Session) StopVideoCapture(id domain.CaptureID) error {
	captures, err := s.captureService()
	if err != nil {
		return err
	}
	return captures.StopVideoCapture(id)
}

func (s *Session) captureService() (*CaptureService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captures == nil {
		return nil, fgerrors.New(fgerrors.InitNotReady, "session not initialized")
	}
	return s.captures, nil
}

func (s *Session) StartRecorder(id domain.RecorderID, spec domain.RecorderSpec) error {
	r, err := s.recorderService()
	if err != nil {
		return err
	}
	return r.StartRecorder(id, spec)
}

func (s *Session) SendRecordFrame(id domain.RecorderID, frame domain.RecordFrame) error {
	r, err := s.recorderService()
	if err != nil {
		return err
	}
	return r.SendRecordFrame(id, frame)
}

func (s *Session) SwitchRecorderFile(id domain.RecorderID, filename string) error {
	r, err := s.recorderService()
	if err != nil {
		return err
	}
	return r.SwitchRecorderFile(id, filename)
}

func (s *Session) StopRecorder(id domain.RecorderID) error {
	r, err := s.recorderService()
	if err != nil {
		return err
	}
	return r.StopRecorder(id)
}

func (s *Session) recorderService() (*RecorderService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorders == nil {
		return nil, fgerrors.New(fgerrors.StorUnenable, "session not initialized")
	}
	return s.recorders, nil
}

// TestNetworkQuality measures the transport of the given streams for d,
// clamped to [2s, 10s]. It blocks and must not be called from a sink.
func (s *Session) TestNetworkQuality(ctx context.Context, ids []domain.StreamID, d time.Duration) (domain.NetworkQuality, error) {
	s.mu.Lock()
	started, quality := s.started, s.quality
	minKbps := make(map[domain.StreamID]int, len(ids))
	var unknown []domain.StreamID
	for _, id := range ids {
		p, ok := s.pipelines[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		minKbps[id], _ = p.BitrateRange()
	}
	s.mu.Unlock()

	if !started {
		return domain.QualityUnmeasurable, fgerrors.New(fgerrors.InitNotReady, "session not started")
	}
	if quality == nil {
		return domain.QualityUnmeasurable, fgerrors.New(fgerrors.Unsupported, "no media transport configured")
	}
	if len(unknown) > 0 {
		return domain.QualityUnmeasurable, fgerrors.Newf(fgerrors.ConnectStreamUnknown, "streams %v are not active", unknown)
	}

	ctx, span := tracing.StartSpan(ctx, "network.quality", trace.WithAttributes(attribute.Int("streams", len(ids))))
	defer span.End()
	start := time.Now()

	verdict, err := quality.Test(ctx, ids, minKbps, ClampMeasureDuration(d))
	tracing.MeasureDuration(ctx, start, "network.quality")
	if err != nil {
		tracing.RecordError(ctx, err)
		return verdict, err
	}
	span.SetAttributes(tracing.QualityKey.String(verdict.String()))
	s.log.Infow("Network quality measured", "streams", ids, "quality", verdict)
	return verdict, nil
}

// Paths is the latest view of every network path.
func (s *Session) Paths() []domain.NetworkPath {
	s.mu.Lock()
	monitor := s.monitor
	s.mu.Unlock()
	if monitor == nil {
		return nil
	}
	return monitor.Paths()
}

// Ready reports whether the session is connected and started.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == domain.Connected && s.started
}

func (s *Session) Snapshot() ports.SessionStatus {
	s.mu.Lock()
	st := ports.SessionStatus{
		SessionID: s.sessionID,
		Version:   Version,
		State:     s.state.String(),
		Started:   s.started,
	}
	if s.signalSeen {
		st.SignalState = s.signalState.String()
	}
	if s.cfg != nil {
		st.DeviceID = s.cfg.DeviceID
	}
	registry, table := s.registry, s.permissions
	s.mu.Unlock()

	if table != nil {
		for _, p := range table.List() {
			st.Peers = append(st.Peers, ports.PeerStatus{ID: string(p.ID), Permission: p.Permission.String()})
		}
	}
	if registry != nil {
		for _, stream := range registry.List(context.Background()) {
			st.Streams = append(st.Streams, ports.StreamStatus{
				ID:       int(stream.ID),
				Protocol: string(stream.Protocol),
				State:    stream.State.String(),
				Width:    stream.Width,
				Height:   stream.Height,
				Bitrate:  stream.Bitrate,
				Master:   string(stream.Master),
			})
		}
	}
	st.Paths = s.Paths()
	return st
}
