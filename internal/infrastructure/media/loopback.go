package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoopbackPeer is the remote id used for echoed audio.
const LoopbackPeer domain.DeviceID = "loopback"

var errNotOpen = errors.New("media transport not open")

type LoopbackConfig struct {
	BandwidthKbps int
	RTT           time.Duration
	Loss          float64
	EchoAudio     bool
	EventBuffer   int
}

func DefaultLoopbackConfig() LoopbackConfig {
	return LoopbackConfig{
		BandwidthKbps: 20000,
		RTT:           20 * time.Millisecond,
		EventBuffer:   256,
	}
}

type loopStream struct {
	stream    *domain.Stream
	limiter   *rate.Limiter
	connected bool
	sawIFrame bool

	frames, bytes         int64
	lastFrames, lastBytes int64
	lastStats             time.Time
}

type audioCounters struct {
	frames, bytes         int64
	lastFrames, lastBytes int64
	lastStats             time.Time
}

// LoopbackTransport is an in-process ports.MediaTransport. Frames are
// accounted and optionally handed to OnVideo instead of leaving the host;
// the per-stream send budget follows the configured bandwidth. Observer
// callbacks run on one goroutine owned by the transport.
type LoopbackTransport struct {
	cfg    LoopbackConfig
	logger *zap.SugaredLogger

	// OnVideo receives every accepted frame when set.
	OnVideo func(id domain.StreamID, frame domain.EncodedFrame)

	mu      sync.Mutex
	obs     ports.MediaObserver
	open    bool
	streams map[domain.StreamID]*loopStream
	audio   audioCounters
	muted   map[domain.DeviceID]bool
	events  chan func()
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewLoopbackTransport(cfg LoopbackConfig, logger *zap.SugaredLogger) *LoopbackTransport {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &LoopbackTransport{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[domain.StreamID]*loopStream),
		muted:   make(map[domain.DeviceID]bool),
	}
}

func (t *LoopbackTransport) Open(ctx context.Context, obs ports.MediaObserver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return errors.New("media transport already open")
	}
	t.obs = obs
	t.open = true
	t.streams = make(map[domain.StreamID]*loopStream)
	t.audio = audioCounters{lastStats: time.Now()}
	t.events = make(chan func(), t.cfg.EventBuffer)
	t.done = make(chan struct{})

	t.wg.Add(1)
	go t.eventLoop(t.events, t.done)
	return nil
}

func (t *LoopbackTransport) eventLoop(events <-chan func(), done <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case fn := <-events:
			fn()
		case <-done:
			return
		}
	}
}

// emitLocked queues an observer callback. Callbacks are dropped when the
// queue is full.
func (t *LoopbackTransport) emitLocked(fn func(ports.MediaObserver)) {
	obs := t.obs
	if obs == nil {
		return
	}
	select {
	case t.events <- func() { fn(obs) }:
	default:
		t.logger.Debugw("media event queue full, dropping event")
	}
}

func (t *LoopbackTransport) bytesPerSecond() int {
	bps := t.cfg.BandwidthKbps * 1000 / 8
	if bps <= 0 {
		bps = 1
	}
	return bps
}

func (t *LoopbackTransport) OpenStream(ctx context.Context, stream *domain.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return errNotOpen
	}
	if _, ok := t.streams[stream.ID]; ok {
		return domain.ErrStreamExists
	}

	budget := t.bytesPerSecond()
	t.streams[stream.ID] = &loopStream{
		stream:    stream.Clone(),
		limiter:   rate.NewLimiter(rate.Limit(budget), budget),
		connected: true,
		lastStats: time.Now(),
	}

	id := stream.ID
	t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(id, domain.Connecting) })
	t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(id, domain.Connected) })
	// a joining receiver needs an I-frame
	t.emitLocked(func(o ports.MediaObserver) { o.OnKeyframeRequest(id) })

	t.logger.Debugw("loopback stream opened", "stream_id", id, "budget_bytes", budget)
	return nil
}

func (t *LoopbackTransport) CloseStream(id domain.StreamID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[id]; !ok {
		return domain.ErrStreamNotFound
	}
	delete(t.streams, id)
	t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(id, domain.Disconnected) })
	return nil
}

func (t *LoopbackTransport) SendVideo(id domain.StreamID, frame domain.EncodedFrame) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return errNotOpen
	}
	s, ok := t.streams[id]
	if !ok {
		t.mu.Unlock()
		return domain.ErrStreamNotFound
	}
	if !s.limiter.AllowN(time.Now(), len(frame.Data)) {
		t.mu.Unlock()
		return domain.ErrTransportFull
	}
	s.frames++
	s.bytes += int64(len(frame.Data))
	if frame.Type == domain.IFrame {
		s.sawIFrame = true
	} else if !s.sawIFrame {
		t.emitLocked(func(o ports.MediaObserver) { o.OnKeyframeRequest(id) })
	}
	onVideo := t.OnVideo
	t.mu.Unlock()

	if onVideo != nil {
		onVideo(id, frame)
	}
	return nil
}

func (t *LoopbackTransport) SendAudio(frame domain.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return errNotOpen
	}
	t.audio.frames++
	t.audio.bytes += int64(len(frame.Data))

	if t.cfg.EchoAudio && !t.muted[LoopbackPeer] {
		echo := domain.AudioFrame{
			Data:       append([]byte(nil), frame.Data...),
			Channels:   frame.Channels,
			SampleRate: frame.SampleRate,
		}
		t.emitLocked(func(o ports.MediaObserver) { o.OnRemoteAudio(echo) })
	}
	return nil
}

func (t *LoopbackTransport) MuteRemote(peer domain.DeviceID, mute bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return errNotOpen
	}
	if mute {
		t.muted[peer] = true
	} else {
		delete(t.muted, peer)
	}
	return nil
}

func (t *LoopbackTransport) Connected(id domain.StreamID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return ok && s.connected
}

// Stats reports the rates since the previous call. Each call also publishes
// a latency report and, when the stream sends above its share of the
// bandwidth, a bitrate suggestion.
func (t *LoopbackTransport) Stats(id domain.StreamID) (domain.MediaState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if !ok {
		return domain.MediaState{}, false
	}

	now := time.Now()
	elapsed := now.Sub(s.lastStats).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	st := domain.MediaState{
		StreamID:    id,
		FPS:         int(float64(s.frames-s.lastFrames) / elapsed),
		Bps:         int(float64(s.bytes-s.lastBytes) * 8 / elapsed),
		RTT:         int(t.cfg.RTT.Milliseconds()),
		Lost:        int64(float64(s.frames) * t.cfg.Loss),
		PacketsSent: s.frames,
		Candidate:   domain.CandidateHost,
	}
	s.lastFrames, s.lastBytes, s.lastStats = s.frames, s.bytes, now

	vcct := int(2 * t.cfg.RTT.Milliseconds())
	t.emitLocked(func(o ports.MediaObserver) { o.OnLatency(domain.LatencyReport{StreamID: id, VCCT: vcct}) })

	share := t.cfg.BandwidthKbps / len(t.streams)
	if share > 0 && st.Bps/1000 > share {
		t.emitLocked(func(o ports.MediaObserver) { o.OnBitrateSuggestion(id, share) })
	}
	return st, true
}

func (t *LoopbackTransport) AudioStats() (domain.MediaState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || t.audio.frames == 0 {
		return domain.MediaState{}, false
	}
	now := time.Now()
	elapsed := now.Sub(t.audio.lastStats).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	st := domain.MediaState{
		StreamID:    -1,
		FPS:         int(float64(t.audio.frames-t.audio.lastFrames) / elapsed),
		Bps:         int(float64(t.audio.bytes-t.audio.lastBytes) * 8 / elapsed),
		RTT:         int(t.cfg.RTT.Milliseconds()),
		PacketsSent: t.audio.frames,
		Candidate:   domain.CandidateHost,
	}
	t.audio.lastFrames, t.audio.lastBytes, t.audio.lastStats = t.audio.frames, t.audio.bytes, now
	return st, true
}

// Measure waits d and reports the configured link split across ids.
func (t *LoopbackTransport) Measure(ctx context.Context, ids []domain.StreamID, d time.Duration) ([]domain.LinkMeasurement, error) {
	t.mu.Lock()
	for _, id := range ids {
		if s, ok := t.streams[id]; !ok || !s.connected {
			t.mu.Unlock()
			return nil, domain.ErrStreamNotFound
		}
	}
	t.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	share := t.cfg.BandwidthKbps
	if len(ids) > 0 {
		share /= len(ids)
	}
	results := make([]domain.LinkMeasurement, 0, len(ids))
	for _, id := range ids {
		results = append(results, domain.LinkMeasurement{
			StreamID:  id,
			RTT:       t.cfg.RTT,
			Loss:      t.cfg.Loss,
			Bandwidth: share,
		})
	}
	return results, nil
}

// Close stops the event goroutine. The transport can be opened again.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	t.obs = nil
	t.streams = make(map[domain.StreamID]*loopStream)
	t.muted = make(map[domain.DeviceID]bool)
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
