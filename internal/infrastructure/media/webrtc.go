package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/pkg/config"

	"github.com/gammazero/deque"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	mimeH265 = "video/H265"
	mimeAV1  = "video/AV1"
	// mimeL16 is linear 16-bit PCM in network byte order.
	mimeL16 = "audio/L16"

	payloadH265 = 118
	payloadL16  = 119

	audioTrackID = "audio"
)

// WebRTCConfig tunes the peer connections of a WebRTCTransport.
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortMin    uint16
	PortMax    uint16
	// BindIPs limits ICE candidates to these local addresses when set.
	BindIPs []net.IP

	// Audio adds a PCM track carrying SendAudio frames.
	Audio           bool
	AudioSampleRate int
	AudioChannels   int
	// RemoteAudio delivers audio received from remote peers.
	RemoteAudio bool

	EventBuffer int
}

func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		AudioSampleRate: 48000,
		AudioChannels:   1,
		EventBuffer:     256,
	}
}

// WebRTCConfigFromConfig maps the gateway configuration onto a WebRTCConfig.
func WebRTCConfigFromConfig(cfg *config.Config) WebRTCConfig {
	wc := DefaultWebRTCConfig()
	for _, url := range cfg.ICEURLs() {
		server := webrtc.ICEServer{URLs: []string{url}}
		if strings.HasPrefix(url, "turn") && cfg.Media.TURNUser != "" {
			server.Username = cfg.Media.TURNUser
			server.Credential = cfg.Media.TURNPass
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		wc.ICEServers = append(wc.ICEServers, server)
	}
	if lo, hi := cfg.PortRange(); lo > 0 && hi > 0 {
		wc.PortMin, wc.PortMax = uint16(lo), uint16(hi)
	}
	for _, ip := range cfg.NetworkBind {
		if parsed := net.ParseIP(ip); parsed != nil {
			wc.BindIPs = append(wc.BindIPs, parsed)
		}
	}
	wc.Audio = cfg.AudioEnable != 0
	wc.RemoteAudio = cfg.AudioReceive != 0
	return wc
}

type rtcStream struct {
	stream   *domain.Stream
	track    *webrtc.TrackLocalStaticSample
	duration time.Duration

	sawIFrame             bool
	frames, bytes         int64
	lastFrames, lastBytes int64
	lastStats             time.Time

	// receiver feedback
	rtt      time.Duration
	lost     int64
	fraction float64
	remb     int
}

type rtcPeer struct {
	id      domain.DeviceID
	pc      *webrtc.PeerConnection
	senders map[domain.StreamID]*webrtc.RTPSender

	pending     []webrtc.ICECandidateInit
	offering    bool
	renegotiate bool
	connected   bool
	candidate   domain.CandidateType
}

// WebRTCTransport is a ports.MediaTransport over one pion PeerConnection per
// remote peer. The field device offers; session descriptions and ICE
// candidates travel over the signaling channel. Each stream is one video
// track shared by every peer connection. Observer callbacks and outgoing
// signals run on one goroutine owned by the transport.
type WebRTCTransport struct {
	cfg    WebRTCConfig
	api    *webrtc.API
	logger *zap.SugaredLogger

	mu       sync.Mutex
	obs      ports.MediaObserver
	open     bool
	signaler ports.MediaSignaler
	known    map[domain.DeviceID]bool
	peers    map[domain.DeviceID]*rtcPeer
	streams  map[domain.StreamID]*rtcStream
	audio    *webrtc.TrackLocalStaticSample
	counters audioCounters
	muted    map[domain.DeviceID]bool
	outbox   deque.Deque
	events   chan func()
	wake     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewWebRTCTransport(cfg WebRTCConfig, logger *zap.SugaredLogger) (*WebRTCTransport, error) {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.AudioSampleRate <= 0 {
		cfg.AudioSampleRate = 48000
	}
	if cfg.AudioChannels <= 0 {
		cfg.AudioChannels = 1
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	extra := []struct {
		params webrtc.RTPCodecParameters
		kind   webrtc.RTPCodecType
	}{
		{webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeH265, ClockRate: 90000}, PayloadType: payloadH265}, webrtc.RTPCodecTypeVideo},
		{webrtc.RTPCodecParameters{RTPCodecCapability: l16Capability(cfg), PayloadType: payloadL16}, webrtc.RTPCodecTypeAudio},
	}
	for _, c := range extra {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.params.MimeType, err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}
	if len(cfg.BindIPs) > 0 {
		allowed := append([]net.IP(nil), cfg.BindIPs...)
		settings.SetIPFilter(func(ip net.IP) bool {
			for _, a := range allowed {
				if a.Equal(ip) {
					return true
				}
			}
			return false
		})
	}

	return &WebRTCTransport{
		cfg:     cfg,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry), webrtc.WithSettingEngine(settings)),
		logger:  logger,
		known:   make(map[domain.DeviceID]bool),
		peers:   make(map[domain.DeviceID]*rtcPeer),
		streams: make(map[domain.StreamID]*rtcStream),
		muted:   make(map[domain.DeviceID]bool),
	}, nil
}

func l16Capability(cfg WebRTCConfig) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: mimeL16, ClockRate: uint32(cfg.AudioSampleRate), Channels: uint16(cfg.AudioChannels)}
}

func codecMime(c domain.Codec) string {
	switch c {
	case domain.CodecH265:
		return mimeH265
	case domain.CodecAV1:
		return mimeAV1
	}
	return webrtc.MimeTypeH264
}

// AttachSignaler sets the channel for negotiation messages. Peers known
// from an earlier channel are forgotten.
func (t *WebRTCTransport) AttachSignaler(sig ports.MediaSignaler) {
	t.mu.Lock()
	t.signaler = sig
	t.known = make(map[domain.DeviceID]bool)
	stale := t.detachPeersLocked()
	t.mu.Unlock()
	closePeers(stale)
}

// PeerJoined starts negotiating with peer once the transport is open.
func (t *WebRTCTransport) PeerJoined(peer domain.DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[peer] = true
	if !t.open {
		return
	}
	if _, ok := t.peers[peer]; ok {
		return
	}
	if _, err := t.connectPeerLocked(peer); err != nil {
		t.logger.Warnw("failed to connect remote peer", "peer_id", peer, "error", err)
	}
}

func (t *WebRTCTransport) PeerLeft(peer domain.DeviceID) {
	t.mu.Lock()
	delete(t.known, peer)
	delete(t.muted, peer)
	p, ok := t.peers[peer]
	if ok {
		delete(t.peers, peer)
		t.peerDownLocked()
	}
	t.mu.Unlock()
	if ok {
		closePeers([]*rtcPeer{p})
	}
}

func (t *WebRTCTransport) HandleMediaSignal(sig domain.MediaSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		t.logger.Debugw("media signal while closed", "peer_id", sig.Peer, "kind", sig.Kind)
		return
	}

	var err error
	switch sig.Kind {
	case domain.MediaSignalOffer:
		err = t.acceptOfferLocked(sig)
	case domain.MediaSignalAnswer:
		err = t.acceptAnswerLocked(sig)
	case domain.MediaSignalICE:
		err = t.addCandidateLocked(sig)
	default:
		err = fmt.Errorf("unknown media signal kind %q", sig.Kind)
	}
	if err != nil {
		t.logger.Warnw("media signal rejected", "peer_id", sig.Peer, "kind", sig.Kind, "error", err)
	}
}

// acceptOfferLocked answers an offer from a remote. An offer that collides
// with a pending local offer is ignored; the remote answers ours instead.
func (t *WebRTCTransport) acceptOfferLocked(sig domain.MediaSignal) error {
	p, ok := t.peers[sig.Peer]
	if !ok {
		t.known[sig.Peer] = true
		np, err := t.newPeerLocked(sig.Peer)
		if err != nil {
			return err
		}
		p = np
	}
	if p.offering || p.pc.SignalingState() != webrtc.SignalingStateStable {
		return errors.New("offer collides with a pending local offer")
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.Data}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	t.flushCandidatesLocked(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	t.queueSignalLocked(domain.MediaSignal{Peer: p.id, Kind: domain.MediaSignalAnswer, Data: answer.SDP})
	return nil
}

func (t *WebRTCTransport) acceptAnswerLocked(sig domain.MediaSignal) error {
	p, ok := t.peers[sig.Peer]
	if !ok {
		return domain.ErrPeerNotFound
	}
	if !p.offering {
		return errors.New("answer without a pending offer")
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.Data}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.offering = false
	t.flushCandidatesLocked(p)
	if p.renegotiate {
		p.renegotiate = false
		return t.offerLocked(p)
	}
	return nil
}

// addCandidateLocked holds candidates that arrive before the remote
// description.
func (t *WebRTCTransport) addCandidateLocked(sig domain.MediaSignal) error {
	p, ok := t.peers[sig.Peer]
	if !ok {
		return domain.ErrPeerNotFound
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(sig.Data), &c); err != nil {
		return fmt.Errorf("parse ice candidate: %w", err)
	}
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

func (t *WebRTCTransport) flushCandidatesLocked(p *rtcPeer) {
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			t.logger.Debugw("dropping ice candidate", "peer_id", p.id, "error", err)
		}
	}
	p.pending = nil
}

func (t *WebRTCTransport) connectPeerLocked(id domain.DeviceID) (*rtcPeer, error) {
	p, err := t.newPeerLocked(id)
	if err != nil {
		return nil, err
	}
	if err := t.offerLocked(p); err != nil {
		delete(t.peers, id)
		go p.pc.Close()
		return nil, err
	}
	return p, nil
}

func (t *WebRTCTransport) newPeerLocked(id domain.DeviceID) (*rtcPeer, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &rtcPeer{id: id, pc: pc, senders: make(map[domain.StreamID]*webrtc.RTPSender)}

	for sid, st := range t.streams {
		if err := t.addTrackLocked(p, sid, st); err != nil {
			pc.Close()
			return nil, err
		}
	}
	if t.audio != nil {
		sender, err := pc.AddTrack(t.audio)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		go drainRTCP(sender)
	} else if t.cfg.RemoteAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio receiver: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		t.mu.Lock()
		t.queueSignalLocked(domain.MediaSignal{Peer: id, Kind: domain.MediaSignalICE, Data: string(data)})
		t.mu.Unlock()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.onPeerState(id, pc, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio && t.cfg.RemoteAudio {
			t.readRemoteAudio(id, track)
		}
	})

	t.peers[id] = p
	return p, nil
}

func (t *WebRTCTransport) addTrackLocked(p *rtcPeer, id domain.StreamID, st *rtcStream) error {
	sender, err := p.pc.AddTrack(st.track)
	if err != nil {
		return fmt.Errorf("add track for stream %d: %w", id, err)
	}
	p.senders[id] = sender
	go t.readRTCP(p.id, id, sender)
	return nil
}

// offerLocked sends a new offer, or marks the peer for one when an offer
// is still unanswered.
func (t *WebRTCTransport) offerLocked(p *rtcPeer) error {
	if p.offering {
		p.renegotiate = true
		return nil
	}
	if len(p.pc.GetTransceivers()) == 0 {
		// nothing to offer until a stream opens
		return nil
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	p.offering = true
	t.queueSignalLocked(domain.MediaSignal{Peer: p.id, Kind: domain.MediaSignalOffer, Data: offer.SDP})
	return nil
}

func (t *WebRTCTransport) renegotiateAllLocked() {
	for _, p := range t.peers {
		if err := t.offerLocked(p); err != nil {
			t.logger.Warnw("renegotiation failed", "peer_id", p.id, "error", err)
		}
	}
}

func (t *WebRTCTransport) onPeerState(id domain.DeviceID, pc *webrtc.PeerConnection, state webrtc.PeerConnectionState) {
	t.mu.Lock()
	p, ok := t.peers[id]
	if !ok || p.pc != pc {
		t.mu.Unlock()
		return
	}
	t.logger.Infow("peer connection state changed", "peer_id", id, "connection_state", state.String())

	var stale []*rtcPeer
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if !p.connected {
			p.connected = true
			p.candidate = candidateType(pc)
			for sid := range t.streams {
				sid := sid
				t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(sid, domain.Connected) })
				t.emitLocked(func(o ports.MediaObserver) { o.OnKeyframeRequest(sid) })
			}
		}
	case webrtc.PeerConnectionStateDisconnected:
		if p.connected {
			p.connected = false
			t.peerDownLocked()
		}
	case webrtc.PeerConnectionStateFailed:
		// start over with a fresh connection while the peer is still present
		delete(t.peers, id)
		stale = append(stale, p)
		if p.connected {
			t.peerDownLocked()
		}
		if t.open && t.known[id] {
			if _, err := t.connectPeerLocked(id); err != nil {
				t.logger.Warnw("failed to reconnect remote peer", "peer_id", id, "error", err)
			}
		}
	}
	t.mu.Unlock()
	closePeers(stale)
}

// peerDownLocked reports streams as connecting once no peer is connected.
func (t *WebRTCTransport) peerDownLocked() {
	if t.anyConnectedLocked() {
		return
	}
	for sid := range t.streams {
		sid := sid
		t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(sid, domain.Connecting) })
	}
}

func (t *WebRTCTransport) anyConnectedLocked() bool {
	for _, p := range t.peers {
		if p.connected {
			return true
		}
	}
	return false
}

func candidateType(pc *webrtc.PeerConnection) domain.CandidateType {
	stats := pc.GetStats()
	for _, s := range stats {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		local, ok := stats[pair.LocalCandidateID].(webrtc.ICECandidateStats)
		if !ok {
			continue
		}
		switch local.CandidateType {
		case webrtc.ICECandidateTypeSrflx:
			return domain.CandidateSrflx
		case webrtc.ICECandidateTypePrflx:
			return domain.CandidatePrflx
		case webrtc.ICECandidateTypeRelay:
			return domain.CandidateRelay
		}
		return domain.CandidateHost
	}
	return domain.CandidateHost
}

func (t *WebRTCTransport) readRTCP(peer domain.DeviceID, id domain.StreamID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		t.handleRTCP(peer, id, packets)
	}
}

// drainRTCP keeps the interceptors of a sender without feedback handling running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *WebRTCTransport) handleRTCP(peer domain.DeviceID, id domain.StreamID, packets []rtcp.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.streams[id]
	if !ok {
		return
	}

	keyframe := false
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			keyframe = true
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			kbps := int(p.Bitrate / 1000)
			if kbps > 0 {
				st.remb = kbps
				t.emitLocked(func(o ports.MediaObserver) { o.OnBitrateSuggestion(id, kbps) })
			}
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				st.lost = int64(r.TotalLost)
				st.fraction = float64(r.FractionLost) / 256
				if rtt, ok := reportRTT(time.Now(), r); ok {
					st.rtt = rtt
				}
			}
		}
	}
	if keyframe {
		t.logger.Debugw("keyframe requested by receiver", "peer_id", peer, "stream_id", id)
		t.emitLocked(func(o ports.MediaObserver) { o.OnKeyframeRequest(id) })
	}
}

// reportRTT derives the round trip from the LSR and DLSR fields of a
// reception report, both in 1/65536 seconds.
func reportRTT(now time.Time, r rtcp.ReceptionReport) (time.Duration, bool) {
	if r.LastSenderReport == 0 {
		return 0, false
	}
	diff := ntpMiddle(now) - r.LastSenderReport - r.Delay
	if int32(diff) < 0 {
		return 0, false
	}
	return time.Duration(diff) * time.Second / 65536, true
}

// ntpMiddle is the middle 32 bits of the NTP timestamp of t.
func ntpMiddle(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}

func (t *WebRTCTransport) readRemoteAudio(peer domain.DeviceID, track *webrtc.TrackRemote) {
	codec := track.Codec()
	if !strings.EqualFold(codec.MimeType, mimeL16) {
		t.logger.Infow("ignoring remote audio codec", "peer_id", peer, "codec", codec.MimeType)
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		t.mu.Lock()
		if !t.muted[peer] && len(pkt.Payload) > 0 {
			frame := domain.AudioFrame{
				Data:       swap16(pkt.Payload),
				Channels:   int(codec.Channels),
				SampleRate: int(codec.ClockRate),
			}
			t.emitLocked(func(o ports.MediaObserver) { o.OnRemoteAudio(frame) })
		}
		t.mu.Unlock()
	}
}

// swap16 converts 16-bit samples between host and network byte order.
func swap16(b []byte) []byte {
	out := make([]byte, len(b)&^1)
	for i := 0; i+1 < len(b); i += 2 {
		out[i], out[i+1] = b[i+1], b[i]
	}
	return out
}

func (t *WebRTCTransport) Open(ctx context.Context, obs ports.MediaObserver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return errors.New("media transport already open")
	}
	t.obs = obs
	t.open = true
	t.streams = make(map[domain.StreamID]*rtcStream)
	t.counters = audioCounters{lastStats: time.Now()}
	t.events = make(chan func(), t.cfg.EventBuffer)
	t.wake = make(chan struct{}, 1)
	t.done = make(chan struct{})

	if t.cfg.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(l16Capability(t.cfg), audioTrackID, "fieldgw")
		if err != nil {
			t.open = false
			return fmt.Errorf("create audio track: %w", err)
		}
		t.audio = track
	}

	t.wg.Add(1)
	go t.eventLoop(t.events, t.wake, t.done)

	for peer := range t.known {
		if _, err := t.connectPeerLocked(peer); err != nil {
			t.logger.Warnw("failed to connect remote peer", "peer_id", peer, "error", err)
		}
	}
	return nil
}

func (t *WebRTCTransport) eventLoop(events <-chan func(), wake <-chan struct{}, done <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case fn := <-events:
			fn()
		case <-wake:
			t.flushSignals()
		case <-done:
			return
		}
	}
}

func (t *WebRTCTransport) emitLocked(fn func(ports.MediaObserver)) {
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

// queueSignalLocked keeps every negotiation message; the event goroutine
// sends them in order.
func (t *WebRTCTransport) queueSignalLocked(sig domain.MediaSignal) {
	if !t.open {
		return
	}
	t.outbox.PushBack(sig)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *WebRTCTransport) flushSignals() {
	t.mu.Lock()
	signaler := t.signaler
	out := make([]domain.MediaSignal, 0, t.outbox.Len())
	for t.outbox.Len() > 0 {
		out = append(out, t.outbox.PopFront().(domain.MediaSignal))
	}
	t.mu.Unlock()

	if signaler == nil {
		return
	}
	for _, sig := range out {
		if err := signaler.SendMediaSignal(context.Background(), sig); err != nil {
			t.logger.Warnw("failed to send media signal", "peer_id", sig.Peer, "kind", sig.Kind, "error", err)
		}
	}
}

func (t *WebRTCTransport) OpenStream(ctx context.Context, stream *domain.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return errNotOpen
	}
	if _, ok := t.streams[stream.ID]; ok {
		return domain.ErrStreamExists
	}

	trackID := fmt.Sprintf("video%d", stream.ID)
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: codecMime(stream.Codec)}, trackID, "fieldgw-"+trackID)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	fps := stream.FPS
	if fps <= 0 {
		fps = 30
	}
	st := &rtcStream{
		stream:    stream.Clone(),
		track:     track,
		duration:  time.Second / time.Duration(fps),
		lastStats: time.Now(),
	}
	for _, p := range t.peers {
		if err := t.addTrackLocked(p, stream.ID, st); err != nil {
			t.logger.Warnw("failed to add stream to peer", "peer_id", p.id, "stream_id", stream.ID, "error", err)
		}
	}
	t.streams[stream.ID] = st
	t.renegotiateAllLocked()

	id := stream.ID
	t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(id, domain.Connecting) })
	if t.anyConnectedLocked() {
		t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(id, domain.Connected) })
		t.emitLocked(func(o ports.MediaObserver) { o.OnKeyframeRequest(id) })
	}
	t.logger.Debugw("webrtc stream opened", "stream_id", id, "codec", codecMime(stream.Codec), "peers", len(t.peers))
	return nil
}

func (t *WebRTCTransport) CloseStream(id domain.StreamID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[id]; !ok {
		return domain.ErrStreamNotFound
	}
	delete(t.streams, id)
	for _, p := range t.peers {
		sender, ok := p.senders[id]
		if !ok {
			continue
		}
		delete(p.senders, id)
		if err := p.pc.RemoveTrack(sender); err != nil {
			t.logger.Debugw("failed to remove stream from peer", "peer_id", p.id, "stream_id", id, "error", err)
		}
	}
	t.renegotiateAllLocked()
	t.emitLocked(func(o ports.MediaObserver) { o.OnTransportState(id, domain.Disconnected) })
	return nil
}

func (t *WebRTCTransport) SendVideo(id domain.StreamID, frame domain.EncodedFrame) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return errNotOpen
	}
	st, ok := t.streams[id]
	if !ok {
		t.mu.Unlock()
		return domain.ErrStreamNotFound
	}
	st.frames++
	st.bytes += int64(len(frame.Data))
	if frame.Type == domain.IFrame {
		st.sawIFrame = true
	} else if !st.sawIFrame {
		t.emitLocked(func(o ports.MediaObserver) { o.OnKeyframeRequest(id) })
	}
	track, duration := st.track, st.duration
	t.mu.Unlock()

	if err := track.WriteSample(pionmedia.Sample{Data: frame.Data, Duration: duration}); err != nil {
		return fmt.Errorf("write video sample: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) SendAudio(frame domain.AudioFrame) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return errNotOpen
	}
	track := t.audio
	if track == nil {
		t.mu.Unlock()
		return errors.New("audio track not enabled")
	}
	t.counters.frames++
	t.counters.bytes += int64(len(frame.Data))
	t.mu.Unlock()

	rate, channels := frame.SampleRate, frame.Channels
	if rate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid audio format %d Hz x %d", rate, channels)
	}
	samples := len(frame.Data) / (2 * channels)
	duration := time.Duration(samples) * time.Second / time.Duration(rate)
	if err := track.WriteSample(pionmedia.Sample{Data: swap16(frame.Data), Duration: duration}); err != nil {
		return fmt.Errorf("write audio sample: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) MuteRemote(peer domain.DeviceID, mute bool) error {
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

// Connected reports whether the stream reaches at least one peer.
func (t *WebRTCTransport) Connected(id domain.StreamID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[id]
	return ok && t.anyConnectedLocked()
}

// Stats reports the send rates since the previous call and the latest
// receiver feedback. A known round trip is also published as latency.
func (t *WebRTCTransport) Stats(id domain.StreamID) (domain.MediaState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.streams[id]
	if !ok {
		return domain.MediaState{}, false
	}

	now := time.Now()
	elapsed := now.Sub(st.lastStats).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	state := domain.MediaState{
		StreamID:    id,
		FPS:         int(float64(st.frames-st.lastFrames) / elapsed),
		Bps:         int(float64(st.bytes-st.lastBytes) * 8 / elapsed),
		RTT:         int(st.rtt.Milliseconds()),
		Lost:        st.lost,
		PacketsSent: st.frames,
		Candidate:   t.candidateLocked(),
	}
	st.lastFrames, st.lastBytes, st.lastStats = st.frames, st.bytes, now

	if st.rtt > 0 {
		vcct := int(2 * st.rtt.Milliseconds())
		t.emitLocked(func(o ports.MediaObserver) { o.OnLatency(domain.LatencyReport{StreamID: id, VCCT: vcct}) })
	}
	return state, true
}

func (t *WebRTCTransport) candidateLocked() domain.CandidateType {
	best := domain.CandidateHost
	for _, p := range t.peers {
		if p.connected && p.candidate > best {
			best = p.candidate
		}
	}
	return best
}

func (t *WebRTCTransport) AudioStats() (domain.MediaState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || t.counters.frames == 0 {
		return domain.MediaState{}, false
	}
	now := time.Now()
	elapsed := now.Sub(t.counters.lastStats).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	st := domain.MediaState{
		StreamID:    -1,
		FPS:         int(float64(t.counters.frames-t.counters.lastFrames) / elapsed),
		Bps:         int(float64(t.counters.bytes-t.counters.lastBytes) * 8 / elapsed),
		PacketsSent: t.counters.frames,
		Candidate:   t.candidateLocked(),
	}
	t.counters.lastFrames, t.counters.lastBytes, t.counters.lastStats = t.counters.frames, t.counters.bytes, now
	return st, true
}

// Measure reports what the streams send during d. Bandwidth is the receiver
// estimate when one arrived, otherwise the measured send rate.
func (t *WebRTCTransport) Measure(ctx context.Context, ids []domain.StreamID, d time.Duration) ([]domain.LinkMeasurement, error) {
	t.mu.Lock()
	if !t.anyConnectedLocked() {
		t.mu.Unlock()
		return nil, domain.ErrStreamNotFound
	}
	start := make(map[domain.StreamID]int64, len(ids))
	for _, id := range ids {
		st, ok := t.streams[id]
		if !ok {
			t.mu.Unlock()
			return nil, domain.ErrStreamNotFound
		}
		start[id] = st.bytes
	}
	t.mu.Unlock()

	began := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	elapsed := time.Since(began).Seconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	results := make([]domain.LinkMeasurement, 0, len(ids))
	for _, id := range ids {
		st, ok := t.streams[id]
		if !ok {
			return nil, domain.ErrStreamNotFound
		}
		bandwidth := st.remb
		if bandwidth == 0 && elapsed > 0 {
			bandwidth = int(float64(st.bytes-start[id]) * 8 / 1000 / elapsed)
		}
		results = append(results, domain.LinkMeasurement{
			StreamID:  id,
			RTT:       st.rtt,
			Loss:      st.fraction,
			Bandwidth: bandwidth,
		})
	}
	return results, nil
}

func (t *WebRTCTransport) detachPeersLocked() []*rtcPeer {
	peers := make([]*rtcPeer, 0, len(t.peers))
	for id, p := range t.peers {
		peers = append(peers, p)
		delete(t.peers, id)
	}
	return peers
}

// closePeers runs outside the transport lock since pion waits for its
// callbacks while closing.
func closePeers(peers []*rtcPeer) {
	for _, p := range peers {
		_ = p.pc.Close()
	}
}

// Close ends every peer connection and the event goroutine. Known peers
// are kept so a reopened transport connects to them again.
func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	t.obs = nil
	stale := t.detachPeersLocked()
	t.streams = make(map[domain.StreamID]*rtcStream)
	t.muted = make(map[domain.DeviceID]bool)
	t.audio = nil
	t.outbox = deque.Deque{}
	close(t.done)
	t.mu.Unlock()

	closePeers(stale)
	t.wg.Wait()
	return nil
}
