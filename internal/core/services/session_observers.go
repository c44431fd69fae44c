package services

import (
	"context"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
)

// signalObserver forwards signaling events of one session generation.
// Events of an ended generation are ignored.
type signalObserver struct {
	s   *Session
	gen uint64
}

func (o *signalObserver) OnSignalState(state domain.SignalState, err error) {
	s := o.s
	s.mu.Lock()
	if s.gen != o.gen {
		s.mu.Unlock()
		return
	}
	s.signalState = state
	s.signalSeen = true
	s.metrics.SetSignalState(state)
	if state == domain.SignalReup {
		s.metrics.SignalReconnect()
	}

	var waitResult error
	notify := false
	switch {
	case state.Usable():
		if s.state == domain.Connecting {
			s.setStateLocked(domain.Connected)
			notify = true
		}
	case state.Terminal():
		waitResult = terminalError(state, err)
		notify = true
	}
	if notify && s.waiter != nil {
		select {
		case s.waiter <- waitResult:
		default:
		}
	}
	s.mu.Unlock()

	s.events.SignalState.Emit(domain.SignalEvent{State: state, Err: err})

	switch {
	case state.Terminal():
		s.log.Warnw("Signaling channel closed by server", "state", state, "error", err)
		// teardown closes the client, which must not happen on its own goroutine
		go s.teardown(o.gen)
	case state == domain.SignalLost:
		s.log.Warnw("Signaling connection lost", "error", err)
	default:
		s.log.Infow("Signaling state changed", "state", state)
	}
}

func terminalError(state domain.SignalState, err error) error {
	if c := fgerrors.CodeOf(err); c != fgerrors.Succeed && c != fgerrors.CommonError {
		return err
	}
	if state == domain.SignalKickout {
		return fgerrors.Wrap(err, fgerrors.SignalAlreadyLoggedIn, "device logged in elsewhere")
	}
	return fgerrors.Wrap(err, fgerrors.SignalCredentialRejected, "signaling credentials rejected")
}

func (o *signalObserver) OnConnectFailed(attempt int, err error) {
	s := o.s
	s.mu.Lock()
	current := s.gen == o.gen
	mode := s.mode
	s.mu.Unlock()
	if !current {
		return
	}

	s.log.Warnw("Signaling connect attempt failed", "attempt", attempt, "error", err)
	if mode != ModeAsync {
		return
	}
	code := fgerrors.CodeOf(err)
	if code == fgerrors.CommonError {
		code = fgerrors.SignalRegisterFailed
	}
	s.events.Error.Emit(domain.ErrorEvent{Code: code, Message: err.Error()})
}

func (o *signalObserver) OnControlData(sender domain.DeviceID, frame []byte) {
	s := o.s
	s.mu.Lock()
	control := s.control
	current := s.gen == o.gen
	s.mu.Unlock()
	if !current || control == nil {
		return
	}
	control.Deliver(context.Background(), sender, frame)
}

func (o *signalObserver) OnPeerJoined(peer domain.DeviceID) {
	s := o.s
	s.mu.Lock()
	table := s.permissions
	current := s.gen == o.gen
	s.mu.Unlock()
	if !current || table == nil {
		return
	}
	table.Join(peer)
	if n, ok := s.deps.Media.(ports.MediaNegotiator); ok {
		n.PeerJoined(peer)
	}
	s.log.Infow("Remote operator joined", "peer_id", peer)
}

func (o *signalObserver) OnPeerLeft(peer domain.DeviceID) {
	s := o.s
	s.mu.Lock()
	table, registry := s.permissions, s.registry
	current := s.gen == o.gen
	s.mu.Unlock()
	if !current || table == nil {
		return
	}

	if n, ok := s.deps.Media.(ports.MediaNegotiator); ok {
		n.PeerLeft(peer)
	}
	changes := table.Remove(peer)
	for _, c := range changes {
		s.events.PermissionChanged.Emit(c)
		if c.From == domain.PermissionMaster && registry != nil {
			registry.SetMaster(context.Background(), "")
		}
	}
	s.log.Infow("Remote operator left", "peer_id", peer)
}

func (o *signalObserver) OnPermissionRequest(req domain.PermissionRequest) {
	s := o.s
	s.mu.Lock()
	current := s.gen == o.gen
	s.mu.Unlock()
	if !current {
		return
	}
	s.events.PermissionRequest.Emit(req)
}

func (o *signalObserver) OnMediaSignal(sig domain.MediaSignal) {
	s := o.s
	s.mu.Lock()
	current := s.gen == o.gen
	s.mu.Unlock()
	if !current {
		return
	}
	if n, ok := s.deps.Media.(ports.MediaNegotiator); ok {
		n.HandleMediaSignal(sig)
	}
}

// mediaObserver forwards transport feedback to the stream pipelines.
type mediaObserver struct {
	s   *Session
	gen uint64
}

func (o *mediaObserver) current() (*StreamRegistry, bool) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	return o.s.registry, o.s.gen == o.gen && o.s.registry != nil
}

func (o *mediaObserver) lookup(id domain.StreamID) *MediaPipeline {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if o.s.gen != o.gen {
		return nil
	}
	return o.s.pipelines[id]
}

func (o *mediaObserver) OnTransportState(id domain.StreamID, state domain.ConnState) {
	registry, ok := o.current()
	if !ok {
		return
	}
	// a stream leaves the registry only through Stop
	if state == domain.Disconnected || state == domain.Disconnecting {
		state = domain.Connecting
	}
	if err := registry.SetState(context.Background(), id, state); err != nil {
		o.s.log.Debugw("transport state for inactive stream", "stream_id", id, "error", err)
	}
}

func (o *mediaObserver) OnKeyframeRequest(id domain.StreamID) {
	if p := o.lookup(id); p != nil {
		p.RequestKeyframe()
	}
}

func (o *mediaObserver) OnBitrateSuggestion(id domain.StreamID, kbps int) {
	if p := o.lookup(id); p != nil {
		p.SuggestBitrate(kbps)
	}
}

func (o *mediaObserver) OnLatency(report domain.LatencyReport) {
	registry, ok := o.current()
	if !ok {
		return
	}
	o.s.events.Latency.EmitIf(report, registry.ActiveGuard(report.StreamID))
}

func (o *mediaObserver) OnRemoteAudio(frame domain.AudioFrame) {
	if _, ok := o.current(); !ok {
		return
	}
	o.s.events.RemoteMixAudio.Emit(frame)
}
