package ports

import (
	"context"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/pkg/config"
)

type ConfigLoader interface {
	Parse(data []byte) (*config.Config, error)
	Load(path string) (*config.Config, error)
}

type LicenseValidator interface {
	// ValidateFile checks a local license file against the configuration.
	ValidateFile(ctx context.Context, path string, cfg *config.Config) error
	// CheckCloud verifies the device license with the public cloud.
	CheckCloud(ctx context.Context, cfg *config.Config) error
}

// SignalingObserver receives signaling events in arrival order from a
// single goroutine.
type SignalingObserver interface {
	OnSignalState(state domain.SignalState, err error)
	// OnConnectFailed reports a failed connect or login attempt that will be retried.
	OnConnectFailed(attempt int, err error)
	OnControlData(sender domain.DeviceID, frame []byte)
	OnPeerJoined(peer domain.DeviceID)
	OnPeerLeft(peer domain.DeviceID)
	OnPermissionRequest(req domain.PermissionRequest)
	OnMediaSignal(sig domain.MediaSignal)
}

// MediaSignaler carries media negotiation messages to remote peers.
type MediaSignaler interface {
	SendMediaSignal(ctx context.Context, sig domain.MediaSignal) error
}

// SignalingClient is the device side of the signaling channel. Control
// data to remote operators is relayed over the same connection.
type SignalingClient interface {
	ControlTransport
	MediaSignaler
	// Open starts connecting in the background. Outcomes arrive on obs.
	Open(ctx context.Context, obs SignalingObserver) error
	SendPermissionUpdate(ctx context.Context, changes []domain.PermissionChange) error
	Close() error
}

type SignalingFactory interface {
	NewSignalingClient(cfg *config.Config) (SignalingClient, error)
}

// ControlTransport carries encoded control frames to remote operators.
type ControlTransport interface {
	// SendControl returns ErrTransportFull when the send buffer is exhausted.
	SendControl(ctx context.Context, frame []byte, qos domain.QoS) error
	// Receivers is the number of remote peers able to receive control data.
	Receivers() int
}

// MediaObserver receives transport feedback.
type MediaObserver interface {
	OnTransportState(id domain.StreamID, state domain.ConnState)
	OnKeyframeRequest(id domain.StreamID)
	OnBitrateSuggestion(id domain.StreamID, kbps int)
	OnLatency(report domain.LatencyReport)
	OnRemoteAudio(frame domain.AudioFrame)
}

type MediaTransport interface {
	Open(ctx context.Context, obs MediaObserver) error
	OpenStream(ctx context.Context, stream *domain.Stream) error
	CloseStream(id domain.StreamID) error
	SendVideo(id domain.StreamID, frame domain.EncodedFrame) error
	SendAudio(frame domain.AudioFrame) error
	MuteRemote(peer domain.DeviceID, mute bool) error
	Connected(id domain.StreamID) bool
	Stats(id domain.StreamID) (domain.MediaState, bool)
	AudioStats() (domain.MediaState, bool)
	// Measure reports what the given streams achieve during d. Streams must be connected.
	Measure(ctx context.Context, ids []domain.StreamID, d time.Duration) ([]domain.LinkMeasurement, error)
	Close() error
}

// MediaNegotiator is implemented by transports that negotiate a media
// session per remote peer over the signaling channel.
type MediaNegotiator interface {
	AttachSignaler(sig MediaSignaler)
	HandleMediaSignal(sig domain.MediaSignal)
	PeerJoined(peer domain.DeviceID)
	PeerLeft(peer domain.DeviceID)
}

type Encoder interface {
	Encode(frame domain.RawFrame) (domain.EncodedFrame, error)
	ForceKeyframe()
	SetBitrate(kbps int)
	SetROI(rects []domain.ROIRect)
	Close() error
}

// NativeEncoder is implemented by encoders that accept platform buffers.
type NativeEncoder interface {
	EncodeNative(frame domain.NativeFrame) (domain.EncodedFrame, error)
}

type EncoderFactory interface {
	NewEncoder(stream *domain.Stream) (Encoder, error)
}

type TextRenderer interface {
	SetFont(path string, size float64, charset string) error
	Render(frame *domain.RawFrame, overlay domain.TextOverlay) error
}

type CaptureHandle interface {
	Close() error
}

type CaptureDriver interface {
	// Open starts delivering frames to deliver until the handle is closed.
	Open(ctx context.Context, src domain.CaptureSource, deliver func(domain.CaptureFrame)) (CaptureHandle, error)
}

type RecordWriter interface {
	WriteFrame(frame domain.RecordFrame) error
	Switch(filename string) error
	Close() error
}

type RecorderSink interface {
	Open(id domain.RecorderID, spec domain.RecorderSpec) (RecordWriter, error)
}

type PathSampler interface {
	Sample(ctx context.Context) ([]domain.PathSample, error)
}

type MetricsRecorder interface {
	SetSessionState(state domain.ConnState)
	SetSignalState(state domain.SignalState)
	SetStreamState(id domain.StreamID, state domain.ConnState)
	ObserveFrame(id domain.StreamID, kind string, bytes int)
	FrameDropped(id domain.StreamID, reason string)
	ControlSent(bytes int)
	ControlReceived(bytes int)
	ControlRejected(reason string)
	ObservePath(path domain.NetworkPath)
	EventDelivered(class string, latency time.Duration)
	EventDiscarded(class string)
	SignalReconnect()
}
