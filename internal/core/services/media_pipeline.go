package services

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
)

// MediaPipeline accepts frames for one stream, validates them against the
// stream configuration and hands encoded output to the media transport.
// Every push either applies completely or fails without side effects.
type MediaPipeline struct {
	stream    domain.Stream
	mode      domain.InputMode
	encoder   ports.Encoder
	renderer  ports.TextRenderer
	transport ports.MediaTransport
	events    *Dispatcher
	metrics   ports.MetricsRecorder
	log       *zap.SugaredLogger

	mu              sync.Mutex
	roi             []domain.ROIRect
	pendingKeyframe bool
	pendingBitrate  int
	awaitKeyframe   bool
	closed          bool
}

// NewMediaPipeline creates the pipeline of stream. encoder may be nil for
// streams whose input is already encoded.
func NewMediaPipeline(stream *domain.Stream, encoder ports.Encoder, renderer ports.TextRenderer, transport ports.MediaTransport, events *Dispatcher, metrics ports.MetricsRecorder, log *zap.SugaredLogger) *MediaPipeline {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &MediaPipeline{
		stream:        *stream.Clone(),
		mode:          stream.Protocol.InputMode(),
		encoder:       encoder,
		renderer:      renderer,
		transport:     transport,
		events:        events,
		metrics:       metrics,
		log:           log.With("stream_id", stream.ID),
		awaitKeyframe: true,
	}
}

func (p *MediaPipeline) StreamID() domain.StreamID { return p.stream.ID }

func (p *MediaPipeline) Mode() domain.InputMode { return p.mode }

// BitrateRange returns the configured minimum and target bitrate in kbps.
func (p *MediaPipeline) BitrateRange() (min, target int) {
	return p.stream.MinBitrate, p.stream.Bitrate
}

// PushRaw submits an uncompressed or JPEG-family frame. overlay may be nil.
func (p *MediaPipeline) PushRaw(frame domain.RawFrame, overlay *domain.TextOverlay) error {
	if p.mode != domain.InputExternalRaw {
		return p.modeConflict("raw")
	}
	return p.encodeRaw(frame, overlay)
}

// PushNative submits a platform buffer. The encoder must accept native frames.
func (p *MediaPipeline) PushNative(frame domain.NativeFrame) error {
	if p.mode != domain.InputExternalRaw {
		return p.modeConflict("native")
	}
	native, ok := p.encoder.(ports.NativeEncoder)
	if !ok {
		return fgerrors.New(fgerrors.Unsupported, "encoder does not accept platform buffers")
	}
	if frame.FD < 0 {
		return fgerrors.Newf(fgerrors.ExternalFrameInvalid, "invalid buffer handle %d", frame.FD)
	}
	if frame.Width != p.stream.Width || frame.Height != p.stream.Height {
		return p.resized(frame.Width, frame.Height)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fgerrors.New(fgerrors.ConnectStreamUnknown, "stream stopped")
	}
	p.applyPendingLocked()
	enc, err := native.EncodeNative(frame)
	if err != nil {
		return fgerrors.Wrap(err, fgerrors.ExternalFrameInvalid, "failed to encode platform buffer")
	}
	p.sendLocked(enc, "native")
	return nil
}

// PushEncoded submits an already compressed frame.
func (p *MediaPipeline) PushEncoded(frame domain.EncodedFrame) error {
	if p.mode != domain.InputExternalEncoded {
		return p.modeConflict("encoded")
	}
	return p.forwardEncoded(frame, "encoded")
}

// Feed injects a frame produced by the stream's own capture source.
func (p *MediaPipeline) Feed(frame domain.CaptureFrame) error {
	if p.mode != domain.InputInternalCapture {
		return p.modeConflict("capture")
	}
	if frame.Format.Encoded() {
		// passthrough sources do not tag frame types
		return p.forwardEncoded(domain.EncodedFrame{
			Data:   frame.Data,
			Width:  frame.Width,
			Height: frame.Height,
			Codec:  frame.Format,
			Type:   domain.IFrame,
		}, "capture")
	}
	return p.encodeRaw(domain.RawFrame{Data: frame.Data, Width: frame.Width, Height: frame.Height, Format: frame.Format}, nil)
}

func (p *MediaPipeline) encodeRaw(frame domain.RawFrame, overlay *domain.TextOverlay) error {
	size, err := p.validateRaw(frame)
	if err != nil {
		return err
	}
	render := overlay != nil && overlay.Text != ""
	if overlay != nil {
		if overlay.BorderSize < 0 || overlay.BorderSize > domain.MaxOverlayBorder {
			return fgerrors.Newf(fgerrors.InitParamError, "overlay border %d outside 0..%d", overlay.BorderSize, domain.MaxOverlayBorder)
		}
		if render && p.renderer == nil {
			return fgerrors.New(fgerrors.Unsupported, "no text renderer configured")
		}
	}
	if p.encoder == nil {
		return fgerrors.New(fgerrors.Unsupported, "stream has no encoder")
	}

	frame.Data = frame.Data[:size]
	if render {
		// the caller keeps ownership of its buffer
		frame.Data = append([]byte(nil), frame.Data...)
		if err := p.renderer.Render(&frame, *overlay); err != nil {
			return fgerrors.Wrap(err, fgerrors.InitParamError, "failed to render overlay")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fgerrors.New(fgerrors.ConnectStreamUnknown, "stream stopped")
	}
	p.applyPendingLocked()
	enc, err := p.encoder.Encode(frame)
	if err != nil {
		return fgerrors.Wrap(err, fgerrors.ExternalFrameInvalid, "failed to encode frame")
	}
	p.sendLocked(enc, "raw")
	return nil
}

func (p *MediaPipeline) validateRaw(frame domain.RawFrame) (int, error) {
	f := frame.Format
	if !f.Known() || f.Encoded() {
		return 0, fgerrors.Newf(fgerrors.ExternalFrameInvalid, "format %s is not a raw format", f)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return 0, fgerrors.Newf(fgerrors.ExternalFrameInvalid, "invalid frame size %dx%d", frame.Width, frame.Height)
	}
	if f.EvenDimensions() && (frame.Width%2 != 0 || frame.Height%2 != 0) {
		return 0, fgerrors.Newf(fgerrors.ExternalFrameInvalid, "%s needs even dimensions, got %dx%d", f, frame.Width, frame.Height)
	}
	if frame.Width != p.stream.Width || frame.Height != p.stream.Height {
		return 0, p.resized(frame.Width, frame.Height)
	}

	size := frame.Size
	if f.VariableSize() {
		if size <= 0 {
			return 0, fgerrors.Newf(fgerrors.ExternalFrameInvalid, "%s frames need an explicit size", f)
		}
	} else {
		want := f.FrameSize(frame.Width, frame.Height)
		if size == 0 {
			size = want
		} else if size != want {
			return 0, fgerrors.Newf(fgerrors.ExternalFrameInvalid, "declared size %d, %s %dx%d is %d bytes", size, f, frame.Width, frame.Height, want)
		}
	}
	if len(frame.Data) < size {
		return 0, fgerrors.Newf(fgerrors.ExternalFrameInvalid, "buffer holds %d of %d bytes", len(frame.Data), size)
	}
	return size, nil
}

func (p *MediaPipeline) forwardEncoded(frame domain.EncodedFrame, kind string) error {
	want := p.stream.Codec.Color()
	if frame.Codec != want {
		return fgerrors.Newf(fgerrors.ExternalCodecMismatch, "stream codec is %s, got %s", want, frame.Codec)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return fgerrors.Newf(fgerrors.ExternalFrameInvalid, "invalid frame size %dx%d", frame.Width, frame.Height)
	}
	if len(frame.Data) == 0 {
		return fgerrors.New(fgerrors.ExternalFrameInvalid, "empty encoded frame")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fgerrors.New(fgerrors.ConnectStreamUnknown, "stream stopped")
	}
	if p.awaitKeyframe {
		if frame.Type != domain.IFrame {
			p.metrics.FrameDropped(p.stream.ID, "await_keyframe")
			return nil
		}
		p.awaitKeyframe = false
	}
	p.sendLocked(frame, kind)
	return nil
}

func (p *MediaPipeline) applyPendingLocked() {
	if p.pendingKeyframe {
		p.encoder.ForceKeyframe()
		p.pendingKeyframe = false
	}
	if p.pendingBitrate > 0 {
		p.encoder.SetBitrate(p.pendingBitrate)
		p.pendingBitrate = 0
	}
}

func (p *MediaPipeline) sendLocked(frame domain.EncodedFrame, kind string) {
	if p.transport == nil {
		return
	}
	if err := p.transport.SendVideo(p.stream.ID, frame); err != nil {
		reason := "transport"
		if errors.Is(err, domain.ErrTransportFull) {
			reason = "backpressure"
		}
		p.metrics.FrameDropped(p.stream.ID, reason)
		p.log.Debugw("frame dropped", "kind", kind, "error", err)
		return
	}
	p.metrics.ObserveFrame(p.stream.ID, kind, len(frame.Data))
}

// RequestKeyframe asks for an I-frame at the next encode opportunity.
func (p *MediaPipeline) RequestKeyframe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.mode == domain.InputExternalEncoded {
		p.awaitKeyframe = true
		p.events.EncodeFrameInfo.Emit(domain.EncodeHint{StreamID: p.stream.ID, Type: domain.HintForceKeyframe})
		return
	}
	p.pendingKeyframe = true
}

// SuggestBitrate forwards a transport bitrate estimate in kbps, clamped to
// the stream's configured range.
func (p *MediaPipeline) SuggestBitrate(kbps int) {
	if kbps <= 0 {
		return
	}
	if p.stream.MinBitrate > 0 && kbps < p.stream.MinBitrate {
		kbps = p.stream.MinBitrate
	}
	if p.stream.Bitrate > 0 && kbps > p.stream.Bitrate {
		kbps = p.stream.Bitrate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.mode == domain.InputExternalEncoded {
		p.events.EncodeFrameInfo.Emit(domain.EncodeHint{StreamID: p.stream.ID, Type: domain.HintBitrate, Bitrate: kbps})
		return
	}
	p.pendingBitrate = kbps
}

// SetROI replaces the encoder regions of interest. An empty list clears them.
func (p *MediaPipeline) SetROI(rects []domain.ROIRect) error {
	for i, r := range rects {
		if !r.Valid() {
			return fgerrors.Newf(fgerrors.InitParamError, "roi %d out of range: (%g,%g)-(%g,%g)", i, r.X0, r.Y0, r.X1, r.Y1)
		}
	}
	if p.encoder == nil {
		return fgerrors.New(fgerrors.Unsupported, "stream has no encoder")
	}
	cp := append([]domain.ROIRect(nil), rects...)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.roi = cp
	p.encoder.SetROI(cp)
	return nil
}

// ROI returns the active regions of interest.
func (p *MediaPipeline) ROI() []domain.ROIRect {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ROIRect(nil), p.roi...)
}

// Close rejects further pushes and releases the encoder.
func (p *MediaPipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.encoder != nil {
		return p.encoder.Close()
	}
	return nil
}

func (p *MediaPipeline) modeConflict(kind string) error {
	return fgerrors.Newf(fgerrors.ExternalModeConflict, "stream %d with protocol %s does not accept %s frames", p.stream.ID, p.stream.Protocol, kind)
}

func (p *MediaPipeline) resized(w, h int) error {
	return fgerrors.Newf(fgerrors.ExternalResize, "frame %dx%d, stream %d expects %dx%d", w, h, p.stream.ID, p.stream.Width, p.stream.Height)
}
