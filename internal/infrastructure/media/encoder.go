package media

import (
	"encoding/binary"
	"fmt"
	"sync"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Bitrates at or below lowBitrateKbps trade speed for compression.
const (
	lowBitrateKbps  = 1000
	highBitrateKbps = 4000
)

// EncoderFactory builds a PassthroughEncoder per stream.
type EncoderFactory struct {
	Logger *zap.SugaredLogger
}

func (f EncoderFactory) NewEncoder(stream *domain.Stream) (ports.Encoder, error) {
	gop := stream.FPS * 2
	if gop <= 0 {
		gop = 60
	}
	e := &PassthroughEncoder{
		codec:   stream.Codec.Color(),
		width:   stream.EncodeWidth,
		height:  stream.EncodeHeight,
		gop:     gop,
		bitrate: stream.Bitrate,
		logger:  f.Logger,
	}
	if err := e.setLevel(levelFor(stream.Bitrate)); err != nil {
		return nil, err
	}
	return e, nil
}

// PassthroughEncoder stands in for a hardware codec: raw frames are zstd
// compressed into the stream's codec slot and I-frames follow a fixed GOP.
// Native buffers are forwarded by reference.
type PassthroughEncoder struct {
	codec  domain.ColorFormat
	width  int
	height int
	gop    int
	logger *zap.SugaredLogger

	mu       sync.Mutex
	enc      *zstd.Encoder
	level    zstd.EncoderLevel
	bitrate  int
	count    int
	forceKey bool
	roi      []domain.ROIRect
	closed   bool
}

var _ ports.NativeEncoder = (*PassthroughEncoder)(nil)

func levelFor(kbps int) zstd.EncoderLevel {
	switch {
	case kbps > 0 && kbps <= lowBitrateKbps:
		return zstd.SpeedBetterCompression
	case kbps >= highBitrateKbps:
		return zstd.SpeedFastest
	}
	return zstd.SpeedDefault
}

func (e *PassthroughEncoder) setLevel(level zstd.EncoderLevel) error {
	if e.enc != nil && e.level == level {
		return nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if e.enc != nil {
		_ = e.enc.Close()
	}
	e.enc = enc
	e.level = level
	return nil
}

func (e *PassthroughEncoder) nextTypeLocked() domain.FrameType {
	t := domain.PFrame
	if e.forceKey || e.count%e.gop == 0 {
		t = domain.IFrame
		e.forceKey = false
	}
	e.count++
	return t
}

func (e *PassthroughEncoder) Encode(frame domain.RawFrame) (domain.EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.EncodedFrame{}, domain.ErrClosed
	}
	if frame.Format.Encoded() {
		return domain.EncodedFrame{}, fmt.Errorf("raw encode of %s frame", frame.Format)
	}

	width, height := e.width, e.height
	if width == 0 || height == 0 {
		width, height = frame.Width, frame.Height
	}
	return domain.EncodedFrame{
		Data:   e.enc.EncodeAll(frame.Data, nil),
		Width:  width,
		Height: height,
		Codec:  e.codec,
		Type:   e.nextTypeLocked(),
	}, nil
}

// EncodeNative emits an 8-byte reference to the platform buffer.
func (e *PassthroughEncoder) EncodeNative(frame domain.NativeFrame) (domain.EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.EncodedFrame{}, domain.ErrClosed
	}
	if frame.FD < 0 {
		return domain.EncodedFrame{}, fmt.Errorf("invalid buffer fd %d", frame.FD)
	}

	ref := make([]byte, 8)
	binary.BigEndian.PutUint64(ref, uint64(frame.FD))
	return domain.EncodedFrame{
		Data:   ref,
		Width:  frame.Width,
		Height: frame.Height,
		Codec:  e.codec,
		Type:   e.nextTypeLocked(),
	}, nil
}

func (e *PassthroughEncoder) ForceKeyframe() {
	e.mu.Lock()
	e.forceKey = true
	e.mu.Unlock()
}

func (e *PassthroughEncoder) SetBitrate(kbps int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.bitrate = kbps
	if err := e.setLevel(levelFor(kbps)); err != nil && e.logger != nil {
		e.logger.Warnw("failed to retune encoder", "bitrate_kbps", kbps, "error", err)
	}
}

func (e *PassthroughEncoder) SetROI(rects []domain.ROIRect) {
	e.mu.Lock()
	e.roi = append([]domain.ROIRect(nil), rects...)
	e.mu.Unlock()
}

func (e *PassthroughEncoder) Bitrate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitrate
}

func (e *PassthroughEncoder) ROI() []domain.ROIRect {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ROIRect(nil), e.roi...)
}

func (e *PassthroughEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.enc.Close()
}
