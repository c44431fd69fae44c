package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	fgerrors "fieldgw/pkg/errors"
)

func testStream(id domain.StreamID, protocol domain.StreamProtocol) *domain.Stream {
	return &domain.Stream{
		ID:         id,
		Protocol:   protocol,
		Codec:      domain.CodecH264,
		Width:      640,
		Height:     480,
		FPS:        30,
		Bitrate:    2000,
		MinBitrate: 500,
	}
}

func newTestPipeline(t *testing.T, stream *domain.Stream, enc *fakeEncoder) (*MediaPipeline, *fakeMediaTransport, *Dispatcher) {
	t.Helper()
	transport := newFakeMediaTransport()
	events := newTestDispatcher(t)
	var encoder ports.Encoder
	if enc != nil {
		encoder = enc
	}
	p := NewMediaPipeline(stream, encoder, &fakeRenderer{}, transport, events, nil, zap.NewNop().Sugar())
	return p, transport, events
}

func i420(w, h int) domain.RawFrame {
	return domain.RawFrame{Data: make([]byte, w*h*3/2), Width: w, Height: h, Format: domain.ColorI420}
}

func TestMediaPipeline_PushRawEncodesAndSends(t *testing.T) {
	enc := &fakeEncoder{}
	p, transport, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), enc)

	require.NoError(t, p.PushRaw(i420(640, 480), nil))

	frames := transport.frames(0)
	require.Len(t, frames, 1)
	assert.Equal(t, domain.IFrame, frames[0].Type)
	require.Len(t, enc.frames, 1)
	assert.Len(t, enc.frames[0].Data, 640*480*3/2)
}

func TestMediaPipeline_RawValidation(t *testing.T) {
	enc := &fakeEncoder{}
	p, transport, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), enc)

	odd := i420(640, 480)
	odd.Width = 639

	short := i420(640, 480)
	short.Data = short.Data[:100]

	wrongSize := i420(640, 480)
	wrongSize.Size = 42

	jpegNoSize := domain.RawFrame{Data: make([]byte, 2048), Width: 640, Height: 480, Format: domain.ColorJPEG}

	cases := []struct {
		name  string
		frame domain.RawFrame
		want  fgerrors.Code
	}{
		{"encoded format", domain.RawFrame{Data: []byte{1}, Width: 640, Height: 480, Format: domain.ColorH264}, fgerrors.ExternalFrameInvalid},
		{"unknown format", domain.RawFrame{Data: []byte{1}, Width: 640, Height: 480, Format: domain.ColorFormat(99)}, fgerrors.ExternalFrameInvalid},
		{"zero width", domain.RawFrame{Width: 0, Height: 480, Format: domain.ColorI420}, fgerrors.ExternalFrameInvalid},
		{"odd dimensions", odd, fgerrors.ExternalFrameInvalid},
		{"resized", i420(1280, 720), fgerrors.ExternalResize},
		{"short buffer", short, fgerrors.ExternalFrameInvalid},
		{"size mismatch", wrongSize, fgerrors.ExternalFrameInvalid},
		{"jpeg without size", jpegNoSize, fgerrors.ExternalFrameInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.PushRaw(tc.frame, nil)
			assert.Equal(t, tc.want, fgerrors.CodeOf(err))
		})
	}
	assert.Empty(t, transport.frames(0))
	assert.Empty(t, enc.frames)
}

func TestMediaPipeline_JPEGWithDeclaredSize(t *testing.T) {
	enc := &fakeEncoder{}
	p, transport, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), enc)

	frame := domain.RawFrame{Data: make([]byte, 4096), Width: 640, Height: 480, Format: domain.ColorMJPEG, Size: 3000}
	require.NoError(t, p.PushRaw(frame, nil))
	require.Len(t, enc.frames, 1)
	assert.Len(t, enc.frames[0].Data, 3000)
	assert.Len(t, transport.frames(0), 1)
}

func TestMediaPipeline_ModeConflict(t *testing.T) {
	raw, _, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), &fakeEncoder{})
	encoded, _, _ := newTestPipeline(t, testStream(1, domain.ProtocolOutEnc), nil)
	internal, _, _ := newTestPipeline(t, testStream(2, domain.ProtocolV4L2), &fakeEncoder{})

	assert.Equal(t, fgerrors.ExternalModeConflict, fgerrors.CodeOf(raw.PushEncoded(domain.EncodedFrame{Codec: domain.ColorH264, Data: []byte{1}})))
	assert.Equal(t, fgerrors.ExternalModeConflict, fgerrors.CodeOf(encoded.PushRaw(i420(640, 480), nil)))
	assert.Equal(t, fgerrors.ExternalModeConflict, fgerrors.CodeOf(internal.PushRaw(i420(640, 480), nil)))
	assert.Equal(t, fgerrors.ExternalModeConflict, fgerrors.CodeOf(raw.Feed(domain.CaptureFrame{})))
}

func TestMediaPipeline_OverlayRenderedOnCopy(t *testing.T) {
	enc := &fakeEncoder{}
	p, _, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), enc)
	renderer := p.renderer.(*fakeRenderer)

	frame := i420(640, 480)
	require.NoError(t, p.PushRaw(frame, &domain.TextOverlay{Text: "speed 12", BorderSize: 2}))

	require.Len(t, renderer.rendered, 1)
	assert.Equal(t, byte(0xFF), enc.frames[0].Data[0])
	assert.Equal(t, byte(0), frame.Data[0], "caller buffer must stay untouched")

	err := p.PushRaw(frame, &domain.TextOverlay{Text: "x", BorderSize: 4})
	assert.Equal(t, fgerrors.InitParamError, fgerrors.CodeOf(err))
	assert.Len(t, enc.frames, 1)
}

func TestMediaPipeline_EncodedCodecMismatch(t *testing.T) {
	p, transport, _ := newTestPipeline(t, testStream(1, domain.ProtocolOutEnc), nil)

	err := p.PushEncoded(domain.EncodedFrame{Data: []byte{1}, Codec: domain.ColorH265, Type: domain.IFrame})
	assert.Equal(t, fgerrors.ExternalCodecMismatch, fgerrors.CodeOf(err))
	assert.Empty(t, transport.frames(1))
}

func TestMediaPipeline_EncodedRejectsMalformedFrames(t *testing.T) {
	p, transport, _ := newTestPipeline(t, testStream(1, domain.ProtocolOutEnc), nil)

	tests := []struct {
		name  string
		frame domain.EncodedFrame
	}{
		{"negative width", domain.EncodedFrame{Data: []byte{1}, Width: -1, Height: 0, Codec: domain.ColorH264, Type: domain.IFrame}},
		{"zero height", domain.EncodedFrame{Data: []byte{1}, Width: 640, Codec: domain.ColorH264, Type: domain.IFrame}},
		{"empty payload", domain.EncodedFrame{Width: 640, Height: 480, Codec: domain.ColorH264, Type: domain.IFrame}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, fgerrors.ExternalFrameInvalid, fgerrors.CodeOf(p.PushEncoded(tt.frame)))
		})
	}
	assert.Empty(t, transport.frames(1))
}

func TestMediaPipeline_DropsPFramesUntilKeyframe(t *testing.T) {
	p, transport, events := newTestPipeline(t, testStream(1, domain.ProtocolOutEnc), nil)

	var hints []domain.EncodeHint
	events.EncodeFrameInfo.Register(func(h domain.EncodeHint) { hints = append(hints, h) })

	pf := domain.EncodedFrame{Data: []byte{1}, Width: 640, Height: 480, Codec: domain.ColorH264, Type: domain.PFrame}
	kf := domain.EncodedFrame{Data: []byte{2}, Width: 640, Height: 480, Codec: domain.ColorH264, Type: domain.IFrame}

	require.NoError(t, p.PushEncoded(pf))
	require.NoError(t, p.PushEncoded(kf))
	require.NoError(t, p.PushEncoded(pf))
	assert.Len(t, transport.frames(1), 2)

	// a keyframe request restarts the wait and is forwarded to the application
	p.RequestKeyframe()
	require.NoError(t, p.PushEncoded(pf))
	assert.Len(t, transport.frames(1), 2)
	require.NoError(t, p.PushEncoded(kf))
	assert.Len(t, transport.frames(1), 3)

	p.SuggestBitrate(5000)
	events.Flush()
	require.Len(t, hints, 2)
	assert.Equal(t, domain.HintForceKeyframe, hints[0].Type)
	assert.Equal(t, domain.EncodeHint{StreamID: 1, Type: domain.HintBitrate, Bitrate: 2000}, hints[1])
}

func TestMediaPipeline_SteeringAppliedAtNextEncode(t *testing.T) {
	enc := &fakeEncoder{}
	p, transport, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), enc)

	require.NoError(t, p.PushRaw(i420(640, 480), nil))
	p.RequestKeyframe()
	p.SuggestBitrate(100)
	assert.Equal(t, 0, enc.keyframes)
	assert.Empty(t, enc.bitrates)

	require.NoError(t, p.PushRaw(i420(640, 480), nil))
	assert.Equal(t, 1, enc.keyframes)
	assert.Equal(t, []int{500}, enc.bitrates, "suggestions are clamped to the stream minimum")
	frames := transport.frames(0)
	require.Len(t, frames, 2)
	assert.Equal(t, domain.IFrame, frames[1].Type)
}

func TestMediaPipeline_SetROIIsAtomic(t *testing.T) {
	enc := &fakeEncoder{}
	p, _, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), enc)

	good := []domain.ROIRect{{X0: 0.1, Y0: 0.1, X1: 0.5, Y1: 0.5, QPDelta: -3}}
	require.NoError(t, p.SetROI(good))
	assert.Equal(t, good, p.ROI())

	bad := []domain.ROIRect{{X0: 0, Y0: 0, X1: 0.5, Y1: 0.5}, {X0: 0.6, Y0: 0.2, X1: 1.2, Y1: 0.4}}
	err := p.SetROI(bad)
	assert.Equal(t, fgerrors.InitParamError, fgerrors.CodeOf(err))
	assert.Equal(t, good, p.ROI())
	assert.Equal(t, good, enc.roi)

	require.NoError(t, p.SetROI(nil))
	assert.Empty(t, p.ROI())
}

func TestMediaPipeline_PushNative(t *testing.T) {
	p, transport, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), &fakeEncoder{})
	err := p.PushNative(domain.NativeFrame{FD: 3, Width: 640, Height: 480, Format: domain.ColorNV12})
	assert.Equal(t, fgerrors.Unsupported, fgerrors.CodeOf(err))

	native := &fakeNativeEncoder{}
	p2 := NewMediaPipeline(testStream(0, domain.ProtocolOutside), native, nil, transport, newTestDispatcher(t), nil, zap.NewNop().Sugar())
	require.NoError(t, p2.PushNative(domain.NativeFrame{FD: 7, Width: 640, Height: 480, Format: domain.ColorNV12}))
	assert.Equal(t, []int{7}, native.fds)
	assert.Equal(t, fgerrors.ExternalResize, fgerrors.CodeOf(p2.PushNative(domain.NativeFrame{FD: 7, Width: 320, Height: 240})))
}

func TestMediaPipeline_BackpressureDropsFrame(t *testing.T) {
	p, transport, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), &fakeEncoder{})
	transport.sendErr = domain.ErrTransportFull

	assert.NoError(t, p.PushRaw(i420(640, 480), nil))
	assert.Empty(t, transport.frames(0))
}

func TestMediaPipeline_ClosedRejectsPushes(t *testing.T) {
	enc := &fakeEncoder{}
	p, _, _ := newTestPipeline(t, testStream(0, domain.ProtocolOutside), enc)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.True(t, enc.closed)
	assert.Equal(t, fgerrors.ConnectStreamUnknown, fgerrors.CodeOf(p.PushRaw(i420(640, 480), nil)))
}

func TestMediaPipeline_FeedsInternalCapture(t *testing.T) {
	enc := &fakeEncoder{}
	p, transport, _ := newTestPipeline(t, testStream(2, domain.ProtocolV4L2), enc)

	require.NoError(t, p.Feed(domain.CaptureFrame{Data: make([]byte, 640*480*2), Width: 640, Height: 480, Format: domain.ColorYUYV}))
	assert.Len(t, transport.frames(2), 1)

	passthrough, pt, _ := newTestPipeline(t, testStream(3, domain.ProtocolRTSPEnc), nil)
	require.NoError(t, passthrough.Feed(domain.CaptureFrame{Data: []byte{0, 0, 1}, Width: 640, Height: 480, Format: domain.ColorH264}))
	assert.Len(t, pt.frames(3), 1)
}
