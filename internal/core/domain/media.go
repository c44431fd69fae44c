package domain

import "fmt"

// ColorFormat enumerates frame formats accepted by the media pipeline.
type ColorFormat int

const (
	ColorI420  ColorFormat = 0
	ColorUYVY  ColorFormat = 3
	ColorYUYV  ColorFormat = 4
	ColorJPEG  ColorFormat = 5
	ColorARGB  ColorFormat = 6
	ColorNV12  ColorFormat = 7
	ColorMJPEG ColorFormat = 8
	ColorEYUYV ColorFormat = 9
	ColorH264  ColorFormat = 10
	ColorH265  ColorFormat = 11
	ColorAV1   ColorFormat = 12
)

var colorNames = map[ColorFormat]string{
	ColorI420:  "i420",
	ColorUYVY:  "uyvy",
	ColorYUYV:  "yuyv",
	ColorJPEG:  "jpeg",
	ColorARGB:  "argb",
	ColorNV12:  "nv12",
	ColorMJPEG: "mjpeg",
	ColorEYUYV: "eyuyv",
	ColorH264:  "h264",
	ColorH265:  "h265",
	ColorAV1:   "av1",
}

func (c ColorFormat) String() string {
	if n, ok := colorNames[c]; ok {
		return n
	}
	return fmt.Sprintf("color(%d)", int(c))
}

// Known reports whether c is part of the capability set.
func (c ColorFormat) Known() bool {
	_, ok := colorNames[c]
	return ok
}

// Encoded reports whether c is a compressed video codec.
func (c ColorFormat) Encoded() bool {
	return c == ColorH264 || c == ColorH265 || c == ColorAV1
}

// VariableSize formats carry no fixed byte count per frame.
func (c ColorFormat) VariableSize() bool {
	return c == ColorJPEG || c == ColorMJPEG || c.Encoded()
}

// EvenDimensions reports whether chroma subsampling requires even sizes.
func (c ColorFormat) EvenDimensions() bool {
	switch c {
	case ColorI420, ColorNV12, ColorUYVY, ColorYUYV, ColorEYUYV:
		return true
	}
	return false
}

// FrameSize is the byte size of one frame, 0 for variable size formats.
func (c ColorFormat) FrameSize(width, height int) int {
	switch c {
	case ColorI420, ColorNV12:
		return width * height * 3 / 2
	case ColorUYVY, ColorYUYV, ColorEYUYV:
		return width * height * 2
	case ColorARGB:
		return width * height * 4
	}
	return 0
}

// Codec is the encoder codec of a stream as written in the configuration.
type Codec int

const (
	CodecH264 Codec = 0
	CodecH265 Codec = 1
	CodecAV1  Codec = 2
)

// Color maps the codec onto its encoded ColorFormat.
func (c Codec) Color() ColorFormat {
	switch c {
	case CodecH265:
		return ColorH265
	case CodecAV1:
		return ColorAV1
	}
	return ColorH264
}

// FrameType of an encoded frame.
type FrameType int

const (
	PFrame FrameType = 0
	IFrame FrameType = 1
)

// RawFrame is an uncompressed or JPEG-family image pushed by the application.
type RawFrame struct {
	Data   []byte
	Width  int
	Height int
	Format ColorFormat
	Size   int // 0 = computed from format and dimensions
}

// EncodedFrame is a compressed frame pushed by the application.
type EncodedFrame struct {
	Data   []byte
	Width  int
	Height int
	Codec  ColorFormat
	Type   FrameType
}

// NativeFrame references a platform buffer (dma-buf fd) instead of bytes.
type NativeFrame struct {
	FD     int
	Width  int
	Height int
	Format ColorFormat
}

// AudioFrame is 10ms of 16-bit PCM.
type AudioFrame struct {
	Data       []byte
	Channels   int
	SampleRate int
}

// TextOverlay is text burned into a raw frame before encoding.
type TextOverlay struct {
	Text        string
	X           int
	Y           int
	BorderSize  int // 0..3
	TextColor   [4]uint8 // BGRA
	BorderColor [4]uint8 // BGRA
}

// MaxOverlayBorder is the largest accepted overlay border.
const MaxOverlayBorder = 3

// ROIRect is an encoder region of interest in normalized coordinates.
type ROIRect struct {
	X0, Y0  float64
	X1, Y1  float64
	QPDelta int
}

// Valid reports whether the rectangle lies inside [0,1] and is not empty.
func (r ROIRect) Valid() bool {
	in := func(v float64) bool { return v >= 0 && v <= 1 }
	return in(r.X0) && in(r.Y0) && in(r.X1) && in(r.Y1) && r.X0 < r.X1 && r.Y0 < r.Y1
}

// EncodeHintType of steering feedback.
type EncodeHintType int

const (
	HintForceKeyframe EncodeHintType = 0
	HintBitrate       EncodeHintType = 1
)

// EncodeHint is steering feedback for a stream encoder.
type EncodeHint struct {
	StreamID StreamID
	Type     EncodeHintType
	Bitrate  int // kbps, set for HintBitrate
}

// CandidateType is the connectivity mode of a media transport.
type CandidateType int

const (
	CandidateHost  CandidateType = 0
	CandidateSrflx CandidateType = 1
	CandidatePrflx CandidateType = 2
	CandidateRelay CandidateType = 3
)

// MediaState is a periodic transport report for one stream.
type MediaState struct {
	StreamID    StreamID
	FPS         int
	Bps         int
	RTT         int // ms
	Lost        int64
	PacketsSent int64
	Candidate   CandidateType
}

// LatencyReport carries the video/control closed-loop delay in ms.
type LatencyReport struct {
	StreamID StreamID
	VCCT     int
}

// MediaSignalKind is the negotiation step carried by a MediaSignal.
type MediaSignalKind string

const (
	MediaSignalOffer  MediaSignalKind = "offer"
	MediaSignalAnswer MediaSignalKind = "answer"
	MediaSignalICE    MediaSignalKind = "ice"
)

// MediaSignal is a session description or ICE candidate exchanged with one
// remote peer. Data is SDP for offers and answers and a JSON candidate
// for ice.
type MediaSignal struct {
	Peer DeviceID
	Kind MediaSignalKind
	Data string
}
