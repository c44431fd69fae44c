package domain

import "time"

type StreamID int

type Direction int

const (
	DirectionCapture  Direction = 0
	DirectionPlayback Direction = 1
)

// StreamProtocol is the input source of a stream as configured.
type StreamProtocol string

const (
	ProtocolV4L2    StreamProtocol = "v4l2"
	ProtocolOutside StreamProtocol = "outside"
	ProtocolOutEnc  StreamProtocol = "out_enc"
	ProtocolRTSPEnc StreamProtocol = "rtsp_enc"
	ProtocolNormal  StreamProtocol = "normal"
)

// InputMode says where a stream's frames come from.
type InputMode int

const (
	InputInternalCapture InputMode = iota
	InputExternalRaw
	InputExternalEncoded
)

func (p StreamProtocol) InputMode() InputMode {
	switch p {
	case ProtocolOutside:
		return InputExternalRaw
	case ProtocolOutEnc:
		return InputExternalEncoded
	}
	return InputInternalCapture
}

// Passthrough protocols forward already encoded camera output.
func (p StreamProtocol) Passthrough() bool {
	return p == ProtocolRTSPEnc || p == ProtocolOutEnc
}

type Stream struct {
	ID           StreamID
	Direction    Direction
	Protocol     StreamProtocol
	Codec        Codec
	Width        int
	Height       int
	EncodeWidth  int
	EncodeHeight int
	FPS          int
	Bitrate      int // kbps
	MinBitrate   int // kbps
	Camera       int
	SourceURL    string
	Record       bool

	State     ConnState
	Master    DeviceID
	StartedAt time.Time
}

// Clone returns a copy safe to hand out of a lock.
func (s *Stream) Clone() *Stream {
	c := *s
	return &c
}

// StreamStateChange is delivered when a stream changes state.
type StreamStateChange struct {
	StreamID StreamID
	State    ConnState
}
