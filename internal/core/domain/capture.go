package domain

type CaptureID uint64

type CaptureProtocol int

const (
	CaptureV4L2DMA  CaptureProtocol = 0
	CaptureV4L2MMAP CaptureProtocol = 1
	CaptureRTSP     CaptureProtocol = 2
)

func (p CaptureProtocol) Known() bool {
	return p >= CaptureV4L2DMA && p <= CaptureRTSP
}

type CaptureSource struct {
	ID       CaptureID // 0 = generate
	URL      string
	Protocol CaptureProtocol
	Format   ColorFormat
	Width    int
	Height   int
	FPS      int
}

// CaptureFrame is a frame produced by a capture source.
type CaptureFrame struct {
	CaptureID CaptureID
	Data      []byte
	Width     int
	Height    int
	Format    ColorFormat
}

// StreamFrame is a captured frame of a configured stream.
type StreamFrame struct {
	StreamID StreamID
	Data     []byte
	Width    int
	Height   int
	Format   ColorFormat
}
