package domain

type RecorderID int

type RecordFormat int

const (
	RecordH264 RecordFormat = 0
)

type RecorderSpec struct {
	Format   RecordFormat
	Width    int
	Height   int
	Jump     int // drop one frame after every Jump frames, 0 keeps all
	FPS      int
	Bitrate  int
	Filename string
}

// RecordFrame is a raw frame sent to a recorder (I420 or YUYV).
type RecordFrame struct {
	Data   []byte
	Width  int
	Height int
	Format ColorFormat
}
