package recorder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/pkg/optimize"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// FileSink writes recordings as YUV4MPEG2 4:2:0 files under a directory.
// YUYV input is converted on write. Names ending in .zst are zstd
// compressed.
type FileSink struct {
	dir    string
	logger *zap.SugaredLogger
}

var _ ports.RecorderSink = (*FileSink)(nil)

// scratch buffers for converted frames
var convertPool = optimize.NewBufferPool()

func NewFileSink(dir string, logger *zap.SugaredLogger) (*FileSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

func (s *FileSink) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.dir, name)
}

func (s *FileSink) Open(id domain.RecorderID, spec domain.RecorderSpec) (ports.RecordWriter, error) {
	w := &fileWriter{sink: s, id: id, spec: spec}
	if err := w.open(spec.Filename); err != nil {
		return nil, err
	}
	return w, nil
}

type fileWriter struct {
	sink *FileSink
	id   domain.RecorderID
	spec domain.RecorderSpec

	mu     sync.Mutex
	file   *os.File
	zw     *zstd.Encoder
	buf    *bufio.Writer
	name   string
	frames int
	closed bool
}

func (w *fileWriter) open(name string) error {
	path := w.sink.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create record file: %w", err)
	}

	var out io.Writer = f
	var zw *zstd.Encoder
	if strings.HasSuffix(name, ".zst") {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("create zstd writer: %w", err)
		}
		out = zw
	}
	buf := bufio.NewWriterSize(out, 1<<20)
	header := fmt.Sprintf("YUV4MPEG2 W%d H%d F%d:1 Ip A1:1 C420jpeg\n", w.spec.Width, w.spec.Height, w.spec.FPS)
	if _, err := buf.WriteString(header); err != nil {
		if zw != nil {
			zw.Close()
		}
		f.Close()
		return fmt.Errorf("write record header: %w", err)
	}

	w.file, w.zw, w.buf, w.name, w.frames = f, zw, buf, path, 0
	return nil
}

func (w *fileWriter) finish() error {
	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if w.zw != nil {
		if cerr := w.zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if w.sink.logger != nil {
		w.sink.logger.Debugw("record file closed", "recorder_id", w.id, "file", w.name, "frames", w.frames)
	}
	w.file, w.zw, w.buf = nil, nil, nil
	return err
}

func (w *fileWriter) WriteFrame(frame domain.RecordFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.ErrClosed
	}
	if frame.Width != w.spec.Width || frame.Height != w.spec.Height {
		return fmt.Errorf("frame %dx%d does not match recorder %dx%d", frame.Width, frame.Height, w.spec.Width, w.spec.Height)
	}

	var planes []byte
	switch frame.Format {
	case domain.ColorI420:
		planes = frame.Data[:domain.ColorI420.FrameSize(frame.Width, frame.Height)]
	case domain.ColorYUYV:
		planes = convertPool.Get(domain.ColorI420.FrameSize(frame.Width, frame.Height))
		defer convertPool.Put(planes)
		yuyvToI420(planes, frame.Data, frame.Width, frame.Height)
	default:
		return fmt.Errorf("unsupported record format %s", frame.Format)
	}

	if _, err := w.buf.WriteString("FRAME\n"); err != nil {
		return fmt.Errorf("write record frame: %w", err)
	}
	if _, err := w.buf.Write(planes); err != nil {
		return fmt.Errorf("write record frame: %w", err)
	}
	w.frames++
	return nil
}

// Switch finishes the current file and continues in filename.
func (w *fileWriter) Switch(filename string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.ErrClosed
	}
	if err := w.finish(); err != nil {
		return err
	}
	return w.open(filename)
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.finish()
}

// yuyvToI420 fills dst with the planar form of src, keeping the chroma of
// even rows.
func yuyvToI420(dst, src []byte, width, height int) {
	ySize := width * height
	u := dst[ySize : ySize+ySize/4]
	v := dst[ySize+ySize/4:]
	stride := width * 2

	for y := 0; y < height; y++ {
		row := src[y*stride : (y+1)*stride]
		for x := 0; x < width; x++ {
			dst[y*width+x] = row[x*2]
		}
		if y%2 != 0 {
			continue
		}
		cy := y / 2
		for x := 0; x < width; x += 2 {
			i := cy*(width/2) + x/2
			u[i] = row[x*2+1]
			v[i] = row[x*2+3]
		}
	}
}
