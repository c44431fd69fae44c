package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"

	"github.com/tevino/abool"
	"go.uber.org/zap"
)

const (
	defaultWidth  = 640
	defaultHeight = 480
	defaultFPS    = 30
)

// PatternDriver produces moving test bars at the source frame rate in place
// of a camera. With RequireDevice set, V4L2 sources must name an existing
// device node.
type PatternDriver struct {
	RequireDevice bool
	Logger        *zap.SugaredLogger
}

var _ ports.CaptureDriver = PatternDriver{}

func (d PatternDriver) Open(ctx context.Context, src domain.CaptureSource, deliver func(domain.CaptureFrame)) (ports.CaptureHandle, error) {
	if deliver == nil {
		return nil, fmt.Errorf("capture %d: nil frame callback", src.ID)
	}
	format := src.Format
	width, height, fps := src.Width, src.Height, src.FPS
	if width <= 0 || height <= 0 {
		width, height = defaultWidth, defaultHeight
	}
	if fps <= 0 {
		fps = defaultFPS
	}
	size := format.FrameSize(width, height)
	if size == 0 {
		return nil, fmt.Errorf("capture %d: pattern not available for %s", src.ID, format)
	}
	if d.RequireDevice && src.Protocol != domain.CaptureRTSP {
		info, err := os.Stat(src.URL)
		if err != nil {
			return nil, fmt.Errorf("open capture device: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("capture device %s is a directory", src.URL)
		}
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &patternHandle{
		src:     src,
		format:  format,
		width:   width,
		height:  height,
		size:    size,
		deliver: deliver,
		closed:  abool.New(),
		done:    make(chan struct{}),
		logger:  logger,
	}
	h.wg.Add(1)
	go h.run(time.Second / time.Duration(fps))

	logger.Debugw("Pattern capture opened",
		"capture_id", src.ID,
		"url", src.URL,
		"format", format.String(),
		"width", width,
		"height", height,
		"fps", fps,
	)
	return h, nil
}

type patternHandle struct {
	src     domain.CaptureSource
	format  domain.ColorFormat
	width   int
	height  int
	size    int
	deliver func(domain.CaptureFrame)

	closed *abool.AtomicBool
	done   chan struct{}
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

func (h *patternHandle) run(interval time.Duration) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		h.deliver(domain.CaptureFrame{
			CaptureID: h.src.ID,
			Data:      h.render(n),
			Width:     h.width,
			Height:    h.height,
			Format:    h.format,
		})
	}
}

// render draws eight vertical bars shifted by the frame number. Only the
// luma samples carry the pattern; chroma is neutral.
func (h *patternHandle) render(n int) []byte {
	buf := make([]byte, h.size)
	bar := h.width / 8
	if bar == 0 {
		bar = 1
	}
	level := func(x int) byte {
		return byte(16 + ((x+n)/bar%8)*27)
	}

	switch h.format {
	case domain.ColorI420, domain.ColorNV12:
		luma := h.width * h.height
		for y := 0; y < h.height; y++ {
			row := buf[y*h.width : (y+1)*h.width]
			for x := range row {
				row[x] = level(x)
			}
		}
		for i := luma; i < len(buf); i++ {
			buf[i] = 128
		}
	case domain.ColorYUYV, domain.ColorEYUYV:
		for i := 0; i < len(buf); i += 2 {
			buf[i] = level((i / 2) % h.width)
			buf[i+1] = 128
		}
	case domain.ColorUYVY:
		for i := 0; i < len(buf); i += 2 {
			buf[i] = 128
			buf[i+1] = level((i / 2) % h.width)
		}
	case domain.ColorARGB:
		for i := 0; i < len(buf); i += 4 {
			v := level((i / 4) % h.width)
			buf[i], buf[i+1], buf[i+2], buf[i+3] = 255, v, v, v
		}
	}
	return buf
}

func (h *patternHandle) Close() error {
	if !h.closed.SetToIf(false, true) {
		return nil
	}
	close(h.done)
	h.wg.Wait()
	h.logger.Debugw("Pattern capture closed", "capture_id", h.src.ID)
	return nil
}
