package media

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"fieldgw/internal/core/domain"
)

var errNoFont = errors.New("overlay font not set")

// BoxRenderer burns a solid label box into the luma plane of planar YUV
// frames. Each character takes a 0.6em by 1em cell of the font size; the
// font file is only checked for presence.
type BoxRenderer struct {
	mu      sync.RWMutex
	font    string
	size    float64
	charset string
}

func NewBoxRenderer() *BoxRenderer {
	return &BoxRenderer{}
}

func (r *BoxRenderer) SetFont(path string, size float64, charset string) error {
	if size <= 0 {
		return fmt.Errorf("font size must be > 0, got %v", size)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("open font: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("font path %s is a directory", path)
	}

	r.mu.Lock()
	r.font, r.size, r.charset = path, size, charset
	r.mu.Unlock()
	return nil
}

// luma of a BGRA color, BT.601 studio range.
func luma(c [4]uint8) byte {
	b, g, rr := float64(c[0]), float64(c[1]), float64(c[2])
	return byte(16 + (65.481*rr+128.553*g+24.966*b)/255)
}

func (r *BoxRenderer) Render(frame *domain.RawFrame, overlay domain.TextOverlay) error {
	r.mu.RLock()
	size := r.size
	hasFont := r.font != ""
	r.mu.RUnlock()
	if !hasFont {
		return errNoFont
	}

	switch frame.Format {
	case domain.ColorI420, domain.ColorNV12:
	default:
		return fmt.Errorf("overlay not supported for %s", frame.Format)
	}
	w, h := frame.Width, frame.Height
	if len(frame.Data) < w*h {
		return fmt.Errorf("frame data %d bytes, want at least %d", len(frame.Data), w*h)
	}

	chars := len([]rune(overlay.Text))
	if chars == 0 {
		return nil
	}
	border := overlay.BorderSize
	boxW := int(float64(chars)*size*0.6) + 2*border
	boxH := int(size) + 2*border

	fill, edge := luma(overlay.TextColor), luma(overlay.BorderColor)
	for y := overlay.Y; y < overlay.Y+boxH && y < h; y++ {
		if y < 0 {
			continue
		}
		row := frame.Data[y*w : y*w+w]
		for x := overlay.X; x < overlay.X+boxW && x < w; x++ {
			if x < 0 {
				continue
			}
			onEdge := y < overlay.Y+border || y >= overlay.Y+boxH-border ||
				x < overlay.X+border || x >= overlay.X+boxW-border
			if onEdge {
				row[x] = edge
			} else {
				row[x] = fill
			}
		}
	}
	return nil
}
