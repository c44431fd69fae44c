package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldgw/internal/core/domain"
	"fieldgw/pkg/logger"
)

func testSpec(name string) domain.RecorderSpec {
	return domain.RecorderSpec{Format: domain.RecordH264, Width: 4, Height: 2, FPS: 25, Bitrate: 1000, Filename: name}
}

func i420(fill byte) domain.RecordFrame {
	data := bytes.Repeat([]byte{fill}, domain.ColorI420.FrameSize(4, 2))
	return domain.RecordFrame{Data: data, Width: 4, Height: 2, Format: domain.ColorI420}
}

func TestFileSink_WritesY4M(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, logger.Disabled())
	require.NoError(t, err)

	w, err := sink.Open(1, testSpec("cam/0.y4m"))
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(i420(7)))
	require.NoError(t, w.WriteFrame(i420(8)))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "cam", "0.y4m"))
	require.NoError(t, err)
	header := "YUV4MPEG2 W4 H2 F25:1 Ip A1:1 C420jpeg\n"
	require.True(t, bytes.HasPrefix(data, []byte(header)))
	assert.Len(t, data, len(header)+2*(len("FRAME\n")+12))
	assert.Equal(t, byte(8), data[len(data)-1])

	assert.ErrorIs(t, w.WriteFrame(i420(1)), domain.ErrClosed)
}

func TestFileSink_SwitchStartsNewFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, logger.Disabled())
	require.NoError(t, err)

	w, err := sink.Open(2, testSpec("a.y4m"))
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(i420(1)))
	require.NoError(t, w.Switch("b.y4m"))
	require.NoError(t, w.WriteFrame(i420(2)))
	require.NoError(t, w.WriteFrame(i420(3)))
	require.NoError(t, w.Close())

	a, err := os.ReadFile(filepath.Join(dir, "a.y4m"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "b.y4m"))
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(a, []byte("FRAME\n")))
	assert.Equal(t, 2, bytes.Count(b, []byte("FRAME\n")))
}

func TestFileSink_Compressed(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, logger.Disabled())
	require.NoError(t, err)

	w, err := sink.Open(3, testSpec("rec.y4m.zst"))
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(i420(5)))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "rec.y4m.zst"))
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("YUV4MPEG2 W4 H2")))
}

func TestFileSink_RejectsMismatchedFrames(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), logger.Disabled())
	require.NoError(t, err)
	w, err := sink.Open(4, testSpec("x.y4m"))
	require.NoError(t, err)
	defer w.Close()

	frame := i420(0)
	frame.Width = 8
	assert.Error(t, w.WriteFrame(frame))

	frame = i420(0)
	frame.Format = domain.ColorNV12
	assert.Error(t, w.WriteFrame(frame))
}

func TestYUYVToI420(t *testing.T) {
	// 2x2: row0 Y0 U Y1 V, row1 likewise
	src := []byte{
		10, 100, 20, 200,
		30, 101, 40, 201,
	}
	got := make([]byte, 6)
	yuyvToI420(got, src, 2, 2)
	assert.Equal(t, []byte{10, 20, 30, 40, 100, 200}, got)
}
