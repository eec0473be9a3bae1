package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

func rgbFrame(seq uint64, w, h int) *types.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = byte(i)
	}
	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Date(2026, 4, 1, 12, 0, 0, int(seq)*int(time.Millisecond), time.UTC),
		Width:     w,
		Height:    h,
		Data:      data,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Dir: t.TempDir(), Format: "gif"})
	assert.Error(t, err)
}

func TestRecorder_WritesSampledFrames(t *testing.T) {
	for _, format := range []string{"png", "jpeg"} {
		t.Run(format, func(t *testing.T) {
			r, err := New(Config{Dir: t.TempDir(), Format: format, SampleEvery: 2, QueueSize: 16})
			require.NoError(t, err)

			require.NoError(t, r.StartRecording(context.Background()))
			assert.Error(t, r.StartRecording(context.Background()))
			for seq := uint64(1); seq <= 6; seq++ {
				r.Observe(rgbFrame(seq, 4, 2))
			}
			path, err := r.StopRecording()
			require.NoError(t, err)

			files, err := filepath.Glob(filepath.Join(path, "frame_*."+format))
			require.NoError(t, err)
			assert.Len(t, files, 3)
			saved, dropped := r.Stats()
			assert.Equal(t, uint64(3), saved)
			assert.Equal(t, uint64(0), dropped)
		})
	}
}

func TestRecorder_BadFramesDoNotPanic(t *testing.T) {
	r, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, r.StartRecording(context.Background()))
	r.Observe(&types.Frame{Seq: 1, Width: 4, Height: 4, Data: []byte{1, 2}})
	path, err := r.StopRecording()
	assert.ErrorContains(t, err, "no frame saved")
	assert.DirExists(t, path)

	_, dropped := r.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestRecorder_ObserveWhenIdleIsNoop(t *testing.T) {
	r, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	r.Observe(rgbFrame(1, 2, 2))
	_, err = r.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)

	entries, err := os.ReadDir(r.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
