// Package recorder saves the frames already captured for preview as an image
// sequence. It never competes with detection for frame delivery: Observe is
// non-blocking and frames are dropped when the writer falls behind.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

// ErrNotRecording is returned by StopRecording when no recording is active.
var ErrNotRecording = errors.New("recorder: not recording")

// Config configures the frame recorder.
type Config struct {
	// Dir receives one sub-directory per recording
	Dir string
	// Format is "png" or "jpeg"
	Format string
	// JPEGQuality 1-100 (jpeg only)
	JPEGQuality int
	// SampleEvery keeps one frame out of N (1 keeps all)
	SampleEvery int
	// QueueSize bounds frames waiting to be written
	QueueSize int
}

// FrameRecorder writes frames to disk on its own goroutine.
// Thread-safe: Observe may be called concurrently with Start/Stop.
type FrameRecorder struct {
	cfg Config

	mu       sync.RWMutex
	active   bool
	queue    chan *types.Frame
	done     chan struct{}
	path     string
	observed uint64

	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
	lastErr       atomic.Value // error
}

// New creates a frame recorder.
func New(cfg Config) (*FrameRecorder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recorder: output directory is required")
	}
	if cfg.Format == "" {
		cfg.Format = "jpeg"
	}
	if cfg.Format != "png" && cfg.Format != "jpeg" {
		return nil, fmt.Errorf("recorder: unsupported format: %s (must be png or jpeg)", cfg.Format)
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	if cfg.SampleEvery < 1 {
		cfg.SampleEvery = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 8
	}
	return &FrameRecorder{cfg: cfg}, nil
}

// StartRecording creates a fresh recording directory and starts the writer.
func (r *FrameRecorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return fmt.Errorf("recorder: already recording to %s", r.path)
	}

	name := fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(r.cfg.Dir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("recorder: failed to create output directory: %w", err)
	}

	r.path = path
	r.queue = make(chan *types.Frame, r.cfg.QueueSize)
	r.done = make(chan struct{})
	r.observed = 0
	r.active = true
	go r.writeLoop(r.queue, r.done)

	slog.Info("recorder: recording started", "path", path, "format", r.cfg.Format)
	return nil
}

// Observe offers a frame to the recorder. Never blocks.
func (r *FrameRecorder) Observe(frame *types.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.active {
		return
	}
	n := atomic.AddUint64(&r.observed, 1)
	if (n-1)%uint64(r.cfg.SampleEvery) != 0 {
		return
	}
	select {
	case r.queue <- frame:
	default:
		r.framesDropped.Add(1)
	}
}

// StopRecording flushes queued frames and returns the recording directory.
func (r *FrameRecorder) StopRecording() (string, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.active = false
	close(r.queue)
	done, path := r.done, r.path
	r.mu.Unlock()

	<-done

	saved, dropped := r.Stats()
	slog.Info("recorder: recording stopped", "path", path, "frames_saved", saved, "frames_dropped", dropped)

	if v := r.lastErr.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil && saved == 0 {
			return path, fmt.Errorf("recorder: no frame saved: %w", err)
		}
	}
	return path, nil
}

// Stats returns saved and dropped frame counts.
func (r *FrameRecorder) Stats() (saved, dropped uint64) {
	return r.framesSaved.Load(), r.framesDropped.Load()
}

func (r *FrameRecorder) writeLoop(queue <-chan *types.Frame, done chan<- struct{}) {
	defer close(done)
	for frame := range queue {
		if err := r.saveFrame(frame); err != nil {
			r.framesDropped.Add(1)
			r.lastErr.Store(err)
			slog.Debug("recorder: frame not saved", "seq", frame.Seq, "error", err)
		}
	}
}

// saveFrame writes frame_{seq:06d}_{timestamp}.{ext}.
func (r *FrameRecorder) saveFrame(frame *types.Frame) error {
	img, err := rgbToRGBA(frame)
	if err != nil {
		return fmt.Errorf("RGB conversion failed: %w", err)
	}

	filename := fmt.Sprintf("frame_%06d_%s.%s",
		frame.Seq,
		frame.Timestamp.Format("20060102_150405.000"),
		r.cfg.Format)

	file, err := os.Create(filepath.Join(r.path, filename))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch r.cfg.Format {
	case "png":
		err = png.Encode(file, img)
	case "jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: r.cfg.JPEGQuality})
	}
	if err != nil {
		return fmt.Errorf("%s encode failed: %w", r.cfg.Format, err)
	}

	r.framesSaved.Add(1)
	return nil
}

// rgbToRGBA converts packed RGB (3 bytes/pixel) to image.RGBA.
func rgbToRGBA(frame *types.Frame) (*image.RGBA, error) {
	expected := frame.Width * frame.Height * 3
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) != expected {
		return nil, fmt.Errorf("invalid RGB data size: got %d, expected %d", len(frame.Data), expected)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i := 0; i < frame.Width*frame.Height; i++ {
		img.Pix[i*4+0] = frame.Data[i*3+0]
		img.Pix[i*4+1] = frame.Data[i*3+1]
		img.Pix[i*4+2] = frame.Data[i*3+2]
		img.Pix[i*4+3] = 255
	}
	return img, nil
}
