// Package gstcam captures frames from a V4L2 camera through GStreamer.
//
// Pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGB) → appsink
package gstcam

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-form-coach/internal/framesource"
	"github.com/e7canasta/orion-form-coach/internal/types"
)

// startupTimeout bounds how long Start waits for the pipeline to report an error.
const startupTimeout = 2 * time.Second

// Config contains camera capture configuration
type Config struct {
	Device    string // e.g. /dev/video0
	Width     int
	Height    int
	TargetFPS float64
}

// Source is a framesource.FrameSource backed by a GStreamer pipeline
type Source struct {
	cfg  Config
	gate framesource.Gate

	mu       sync.Mutex
	pipeline *gst.Pipeline
	appsink  *app.Sink
	running  bool

	frameCounter  uint64
	bytesRead     uint64
	framesDropped uint64
}

// New creates a camera source
func New(cfg Config) (*Source, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("gstcam: device is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gstcam: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 30
	}
	return &Source{cfg: cfg}, nil
}

// DeviceID implements framesource.FrameSource
func (s *Source) DeviceID() string {
	return s.cfg.Device
}

// Start builds the pipeline, sets it PLAYING and begins delivery.
// Permission and device errors reported during startup are mapped to
// framesource.ErrPermissionDenied and framesource.ErrDeviceUnavailable.
func (s *Source) Start(onFrame framesource.FrameCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return framesource.ErrAlreadyActive
	}
	if err := framesource.AcquireDevice(s.cfg.Device); err != nil {
		return err
	}

	pipeline, appsink, err := createPipeline(s.cfg)
	if err != nil {
		framesource.ReleaseDevice(s.cfg.Device)
		return fmt.Errorf("gstcam: %w", err)
	}

	s.gate.Open(onFrame)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		s.teardown(pipeline)
		return fmt.Errorf("gstcam: failed to start pipeline: %w", toSourceError(ErrCategoryDevice, err.Error()))
	}

	if err := waitForStartup(pipeline, startupTimeout); err != nil {
		s.teardown(pipeline)
		return err
	}

	s.pipeline = pipeline
	s.appsink = appsink
	s.running = true

	slog.Info("gstcam: camera started",
		"device", s.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"target_fps", s.cfg.TargetFPS,
	)
	return nil
}

// Stop closes the delivery gate, tears the pipeline down and releases the device
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.teardown(s.pipeline)
	s.pipeline = nil
	s.appsink = nil
	s.running = false

	slog.Info("gstcam: camera stopped",
		"device", s.cfg.Device,
		"frames", atomic.LoadUint64(&s.frameCounter),
		"dropped", atomic.LoadUint64(&s.framesDropped),
	)
	return nil
}

// FramesDelivered returns the number of frames passed to the callback
func (s *Source) FramesDelivered() uint64 {
	return atomic.LoadUint64(&s.frameCounter) - atomic.LoadUint64(&s.framesDropped)
}

func (s *Source) teardown(pipeline *gst.Pipeline) {
	s.gate.Close()
	if pipeline != nil {
		if err := pipeline.SetState(gst.StateNull); err != nil {
			slog.Error("gstcam: failed to set pipeline to NULL", "error", err)
		}
	}
	framesource.ReleaseDevice(s.cfg.Device)
}

// onNewSample pulls a sample, copies its data (GStreamer reuses the buffer)
// and hands the frame to the gate.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstcam: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstcam: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstcam: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&s.frameCounter, 1)
	atomic.AddUint64(&s.bytesRead, uint64(len(data)))

	frame := &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		DeviceID:  s.cfg.Device,
		TraceID:   uuid.New().String(),
	}

	if !s.gate.Deliver(frame) {
		atomic.AddUint64(&s.framesDropped, 1)
	}
	return gst.FlowOK
}

func createPipeline(cfg Config) (*gst.Pipeline, *app.Sink, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.TargetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link elements: %w", err)
	}

	return pipeline, appsink, nil
}

// waitForStartup watches the bus until the pipeline plays or reports an error.
func waitForStartup(pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			slog.Error("gstcam: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			return toSourceError(category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					return nil
				}
			}
		}
	}

	// No error reported; frames may still be on their way.
	slog.Warn("gstcam: pipeline did not confirm PLAYING within timeout", "timeout", timeout)
	return nil
}

// buildCaps builds the appsink caps, handling fractional framerates
func buildCaps(width, height int, fps float64) string {
	num, den := 1, 1
	if fps >= 1 {
		num = int(fps)
	} else {
		den = int(1 / fps)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}
