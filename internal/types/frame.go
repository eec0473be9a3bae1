package types

import "time"

// Frame represents a single camera frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the pixel buffer (RGB24 by default).
	// Shared read-only once delivered; consumers must not mutate it.
	Data []byte
	// DeviceID identifies the capture device that produced the frame
	DeviceID string
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	DeviceID  string
}

// Meta returns the frame metadata.
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		DeviceID:  f.DeviceID,
	}
}
