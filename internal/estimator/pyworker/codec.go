package pyworker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

// MaxMessageSize bounds a single framed message (a 4K RGB frame fits).
const MaxMessageSize = 64 << 20

// ErrMalformed marks a message that was framed correctly but could not be decoded.
// The stream stays aligned and reading may continue.
var ErrMalformed = errors.New("pyworker: malformed message")

// Request is one frame sent to the worker process.
type Request struct {
	Seq       uint64      `msgpack:"seq"`
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      RequestMeta `msgpack:"meta"`
}

// RequestMeta is echoed back by the worker for tracing.
type RequestMeta struct {
	DeviceID  string `msgpack:"device_id"`
	FrameSeq  uint64 `msgpack:"frame_seq"`
	TraceID   string `msgpack:"trace_id"`
	Timestamp string `msgpack:"timestamp"`
}

// Response is the worker's answer to one Request.
type Response struct {
	Seq        uint64                    `msgpack:"seq"`
	Keypoints  map[string]types.Keypoint `msgpack:"keypoints"`
	Confidence float64                   `msgpack:"confidence"`
	Error      string                    `msgpack:"error,omitempty"`
	Timing     Timing                    `msgpack:"timing"`
}

// Timing reported by the worker.
type Timing struct {
	TotalMS     float64 `msgpack:"total_ms"`
	InferenceMS float64 `msgpack:"inference_ms"`
}

// WriteMessage writes v as msgpack with a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
// Returns io.EOF when the stream closes cleanly between messages.
func ReadMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}

	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
