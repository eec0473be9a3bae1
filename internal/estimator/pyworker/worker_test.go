package pyworker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

// fakePython answers requests over in-memory pipes the way the real worker does over stdio.
type fakePython struct {
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
}

func startFake(t *testing.T, handle func(Request) (Response, bool)) (*Worker, *fakePython) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	f := &fakePython{stdinR: stdinR, stdoutW: stdoutW}

	go func() {
		defer stdoutW.Close()
		for {
			var req Request
			if err := ReadMessage(stdinR, &req); err != nil {
				return
			}
			resp, ok := handle(req)
			if !ok {
				continue
			}
			if err := WriteMessage(stdoutW, resp); err != nil {
				return
			}
		}
	}()

	w, err := New(Config{Command: "pose_worker", StopTimeout: time.Second})
	require.NoError(t, err)
	w.attach(stdinW, stdoutR, nil)
	t.Cleanup(func() { _ = w.Close() })
	return w, f
}

func echoPose(req Request) (Response, bool) {
	return Response{
		Seq: req.Seq,
		Keypoints: map[string]types.Keypoint{
			types.JointLeftKnee: {X: float64(req.Width), Y: float64(req.Height), Confidence: 0.9},
		},
		Confidence: 0.9,
		Timing:     Timing{TotalMS: 12},
	}, true
}

func testFrame(seq uint64) *types.Frame {
	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, int(seq), time.UTC),
		Width:     640,
		Height:    480,
		Data:      []byte{1, 2, 3},
		DeviceID:  "/dev/video0",
		TraceID:   "trace",
	}
}

func TestCodec_FramingAndMalformed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Request{Seq: 7, Width: 2, Height: 3}))
	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	// A framed body that is not msgpack for Request.
	garbage := []byte{0xc1}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(garbage)))
	buf.Write(hdr[:])
	buf.Write(garbage)
	require.NoError(t, WriteMessage(&buf, Request{Seq: 8}))

	var req Request
	require.NoError(t, ReadMessage(&buf, &req))
	assert.Equal(t, uint64(7), req.Seq)
	assert.ErrorIs(t, ReadMessage(&buf, &req), ErrMalformed)
	require.NoError(t, ReadMessage(&buf, &req))
	assert.Equal(t, uint64(8), req.Seq)
	assert.Equal(t, io.EOF, ReadMessage(&buf, &req))
}

func TestCodec_RejectsOversizedAndTruncated(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxMessageSize+1)
	var req Request
	assert.ErrorContains(t, ReadMessage(bytes.NewReader(hdr[:]), &req), "too large")

	binary.BigEndian.PutUint32(hdr[:], 10)
	err := ReadMessage(bytes.NewReader(append(hdr[:], 1, 2)), &req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestWorker_ProcessFrame(t *testing.T) {
	w, _ := startFake(t, echoPose)

	pose, err := w.ProcessFrame(context.Background(), testFrame(42))
	require.NoError(t, err)
	require.NotNil(t, pose)
	assert.Equal(t, uint64(42), pose.FrameSeq)
	assert.Equal(t, testFrame(42).Timestamp, pose.Timestamp)
	assert.Equal(t, 640.0, pose.Keypoints[types.JointLeftKnee].X)
	assert.InDelta(t, 0.9, pose.Confidence, 1e-9)

	m := w.Metrics()
	assert.Equal(t, uint64(1), m.Requests)
	assert.Equal(t, uint64(1), m.Responses)
	assert.InDelta(t, 12, m.AvgLatencyMS, 1e-9)
}

func TestWorker_EmptyAndErrorResponses(t *testing.T) {
	w, _ := startFake(t, func(req Request) (Response, bool) {
		if req.Meta.FrameSeq == 1 {
			return Response{Seq: req.Seq}, true
		}
		return Response{Seq: req.Seq, Error: "cuda out of memory"}, true
	})

	pose, err := w.ProcessFrame(context.Background(), testFrame(1))
	require.NoError(t, err)
	assert.Nil(t, pose)

	_, err = w.ProcessFrame(context.Background(), testFrame(2))
	assert.ErrorContains(t, err, "cuda out of memory")
}

func TestWorker_LateResponseIsStale(t *testing.T) {
	w, _ := startFake(t, func(req Request) (Response, bool) {
		if req.Seq == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return echoPose(req)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.ProcessFrame(ctx, testFrame(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pose, err := w.ProcessFrame(context.Background(), testFrame(2))
	require.NoError(t, err)
	require.NotNil(t, pose)
	assert.Equal(t, uint64(2), pose.FrameSeq)
	assert.Equal(t, uint64(1), w.Metrics().Stale)
}

func TestWorker_ProcessExit(t *testing.T) {
	w, f := startFake(t, func(req Request) (Response, bool) { return Response{}, false })

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.stdoutW.Close()
	}()

	_, err := w.ProcessFrame(context.Background(), testFrame(1))
	assert.True(t, errors.Is(err, ErrWorkerExited), "got %v", err)

	_, err = w.ProcessFrame(context.Background(), testFrame(2))
	assert.Error(t, err)
}

func TestWorker_NotStarted(t *testing.T) {
	w, err := New(Config{Command: "pose_worker"})
	require.NoError(t, err)
	_, err = w.ProcessFrame(context.Background(), testFrame(1))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, w.Close())

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestStderrLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, stderrLevel("2026-01-01 [ERROR] boom"))
	assert.Equal(t, slog.LevelError, stderrLevel("[CRITICAL] gone"))
	assert.Equal(t, slog.LevelWarn, stderrLevel("[WARNING] slow"))
	assert.Equal(t, slog.LevelDebug, stderrLevel("[INFO] model loaded"))
	assert.Equal(t, slog.LevelDebug, stderrLevel("plain line"))
}
