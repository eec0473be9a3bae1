/*
Package pyworker runs pose inference in an external Python process.

	┌──────────────┐  stdin (msgpack)   ┌────────────────┐
	│  Worker (Go) │ ─────────────────> │ Python process │
	│              │ <───────────────── │  pose_worker   │
	└──────────────┘  stdout (msgpack)  └────────────────┘
	                   stderr (log lines)

Every message is a 4-byte big-endian length followed by a msgpack body.
Each request carries a sequence number that the worker echoes. A response
whose sequence has no waiting caller (timed out or cancelled) is stale and
discarded.

Goroutines:
  - readResults: routes responses to the waiting ProcessFrame call
  - logStderr: maps Python log levels to slog
  - waitProcess: reaps the process and marks the worker dead
*/
package pyworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

var (
	// ErrNotStarted is returned by ProcessFrame before Initialize.
	ErrNotStarted = errors.New("pyworker: not started")
	// ErrWorkerExited is returned when the process is gone.
	ErrWorkerExited = errors.New("pyworker: worker process exited")
)

// Config contains configuration for the Python worker.
type Config struct {
	// Command launches the worker, e.g. models/run_pose_worker.sh
	Command string
	// ModelPath is passed as --model
	ModelPath string
	// Args are appended after the model flag
	Args []string
	// WriteTimeout bounds one stdin write
	WriteTimeout time.Duration
	// StopTimeout bounds graceful shutdown before the process is killed
	StopTimeout time.Duration
}

// Metrics is a snapshot of worker health.
type Metrics struct {
	Requests     uint64
	Responses    uint64
	Stale        uint64
	Malformed    uint64
	AvgLatencyMS float64
	LastSeenAt   time.Time
}

// Worker implements estimator.Backend over a subprocess.
type Worker struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan Response

	seq uint64 // atomic

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	dead   chan struct{}
	active atomic.Bool

	// Stats
	requests       uint64
	responses      uint64
	stale          uint64
	malformed      uint64
	totalLatencyMS uint64
	lastSeenAt     atomic.Value // time.Time
}

// New creates a worker. The process is spawned by Initialize.
func New(cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pyworker: command is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Worker{cfg: cfg, pending: make(map[uint64]chan Response)}, nil
}

// Initialize spawns the Python process.
func (w *Worker) Initialize(ctx context.Context) error {
	if w.active.Load() {
		return fmt.Errorf("pyworker: already started")
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	args := []string{}
	if w.cfg.ModelPath != "" {
		args = append(args, "--model", w.cfg.ModelPath)
	}
	args = append(args, w.cfg.Args...)
	w.cmd = exec.CommandContext(w.ctx, w.cfg.Command, args...)

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		w.cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		w.cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		w.cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := w.cmd.Start(); err != nil {
		w.cancel()
		return fmt.Errorf("failed to start python process: %w", err)
	}

	slog.Info("pyworker: python process spawned",
		"command", w.cfg.Command,
		"model", w.cfg.ModelPath,
		"pid", w.cmd.Process.Pid,
	)

	w.attach(stdin, stdout, stderr)

	w.wg.Add(1)
	go w.waitProcess()
	return nil
}

// attach wires the pipes and starts the reader goroutines.
func (w *Worker) attach(stdin io.WriteCloser, stdout, stderr io.Reader) {
	if w.ctx == nil {
		w.ctx, w.cancel = context.WithCancel(context.Background())
	}
	w.stdin = stdin
	w.stdout = stdout
	w.stderr = stderr
	w.dead = make(chan struct{})
	w.lastSeenAt.Store(time.Now())
	w.active.Store(true)

	w.wg.Add(1)
	go w.readResults()

	if stderr != nil {
		w.wg.Add(1)
		go w.logStderr()
	}
}

// ProcessFrame sends frame to the worker and waits for its answer.
func (w *Worker) ProcessFrame(ctx context.Context, frame *types.Frame) (*types.Pose, error) {
	if !w.active.Load() {
		return nil, ErrNotStarted
	}

	seq := atomic.AddUint64(&w.seq, 1)
	reply := make(chan Response, 1)

	w.pendingMu.Lock()
	w.pending[seq] = reply
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, seq)
		w.pendingMu.Unlock()
	}()

	req := Request{
		Seq:       seq,
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: RequestMeta{
			DeviceID:  frame.DeviceID,
			FrameSeq:  frame.Seq,
			TraceID:   frame.TraceID,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		},
	}
	if err := w.send(ctx, req); err != nil {
		return nil, err
	}
	atomic.AddUint64(&w.requests, 1)

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return nil, fmt.Errorf("python worker: %s", resp.Error)
		}
		if len(resp.Keypoints) == 0 {
			return nil, nil
		}
		pose := types.Pose{
			FrameSeq:   frame.Seq,
			Timestamp:  frame.Timestamp,
			Keypoints:  resp.Keypoints,
			Confidence: resp.Confidence,
		}
		return &pose, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.dead:
		return nil, ErrWorkerExited
	}
}

// send writes one request with a timeout so a hung process cannot block the caller forever.
func (w *Worker) send(ctx context.Context, req Request) error {
	writeErr := make(chan error, 1)
	go func() {
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		writeErr <- WriteMessage(w.stdin, req)
	}()

	t := time.NewTimer(w.cfg.WriteTimeout)
	defer t.Stop()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("failed to write to stdin: %w", err)
		}
		return nil
	case <-t.C:
		return fmt.Errorf("stdin write timeout (python worker may be hung)")
	case <-ctx.Done():
		return ctx.Err()
	case <-w.dead:
		return ErrWorkerExited
	}
}

func (w *Worker) readResults() {
	defer w.wg.Done()
	defer close(w.dead)

	for {
		var resp Response
		err := ReadMessage(w.stdout, &resp)
		if errors.Is(err, ErrMalformed) {
			atomic.AddUint64(&w.malformed, 1)
			slog.Error("pyworker: failed to decode result",
				"error", err,
				"action", "check python worker logs in stderr")
			continue
		}
		if err != nil {
			if err == io.EOF || w.ctx.Err() != nil {
				slog.Debug("pyworker: stdout closed")
			} else {
				slog.Error("pyworker: failed to read from python worker", "error", err)
			}
			w.active.Store(false)
			return
		}

		w.pendingMu.Lock()
		reply, ok := w.pending[resp.Seq]
		delete(w.pending, resp.Seq)
		w.pendingMu.Unlock()

		if !ok {
			atomic.AddUint64(&w.stale, 1)
			slog.Debug("pyworker: discarding stale response", "seq", resp.Seq)
			continue
		}

		atomic.AddUint64(&w.responses, 1)
		atomic.AddUint64(&w.totalLatencyMS, uint64(resp.Timing.TotalMS))
		w.lastSeenAt.Store(time.Now())
		reply <- resp
	}
}

func (w *Worker) logStderr() {
	defer w.wg.Done()

	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Log(context.Background(), stderrLevel(line), "pyworker: python log", "log", line)
	}
	if err := scanner.Err(); err != nil && w.ctx.Err() == nil {
		slog.Error("pyworker: error reading stderr", "error", err)
	}
}

// stderrLevel maps "timestamp [LEVEL] message" lines to slog levels.
// INFO and DEBUG lines are demoted to Debug.
func stderrLevel(line string) slog.Level {
	switch {
	case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
		return slog.LevelError
	case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

func (w *Worker) waitProcess() {
	defer w.wg.Done()

	err := w.cmd.Wait()
	pid := w.cmd.Process.Pid
	switch {
	case err == nil:
		slog.Info("pyworker: python process exited cleanly", "pid", pid)
	case w.ctx.Err() != nil:
		slog.Debug("pyworker: python process exited (shutdown)", "pid", pid)
	default:
		slog.Error("pyworker: python process exited unexpectedly", "pid", pid, "error", err)
	}
}

// Metrics returns current worker health.
func (w *Worker) Metrics() Metrics {
	responses := atomic.LoadUint64(&w.responses)
	var avg float64
	if responses > 0 {
		avg = float64(atomic.LoadUint64(&w.totalLatencyMS)) / float64(responses)
	}
	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	return Metrics{
		Requests:     atomic.LoadUint64(&w.requests),
		Responses:    responses,
		Stale:        atomic.LoadUint64(&w.stale),
		Malformed:    atomic.LoadUint64(&w.malformed),
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
	}
}

// Close stops the worker, killing the process if it does not exit in time.
func (w *Worker) Close() error {
	if w.cancel == nil {
		return nil
	}
	w.active.Store(false)

	// Closing stdin asks the worker to exit; cancel kills it via CommandContext.
	if w.stdin != nil {
		_ = w.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.StopTimeout):
		slog.Warn("pyworker: stop timeout, killing python process")
		w.cancel()
		<-done
	}
	w.cancel()

	slog.Info("pyworker: stopped",
		"requests", atomic.LoadUint64(&w.requests),
		"responses", atomic.LoadUint64(&w.responses),
		"stale", atomic.LoadUint64(&w.stale),
	)
	return nil
}
