// Package estimator turns frames into poses, one inference at a time.
//
// Backpressure is drop-newest: while an inference is in flight every newly
// delivered frame is discarded, never queued. StartDetection therefore never
// blocks the frame producer.
//
// Goroutine topology:
//   - 1 fixed: inferenceLoop (spawned by Start, stopped by Stop)
//   - callers: StartDetection from the frame delivery goroutine
//
// Generation: every Stop increments the generation. An inference result is
// only emitted if the generation it was dispatched under is still current.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

var (
	// ErrInferenceFailure wraps backend errors. Failures are counted and logged, never surfaced.
	ErrInferenceFailure = errors.New("estimator: inference failed")
	// ErrDisposed is returned by Start after Dispose.
	ErrDisposed = errors.New("estimator: disposed")
)

// Drop reasons reported to the Observer.
const (
	DropSkip          = "skip"
	DropBusy          = "busy"
	DropStopped       = "stopped"
	DropNoPose        = "no_pose"
	DropLowConfidence = "low_confidence"
	DropStale         = "stale"
)

// Backend runs pose inference on a single frame.
type Backend interface {
	// Initialize loads the model. Called once before the first inference.
	Initialize(ctx context.Context) error
	// ProcessFrame returns the pose found in frame, or nil when nobody is in view.
	// Must return promptly once ctx is cancelled.
	ProcessFrame(ctx context.Context, frame *types.Frame) (*types.Pose, error)
	// Close releases the model.
	Close() error
}

// PoseSink receives emitted poses on the inference goroutine. Must not block.
type PoseSink func(pose types.Pose)

// Observer receives pipeline telemetry. Implementations must be non-blocking.
type Observer interface {
	FrameDropped(reason string)
	InferenceFailed()
	PoseEmitted(latency time.Duration)
}

// Config holds estimator tuning.
type Config struct {
	// FrameSkipCount N skips every Nth delivered frame unconditionally (0 disables, 1 is invalid)
	FrameSkipCount int
	// MinConfidence below which poses are dropped
	MinConfidence float64
	// InferenceTimeout bounds one inference (0 means no bound)
	InferenceTimeout time.Duration
}

// Stats contains estimator counters.
type Stats struct {
	Received       uint64
	Skipped        uint64
	DroppedBusy    uint64
	DroppedStopped uint64
	Failures       uint64
	NoPose         uint64
	LowConfidence  uint64
	Stale          uint64
	Emitted        uint64
	Generation     uint64
	// Busy reports an inference in flight
	Busy bool
}

// Estimator is the pose estimation stage.
// Thread-safety: all methods are safe for concurrent use.
type Estimator struct {
	backend  Backend
	cfg      Config
	sink     PoseSink
	observer Observer

	// --- Inbox mailbox ---
	inboxMu    sync.Mutex
	inboxCond  *sync.Cond
	inboxFrame *types.Frame
	busy       bool // set on accept, cleared when inference completes

	generation uint64 // atomic
	running    atomic.Bool

	// --- Lifecycle ---
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu   sync.Mutex
	started     bool
	initialized bool
	disposed    bool

	// --- Stats (atomic) ---
	received       uint64
	skipped        uint64
	droppedBusy    uint64
	droppedStopped uint64
	failures       uint64
	noPose         uint64
	lowConfidence  uint64
	stale          uint64
	emitted        uint64
}

// New creates an estimator. observer may be nil.
func New(backend Backend, cfg Config, sink PoseSink, observer Observer) (*Estimator, error) {
	if backend == nil {
		return nil, fmt.Errorf("estimator: backend is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("estimator: sink is required")
	}
	if cfg.FrameSkipCount == 1 || cfg.FrameSkipCount < 0 {
		return nil, fmt.Errorf("estimator: frame skip count must be 0 or >= 2, got %d", cfg.FrameSkipCount)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("estimator: min confidence must be in [0,1], got %v", cfg.MinConfidence)
	}
	e := &Estimator{
		backend:  backend,
		cfg:      cfg,
		sink:     sink,
		observer: observer,
	}
	e.inboxCond = sync.NewCond(&e.inboxMu)
	return e, nil
}

// Start initializes the backend on first use and spawns the inference loop.
func (e *Estimator) Start(ctx context.Context) error {
	e.startedMu.Lock()
	defer e.startedMu.Unlock()

	if e.disposed {
		return ErrDisposed
	}
	if e.started {
		return fmt.Errorf("estimator already started")
	}

	if !e.initialized {
		if err := e.backend.Initialize(ctx); err != nil {
			return fmt.Errorf("estimator: initializing backend: %w", err)
		}
		e.initialized = true
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.running.Store(true)

	e.wg.Add(1)
	go e.inferenceLoop()

	slog.Info("estimator: started", "generation", atomic.LoadUint64(&e.generation),
		"frame_skip", e.cfg.FrameSkipCount, "min_confidence", e.cfg.MinConfidence)
	return nil
}

// StartDetection offers a frame for inference. Never blocks.
//
// The frame is dropped when the estimator is stopped, when it falls on the
// skip cadence, or when an inference is already in progress.
func (e *Estimator) StartDetection(frame *types.Frame) {
	if frame == nil {
		return
	}
	n := atomic.AddUint64(&e.received, 1)

	if !e.running.Load() {
		atomic.AddUint64(&e.droppedStopped, 1)
		e.dropped(DropStopped)
		return
	}

	if e.cfg.FrameSkipCount >= 2 && n%uint64(e.cfg.FrameSkipCount) == 0 {
		atomic.AddUint64(&e.skipped, 1)
		e.dropped(DropSkip)
		return
	}

	e.inboxMu.Lock()
	// Stop may have drained the inbox since the check above.
	if !e.running.Load() {
		e.inboxMu.Unlock()
		atomic.AddUint64(&e.droppedStopped, 1)
		e.dropped(DropStopped)
		return
	}
	if e.busy {
		e.inboxMu.Unlock()
		atomic.AddUint64(&e.droppedBusy, 1)
		e.dropped(DropBusy)
		return
	}
	e.busy = true
	e.inboxFrame = frame
	e.inboxCond.Signal()
	e.inboxMu.Unlock()
}

// Stop cancels in-flight inference, increments the generation and waits for
// the loop to exit. No pose is emitted after Stop returns. Idempotent.
func (e *Estimator) Stop() error {
	e.startedMu.Lock()
	defer e.startedMu.Unlock()
	return e.stopLocked()
}

func (e *Estimator) stopLocked() error {
	if !e.started {
		return nil
	}

	e.running.Store(false)
	gen := atomic.AddUint64(&e.generation, 1)
	e.cancel()

	e.inboxMu.Lock()
	e.inboxCond.Broadcast()
	e.inboxMu.Unlock()

	e.wg.Wait()

	e.inboxMu.Lock()
	e.inboxFrame = nil
	e.busy = false
	e.inboxMu.Unlock()

	e.started = false
	slog.Info("estimator: stopped", "generation", gen, "emitted", atomic.LoadUint64(&e.emitted))
	return nil
}

// Dispose stops the estimator and releases the backend. Idempotent.
func (e *Estimator) Dispose() error {
	e.startedMu.Lock()
	defer e.startedMu.Unlock()

	if e.disposed {
		return nil
	}
	e.disposed = true
	_ = e.stopLocked()

	if e.initialized {
		e.initialized = false
		if err := e.backend.Close(); err != nil {
			return fmt.Errorf("estimator: closing backend: %w", err)
		}
	}
	return nil
}

// Generation returns the current generation.
func (e *Estimator) Generation() uint64 {
	return atomic.LoadUint64(&e.generation)
}

// Stats returns a snapshot of the counters.
func (e *Estimator) Stats() Stats {
	e.inboxMu.Lock()
	busy := e.busy
	e.inboxMu.Unlock()

	return Stats{
		Received:       atomic.LoadUint64(&e.received),
		Skipped:        atomic.LoadUint64(&e.skipped),
		DroppedBusy:    atomic.LoadUint64(&e.droppedBusy),
		DroppedStopped: atomic.LoadUint64(&e.droppedStopped),
		Failures:       atomic.LoadUint64(&e.failures),
		NoPose:         atomic.LoadUint64(&e.noPose),
		LowConfidence:  atomic.LoadUint64(&e.lowConfidence),
		Stale:          atomic.LoadUint64(&e.stale),
		Emitted:        atomic.LoadUint64(&e.emitted),
		Generation:     atomic.LoadUint64(&e.generation),
		Busy:           busy,
	}
}

func (e *Estimator) inferenceLoop() {
	defer e.wg.Done()

	for {
		e.inboxMu.Lock()
		for e.inboxFrame == nil {
			if e.ctx.Err() != nil {
				e.inboxMu.Unlock()
				return
			}
			e.inboxCond.Wait()
		}
		if e.ctx.Err() != nil {
			e.inboxMu.Unlock()
			return
		}
		frame := e.inboxFrame
		e.inboxFrame = nil
		gen := atomic.LoadUint64(&e.generation)
		e.inboxMu.Unlock()

		e.infer(frame, gen)

		e.inboxMu.Lock()
		e.busy = false
		e.inboxMu.Unlock()
	}
}

func (e *Estimator) infer(frame *types.Frame, gen uint64) {
	ctx := e.ctx
	var cancel context.CancelFunc
	if e.cfg.InferenceTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.InferenceTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	pose, err := e.backend.ProcessFrame(ctx, frame)

	if gen != atomic.LoadUint64(&e.generation) {
		atomic.AddUint64(&e.stale, 1)
		e.dropped(DropStale)
		slog.Debug("estimator: discarding stale result", "seq", frame.Seq, "generation", gen)
		return
	}

	if err != nil {
		atomic.AddUint64(&e.failures, 1)
		if e.observer != nil {
			e.observer.InferenceFailed()
		}
		slog.Debug("estimator: inference failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", fmt.Errorf("%w: %v", ErrInferenceFailure, err),
		)
		return
	}

	if pose == nil {
		atomic.AddUint64(&e.noPose, 1)
		e.dropped(DropNoPose)
		return
	}

	if pose.Confidence < e.cfg.MinConfidence {
		atomic.AddUint64(&e.lowConfidence, 1)
		e.dropped(DropLowConfidence)
		slog.Debug("estimator: low confidence pose dropped", "seq", frame.Seq, "confidence", pose.Confidence)
		return
	}

	out := *pose
	out.FrameSeq = frame.Seq
	out.Timestamp = frame.Timestamp

	atomic.AddUint64(&e.emitted, 1)
	if e.observer != nil {
		e.observer.PoseEmitted(time.Since(start))
	}
	e.sink(out)
}

func (e *Estimator) dropped(reason string) {
	if e.observer != nil {
		e.observer.FrameDropped(reason)
	}
}
