// Package session orchestrates one exercise session: it owns the camera and
// pose estimator lifecycle, fans the pose stream out to the rep and violation
// detectors, aggregates their events into a Session and dispatches side effects
// (audio, recording, publishing, persistence).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/bus"
	"github.com/e7canasta/orion-form-coach/internal/estimator"
	"github.com/e7canasta/orion-form-coach/internal/framesource"
	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/types"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

var (
	// ErrAlreadyRunning is returned by StartSession while a session is active (running or paused).
	ErrAlreadyRunning = errors.New("session: already running")
	// ErrDisposed is returned by lifecycle calls after Dispose.
	ErrDisposed = errors.New("session: orchestrator disposed")
)

// Config holds orchestrator tuning.
type Config struct {
	RepPhase  repphase.Config
	Violation violation.Config
	Estimator estimator.Config
	// PoseBuffer is the per-detector pose channel capacity
	PoseBuffer int
	// TickInterval drives the mid-rep silence check
	TickInterval time.Duration
	// FPSWindow is the number of frames the camera FPS is measured over
	FPSWindow int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		RepPhase:     repphase.DefaultConfig(),
		Violation:    violation.DefaultConfig(),
		Estimator:    estimator.Config{MinConfidence: 0.7},
		PoseBuffer:   64,
		TickInterval: 250 * time.Millisecond,
		FPSWindow:    30,
	}
}

// Deps are the orchestrator collaborators. Rules, Source and Backend are required.
type Deps struct {
	Rules   rules.Repository
	Source  framesource.FrameSource
	Backend estimator.Backend

	Recorder          Recorder
	Persister         Persister
	Publisher         EventPublisher
	Announcer         Announcer
	Observer          Observer
	EstimatorObserver estimator.Observer

	// Now defaults to time.Now
	Now func() time.Time
}

// Orchestrator is the session controller for one exercise screen.
// Thread-safety: all methods are safe for concurrent use; lifecycle calls are serialized.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	estimator *estimator.Estimator
	fps       *framesource.FPSMeter
	stateBus  *bus.Bus[Snapshot]

	// mu serializes lifecycle operations and guards the fields below.
	mu          sync.Mutex
	source      framesource.FrameSource
	rules       *rules.RuleSet
	rep         *repphase.Detector
	viol        *violation.Detector
	disposed    bool
	disposeOnce sync.Once

	run       atomic.Pointer[pipeline]
	recording atomic.Bool

	posesDropped uint64 // atomic, UpdatePose while not running

	// aggMu guards the session and the observable state. Writes to state
	// additionally hold mu.
	aggMu           sync.Mutex
	state           State
	session         *Session
	last            *Session
	currentPose     *types.Pose
	currentFeedback *violation.Feedback
	phase           string
	lastErr         error
}

// New creates an orchestrator in the Stopped state.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Rules == nil {
		return nil, fmt.Errorf("session: rules repository is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("session: frame source is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("session: pose backend is required")
	}
	if cfg.PoseBuffer <= 0 {
		cfg.PoseBuffer = 64
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.FPSWindow <= 0 {
		cfg.FPSWindow = 30
	}

	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		now:      deps.Now,
		source:   deps.Source,
		fps:      framesource.NewFPSMeter(cfg.FPSWindow),
		stateBus: bus.New[Snapshot](),
		state:    StateStopped,
	}
	if o.now == nil {
		o.now = time.Now
	}

	est, err := estimator.New(deps.Backend, cfg.Estimator, o.UpdatePose, deps.EstimatorObserver)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	o.estimator = est
	return o, nil
}

// StartSession loads the rules for exercise, creates a new Session and starts
// detection. Any setup failure releases what was acquired and is returned once.
func (o *Orchestrator) StartSession(ctx context.Context, exercise string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return ErrDisposed
	}
	if o.state != StateStopped {
		return ErrAlreadyRunning
	}

	o.aggMu.Lock()
	o.lastErr = nil
	o.aggMu.Unlock()
	o.setState(StateStarting)

	if err := o.deps.Rules.LoadRules(ctx); err != nil {
		return o.failStart(fmt.Errorf("session: loading rules: %w", err))
	}
	rs, fallback := rules.Resolve(o.deps.Rules, exercise)
	if rs == nil {
		return o.failStart(fmt.Errorf("session: no rules for exercise %q", exercise))
	}
	if fallback {
		slog.Warn("session: no rules for exercise, using generic rules", "exercise", exercise)
	}

	rep, err := repphase.New(rs, o.cfg.RepPhase)
	if err != nil {
		return o.failStart(fmt.Errorf("session: %w", err))
	}
	viol, err := violation.New(rs, o.cfg.Violation)
	if err != nil {
		return o.failStart(fmt.Errorf("session: %w", err))
	}
	o.rules, o.rep, o.viol = rs, rep, viol

	sess := newSession(rs.Exercise, fallback, o.now())
	o.aggMu.Lock()
	o.session = sess
	o.currentPose, o.currentFeedback, o.phase = nil, nil, ""
	o.aggMu.Unlock()

	if err := o.startDetection(ctx); err != nil {
		o.aggMu.Lock()
		o.session = nil
		o.aggMu.Unlock()
		return o.failStart(err)
	}

	if o.deps.Announcer != nil {
		o.deps.Announcer.Reset()
	}
	o.startRecording(ctx)
	o.setState(StateRunning)

	slog.Info("session: started",
		"session_id", sess.ID,
		"exercise", rs.Exercise,
		"fallback_rules", fallback,
		"device", o.source.DeviceID(),
	)
	return nil
}

// UpdatePose feeds a pose to both detectors. Never blocks; poses arriving
// while detection is not running are dropped.
func (o *Orchestrator) UpdatePose(pose types.Pose) {
	p := o.run.Load()
	if p == nil {
		atomic.AddUint64(&o.posesDropped, 1)
		return
	}
	p.poses.Publish(pose)
}

// Pause stops detection and releases the camera without finalizing the
// session. An in-progress rep is abandoned. No-op unless running.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return ErrDisposed
	}
	if o.state != StateRunning {
		return nil
	}

	o.setState(StatePausing)
	o.stopDetection()
	o.rep.Interrupt()
	o.viol.Reset()

	o.aggMu.Lock()
	o.session.Pauses++
	o.currentPose, o.currentFeedback, o.phase = nil, nil, ""
	reps := o.session.RepCount
	o.aggMu.Unlock()

	o.setState(StatePaused)
	slog.Info("session: paused", "rep_count", reps)
	return nil
}

// Resume re-acquires the camera and continues the same session. No-op unless paused.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return ErrDisposed
	}
	if o.state != StatePaused {
		return nil
	}

	reps := o.rep.RepCount()
	o.setState(StateStarting)
	if err := o.startDetection(ctx); err != nil {
		o.aggMu.Lock()
		o.lastErr = err
		o.aggMu.Unlock()
		o.setState(StatePaused)
		slog.Error("session: resume failed", "error", err)
		return err
	}
	o.setState(StateRunning)
	slog.Info("session: resumed", "rep_count", reps)
	return nil
}

// SwitchCamera replaces the frame source, restarting detection around the
// switch when running. On restart failure the session is left paused.
func (o *Orchestrator) SwitchCamera(ctx context.Context, src framesource.FrameSource) error {
	if src == nil {
		return fmt.Errorf("session: frame source is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return ErrDisposed
	}

	running := o.state == StateRunning
	if running {
		o.setState(StatePausing)
		o.stopDetection()
		o.rep.Interrupt()
		o.viol.Reset()
	}

	old := o.source
	o.source = src
	slog.Info("session: camera switched", "from", old.DeviceID(), "to", src.DeviceID())

	if !running {
		return nil
	}
	o.setState(StateStarting)
	if err := o.startDetection(ctx); err != nil {
		o.aggMu.Lock()
		o.lastErr = err
		o.aggMu.Unlock()
		o.setState(StatePaused)
		return err
	}
	o.setState(StateRunning)
	return nil
}

// FinishSession finalizes the active session, hands a copy to the persister
// and returns it. With no active session it returns the last finalized
// session (nil if none). A persistence failure is returned alongside the
// finalized session.
func (o *Orchestrator) FinishSession(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finishLocked(ctx)
}

// StopSession is FinishSession.
func (o *Orchestrator) StopSession(ctx context.Context) (*Session, error) {
	return o.FinishSession(ctx)
}

func (o *Orchestrator) finishLocked(ctx context.Context) (*Session, error) {
	if o.state == StateStopped {
		o.aggMu.Lock()
		defer o.aggMu.Unlock()
		return o.last.Clone(), nil
	}

	if o.state == StateRunning {
		o.stopDetection()
	}
	path := o.stopRecording()

	o.aggMu.Lock()
	sess := o.session
	sess.RecordingPath = path
	sess.finalize(o.now())
	o.last = sess
	o.session = nil
	o.currentPose, o.currentFeedback, o.phase = nil, nil, ""
	out := sess.Clone()
	o.aggMu.Unlock()

	o.setState(StateStopped)

	slog.Info("session: finished",
		"session_id", out.ID,
		"exercise", out.Exercise,
		"rep_count", out.RepCount,
		"average_form_score", out.AverageFormScore,
		"duration", out.Duration(o.now()),
	)

	if o.deps.Publisher != nil {
		o.deps.Publisher.PublishSession(out.Clone())
	}
	if o.deps.Persister != nil {
		if err := o.deps.Persister.SaveSession(ctx, out.Clone()); err != nil {
			slog.Error("session: persisting session failed", "session_id", out.ID, "error", err)
			return out, fmt.Errorf("session: persisting %s: %w", out.ID, err)
		}
	}
	return out, nil
}

// Dispose finishes any active session and releases the camera, the estimator
// and the recorder exactly once. Release failures are logged, never returned.
func (o *Orchestrator) Dispose() {
	o.disposeOnce.Do(func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		if o.state != StateStopped {
			if _, err := o.finishLocked(context.Background()); err != nil {
				slog.Error("session: finishing on dispose", "error", err)
			}
		}

		// Covers a failed mid-initialization start.
		o.logRelease("camera", o.source.Stop())
		o.logRelease("estimator", o.estimator.Dispose())
		o.stopRecording()

		o.disposed = true
		o.stateBus.Close()
		slog.Info("session: orchestrator disposed")
	})
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.aggMu.Lock()
	defer o.aggMu.Unlock()
	return o.state
}

// Current returns a copy of the active session, or nil.
func (o *Orchestrator) Current() *Session {
	o.aggMu.Lock()
	defer o.aggMu.Unlock()
	return o.session.Clone()
}

// Snapshot returns the current observable state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.aggMu.Lock()
	defer o.aggMu.Unlock()
	return o.snapshotLocked()
}

// Watch subscribes to snapshot updates. Slow watchers only see the latest one.
func (o *Orchestrator) Watch(id string) (*bus.Latest[Snapshot], error) {
	r, err := o.stateBus.Watch(id)
	if err != nil {
		return nil, fmt.Errorf("session: watch %s: %w", id, err)
	}
	o.aggMu.Lock()
	o.stateBus.Publish(o.snapshotLocked())
	o.aggMu.Unlock()
	return r, nil
}

// Unwatch removes a watcher.
func (o *Orchestrator) Unwatch(id string) error {
	return o.stateBus.Remove(id)
}

// EstimatorStats returns the pose estimator counters.
func (o *Orchestrator) EstimatorStats() estimator.Stats {
	return o.estimator.Stats()
}

// startDetection starts the estimator, the detector pipeline and the camera,
// unwinding in reverse order on failure.
func (o *Orchestrator) startDetection(ctx context.Context) (err error) {
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	// The estimator outlives the request that started it.
	if err = o.estimator.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("session: starting estimator: %w", err)
	}
	undo = append(undo, func() { o.logRelease("estimator", o.estimator.Stop()) })

	if err = o.startPipeline(); err != nil {
		return fmt.Errorf("session: starting pipeline: %w", err)
	}
	undo = append(undo, o.stopPipeline)

	o.fps.Reset()
	if err = o.source.Start(o.onFrame); err != nil {
		return fmt.Errorf("session: starting camera %s: %w", o.source.DeviceID(), err)
	}
	return nil
}

// stopDetection releases the camera first so no frame is delivered after the
// estimator stops, then drains the detectors.
func (o *Orchestrator) stopDetection() {
	o.logRelease("camera", o.source.Stop())
	o.logRelease("estimator", o.estimator.Stop())
	o.stopPipeline()
}

func (o *Orchestrator) onFrame(frame *types.Frame) {
	if o.deps.Observer != nil {
		o.deps.Observer.FrameReceived()
	}
	o.fps.Observe(frame.Timestamp)
	if o.recording.Load() {
		o.deps.Recorder.Observe(frame)
	}
	o.estimator.StartDetection(frame)
}

func (o *Orchestrator) onPose(pose types.Pose) {
	o.aggMu.Lock()
	o.currentPose = &pose
	o.stateBus.Publish(o.snapshotLocked())
	o.aggMu.Unlock()
}

func (o *Orchestrator) onRepEvent(ev repphase.Event) {
	o.aggMu.Lock()
	if o.session == nil {
		o.aggMu.Unlock()
		return
	}
	o.session.recordRep(ev)
	id := o.session.ID
	switch ev.Type {
	case repphase.EventStarted:
		o.phase = repphase.Started.String()
	case repphase.EventPhaseBoundary:
		o.phase = ev.Phase
	case repphase.EventCompleted:
		o.phase = repphase.Idle.String()
	}
	o.stateBus.Publish(o.snapshotLocked())
	o.aggMu.Unlock()

	if ev.Type == repphase.EventCompleted {
		o.onRepCompleted(ev)
	}
	if o.deps.Publisher != nil {
		o.deps.Publisher.PublishRep(id, ev)
	}
}

func (o *Orchestrator) onRepCompleted(ev repphase.Event) {
	slog.Info("session: rep completed",
		"exercise", o.rules.Exercise,
		"rep_index", ev.RepIndex,
		"form_score", ev.FormScore,
		"duration", ev.Timestamp.Sub(ev.StartedAt),
	)
	if o.deps.Announcer != nil {
		o.deps.Announcer.AnnounceRep(ev.RepIndex)
	}
	if o.deps.Observer != nil {
		o.deps.Observer.RepCompleted(o.rules.Exercise, ev.FormScore)
	}
}

func (o *Orchestrator) onFeedback(fb violation.Feedback) {
	o.aggMu.Lock()
	if o.session == nil {
		o.aggMu.Unlock()
		return
	}
	o.session.recordFeedback(fb)
	id := o.session.ID
	o.currentFeedback = &fb
	o.stateBus.Publish(o.snapshotLocked())
	o.aggMu.Unlock()

	var newly []violation.Violation
	for _, v := range fb.Violations {
		for _, ruleID := range fb.NewlyActive {
			if v.RuleID == ruleID {
				newly = append(newly, v)
				break
			}
		}
	}

	if len(newly) > 0 && o.deps.Announcer != nil {
		o.deps.Announcer.AnnounceViolations(newly)
	}
	if o.deps.Observer != nil {
		o.deps.Observer.FormScore(o.rules.Exercise, fb.OverallFormScore)
		for _, v := range newly {
			o.deps.Observer.ViolationActivated(o.rules.Exercise, v.RuleID)
		}
	}
	if o.deps.Publisher != nil {
		o.deps.Publisher.PublishFeedback(id, fb)
	}
}

func (o *Orchestrator) startRecording(ctx context.Context) {
	if o.deps.Recorder == nil {
		return
	}
	if err := o.deps.Recorder.StartRecording(ctx); err != nil {
		slog.Warn("session: recording unavailable, continuing without it", "error", err)
		return
	}
	o.recording.Store(true)
}

func (o *Orchestrator) stopRecording() string {
	if !o.recording.Swap(false) {
		return ""
	}
	path, err := o.deps.Recorder.StopRecording()
	if err != nil {
		slog.Warn("session: stopping recording failed", "error", err)
	}
	return path
}

func (o *Orchestrator) failStart(err error) error {
	o.aggMu.Lock()
	o.lastErr = err
	o.aggMu.Unlock()
	o.setState(StateStopped)
	slog.Error("session: start failed", "error", err)
	return err
}

// setState must be called with mu held.
func (o *Orchestrator) setState(st State) {
	o.aggMu.Lock()
	o.state = st
	o.stateBus.Publish(o.snapshotLocked())
	o.aggMu.Unlock()

	if o.deps.Observer != nil {
		o.deps.Observer.StateChanged(st)
	}
	slog.Debug("session: state changed", "state", st)
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:       o.state,
		Phase:       o.phase,
		IsDetecting: o.state == StateRunning,
		UpdatedAt:   o.now(),
	}
	if o.session != nil {
		s.SessionID = o.session.ID
		s.Exercise = o.session.Exercise
		s.FallbackRules = o.session.FallbackRules
		s.RepCount = o.session.RepCount
	}
	if o.currentPose != nil {
		p := *o.currentPose
		s.CurrentPose = &p
	}
	if o.currentFeedback != nil {
		fb := *o.currentFeedback
		s.CurrentFeedback = &fb
	}
	if s.IsDetecting {
		s.CameraFPS = o.fps.Stats().FPSMean
	}
	if o.lastErr != nil {
		s.Err = o.lastErr.Error()
	}
	return s
}

func (o *Orchestrator) logRelease(what string, err error) {
	if err != nil {
		slog.Error("session: release failed", "resource", what, "error", err)
	}
}
