package estimator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/posesynth"
	"github.com/e7canasta/orion-form-coach/internal/types"
)

// Step is one scripted inference result.
type Step struct {
	Pose *types.Pose
	Err  error
}

// ScriptedBackend replays a fixed list of results, one per inference.
// Once exhausted it reports no pose. Used by tests and replay.
type ScriptedBackend struct {
	// Delay simulates inference latency. Honors ctx cancellation.
	Delay time.Duration
	// InitErr is returned by Initialize when set.
	InitErr error

	mu         sync.Mutex
	steps      []Step
	next       int
	initCalls  int
	closeCalls int
	seen       []uint64
}

// NewScriptedBackend scripts one successful result per pose.
func NewScriptedBackend(poses ...types.Pose) *ScriptedBackend {
	steps := make([]Step, len(poses))
	for i := range poses {
		p := poses[i]
		steps[i] = Step{Pose: &p}
	}
	return &ScriptedBackend{steps: steps}
}

// NewScriptedSteps scripts arbitrary results.
func NewScriptedSteps(steps ...Step) *ScriptedBackend {
	return &ScriptedBackend{steps: steps}
}

func (b *ScriptedBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls++
	return b.InitErr
}

func (b *ScriptedBackend) ProcessFrame(ctx context.Context, frame *types.Frame) (*types.Pose, error) {
	if b.Delay > 0 {
		t := time.NewTimer(b.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, frame.Seq)
	if b.next >= len(b.steps) {
		return nil, nil
	}
	step := b.steps[b.next]
	b.next++
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Pose == nil {
		return nil, nil
	}
	p := *step.Pose
	return &p, nil
}

func (b *ScriptedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
	return nil
}

// Calls returns how many times Initialize and Close were invoked.
func (b *ScriptedBackend) Calls() (initCalls, closeCalls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCalls, b.closeCalls
}

// Seen returns the sequence numbers of frames that reached the backend.
func (b *ScriptedBackend) Seen() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.seen...)
}

// SyntheticBackend fabricates a squatting figure from the frame timestamp.
// The knee angle oscillates between Bottom and Top over Period.
type SyntheticBackend struct {
	Period     time.Duration
	Top        float64
	Bottom     float64
	Confidence float64

	epoch time.Time
	once  sync.Once
}

// NewSyntheticBackend returns a backend cycling 170 to 90 degrees every 4s.
func NewSyntheticBackend() *SyntheticBackend {
	return &SyntheticBackend{Period: 4 * time.Second, Top: 170, Bottom: 90, Confidence: 0.95}
}

func (b *SyntheticBackend) Initialize(ctx context.Context) error { return nil }

func (b *SyntheticBackend) ProcessFrame(ctx context.Context, frame *types.Frame) (*types.Pose, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.once.Do(func() { b.epoch = frame.Timestamp })

	phase := 2 * math.Pi * frame.Timestamp.Sub(b.epoch).Seconds() / b.Period.Seconds()
	mid := (b.Top + b.Bottom) / 2
	amp := (b.Top - b.Bottom) / 2
	knee := mid + amp*math.Cos(phase)

	p := posesynth.Squat(frame.Seq, frame.Timestamp, knee, b.Confidence)
	return &p, nil
}

func (b *SyntheticBackend) Close() error { return nil }
