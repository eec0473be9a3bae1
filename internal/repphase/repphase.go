// Package repphase counts repetitions by tracking the monitored joint angle
// through the phases of an exercise.
//
// State machine:
//
//	Idle ──past start──▶ Started ──past phase 1──▶ InPhase(1) … InPhase(n)
//	  ▲                                                        │
//	  └──────────────── Completed ◀──returned past end──────────┘
//
// Every transition must hold for the dwell window before it is confirmed.
// A rep only starts after an accepted pose at the top; a timeout or interrupt
// disarms the detector so resuming mid-rep is never counted.
// A rep is abandoned (never counted) when the pose stream goes silent mid-rep
// or when the angle returns to the top before the last phase is reached.
package repphase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/types"
)

// Phase of the detector.
type Phase int

const (
	Idle Phase = iota
	Started
	InPhase
	Completed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case InPhase:
		return "in_phase"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// EventType of a RepEvent.
type EventType string

const (
	EventStarted       EventType = "started"
	EventPhaseBoundary EventType = "phase_boundary_reached"
	EventCompleted     EventType = "completed"
)

// Event is emitted on confirmed rep transitions.
type Event struct {
	Type EventType `json:"type"`
	// RepIndex is the 1-based index of the rep the event belongs to
	RepIndex int `json:"rep_index"`
	// Phase is the phase name for phase boundary events
	Phase string `json:"phase,omitempty"`
	// Timestamp of the pose that confirmed the transition
	Timestamp time.Time `json:"timestamp"`
	// StartedAt is the provisional rep start time
	StartedAt time.Time `json:"started_at"`
	// FormScore is the mean instantaneous form score over the rep, set on completion
	FormScore float64 `json:"form_score"`
}

// AbandonReason explains why a rep was discarded.
type AbandonReason string

const (
	AbandonTimeout    AbandonReason = "timeout"
	AbandonIncomplete AbandonReason = "incomplete"
	AbandonInterrupt  AbandonReason = "interrupted"
)

// Config holds detector tuning.
type Config struct {
	// DwellPoses is the number of consecutive accepted poses a transition must hold
	DwellPoses int
	// DwellDuration is the minimum time a transition must hold (0 disables)
	DwellDuration time.Duration
	// MinConfidence below which poses are ignored
	MinConfidence float64
	// MinJointConfidence below which a landmark is considered not visible
	MinJointConfidence float64
	// Timeout abandons a rep when no pose is accepted for this long
	Timeout time.Duration
}

// DefaultConfig returns the default detector tuning.
func DefaultConfig() Config {
	return Config{
		DwellPoses:         2,
		MinConfidence:      0.7,
		MinJointConfidence: 0.5,
		Timeout:            3 * time.Second,
	}
}

// Stats contains detector counters.
type Stats struct {
	PosesAccepted uint64
	PosesIgnored  uint64
	Completed     int
	Abandoned     map[AbandonReason]int
}

// Detector is the rep phase state machine for one exercise.
// Not safe for concurrent use; one goroutine feeds it poses.
type Detector struct {
	cfg   Config
	rules *rules.RuleSet

	phase      Phase
	phaseIndex int // index into rules.Rep.Phases while InPhase
	phaseAt    time.Time
	startedAt  time.Time
	repIndex   int // completed reps
	// armed is set once an accepted pose is at the top; a rep only starts from an armed Idle
	armed bool

	// pending transition
	pendingCount int
	pendingSince time.Time
	pendingKind  pendingKind

	lastPoseAt time.Time

	scoreSum   float64
	scoreCount int

	stats Stats
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingStart
	pendingPhase
	pendingReturn
)

// New creates a detector for the rule set.
func New(rs *rules.RuleSet, cfg Config) (*Detector, error) {
	if rs == nil {
		return nil, fmt.Errorf("repphase: rule set is required")
	}
	if len(rs.Rep.Phases) == 0 {
		return nil, fmt.Errorf("repphase: rule set %q has no phases", rs.Exercise)
	}
	if cfg.DwellPoses < 1 {
		cfg.DwellPoses = 1
	}
	return &Detector{
		cfg:   cfg,
		rules: rs,
		stats: Stats{Abandoned: make(map[AbandonReason]int)},
	}, nil
}

// Phase returns the current phase and, while InPhase, the phase name.
func (d *Detector) Phase() (Phase, string) {
	if d.phase == InPhase {
		return d.phase, d.rules.Rep.Phases[d.phaseIndex].Name
	}
	return d.phase, ""
}

// RepCount returns the number of completed reps.
func (d *Detector) RepCount() int {
	return d.repIndex
}

// Stats returns a copy of the detector counters.
func (d *Detector) Stats() Stats {
	s := d.stats
	s.Abandoned = make(map[AbandonReason]int, len(d.stats.Abandoned))
	for k, v := range d.stats.Abandoned {
		s.Abandoned[k] = v
	}
	return s
}

// Process feeds one pose and returns the events it confirmed.
// Low-confidence poses and poses without the monitored angle leave the state unchanged.
func (d *Detector) Process(pose types.Pose) []Event {
	if pose.Confidence < d.cfg.MinConfidence {
		d.stats.PosesIgnored++
		return nil
	}
	angle, ok := d.rules.RepAngle(pose, d.cfg.MinJointConfidence)
	if !ok {
		d.stats.PosesIgnored++
		return nil
	}

	if !d.lastPoseAt.IsZero() && d.cfg.Timeout > 0 && pose.Timestamp.Sub(d.lastPoseAt) > d.cfg.Timeout {
		d.expire(pose.Timestamp)
	}
	d.lastPoseAt = pose.Timestamp
	d.stats.PosesAccepted++

	if d.phase != Idle {
		d.scoreSum += d.rules.InstantScore(pose, d.cfg.MinJointConfidence)
		d.scoreCount++
	}

	rep := d.rules.Rep
	switch d.phase {
	case Idle:
		if !rep.Past(angle, rep.Start) {
			d.armed = true
			d.clearPending()
			return nil
		}
		if !d.armed {
			d.clearPending()
			return nil
		}
		if !d.hold(pendingStart, pose.Timestamp) {
			return nil
		}
		d.phase = Started
		d.phaseAt = pose.Timestamp
		d.startedAt = d.pendingSince
		d.scoreSum = d.rules.InstantScore(pose, d.cfg.MinJointConfidence)
		d.scoreCount = 1
		d.clearPending()
		slog.Debug("repphase: rep started", "rep_index", d.repIndex+1, "angle", angle)
		return []Event{d.event(EventStarted, "", pose.Timestamp)}

	case Started, InPhase:
		next := 0
		if d.phase == InPhase {
			next = d.phaseIndex + 1
		}

		if next < len(rep.Phases) && rep.Past(angle, rep.Phases[next].Threshold) {
			if !d.hold(pendingPhase, pose.Timestamp) {
				return nil
			}
			d.phase = InPhase
			d.phaseIndex = next
			d.phaseAt = pose.Timestamp
			d.clearPending()
			name := rep.Phases[next].Name
			slog.Debug("repphase: phase reached", "rep_index", d.repIndex+1, "phase", name, "angle", angle)
			return []Event{d.event(EventPhaseBoundary, name, pose.Timestamp)}
		}

		if rep.Returned(angle) {
			if !d.hold(pendingReturn, pose.Timestamp) {
				return nil
			}
			if d.phase != InPhase || d.phaseIndex != len(rep.Phases)-1 {
				d.abandon(AbandonIncomplete)
				return nil
			}
			return []Event{d.complete(pose.Timestamp)}
		}

		d.clearPending()
	}
	return nil
}

// Tick abandons an in-progress rep if no pose has been accepted within the timeout.
func (d *Detector) Tick(now time.Time) {
	if d.lastPoseAt.IsZero() || d.cfg.Timeout <= 0 {
		return
	}
	if now.Sub(d.lastPoseAt) > d.cfg.Timeout {
		d.expire(now)
	}
}

// Interrupt abandons any in-progress rep and keeps the completed rep count.
func (d *Detector) Interrupt() {
	if d.phase != Idle {
		d.abandon(AbandonInterrupt)
	}
	d.armed = false
	d.clearPending()
	d.lastPoseAt = time.Time{}
}

func (d *Detector) expire(now time.Time) {
	if d.phase != Idle {
		slog.Debug("repphase: pose stream silent mid-rep", "rep_index", d.repIndex+1,
			"silence", now.Sub(d.lastPoseAt))
		d.abandon(AbandonTimeout)
	}
	d.armed = false
	d.clearPending()
}

func (d *Detector) complete(ts time.Time) Event {
	d.repIndex++
	ev := d.event(EventCompleted, "", ts)
	if d.scoreCount > 0 {
		ev.FormScore = d.scoreSum / float64(d.scoreCount)
	}
	d.stats.Completed++
	slog.Debug("repphase: rep completed", "rep_index", d.repIndex, "form_score", ev.FormScore,
		"duration", ts.Sub(d.startedAt))
	d.reset()
	// the completing pose is back at the top
	d.armed = true
	return ev
}

func (d *Detector) abandon(reason AbandonReason) {
	d.stats.Abandoned[reason]++
	d.armed = false
	slog.Debug("repphase: rep abandoned", "rep_index", d.repIndex+1, "reason", reason, "phase", d.phase.String())
	d.reset()
}

func (d *Detector) reset() {
	d.phase = Idle
	d.phaseIndex = 0
	d.phaseAt = time.Time{}
	d.startedAt = time.Time{}
	d.scoreSum = 0
	d.scoreCount = 0
	d.clearPending()
}

// hold records one more pose supporting the kind of transition and reports
// whether the dwell window is satisfied.
func (d *Detector) hold(kind pendingKind, ts time.Time) bool {
	if d.pendingKind != kind {
		d.pendingKind = kind
		d.pendingCount = 0
		d.pendingSince = ts
	}
	d.pendingCount++
	return d.pendingCount >= d.cfg.DwellPoses && ts.Sub(d.pendingSince) >= d.cfg.DwellDuration
}

func (d *Detector) clearPending() {
	d.pendingKind = pendingNone
	d.pendingCount = 0
	d.pendingSince = time.Time{}
}

func (d *Detector) event(t EventType, phase string, ts time.Time) Event {
	idx := d.repIndex
	if t != EventCompleted {
		idx++
	}
	return Event{
		Type:      t,
		RepIndex:  idx,
		Phase:     phase,
		Timestamp: ts,
		StartedAt: d.startedAt,
	}
}
