// Package violation evaluates form rules on every pose and reports debounced
// form violations together with an overall form score.
package violation

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/types"
)

// Violation is an active form violation.
type Violation struct {
	RuleID   string         `json:"rule_id"`
	Severity rules.Severity `json:"severity"`
	Message  string         `json:"message"`
}

// Feedback is a form feedback emission.
type Feedback struct {
	// Violations are ordered by severity (highest first) then rule id
	Violations []Violation `json:"violations"`
	// NewlyActive lists rule ids that became active since the previous emission
	NewlyActive []string `json:"newly_active,omitempty"`
	// OverallFormScore is in [0,1], 1 meaning no active violation
	OverallFormScore float64   `json:"overall_form_score"`
	Timestamp        time.Time `json:"timestamp"`
}

// Config holds debounce and emission tuning.
type Config struct {
	// ActivateAfter consecutive violating poses activate a rule
	ActivateAfter int
	// ClearAfter consecutive clean poses clear an active rule
	ClearAfter int
	// EmitInterval re-emits the current state at this cadence (0 emits on change only)
	EmitInterval time.Duration
	// MinConfidence below which poses are ignored
	MinConfidence float64
	// MinJointConfidence below which a landmark is considered not visible
	MinJointConfidence float64
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ActivateAfter:      3,
		ClearAfter:         3,
		EmitInterval:       time.Second,
		MinConfidence:      0.7,
		MinJointConfidence: 0.5,
	}
}

type ruleState struct {
	rule    *rules.ViolationRule
	hits    int
	misses  int
	active  bool
	message string
}

// Detector tracks violation state for one exercise.
// Not safe for concurrent use; one goroutine feeds it poses.
type Detector struct {
	cfg   Config
	rules *rules.RuleSet

	states   []*ruleState
	pending  []string
	lastEmit time.Time
	emitted  uint64
	ignored  uint64
}

// New creates a detector for the rule set.
func New(rs *rules.RuleSet, cfg Config) (*Detector, error) {
	if rs == nil {
		return nil, fmt.Errorf("violation: rule set is required")
	}
	if cfg.ActivateAfter < 1 {
		cfg.ActivateAfter = 1
	}
	if cfg.ClearAfter < 1 {
		cfg.ClearAfter = 1
	}

	d := &Detector{cfg: cfg, rules: rs}
	for i := range rs.Violations {
		d.states = append(d.states, &ruleState{rule: &rs.Violations[i]})
	}
	return d, nil
}

// Process evaluates every rule on pose. It returns feedback when the active
// set changed or the emit interval elapsed.
func (d *Detector) Process(pose types.Pose) (Feedback, bool) {
	if pose.Confidence < d.cfg.MinConfidence {
		d.ignored++
		return Feedback{}, false
	}

	angles := d.rules.MeasureAngles(pose, d.cfg.MinJointConfidence)
	changed := false

	for _, st := range d.states {
		violated, value, known := st.rule.Check(angles)
		if !known {
			continue
		}
		if violated {
			st.hits++
			st.misses = 0
			if !st.active && st.hits >= d.cfg.ActivateAfter {
				st.active = true
				st.message = st.rule.Render(value)
				d.pending = append(d.pending, st.rule.ID)
				changed = true
				slog.Debug("violation: activated", "rule", st.rule.ID, "value", value)
			}
			continue
		}
		st.misses++
		st.hits = 0
		if st.active && st.misses >= d.cfg.ClearAfter {
			st.active = false
			st.message = ""
			changed = true
			slog.Debug("violation: cleared", "rule", st.rule.ID)
		}
	}

	if !changed {
		if d.lastEmit.IsZero() {
			d.lastEmit = pose.Timestamp
			return Feedback{}, false
		}
		if d.cfg.EmitInterval <= 0 || pose.Timestamp.Sub(d.lastEmit) < d.cfg.EmitInterval {
			return Feedback{}, false
		}
	}

	fb := d.snapshot(pose.Timestamp)
	d.lastEmit = pose.Timestamp
	d.emitted++
	return fb, true
}

// Active returns the currently active violations.
func (d *Detector) Active() []Violation {
	return d.activeList()
}

// Score returns the current overall form score.
func (d *Detector) Score() float64 {
	var w float64
	for _, st := range d.states {
		if st.active {
			w += st.rule.Severity.Weight()
		}
	}
	return d.rules.Score(w)
}

// Reset clears all debounce state.
func (d *Detector) Reset() {
	for _, st := range d.states {
		st.hits, st.misses = 0, 0
		st.active = false
		st.message = ""
	}
	d.pending = nil
	d.lastEmit = time.Time{}
}

// Emitted returns the number of feedback emissions.
func (d *Detector) Emitted() uint64 {
	return d.emitted
}

// Ignored returns the number of low-confidence poses skipped.
func (d *Detector) Ignored() uint64 {
	return d.ignored
}

func (d *Detector) snapshot(ts time.Time) Feedback {
	fb := Feedback{
		Violations:       d.activeList(),
		OverallFormScore: d.Score(),
		Timestamp:        ts,
	}
	// Only report activations that are still active at emission time.
	for _, id := range d.pending {
		for _, v := range fb.Violations {
			if v.RuleID == id {
				fb.NewlyActive = append(fb.NewlyActive, id)
				break
			}
		}
	}
	d.pending = nil
	return fb
}

func (d *Detector) activeList() []Violation {
	out := make([]Violation, 0, len(d.states))
	for _, st := range d.states {
		if st.active {
			out = append(out, Violation{
				RuleID:   st.rule.ID,
				Severity: st.rule.Severity,
				Message:  st.message,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Severity.Weight(), out[j].Severity.Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}
