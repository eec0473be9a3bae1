package violation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-form-coach/internal/posesynth"
	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/types"
)

func squatRules(t *testing.T) *rules.RuleSet {
	t.Helper()
	repo := rules.NewFileRepository("")
	require.NoError(t, repo.LoadRules(context.Background()))
	rs, ok := repo.FindExerciseByName("squat")
	require.True(t, ok)
	return rs
}

func newDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := New(squatRules(t), cfg)
	require.NoError(t, err)
	return d
}

// clock produces poses 100ms apart.
type clock struct {
	seq uint64
	now time.Time
}

func (c *clock) pose(spec posesynth.Spec) types.Pose {
	c.seq++
	c.now = c.now.Add(100 * time.Millisecond)
	if spec.Confidence == 0 {
		spec.Confidence = 1
	}
	return posesynth.Pose(c.seq, c.now, spec)
}

var (
	good    = posesynth.Spec{Knee: 90}
	leaning = posesynth.Spec{Knee: 90, Hip: 40}
	both    = posesynth.Spec{Knee: 130, Hip: 40}
)

func run(d *Detector, c *clock, specs ...posesynth.Spec) []Feedback {
	var out []Feedback
	for _, s := range specs {
		if fb, ok := d.Process(c.pose(s)); ok {
			out = append(out, fb)
		}
	}
	return out
}

func hasRule(fb Feedback, id string) bool {
	for _, v := range fb.Violations {
		if v.RuleID == id {
			return true
		}
	}
	return false
}

func TestTransientViolation_NeverReported(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	var all []Feedback
	for i := 0; i < 5; i++ {
		all = append(all, run(d, c, good, good, leaning, good, good, leaning, leaning, good)...)
	}

	for _, fb := range all {
		assert.False(t, hasRule(fb, "torso_lean"))
		assert.Equal(t, 1.0, fb.OverallFormScore)
	}
	assert.Empty(t, d.Active())
}

func TestActivateThenClear(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmitInterval = 0
	d := newDetector(t, cfg)
	c := &clock{now: time.Unix(0, 0)}

	got := run(d, c, good, leaning, leaning)
	assert.Empty(t, got)

	got = run(d, c, leaning)
	require.Len(t, got, 1)
	require.Len(t, got[0].Violations, 1)
	assert.Equal(t, "torso_lean", got[0].Violations[0].RuleID)
	assert.Equal(t, rules.SeverityMedium, got[0].Violations[0].Severity)
	assert.Equal(t, "Keep your chest up, hip angle 40 degrees", got[0].Violations[0].Message)
	assert.Equal(t, []string{"torso_lean"}, got[0].NewlyActive)
	assert.InDelta(t, 0.6, got[0].OverallFormScore, 1e-9)

	// Still violating: no change, no emission.
	assert.Empty(t, run(d, c, leaning, leaning))

	// Two clean poses are not enough to clear.
	assert.Empty(t, run(d, c, good, good))
	assert.Len(t, d.Active(), 1)

	got = run(d, c, good)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Violations)
	assert.Empty(t, got[0].NewlyActive)
	assert.Equal(t, 1.0, got[0].OverallFormScore)

	// Cleared exactly once.
	assert.Empty(t, run(d, c, good, good, good, good))
}

func TestCadenceEmission(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	specs := make([]posesynth.Spec, 25)
	for i := range specs {
		specs[i] = good
	}
	got := run(d, c, specs...)

	// First pose starts the cadence clock; then one emission per second.
	require.Len(t, got, 2)
	assert.Equal(t, time.Unix(1, 100*int64(time.Millisecond)), got[0].Timestamp)
	assert.Equal(t, got[0].Timestamp.Add(time.Second), got[1].Timestamp)
}

func TestOrderingAndClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActivateAfter = 1
	d := newDetector(t, cfg)
	c := &clock{now: time.Unix(0, 0)}

	got := run(d, c, both)

	require.Len(t, got, 1)
	require.Len(t, got[0].Violations, 2)
	assert.Equal(t, "hips_rising_first", got[0].Violations[0].RuleID)
	assert.Equal(t, "torso_lean", got[0].Violations[1].RuleID)
	assert.Equal(t, []string{"torso_lean", "hips_rising_first"}, got[0].NewlyActive)
	assert.Equal(t, 0.0, got[0].OverallFormScore)
}

func TestLowConfidenceIgnored(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	c := &clock{now: time.Unix(0, 0)}

	low := leaning
	low.Confidence = 0.3
	got := run(d, c, low, low, low, low, low)

	assert.Empty(t, got)
	assert.Empty(t, d.Active())
	assert.Equal(t, uint64(5), d.Ignored())
}

func TestUnknownInputsKeepCounters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmitInterval = 0
	d := newDetector(t, cfg)
	c := &clock{now: time.Unix(0, 0)}

	run(d, c, leaning, leaning)

	// Shoulders hidden: hip angle cannot be measured, torso_lean state is kept.
	p := c.pose(leaning)
	hidden := make(map[string]types.Keypoint, len(p.Keypoints))
	for k, v := range p.Keypoints {
		if k == types.JointLeftShoulder || k == types.JointRightShoulder {
			v.Confidence = 0.1
		}
		hidden[k] = v
	}
	p.Keypoints = hidden
	_, ok := d.Process(p)
	assert.False(t, ok)

	got := run(d, c, leaning)
	require.Len(t, got, 1)
	assert.True(t, hasRule(got[0], "torso_lean"))
}

func TestReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActivateAfter = 1
	d := newDetector(t, cfg)
	c := &clock{now: time.Unix(0, 0)}

	run(d, c, leaning)
	require.Len(t, d.Active(), 1)

	d.Reset()
	assert.Empty(t, d.Active())
	assert.Equal(t, 1.0, d.Score())
}
