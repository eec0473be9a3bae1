package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-form-coach/internal/posesynth"
	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/session"
	"github.com/e7canasta/orion-form-coach/internal/types"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

const progressTemplate = `{{ string . "prefix" }} {{counters . "%s/%s" "%s/?"}} {{bar . }} {{percent . "%.03f%%" "?"}} {{etime . "%s elapsed"}}`

// replayEpoch anchors fixture timestamps so replays are reproducible.
var replayEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Fixture is a scripted pose sequence.
type Fixture struct {
	Name       string        `yaml:"name"`
	Exercise   string        `yaml:"exercise"`
	IntervalMS int           `yaml:"interval_ms"`
	Poses      []FixtureStep `yaml:"poses"`
}

// FixtureStep is one body configuration held for Repeat poses (default 1).
// A zero confidence means full confidence.
type FixtureStep struct {
	posesynth.Spec `yaml:",inline"`
	Repeat         int `yaml:"repeat"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if fx.Exercise == "" {
		return nil, fmt.Errorf("fixture %s: exercise is required", path)
	}
	if len(fx.Poses) == 0 {
		return nil, fmt.Errorf("fixture %s: no poses", path)
	}
	if fx.IntervalMS <= 0 {
		fx.IntervalMS = 33
	}
	if fx.Name == "" {
		fx.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &fx, nil
}

// Expand builds the pose sequence.
func (fx *Fixture) Expand() []types.Pose {
	interval := time.Duration(fx.IntervalMS) * time.Millisecond
	var poses []types.Pose
	for _, step := range fx.Poses {
		n := step.Repeat
		if n <= 0 {
			n = 1
		}
		spec := step.Spec
		if spec.Confidence == 0 {
			spec.Confidence = 1
		}
		for i := 0; i < n; i++ {
			seq := uint64(len(poses) + 1)
			ts := replayEpoch.Add(time.Duration(len(poses)) * interval)
			poses = append(poses, posesynth.Pose(seq, ts, spec))
		}
	}
	return poses
}

// ReplayEntry is one detector output during a replay.
type ReplayEntry struct {
	Pose     int                 `json:"pose"`
	OffsetMS int64               `json:"offset_ms"`
	Rep      *repphase.Event     `json:"rep,omitempty"`
	Feedback *violation.Feedback `json:"feedback,omitempty"`
}

// ReplayResult is the outcome of feeding a fixture through the detectors.
type ReplayResult struct {
	Name          string         `json:"name"`
	Exercise      string         `json:"exercise"`
	FallbackRules bool           `json:"fallback_rules"`
	Poses         int            `json:"poses"`
	Entries       []ReplayEntry  `json:"entries"`
	RepsCompleted int            `json:"reps_completed"`
	RepsAbandoned map[string]int `json:"reps_abandoned"`
	Feedback      int            `json:"feedback"`
	AverageScore  float64        `json:"average_score"`
	Violations    map[string]int `json:"violations"`
}

// Replay feeds the fixture through fresh rep phase and violation detectors.
// progress, when not nil, is incremented once per pose.
func Replay(fx *Fixture, repo rules.Repository, cfg session.Config, progress *pb.ProgressBar) (*ReplayResult, error) {
	rs, fallback := rules.Resolve(repo, fx.Exercise)
	if rs == nil {
		return nil, fmt.Errorf("no rule set for %q", fx.Exercise)
	}
	reps, err := repphase.New(rs, cfg.RepPhase)
	if err != nil {
		return nil, err
	}
	violations, err := violation.New(rs, cfg.Violation)
	if err != nil {
		return nil, err
	}

	poses := fx.Expand()
	res := &ReplayResult{
		Name:          fx.Name,
		Exercise:      rs.Exercise,
		FallbackRules: fallback,
		Poses:         len(poses),
		Entries:       []ReplayEntry{},
		RepsAbandoned: make(map[string]int),
		Violations:    make(map[string]int),
	}

	var scoreSum float64
	for i, pose := range poses {
		offset := pose.Timestamp.Sub(poses[0].Timestamp).Milliseconds()
		for _, ev := range reps.Process(pose) {
			ev := ev
			res.Entries = append(res.Entries, ReplayEntry{Pose: i + 1, OffsetMS: offset, Rep: &ev})
		}
		if fb, ok := violations.Process(pose); ok {
			res.Entries = append(res.Entries, ReplayEntry{Pose: i + 1, OffsetMS: offset, Feedback: &fb})
			res.Feedback++
			scoreSum += fb.OverallFormScore
			for _, id := range fb.NewlyActive {
				res.Violations[id]++
			}
		}
		if progress != nil {
			progress.Increment()
		}
	}

	stats := reps.Stats()
	res.RepsCompleted = stats.Completed
	for reason, n := range stats.Abandoned {
		res.RepsAbandoned[string(reason)] = n
	}
	if res.Feedback > 0 {
		res.AverageScore = scoreSum / float64(res.Feedback)
	}
	return res, nil
}

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	RulesDir string
	Progress bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <fixture.yaml>",
		Short: "Replay a scripted pose sequence through the detectors",
		Long: `Replay feeds a scripted pose fixture through the rep phase and violation
detectors using the configured detection tuning, and prints every rep event
and feedback emission followed by a session summary.`,
		Example: `  formcoach replay testdata/squat_lean.yaml
  formcoach replay --format json --rules ./rules fixtures/lunge.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "rule directory overriding the embedded rule sets")
	cmd.Flags().BoolVar(&opts.Progress, "progress", false, "show a progress bar on stderr")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *ReplayOptions, path string) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	fx, err := LoadFixture(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load fixture", err)
	}

	dir := opts.RulesDir
	if dir == "" {
		dir = cfg.Rules.Dir
	}
	repo := rules.NewFileRepository(dir)
	if err := repo.LoadRules(context.Background()); err != nil {
		return WrapExitError(ExitCommandError, "failed to load rules", err)
	}

	var bar *pb.ProgressBar
	if opts.Progress {
		bar = pb.ProgressBarTemplate(progressTemplate).New(len(fx.Expand())).
			Set("prefix", fx.Name).
			SetWriter(cmd.ErrOrStderr()).
			Start()
	}
	res, err := Replay(fx, repo, cfg.SessionConfig(), bar)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return WrapExitError(ExitFailure, "replay failed", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, CLIResponse{Status: "ok", Data: res})
	}
	return writeReplayText(out, res)
}

func writeReplayText(w io.Writer, res *ReplayResult) error {
	fmt.Fprintf(w, "replay %s: exercise=%s fallback=%t poses=%d\n", res.Name, res.Exercise, res.FallbackRules, res.Poses)
	for _, e := range res.Entries {
		fmt.Fprintf(w, "pose %d @%dms: %s\n", e.Pose, e.OffsetMS, describeEntry(e))
	}

	abandoned := 0
	for _, n := range res.RepsAbandoned {
		abandoned += n
	}
	fmt.Fprintf(w, "reps_completed=%d reps_abandoned=%d feedback=%d average_score=%.3f\n",
		res.RepsCompleted, abandoned, res.Feedback, res.AverageScore)
	_, err := fmt.Fprintf(w, "violations: %s\n", formatCounts(res.Violations))
	return err
}

func describeEntry(e ReplayEntry) string {
	if e.Rep != nil {
		switch e.Rep.Type {
		case repphase.EventStarted:
			return fmt.Sprintf("rep %d started", e.Rep.RepIndex)
		case repphase.EventPhaseBoundary:
			return fmt.Sprintf("rep %d phase %s", e.Rep.RepIndex, e.Rep.Phase)
		case repphase.EventCompleted:
			return fmt.Sprintf("rep %d completed form_score=%.3f", e.Rep.RepIndex, e.Rep.FormScore)
		}
		return fmt.Sprintf("rep %d %s", e.Rep.RepIndex, e.Rep.Type)
	}

	active := make([]string, 0, len(e.Feedback.Violations))
	for _, v := range e.Feedback.Violations {
		active = append(active, v.RuleID)
	}
	return fmt.Sprintf("feedback score=%.3f active=[%s] new=[%s]",
		e.Feedback.OverallFormScore, strings.Join(active, ","), strings.Join(e.Feedback.NewlyActive, ","))
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
