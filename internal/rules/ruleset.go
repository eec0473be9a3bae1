// Package rules loads exercise rule sets: the angles to measure, the rep phase
// thresholds and the form-violation constraints for each exercise.
package rules

import (
	"bytes"
	"fmt"
	"math"
	"text/template"

	"gopkg.in/Knetic/govaluate.v3"

	"github.com/e7canasta/orion-form-coach/internal/kinematics"
)

// Severity of a form violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Weight returns the score weight of the severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Direction of the monitored angle during the eccentric part of a rep.
type Direction string

const (
	// Decreasing: the angle closes from the start position (squat knee).
	Decreasing Direction = "decreasing"
	// Increasing: the angle opens from the start position (lateral raise shoulder).
	Increasing Direction = "increasing"
)

// AngleDef names an angle measured at the middle joint.
type AngleDef struct {
	Name   string          `yaml:"name" json:"name"`
	Joints [3]string       `yaml:"joints" json:"joints"`
	Side   kinematics.Side `yaml:"side" json:"side"`
}

// PhaseDef is a named threshold the monitored angle must pass during a rep.
type PhaseDef struct {
	Name      string  `yaml:"name" json:"name"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// RepDef describes how a repetition is recognized.
type RepDef struct {
	// Angle is the AngleDef name monitored for phase detection
	Angle     string    `yaml:"angle" json:"angle"`
	Direction Direction `yaml:"direction" json:"direction"`
	// Start is the threshold that begins a rep
	Start float64 `yaml:"start" json:"start"`
	// End is the threshold the angle must return past to complete a rep (defaults to Start)
	End float64 `yaml:"end" json:"end"`
	// Hysteresis is the margin applied to the return threshold and the
	// minimum separation between consecutive thresholds
	Hysteresis float64    `yaml:"hysteresis" json:"hysteresis"`
	Phases     []PhaseDef `yaml:"phases" json:"phases"`
}

// Past reports whether angle is beyond threshold in the rep direction.
func (r RepDef) Past(angle, threshold float64) bool {
	if r.Direction == Increasing {
		return angle > threshold
	}
	return angle < threshold
}

// Returned reports whether angle is back beyond the end threshold, hysteresis included.
func (r RepDef) Returned(angle float64) bool {
	if r.Direction == Increasing {
		return angle < r.End-r.Hysteresis
	}
	return angle > r.End+r.Hysteresis
}

// ViolationRule is a form constraint. Either Angle with Min and/or Max, or Expr.
type ViolationRule struct {
	ID       string   `yaml:"id" json:"id"`
	Severity Severity `yaml:"severity" json:"severity"`
	// Message is a text/template rendered with .Value (the measured angle) and .Rule
	Message string   `yaml:"message" json:"message"`
	Angle   string   `yaml:"angle,omitempty" json:"angle,omitempty"`
	Min     *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	// Expr is a boolean expression over angle names that is true when violated
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`

	tmpl *template.Template
	expr *govaluate.EvaluableExpression
	vars []string
}

// RuleSet holds everything needed to evaluate one exercise.
// A loaded RuleSet is immutable and safe for concurrent use.
type RuleSet struct {
	Exercise   string          `yaml:"exercise" json:"exercise"`
	Aliases    []string        `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Angles     []AngleDef      `yaml:"angles" json:"angles"`
	Rep        RepDef          `yaml:"rep" json:"rep"`
	Violations []ViolationRule `yaml:"violations,omitempty" json:"violations,omitempty"`

	totalWeight float64
}

// Compile validates the rule set, applies defaults and prepares templates and expressions.
func (rs *RuleSet) Compile() error {
	if rs.Exercise == "" {
		return fmt.Errorf("exercise name is required")
	}

	angles := make(map[string]bool, len(rs.Angles))
	for i := range rs.Angles {
		a := &rs.Angles[i]
		if a.Name == "" {
			return fmt.Errorf("angle %d: name is required", i)
		}
		if angles[a.Name] {
			return fmt.Errorf("angle %q defined twice", a.Name)
		}
		if a.Side == "" {
			a.Side = kinematics.SideBoth
		}
		angles[a.Name] = true
	}

	if err := rs.compileRep(angles); err != nil {
		return fmt.Errorf("rep: %w", err)
	}

	rs.totalWeight = 0
	seen := make(map[string]bool, len(rs.Violations))
	for i := range rs.Violations {
		v := &rs.Violations[i]
		if seen[v.ID] {
			return fmt.Errorf("violation %q defined twice", v.ID)
		}
		seen[v.ID] = true
		if err := v.compile(angles); err != nil {
			return fmt.Errorf("violation %q: %w", v.ID, err)
		}
		rs.totalWeight += v.Severity.Weight()
	}
	return nil
}

func (rs *RuleSet) compileRep(angles map[string]bool) error {
	r := &rs.Rep
	if !angles[r.Angle] {
		return fmt.Errorf("unknown angle %q", r.Angle)
	}
	if r.Direction == "" {
		r.Direction = Decreasing
	}
	if r.Direction != Decreasing && r.Direction != Increasing {
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	if r.End == 0 {
		r.End = r.Start
	}
	if r.Hysteresis < 0 {
		return fmt.Errorf("hysteresis must be >= 0")
	}
	if len(r.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}

	// Consecutive thresholds must be separated by at least the hysteresis
	// margin in the rep direction or the detector could oscillate.
	prev := r.Start
	for _, p := range r.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase name is required")
		}
		gap := prev - p.Threshold
		if r.Direction == Increasing {
			gap = -gap
		}
		if gap <= 0 || gap < r.Hysteresis {
			return fmt.Errorf("phase %q threshold %.1f overlaps previous threshold %.1f (hysteresis %.1f)",
				p.Name, p.Threshold, prev, r.Hysteresis)
		}
		prev = p.Threshold
	}

	last := r.Phases[len(r.Phases)-1].Threshold
	back := r.End - last
	if r.Direction == Increasing {
		back = -back
	}
	if back < r.Hysteresis || back <= 0 {
		return fmt.Errorf("end threshold %.1f too close to last phase %.1f", r.End, last)
	}
	return nil
}

func (v *ViolationRule) compile(angles map[string]bool) error {
	if v.ID == "" {
		return fmt.Errorf("id is required")
	}
	if v.Severity.Weight() == 0 {
		return fmt.Errorf("invalid severity %q", v.Severity)
	}

	tmpl, err := template.New(v.ID).Parse(v.Message)
	if err != nil {
		return fmt.Errorf("message template: %w", err)
	}
	v.tmpl = tmpl

	switch {
	case v.Expr != "" && v.Angle != "":
		return fmt.Errorf("angle and expr are mutually exclusive")
	case v.Expr != "":
		expr, err := govaluate.NewEvaluableExpression(v.Expr)
		if err != nil {
			return fmt.Errorf("expr: %w", err)
		}
		for _, name := range expr.Vars() {
			if !angles[name] {
				return fmt.Errorf("expr references unknown angle %q", name)
			}
		}
		v.expr = expr
		v.vars = expr.Vars()
	case v.Angle != "":
		if !angles[v.Angle] {
			return fmt.Errorf("unknown angle %q", v.Angle)
		}
		if v.Min == nil && v.Max == nil {
			return fmt.Errorf("angle rule needs min or max")
		}
		if v.Min != nil && v.Max != nil && *v.Min >= *v.Max {
			return fmt.Errorf("min %.1f must be below max %.1f", *v.Min, *v.Max)
		}
	default:
		return fmt.Errorf("angle or expr is required")
	}
	return nil
}

// Check evaluates the rule against measured angles.
// known is false when an input angle was not measurable on the pose.
// value is the measured angle for angle rules and the first referenced angle for expressions.
func (v *ViolationRule) Check(angles map[string]float64) (violated bool, value float64, known bool) {
	if v.expr == nil {
		a, ok := angles[v.Angle]
		if !ok {
			return false, 0, false
		}
		if v.Min != nil && a < *v.Min {
			return true, a, true
		}
		if v.Max != nil && a > *v.Max {
			return true, a, true
		}
		return false, a, true
	}

	params := make(map[string]interface{}, len(v.vars))
	for _, name := range v.vars {
		a, ok := angles[name]
		if !ok {
			return false, 0, false
		}
		params[name] = a
	}
	if len(v.vars) > 0 {
		value = angles[v.vars[0]]
	}

	out, err := v.expr.Evaluate(params)
	if err != nil {
		return false, value, false
	}
	b, ok := out.(bool)
	if !ok {
		return false, value, false
	}
	return b, value, true
}

// Render formats the rule message for the measured value.
func (v *ViolationRule) Render(value float64) string {
	if v.tmpl == nil {
		return v.Message
	}
	var buf bytes.Buffer
	data := struct {
		Value float64
		Rule  string
	}{Value: math.Round(value), Rule: v.ID}
	if err := v.tmpl.Execute(&buf, data); err != nil {
		return v.Message
	}
	return buf.String()
}

// TotalWeight is the sum of all violation severity weights.
func (rs *RuleSet) TotalWeight() float64 {
	return rs.totalWeight
}

// Violation returns the rule with the given id.
func (rs *RuleSet) Violation(id string) (*ViolationRule, bool) {
	for i := range rs.Violations {
		if rs.Violations[i].ID == id {
			return &rs.Violations[i], true
		}
	}
	return nil, false
}
