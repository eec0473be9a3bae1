package rules

import (
	"github.com/e7canasta/orion-form-coach/internal/kinematics"
	"github.com/e7canasta/orion-form-coach/internal/types"
)

// MeasureAngles measures every angle of the rule set on pose. Angles whose joints are
// not visible at minJointConfidence are absent from the result.
func (rs *RuleSet) MeasureAngles(pose types.Pose, minJointConfidence float64) map[string]float64 {
	out := make(map[string]float64, len(rs.Angles))
	for _, a := range rs.Angles {
		if deg, ok := kinematics.JointAngle(pose, a.Joints, a.Side, minJointConfidence); ok {
			out[a.Name] = deg
		}
	}
	return out
}

// RepAngle measures the monitored rep angle.
func (rs *RuleSet) RepAngle(pose types.Pose, minJointConfidence float64) (float64, bool) {
	for _, a := range rs.Angles {
		if a.Name == rs.Rep.Angle {
			return kinematics.JointAngle(pose, a.Joints, a.Side, minJointConfidence)
		}
	}
	return 0, false
}

// Score converts the total weight of active violations into a form score in [0,1].
func (rs *RuleSet) Score(activeWeight float64) float64 {
	if rs.totalWeight <= 0 {
		return 1
	}
	s := 1 - activeWeight/rs.totalWeight
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// InstantScore scores a single pose without any debounce: every rule violated
// on this pose counts. Rules that cannot be evaluated do not count.
func (rs *RuleSet) InstantScore(pose types.Pose, minJointConfidence float64) float64 {
	angles := rs.MeasureAngles(pose, minJointConfidence)
	var weight float64
	for i := range rs.Violations {
		v := &rs.Violations[i]
		if violated, _, known := v.Check(angles); known && violated {
			weight += v.Severity.Weight()
		}
	}
	return rs.Score(weight)
}
