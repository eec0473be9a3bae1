// Package kinematics computes joint angles from pose landmarks.
package kinematics

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

// Side selects which body side an angle is measured on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
	// SideBoth averages the visible sides.
	SideBoth Side = "both"
	// SideNone uses joint names verbatim.
	SideNone Side = "none"
)

// Angle returns the angle in degrees at vertex b formed by segments b->a and b->c.
// Degenerate segments yield NaN.
func Angle(a, b, c types.Keypoint) float64 {
	u := r3.Sub(vec(a), vec(b))
	v := r3.Sub(vec(c), vec(b))
	nu, nv := r3.Norm(u), r3.Norm(v)
	if nu == 0 || nv == 0 {
		return math.NaN()
	}
	cos := r3.Dot(u, v) / (nu * nv)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

// JointAngle measures the angle at the middle of joints on the given side.
// Joints are base names ("hip", "knee", "ankle") unless side is SideNone.
// ok is false when no side has all three joints visible at minConfidence.
func JointAngle(pose types.Pose, joints [3]string, side Side, minConfidence float64) (deg float64, ok bool) {
	switch side {
	case SideNone:
		return measure(pose, joints, minConfidence)
	case SideLeft, SideRight:
		return measure(pose, sided(joints, string(side)), minConfidence)
	default:
		var sum float64
		n := 0
		for _, s := range []string{"left", "right"} {
			if d, ok := measure(pose, sided(joints, s), minConfidence); ok {
				sum += d
				n++
			}
		}
		if n == 0 {
			return 0, false
		}
		return sum / float64(n), true
	}
}

func measure(pose types.Pose, names [3]string, minConfidence float64) (float64, bool) {
	var kps [3]types.Keypoint
	for i, name := range names {
		kp, found := pose.Joint(name)
		if !found || kp.Confidence < minConfidence {
			return 0, false
		}
		kps[i] = kp
	}
	d := Angle(kps[0], kps[1], kps[2])
	if math.IsNaN(d) {
		return 0, false
	}
	return d, true
}

func sided(joints [3]string, side string) [3]string {
	var out [3]string
	for i, j := range joints {
		if j == types.JointNose {
			out[i] = j
			continue
		}
		out[i] = side + "_" + j
	}
	return out
}

func vec(kp types.Keypoint) r3.Vec {
	return r3.Vec{X: kp.X, Y: kp.Y, Z: kp.Z}
}
