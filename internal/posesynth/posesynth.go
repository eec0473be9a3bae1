// Package posesynth builds synthetic side-view poses with prescribed joint angles.
package posesynth

import (
	"math"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

// Spec describes the body configuration of one synthetic pose.
type Spec struct {
	// Knee is the angle at the knee (hip-knee-ankle) in degrees; zero means straight leg
	Knee float64 `yaml:"knee"`
	// Hip is the angle at the hip (shoulder-hip-knee) in degrees; zero means upright torso
	Hip float64 `yaml:"hip"`
	// Elbow is the angle at the elbow (shoulder-elbow-wrist) in degrees; zero means straight arm
	Elbow float64 `yaml:"elbow"`
	// Confidence applied to every landmark
	Confidence float64 `yaml:"confidence"`
}

// Pose builds a pose for both body sides from spec.
func Pose(seq uint64, ts time.Time, spec Spec) types.Pose {
	if spec.Knee == 0 {
		spec.Knee = 180
	}
	if spec.Elbow == 0 {
		spec.Elbow = 180
	}

	kps := make(map[string]types.Keypoint, 13)
	for _, side := range []struct {
		name string
		dx   float64
	}{{"left", -0.05}, {"right", 0.05}} {
		knee := point{side.dx, 0}
		ankle := point{side.dx, 1}

		// Thigh direction measured from the shin (knee->ankle points down).
		thigh := rotate(point{0, 1}, spec.Knee)
		hip := knee.add(thigh)

		torso := point{0, -1}
		if spec.Hip != 0 {
			torso = rotate(thigh.neg(), spec.Hip)
		}
		shoulder := hip.add(torso)

		upper := point{0, 0.5}
		elbow := shoulder.add(upper)
		wrist := elbow.add(rotate(upper.neg(), spec.Elbow))

		kps[side.name+"_ankle"] = kp(ankle, spec.Confidence)
		kps[side.name+"_knee"] = kp(knee, spec.Confidence)
		kps[side.name+"_hip"] = kp(hip, spec.Confidence)
		kps[side.name+"_shoulder"] = kp(shoulder, spec.Confidence)
		kps[side.name+"_elbow"] = kp(elbow, spec.Confidence)
		kps[side.name+"_wrist"] = kp(wrist, spec.Confidence)
		if side.name == "left" {
			kps[types.JointNose] = kp(shoulder.add(point{0.05, -0.3}), spec.Confidence)
		}
	}

	return types.NewPose(seq, ts, kps)
}

// Squat builds a pose with the given knee angle, upright torso and straight arms.
func Squat(seq uint64, ts time.Time, kneeDeg, confidence float64) types.Pose {
	return Pose(seq, ts, Spec{Knee: kneeDeg, Confidence: confidence})
}

// Sequence builds one squat pose per knee angle, interval apart starting at start.
// confidence returns the landmark confidence for the 1-based pose index.
func Sequence(start time.Time, interval time.Duration, knees []float64, confidence func(i int) float64) []types.Pose {
	poses := make([]types.Pose, 0, len(knees))
	for i, k := range knees {
		c := 1.0
		if confidence != nil {
			c = confidence(i + 1)
		}
		poses = append(poses, Squat(uint64(i+1), start.Add(time.Duration(i)*interval), k, c))
	}
	return poses
}

type point struct{ x, y float64 }

func (p point) add(q point) point { return point{p.x + q.x, p.y + q.y} }
func (p point) neg() point        { return point{-p.x, -p.y} }

// rotate turns p counterclockwise by deg degrees.
func rotate(p point, deg float64) point {
	r := deg * math.Pi / 180
	sin, cos := math.Sincos(r)
	return point{p.x*cos - p.y*sin, p.x*sin + p.y*cos}
}

func kp(p point, confidence float64) types.Keypoint {
	return types.Keypoint{X: p.x, Y: p.y, Confidence: confidence}
}
