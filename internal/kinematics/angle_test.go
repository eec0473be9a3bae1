package kinematics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

func TestAngle(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c types.Keypoint
		want    float64
	}{
		{"right angle", types.Keypoint{X: 1}, types.Keypoint{}, types.Keypoint{Y: 1}, 90},
		{"straight", types.Keypoint{X: -1}, types.Keypoint{}, types.Keypoint{X: 1}, 180},
		{"folded", types.Keypoint{X: 1}, types.Keypoint{}, types.Keypoint{X: 2}, 0},
		{"3d", types.Keypoint{Z: 1}, types.Keypoint{}, types.Keypoint{X: 1}, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Angle(tt.a, tt.b, tt.c), 1e-9)
		})
	}
}

func TestAngle_Degenerate(t *testing.T) {
	assert.True(t, math.IsNaN(Angle(types.Keypoint{}, types.Keypoint{}, types.Keypoint{X: 1})))
}

func TestJointAngle_Sides(t *testing.T) {
	kps := map[string]types.Keypoint{
		"left_hip":    {X: 0, Y: -1, Confidence: 1},
		"left_knee":   {X: 0, Y: 0, Confidence: 1},
		"left_ankle":  {X: 1, Y: 0, Confidence: 1},
		"right_hip":   {X: 0, Y: -1, Confidence: 1},
		"right_knee":  {X: 0, Y: 0, Confidence: 1},
		"right_ankle": {X: 0, Y: 1, Confidence: 1},
	}
	pose := types.NewPose(1, time.Unix(0, 0), kps)
	joints := [3]string{"hip", "knee", "ankle"}

	left, ok := JointAngle(pose, joints, SideLeft, 0.5)
	assert.True(t, ok)
	assert.InDelta(t, 90, left, 1e-9)

	right, ok := JointAngle(pose, joints, SideRight, 0.5)
	assert.True(t, ok)
	assert.InDelta(t, 180, right, 1e-9)

	both, ok := JointAngle(pose, joints, SideBoth, 0.5)
	assert.True(t, ok)
	assert.InDelta(t, 135, both, 1e-9)
}

func TestJointAngle_LowConfidenceSideIgnored(t *testing.T) {
	kps := map[string]types.Keypoint{
		"left_hip":    {X: 0, Y: -1, Confidence: 1},
		"left_knee":   {X: 0, Y: 0, Confidence: 1},
		"left_ankle":  {X: 1, Y: 0, Confidence: 1},
		"right_hip":   {X: 0, Y: -1, Confidence: 0.1},
		"right_knee":  {X: 0, Y: 0, Confidence: 1},
		"right_ankle": {X: 0, Y: 1, Confidence: 1},
	}
	pose := types.NewPose(1, time.Unix(0, 0), kps)

	both, ok := JointAngle(pose, [3]string{"hip", "knee", "ankle"}, SideBoth, 0.5)
	assert.True(t, ok)
	assert.InDelta(t, 90, both, 1e-9)

	_, ok = JointAngle(pose, [3]string{"hip", "knee", "ankle"}, SideRight, 0.5)
	assert.False(t, ok)
}
