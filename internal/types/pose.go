package types

import "time"

// Joint names follow the MediaPipe/COCO body landmark naming.
const (
	JointNose          = "nose"
	JointLeftShoulder  = "left_shoulder"
	JointRightShoulder = "right_shoulder"
	JointLeftElbow     = "left_elbow"
	JointRightElbow    = "right_elbow"
	JointLeftWrist     = "left_wrist"
	JointRightWrist    = "right_wrist"
	JointLeftHip       = "left_hip"
	JointRightHip      = "right_hip"
	JointLeftKnee      = "left_knee"
	JointRightKnee     = "right_knee"
	JointLeftAnkle     = "left_ankle"
	JointRightAnkle    = "right_ankle"
)

// Keypoint represents a single pose landmark
type Keypoint struct {
	X          float64 `json:"x" yaml:"x" msgpack:"x"`
	Y          float64 `json:"y" yaml:"y" msgpack:"y"`
	Z          float64 `json:"z" yaml:"z" msgpack:"z"`
	Confidence float64 `json:"confidence" yaml:"confidence" msgpack:"confidence"`
}

// Pose represents the body landmarks estimated from one frame
type Pose struct {
	// FrameSeq is the sequence number of the source frame
	FrameSeq uint64 `json:"frame_seq"`
	// Timestamp is the source frame timestamp, used for staleness checks
	Timestamp time.Time `json:"timestamp"`
	// Keypoints maps joint name to landmark
	Keypoints map[string]Keypoint `json:"keypoints"`
	// Confidence is the overall pose confidence in [0,1]
	Confidence float64 `json:"confidence"`
}

// NewPose builds a pose and derives its overall confidence as the mean
// confidence of keyJoints. When keyJoints is empty every joint counts.
// A key joint that is missing contributes zero.
func NewPose(seq uint64, ts time.Time, keypoints map[string]Keypoint, keyJoints ...string) Pose {
	p := Pose{
		FrameSeq:  seq,
		Timestamp: ts,
		Keypoints: keypoints,
	}

	var sum float64
	n := 0
	if len(keyJoints) == 0 {
		for _, kp := range keypoints {
			sum += clamp01(kp.Confidence)
			n++
		}
	} else {
		for _, name := range keyJoints {
			sum += clamp01(keypoints[name].Confidence)
			n++
		}
	}
	if n > 0 {
		p.Confidence = sum / float64(n)
	}
	return p
}

// Joint returns the named keypoint if present.
func (p Pose) Joint(name string) (Keypoint, bool) {
	kp, ok := p.Keypoints[name]
	return kp, ok
}

// Visible reports whether the named joint is present with at least minConfidence.
func (p Pose) Visible(name string, minConfidence float64) bool {
	kp, ok := p.Keypoints[name]
	return ok && kp.Confidence >= minConfidence
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
