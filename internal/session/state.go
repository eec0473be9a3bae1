package session

import (
	"time"

	"github.com/e7canasta/orion-form-coach/internal/types"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

// State is the orchestrator lifecycle state.
//
//	Stopped ──StartSession──▶ Starting ──▶ Running ──Pause──▶ Pausing ──▶ Paused
//	   ▲                         ▲                                          │
//	   │                         └────────────────Resume────────────────────┘
//	   └──────────── FinishSession (from Running or Paused) ────────────────┘
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
)

// Snapshot is the observable session state, refreshed on every pipeline tick.
type Snapshot struct {
	State           State               `json:"state"`
	SessionID       string              `json:"session_id,omitempty"`
	Exercise        string              `json:"exercise,omitempty"`
	FallbackRules   bool                `json:"fallback_rules,omitempty"`
	CurrentPose     *types.Pose         `json:"current_pose,omitempty"`
	CurrentFeedback *violation.Feedback `json:"current_feedback,omitempty"`
	RepCount        int                 `json:"rep_count"`
	Phase           string              `json:"phase,omitempty"`
	IsDetecting     bool                `json:"is_detecting"`
	CameraFPS       float64             `json:"camera_fps"`
	Err             string              `json:"error,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}
