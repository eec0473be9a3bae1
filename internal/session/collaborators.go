package session

import (
	"context"

	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/types"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

// Persister stores finalized sessions. Never consulted by the live pipeline.
type Persister interface {
	SaveSession(ctx context.Context, s *Session) error
}

// EventPublisher forwards pipeline events to external consumers.
// Called from the aggregation goroutine; implementations must not block for long.
type EventPublisher interface {
	PublishRep(sessionID string, ev repphase.Event)
	PublishFeedback(sessionID string, fb violation.Feedback)
	PublishSession(s *Session)
}

// Announcer turns rep completions and new violations into spoken feedback.
// Rate limiting is the announcer's responsibility.
type Announcer interface {
	AnnounceRep(repIndex int)
	AnnounceViolations(newlyActive []violation.Violation)
	// Reset is called when a new session starts.
	Reset()
}

// Recorder captures the frames already delivered for preview.
// Its failures never stop detection.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording() (path string, err error)
	Observe(frame *types.Frame)
}

// Observer receives session telemetry. Implementations must be non-blocking.
type Observer interface {
	FrameReceived()
	RepCompleted(exercise string, formScore float64)
	RepAbandoned(exercise string, reason string)
	ViolationActivated(exercise, ruleID string)
	FormScore(exercise string, score float64)
	StateChanged(state State)
}
