package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

// Session aggregates one workout on one exercise.
//
// Owned by the orchestrator while active; Persister and EventPublisher only
// ever receive copies.
type Session struct {
	ID            string     `json:"id"`
	Exercise      string     `json:"exercise"`
	FallbackRules bool       `json:"fallback_rules"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`

	// RepHistory holds every rep event in emission order
	RepHistory []repphase.Event `json:"rep_history"`
	RepCount   int              `json:"rep_count"`

	// ViolationFrequency counts activations per rule id
	ViolationFrequency map[string]int `json:"violation_frequency"`

	FormScoreSum     float64 `json:"form_score_sum"`
	FormScoreCount   int     `json:"form_score_count"`
	AverageFormScore float64 `json:"average_form_score"`

	// Pauses counts lifecycle interruptions
	Pauses        int    `json:"pauses"`
	RecordingPath string `json:"recording_path,omitempty"`
}

func newSession(exercise string, fallback bool, now time.Time) *Session {
	return &Session{
		ID:                 uuid.NewString(),
		Exercise:           exercise,
		FallbackRules:      fallback,
		StartTime:          now,
		ViolationFrequency: make(map[string]int),
	}
}

// Active reports whether the session has not been finalized.
func (s *Session) Active() bool {
	return s.EndTime == nil
}

// Duration from start to end (or to now while active).
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

func (s *Session) recordRep(ev repphase.Event) {
	s.RepHistory = append(s.RepHistory, ev)
	if ev.Type == repphase.EventCompleted {
		s.RepCount++
	}
}

func (s *Session) recordFeedback(fb violation.Feedback) {
	s.FormScoreSum += fb.OverallFormScore
	s.FormScoreCount++
	for _, id := range fb.NewlyActive {
		s.ViolationFrequency[id]++
	}
}

func (s *Session) finalize(now time.Time) {
	end := now
	s.EndTime = &end
	if s.FormScoreCount > 0 {
		s.AverageFormScore = s.FormScoreSum / float64(s.FormScoreCount)
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.RepHistory = append([]repphase.Event(nil), s.RepHistory...)
	c.ViolationFrequency = make(map[string]int, len(s.ViolationFrequency))
	for k, v := range s.ViolationFrequency {
		c.ViolationFrequency[k] = v
	}
	return &c
}
