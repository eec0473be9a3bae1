// Package audio turns session events into spoken feedback.
package audio

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

// Priority of an utterance. Higher priorities may interrupt lower ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Voice configures speech rendering.
type Voice struct {
	// Volume in [0,1]
	Volume float64 `yaml:"volume" json:"volume"`
	// Rate multiplier in [0.25,4]
	Rate float64 `yaml:"rate" json:"rate"`
	// Pitch multiplier in [0.5,2]
	Pitch float64 `yaml:"pitch" json:"pitch"`
}

// DefaultVoice is full volume at normal rate and pitch.
func DefaultVoice() Voice {
	return Voice{Volume: 1, Rate: 1, Pitch: 1}
}

// Validate checks the voice ranges.
func (v Voice) Validate() error {
	if v.Volume < 0 || v.Volume > 1 {
		return fmt.Errorf("audio: volume must be in [0,1], got %v", v.Volume)
	}
	if v.Rate < 0.25 || v.Rate > 4 {
		return fmt.Errorf("audio: rate must be in [0.25,4], got %v", v.Rate)
	}
	if v.Pitch < 0.5 || v.Pitch > 2 {
		return fmt.Errorf("audio: pitch must be in [0.5,2], got %v", v.Pitch)
	}
	return nil
}

// Speaker renders text to speech. Speak must not block for long.
type Speaker interface {
	Speak(text string, priority Priority) error
	SetVoice(v Voice) error
	Voice() Voice
}

// LogSpeaker writes utterances to the log. Used when no TTS sink is configured.
type LogSpeaker struct {
	mu    sync.Mutex
	voice Voice
}

// NewLogSpeaker creates a log speaker with the default voice.
func NewLogSpeaker() *LogSpeaker {
	return &LogSpeaker{voice: DefaultVoice()}
}

func (s *LogSpeaker) Speak(text string, priority Priority) error {
	s.mu.Lock()
	v := s.voice
	s.mu.Unlock()
	slog.Info("audio: speak", "text", text, "priority", priority.String(),
		"volume", v.Volume, "rate", v.Rate, "pitch", v.Pitch)
	return nil
}

func (s *LogSpeaker) Voice() Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

func (s *LogSpeaker) SetVoice(v Voice) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.voice = v
	s.mu.Unlock()
	return nil
}

// Config holds announcer rate limits.
type Config struct {
	// ViolationCooldown is the minimum time between two announcements of the same rule
	ViolationCooldown time.Duration
	// MinGap is the minimum time between two violation announcements of any rule
	MinGap time.Duration
}

// DefaultConfig returns the default rate limits.
func DefaultConfig() Config {
	return Config{ViolationCooldown: 5 * time.Second, MinGap: 1500 * time.Millisecond}
}

// Stats contains announcer counters.
type Stats struct {
	Spoken     uint64
	Suppressed uint64
	Failed     uint64
}

// Announcer rate-limits feedback: at most one announcement per completed rep
// and per-rule cooldowns for violations.
type Announcer struct {
	speaker Speaker
	cfg     Config
	now     func() time.Time

	mu            sync.Mutex
	lastRep       int
	lastRule      map[string]time.Time
	lastViolation time.Time
	stats         Stats
}

// NewAnnouncer creates an announcer speaking through speaker.
func NewAnnouncer(speaker Speaker, cfg Config) *Announcer {
	return &Announcer{
		speaker:  speaker,
		cfg:      cfg,
		now:      time.Now,
		lastRule: make(map[string]time.Time),
	}
}

// AnnounceRep speaks the rep count. Repeated or out-of-order indices are suppressed.
func (a *Announcer) AnnounceRep(repIndex int) {
	a.mu.Lock()
	if repIndex <= a.lastRep {
		a.stats.Suppressed++
		a.mu.Unlock()
		return
	}
	a.lastRep = repIndex
	a.mu.Unlock()

	a.say(strconv.Itoa(repIndex), PriorityNormal)
}

// AnnounceViolations speaks the most severe newly active violation that is
// not cooling down. The others are suppressed.
func (a *Announcer) AnnounceViolations(newlyActive []violation.Violation) {
	if len(newlyActive) == 0 {
		return
	}
	now := a.now()

	a.mu.Lock()
	if !a.lastViolation.IsZero() && now.Sub(a.lastViolation) < a.cfg.MinGap {
		a.stats.Suppressed += uint64(len(newlyActive))
		a.mu.Unlock()
		return
	}
	var pick *violation.Violation
	for i := range newlyActive {
		v := &newlyActive[i]
		if last, ok := a.lastRule[v.RuleID]; ok && now.Sub(last) < a.cfg.ViolationCooldown {
			a.stats.Suppressed++
			continue
		}
		if pick == nil || v.Severity.Weight() > pick.Severity.Weight() {
			if pick != nil {
				a.stats.Suppressed++
			}
			pick = v
			continue
		}
		a.stats.Suppressed++
	}
	if pick == nil {
		a.mu.Unlock()
		return
	}
	a.lastRule[pick.RuleID] = now
	a.lastViolation = now
	a.mu.Unlock()

	priority := PriorityNormal
	if pick.Severity == rules.SeverityHigh {
		priority = PriorityHigh
	}
	a.say(pick.Message, priority)
}

// Reset forgets rep and cooldown history (new session).
func (a *Announcer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRep = 0
	a.lastRule = make(map[string]time.Time)
	a.lastViolation = time.Time{}
}

// Stats returns the announcer counters.
func (a *Announcer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Announcer) say(text string, p Priority) {
	if err := a.speaker.Speak(text, p); err != nil {
		a.mu.Lock()
		a.stats.Failed++
		a.mu.Unlock()
		slog.Warn("audio: speak failed", "text", text, "error", err)
		return
	}
	a.mu.Lock()
	a.stats.Spoken++
	a.mu.Unlock()
}
