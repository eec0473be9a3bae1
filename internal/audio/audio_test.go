package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

type utterance struct {
	text     string
	priority Priority
}

type recordingSpeaker struct {
	mu    sync.Mutex
	said  []utterance
	err   error
	voice Voice
}

func (s *recordingSpeaker) Speak(text string, p Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.said = append(s.said, utterance{text, p})
	return nil
}

func (s *recordingSpeaker) SetVoice(v Voice) error {
	s.mu.Lock()
	s.voice = v
	s.mu.Unlock()
	return nil
}

func (s *recordingSpeaker) Voice() Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAnnouncer() (*Announcer, *recordingSpeaker, *clock) {
	sp := &recordingSpeaker{}
	c := &clock{t: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)}
	a := NewAnnouncer(sp, DefaultConfig())
	a.now = c.now
	return a, sp, c
}

var (
	lean = violation.Violation{RuleID: "torso_lean", Severity: rules.SeverityMedium, Message: "Keep your chest up"}
	hips = violation.Violation{RuleID: "hips_rising_first", Severity: rules.SeverityHigh, Message: "Drive with your chest"}
)

func TestAnnounceRep_OncePerRep(t *testing.T) {
	a, sp, _ := newTestAnnouncer()

	a.AnnounceRep(1)
	a.AnnounceRep(1)
	a.AnnounceRep(2)
	a.AnnounceRep(1)

	assert.Equal(t, []utterance{{"1", PriorityNormal}, {"2", PriorityNormal}}, sp.said)
	assert.Equal(t, Stats{Spoken: 2, Suppressed: 2}, a.Stats())

	a.Reset()
	a.AnnounceRep(1)
	assert.Len(t, sp.said, 3)
}

func TestAnnounceViolations_MostSevereWins(t *testing.T) {
	a, sp, _ := newTestAnnouncer()

	a.AnnounceViolations([]violation.Violation{lean, hips})

	require.Len(t, sp.said, 1)
	assert.Equal(t, utterance{"Drive with your chest", PriorityHigh}, sp.said[0])
	assert.Equal(t, uint64(1), a.Stats().Suppressed)
}

func TestAnnounceViolations_Cooldowns(t *testing.T) {
	a, sp, c := newTestAnnouncer()

	a.AnnounceViolations([]violation.Violation{lean})
	c.advance(500 * time.Millisecond)
	a.AnnounceViolations([]violation.Violation{hips}) // inside MinGap
	c.advance(time.Second)
	a.AnnounceViolations([]violation.Violation{lean}) // rule cooling down
	a.AnnounceViolations([]violation.Violation{hips})
	c.advance(5 * time.Second)
	a.AnnounceViolations([]violation.Violation{lean})

	var texts []string
	for _, u := range sp.said {
		texts = append(texts, u.text)
	}
	assert.Equal(t, []string{"Keep your chest up", "Drive with your chest", "Keep your chest up"}, texts)
}

func TestAnnouncer_SpeakerFailureCounted(t *testing.T) {
	a, sp, _ := newTestAnnouncer()
	sp.err = errors.New("tts offline")

	a.AnnounceRep(1)
	assert.Equal(t, uint64(1), a.Stats().Failed)
}

func TestVoice_Validate(t *testing.T) {
	assert.NoError(t, DefaultVoice().Validate())
	assert.Error(t, Voice{Volume: 1.5, Rate: 1, Pitch: 1}.Validate())
	assert.Error(t, Voice{Volume: 1, Rate: 0.1, Pitch: 1}.Validate())
	assert.Error(t, Voice{Volume: 1, Rate: 1, Pitch: 3}.Validate())

	s := NewLogSpeaker()
	assert.Error(t, s.SetVoice(Voice{}))
	assert.NoError(t, s.SetVoice(Voice{Volume: 0.5, Rate: 1.2, Pitch: 1}))
	assert.NoError(t, s.Speak("3", PriorityNormal))
}
