// Package emitter publishes session events and speech to an MQTT broker.
//
// Topics (defaults, see config):
//
//	formcoach/events/{instance_id}/rep       RepEvent
//	formcoach/events/{instance_id}/feedback  FormFeedback
//	formcoach/events/{instance_id}/session   finalized Session
//	formcoach/speech/{instance_id}           Utterance
//	formcoach/health/{instance_id}           health payload
//
// Publishing never blocks the caller: messages are queued and a single sender
// goroutine waits on broker acknowledgements. A full queue drops the message.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-form-coach/internal/audio"
	"github.com/e7canasta/orion-form-coach/internal/config"
	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/session"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

const (
	queueSize      = 64
	publishTimeout = 2 * time.Second
)

// ErrNotConnected is returned when publishing before Connect.
var ErrNotConnected = errors.New("emitter: mqtt not connected")

// RepMessage is the payload of the rep topic.
type RepMessage struct {
	SessionID string         `json:"session_id"`
	Event     repphase.Event `json:"event"`
}

// FeedbackMessage is the payload of the feedback topic.
type FeedbackMessage struct {
	SessionID string             `json:"session_id"`
	Feedback  violation.Feedback `json:"feedback"`
}

// Utterance is the payload of the speech topic.
type Utterance struct {
	Text     string      `json:"text"`
	Priority string      `json:"priority"`
	Voice    audio.Voice `json:"voice"`
	At       time.Time   `json:"at"`
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// MQTTEmitter implements session.EventPublisher and audio.Speaker over MQTT.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	queue     chan message
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	dropped   uint64
	errors    uint64
	connected bool
	closed    bool
	voice     audio.Voice
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan message, queueSize),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
		voice:     cfg.Voice(),
	}
}

// Connect establishes connection to MQTT broker and starts the sender
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.MQTT.Broker)
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	client := mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return fmt.Errorf("emitter: mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.Attach(client)
	return nil
}

// Attach uses an already connected client and starts the sender.
func (e *MQTTEmitter) Attach(client mqtt.Client) {
	e.Client = client
	e.setConnected(client.IsConnected())
	go e.sendLoop()
}

// PublishRep implements session.EventPublisher
func (e *MQTTEmitter) PublishRep(sessionID string, ev repphase.Event) {
	e.enqueueJSON(e.eventTopic("rep"), e.getQoS("events"), RepMessage{SessionID: sessionID, Event: ev})
}

// PublishFeedback implements session.EventPublisher
func (e *MQTTEmitter) PublishFeedback(sessionID string, fb violation.Feedback) {
	e.enqueueJSON(e.eventTopic("feedback"), e.getQoS("events"), FeedbackMessage{SessionID: sessionID, Feedback: fb})
}

// PublishSession implements session.EventPublisher
func (e *MQTTEmitter) PublishSession(s *session.Session) {
	e.enqueueJSON(e.eventTopic("session"), e.getQoS("events"), s)
}

// Speak implements audio.Speaker by publishing to the speech topic.
func (e *MQTTEmitter) Speak(text string, priority audio.Priority) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	e.mu.RLock()
	v := e.voice
	e.mu.RUnlock()
	return e.enqueueJSON(e.cfg.MQTT.Topics.Speech, e.getQoS("speech"), Utterance{
		Text:     text,
		Priority: priority.String(),
		Voice:    v,
		At:       time.Now(),
	})
}

// Voice implements audio.Speaker
func (e *MQTTEmitter) Voice() audio.Voice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.voice
}

// SetVoice implements audio.Speaker
func (e *MQTTEmitter) SetVoice(v audio.Voice) error {
	if err := v.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.voice = v
	e.mu.Unlock()
	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	return e.enqueue(message{topic: e.cfg.MQTT.Topics.Health, qos: e.getQoS("health"), payload: payload})
}

// Disconnect drains the queue and closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		if e.Client != nil {
			<-e.done
		}
	})

	e.setConnected(false)

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Dropped   uint64
	Errors    uint64
}

func (e *MQTTEmitter) enqueueJSON(topic string, qos byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Warn("emitter: marshal failed", "topic", topic, "error", err)
		return fmt.Errorf("emitter: marshal %s: %w", topic, err)
	}
	return e.enqueue(message{topic: topic, qos: qos, payload: payload})
}

// enqueue holds the read lock across the send so Disconnect cannot close the
// queue underneath it.
func (e *MQTTEmitter) enqueue(m message) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrNotConnected
	}
	select {
	case e.queue <- m:
		e.mu.RUnlock()
		return nil
	default:
		e.mu.RUnlock()
	}

	e.mu.Lock()
	e.dropped++
	e.mu.Unlock()
	slog.Debug("emitter: queue full, message dropped", "topic", m.topic)
	return fmt.Errorf("emitter: queue full")
}

func (e *MQTTEmitter) sendLoop() {
	defer close(e.done)
	for m := range e.queue {
		e.send(m)
	}
}

func (e *MQTTEmitter) send(m message) {
	if !e.isConnected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return
	}

	token := e.Client.Publish(m.topic, m.qos, false, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Warn("emitter: publish timeout", "topic", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Warn("emitter: publish failed", "topic", m.topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published[m.topic]++
	e.mu.Unlock()

	slog.Debug("emitter: published",
		"topic", m.topic,
		"qos", m.qos,
		"size", len(m.payload),
	)
}

func (e *MQTTEmitter) eventTopic(kind string) string {
	return fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, kind)
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// isConnected returns connection status
func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// getQoS returns the QoS level for a topic class
func (e *MQTTEmitter) getQoS(class string) byte {
	if qos, ok := e.cfg.MQTT.QoS[class]; ok {
		return qos
	}
	return 0
}
